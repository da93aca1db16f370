package suppression

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"flowsend/internal/models"
)

// Store is the slice of the data store the gate needs.
type Store interface {
	ActiveSuppressions(ctx context.Context, phones []string) ([]models.SuppressionEntry, error)
	InsertSuppression(ctx context.Context, entry *models.SuppressionEntry) error
}

// Directory exposes opt-out status from the contact directory.
type Directory interface {
	OptedOut(ctx context.Context, contactIDs []int64) (map[int64]bool, error)
}

// Config tunes the gate's cache and the auto-suppression heuristic.
type Config struct {
	CacheTTL           time.Duration
	FailureThreshold   int           // hard failures before auto-suppression
	FailureWindow      time.Duration // counting window per phone
	AutoSuppressExpiry time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CacheTTL <= 0 {
		out.CacheTTL = 5 * time.Minute
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = 24 * time.Hour
	}
	if out.AutoSuppressExpiry <= 0 {
		out.AutoSuppressExpiry = 30 * 24 * time.Hour
	}
	return out
}

// Gate answers "may we contact this number / this contact right now". Both
// checks are advisory: a lookup failure is logged and treated as not
// suppressed so it can never block a dispatch.
type Gate struct {
	store    Store
	dir      Directory
	cfg      Config
	log      *zap.Logger
	cache    *gocache.Cache // phone -> *models.SuppressionEntry, or notSuppressed marker
	failures *gocache.Cache // phone -> int hard-failure count
}

type notSuppressed struct{}

func NewGate(store Store, dir Directory, cfg Config, log *zap.Logger) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		store:    store,
		dir:      dir,
		cfg:      cfg,
		log:      log,
		cache:    gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		failures: gocache.New(cfg.FailureWindow, cfg.FailureWindow),
	}
}

// Suppressed returns the subset of phones currently on the global
// suppression list, keyed by phone.
func (g *Gate) Suppressed(ctx context.Context, phones []string) map[string]*models.SuppressionEntry {
	out := make(map[string]*models.SuppressionEntry)

	var misses []string
	for _, phone := range phones {
		cached, ok := g.cache.Get(phone)
		if !ok {
			misses = append(misses, phone)
			continue
		}
		if entry, ok := cached.(*models.SuppressionEntry); ok {
			out[phone] = entry
		}
	}
	if len(misses) == 0 {
		return out
	}

	entries, err := g.store.ActiveSuppressions(ctx, misses)
	if err != nil {
		g.log.Warn("suppression lookup failed, treating as not suppressed",
			zap.Int("phones", len(misses)),
			zap.Error(err),
		)
		return out
	}

	now := time.Now()
	hit := make(map[string]bool, len(entries))
	for i := range entries {
		entry := &entries[i]
		if !entry.Active(now) {
			continue
		}
		hit[entry.Phone] = true
		out[entry.Phone] = entry
		g.cache.Set(entry.Phone, entry, g.cfg.CacheTTL)
	}
	for _, phone := range misses {
		if !hit[phone] {
			g.cache.Set(phone, notSuppressed{}, g.cfg.CacheTTL)
		}
	}
	return out
}

// OptedOut returns the opt-out flag per contact id. Best-effort like
// Suppressed.
func (g *Gate) OptedOut(ctx context.Context, contactIDs []int64) map[int64]bool {
	if len(contactIDs) == 0 {
		return nil
	}
	out, err := g.dir.OptedOut(ctx, contactIDs)
	if err != nil {
		g.log.Warn("opt-out lookup failed, treating as opted in",
			zap.Int("contacts", len(contactIDs)),
			zap.Error(err),
		)
		return nil
	}
	return out
}

// NoteHardFailure feeds the cross-campaign auto-suppression heuristic: a
// phone that keeps hard-failing with the same class of provider error gets a
// TTL-bounded suppression entry so later campaigns stop paying for it.
// Fire-and-forget; errors are logged, never returned.
func (g *Gate) NoteHardFailure(phone, code string) {
	count := 1
	if cached, ok := g.failures.Get(phone); ok {
		count = cached.(int) + 1
	}
	g.failures.Set(phone, count, g.cfg.FailureWindow)

	if count < g.cfg.FailureThreshold {
		return
	}
	g.failures.Delete(phone)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		expiry := time.Now().Add(g.cfg.AutoSuppressExpiry)
		entry := &models.SuppressionEntry{
			Phone:     phone,
			Reason:    fmt.Sprintf("repeated provider failures (code %s)", code),
			Source:    models.SuppressionSourceHeuristic,
			ExpiresAt: &expiry,
		}
		if err := g.store.InsertSuppression(ctx, entry); err != nil {
			g.log.Warn("auto-suppression insert failed",
				zap.String("phone", phone),
				zap.String("code", code),
				zap.Error(err),
			)
			return
		}
		g.cache.Set(phone, entry, g.cfg.CacheTTL)
		g.log.Info("phone auto-suppressed after repeated failures",
			zap.String("phone", phone),
			zap.String("code", code),
			zap.Int("failures", count),
		)
	}()
}
