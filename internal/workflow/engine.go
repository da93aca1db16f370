package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowsend/internal/metrics"
	"flowsend/internal/models"
	"flowsend/internal/provider"
	"flowsend/internal/template"
)

// Store is the slice of the data store the engine drives. The recipient row
// is the single source of truth for recipient state; every transition here
// is conditional on the expected prior state.
type Store interface {
	Campaign(ctx context.Context, id int64) (*models.Campaign, error)
	MarkCampaignStarted(ctx context.Context, id int64) error
	FinalizeCampaign(ctx context.Context, id int64, status models.CampaignStatus, counts *models.StatusCounts) error
	RecipientStatusCounts(ctx context.Context, campaignID int64) (*models.StatusCounts, error)
	AddCampaignCounters(ctx context.Context, id int64, sent, failed, skipped int) error

	// ClaimPending atomically transitions up to limit rows pending->sending
	// and returns the claimed subset.
	ClaimPending(ctx context.Context, campaignID int64, limit int) ([]models.CampaignRecipient, error)
	// MarkSent persists a successful send immediately; delivery callbacks
	// racing ahead of a deferred write would otherwise fail to correlate.
	MarkSent(ctx context.Context, recipientID int64, providerMessageID string, at time.Time) error
	// ReleaseToPending reverts sending->pending for a throttled recipient.
	ReleaseToPending(ctx context.Context, recipientID int64) error
	// WriteOutcomes bulk-writes terminal outcomes, conditional on the rows
	// still being in sending state.
	WriteOutcomes(ctx context.Context, outcomes []Outcome) error
}

// Gate re-checks suppression/opt-out at send time; state may have changed
// since precheck.
type Gate interface {
	Suppressed(ctx context.Context, phones []string) map[string]*models.SuppressionEntry
	OptedOut(ctx context.Context, contactIDs []int64) map[int64]bool
	NoteHardFailure(phone, code string)
}

// Throttle is the shared per-channel adaptive rate state.
type Throttle interface {
	Rate(ctx context.Context, channelID string) float64
	Throttled(ctx context.Context, channelID string) float64
	BatchStable(ctx context.Context, channelID string) float64
}

// Sender is the messaging provider.
type Sender interface {
	SendTemplate(ctx context.Context, creds provider.Credentials, req *provider.SendRequest) (string, error)
	TemplateByName(ctx context.Context, creds provider.Credentials, name, language string) (*template.Definition, error)
}

// Rehoster re-uploads rejected header media to a stable URL. Optional.
type Rehoster interface {
	Rehost(ctx context.Context, srcURL string) (string, error)
}

// Outcome is one recipient's terminal result within a batch.
type Outcome struct {
	RecipientID       int64
	ContactID         int64
	Status            models.RecipientStatus
	ProviderMessageID string
	FailureCode       string
	FailureReason     string
	SkipCode          string
	SkipReason        string
	At                time.Time
}

// Config tunes the engine.
type Config struct {
	BatchSize    int           // recipients claimed per batch step
	Concurrency  int           // workers per batch; 1 is effectively serial
	SendTimeout  time.Duration // hard per-provider-call timeout
	SweepBatches int           // extra batch steps to re-claim throttled releases
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 30 * time.Second
	}
	if out.SweepBatches < 0 {
		out.SweepBatches = 0
	}
	return out
}

// Run is the serializable workflow payload built by the enqueuer.
type Run struct {
	CampaignID     int64                `json:"campaign_id"`
	TraceID        string               `json:"trace_id"`
	Credentials    provider.Credentials `json:"credentials"`
	Spec           *template.Spec       `json:"spec"`
	Params         map[string]string    `json:"params,omitempty"`
	RecipientCount int                  `json:"recipient_count"`
}

// Engine executes one campaign run as a step-based state machine:
// init -> batch[0..n-1] -> complete, with cooperative cancellation polled at
// every step boundary.
type Engine struct {
	store    Store
	gate     Gate
	throttle Throttle
	sender   Sender
	rehoster Rehoster
	recorder *metrics.Recorder
	log      *zap.Logger
	cfg      Config
}

func NewEngine(store Store, gate Gate, throttle Throttle, sender Sender, rehoster Rehoster, recorder *metrics.Recorder, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		gate:     gate,
		throttle: throttle,
		sender:   sender,
		rehoster: rehoster,
		recorder: recorder,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

// runState is shared across the batch steps of one run; the media recovery
// path may swap in a refreshed template spec mid-run.
type runState struct {
	mu   sync.Mutex
	spec *template.Spec
}

func (s *runState) Spec() *template.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *runState) SetSpec(spec *template.Spec) {
	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()
}

// BuildJob lays out the named steps for one run. The batch count is fixed at
// submit time from the queued recipient count, plus sweep batches that
// re-claim recipients released back to pending by throttling.
func (e *Engine) BuildJob(run Run) Job {
	batches := (run.RecipientCount + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	if batches < 1 {
		batches = 1
	}
	batches += e.cfg.SweepBatches

	st := &runState{spec: run.Spec}

	steps := make([]Step, 0, batches+2)
	steps = append(steps, Step{
		Name: "init",
		Run:  func(ctx context.Context) error { return e.init(ctx, run, batches) },
	})
	for i := 0; i < batches; i++ {
		idx := i
		steps = append(steps, Step{
			Name: fmt.Sprintf("batch-%d", idx),
			Run:  func(ctx context.Context) error { return e.batch(ctx, st, run, idx) },
		})
	}
	steps = append(steps, Step{
		Name: "complete",
		Run:  func(ctx context.Context) error { return e.complete(ctx, run) },
	})

	return Job{
		Name:  fmt.Sprintf("campaign-%d-%s", run.CampaignID, run.TraceID),
		Steps: steps,
	}
}

// init re-checks for external cancellation before flipping the campaign to
// sending. Only the first dispatch sets started_at; the store keeps it.
func (e *Engine) init(ctx context.Context, run Run, batches int) error {
	c, err := e.store.Campaign(ctx, run.CampaignID)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignCancelled {
		return ErrStopRun
	}
	if err := e.store.MarkCampaignStarted(ctx, run.CampaignID); err != nil {
		return err
	}
	e.recorder.Run(models.RunMetrics{
		CampaignID: run.CampaignID,
		TraceID:    run.TraceID,
		Phase:      "init",
		Batches:    batches,
	})
	return nil
}

// batchState accumulates one batch's results across the worker pool.
type batchState struct {
	throttleOnce sync.Once
	throttled    atomic.Bool
	providerMS   atomic.Int64

	mu       sync.Mutex
	outcomes []Outcome
	sent     int
	failed   int
	skipped  int
	released int
}

func (b *batchState) add(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, o)
	switch o.Status {
	case models.RecipientFailed:
		b.failed++
	case models.RecipientSkipped:
		b.skipped++
	}
}

func (e *Engine) batch(ctx context.Context, st *runState, run Run, idx int) error {
	c, err := e.store.Campaign(ctx, run.CampaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CampaignCancelled:
		return ErrStopRun
	case models.CampaignPaused:
		e.log.Info("campaign paused, skipping batch",
			zap.Int64("campaign_id", run.CampaignID),
			zap.Int("batch", idx),
		)
		return nil
	}

	channelID := run.Credentials.ChannelID
	target := e.throttle.Rate(ctx, channelID)
	limiter := rate.NewLimiter(rate.Limit(target), 1)

	claimed, err := e.store.ClaimPending(ctx, run.CampaignID, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	bs := &batchState{}
	runPool(ctx, e.cfg.Concurrency, claimed, func(ctx context.Context, rec *models.CampaignRecipient) {
		e.processRecipient(ctx, st, run, bs, limiter, rec)
	})

	// Batch-end: one bulk write for the terminal outcomes, per-recipient
	// fallback rather than losing any.
	storeStart := time.Now()
	bs.mu.Lock()
	outcomes := bs.outcomes
	bs.mu.Unlock()
	if len(outcomes) > 0 {
		if err := e.store.WriteOutcomes(ctx, outcomes); err != nil {
			e.log.Warn("bulk outcome write failed, falling back to per-recipient writes",
				zap.Int64("campaign_id", run.CampaignID),
				zap.Int("batch", idx),
				zap.Error(err),
			)
			for _, o := range outcomes {
				if err := e.store.WriteOutcomes(ctx, []Outcome{o}); err != nil {
					e.log.Error("outcome write failed for recipient",
						zap.Int64("recipient_id", o.RecipientID),
						zap.Error(err),
					)
				}
			}
		}
	}
	storeMS := time.Since(storeStart).Milliseconds()

	if err := e.store.AddCampaignCounters(ctx, run.CampaignID, bs.sent, bs.failed, bs.skipped); err != nil {
		// Counter drift self-heals at completion from the store re-read.
		e.log.Warn("campaign counter update failed",
			zap.Int64("campaign_id", run.CampaignID),
			zap.Error(err),
		)
	}

	metrics.BatchesProcessed.Inc()
	e.recorder.Batch(models.BatchMetrics{
		CampaignID: run.CampaignID,
		TraceID:    run.TraceID,
		BatchIndex: idx,
		Claimed:    len(claimed),
		Sent:       bs.sent,
		Failed:     bs.failed,
		Skipped:    bs.skipped,
		Throttled:  bs.throttled.Load(),
		RatePerSec: target,
		ProviderMS: bs.providerMS.Load(),
		StoreMS:    storeMS,
	})

	if !bs.throttled.Load() {
		e.throttle.BatchStable(ctx, channelID)
	}
	return nil
}

func (e *Engine) processRecipient(ctx context.Context, st *runState, run Run, bs *batchState, limiter *rate.Limiter, rec *models.CampaignRecipient) {
	if err := limiter.Wait(ctx); err != nil {
		// Context gone; leave the row in sending for the step replay.
		return
	}

	now := time.Now

	// Re-check the gate: suppression or opt-out may have landed since
	// precheck.
	if entry := e.gate.Suppressed(ctx, []string{rec.Phone})[rec.Phone]; entry != nil {
		bs.add(Outcome{
			RecipientID: rec.ID, ContactID: rec.ContactID,
			Status:     models.RecipientSkipped,
			SkipCode:   "SUPPRESSED",
			SkipReason: fmt.Sprintf("suppressed (%s): %s", entry.Source, entry.Reason),
			At:         now(),
		})
		metrics.RecipientsSkipped.Inc()
		return
	}
	if e.gate.OptedOut(ctx, []int64{rec.ContactID})[rec.ContactID] {
		bs.add(Outcome{
			RecipientID: rec.ID, ContactID: rec.ContactID,
			Status:     models.RecipientSkipped,
			SkipCode:   "OPT_OUT",
			SkipReason: "contact has opted out",
			At:         now(),
		})
		metrics.RecipientsSkipped.Inc()
		return
	}

	contact := &models.Contact{
		ID:           rec.ContactID,
		Phone:        rec.Phone,
		Name:         rec.Name,
		CustomFields: rec.CustomFields,
	}

	spec := st.Spec()
	vals, missing := template.Resolve(spec, contact, run.Params, template.ResolveOptions{Fallbacks: true})
	if len(missing) > 0 {
		bs.add(Outcome{
			RecipientID: rec.ID, ContactID: rec.ContactID,
			Status:     models.RecipientSkipped,
			SkipCode:   "MISSING_REQUIRED_PARAM",
			SkipReason: template.MissingReason(missing),
			At:         now(),
		})
		metrics.RecipientsSkipped.Inc()
		return
	}

	msgID, err := e.send(ctx, run, bs, spec, vals, rec.Phone)
	if err != nil && provider.IsMediaForbidden(err) {
		msgID, err = e.recoverMedia(ctx, st, run, bs, contact, rec.Phone, err)
	}

	if err == nil {
		sentAt := now()
		if merr := e.store.MarkSent(ctx, rec.ID, msgID, sentAt); merr != nil {
			e.log.Error("immediate sent persist failed, deferring to batch write",
				zap.Int64("recipient_id", rec.ID),
				zap.Error(merr),
			)
			bs.add(Outcome{
				RecipientID: rec.ID, ContactID: rec.ContactID,
				Status:            models.RecipientSent,
				ProviderMessageID: msgID,
				At:                sentAt,
			})
		}
		bs.mu.Lock()
		bs.sent++
		bs.mu.Unlock()
		metrics.MessagesSent.Inc()
		return
	}

	if provider.IsThroughputExceeded(err) {
		// Only the first signal per batch moves the shared rate; a burst of
		// them is one event.
		bs.throttled.Store(true)
		bs.throttleOnce.Do(func() {
			e.throttle.Throttled(ctx, run.Credentials.ChannelID)
			metrics.ThrottleEvents.Inc()
		})
		// Pre-attempt state: back to pending for a later batch to re-claim.
		if rerr := e.store.ReleaseToPending(ctx, rec.ID); rerr != nil {
			e.log.Error("release to pending failed after throttling",
				zap.Int64("recipient_id", rec.ID),
				zap.Error(rerr),
			)
			return
		}
		bs.mu.Lock()
		bs.released++
		bs.mu.Unlock()
		return
	}

	code, reason := failureDetails(err)
	bs.add(Outcome{
		RecipientID: rec.ID, ContactID: rec.ContactID,
		Status:        models.RecipientFailed,
		FailureCode:   code,
		FailureReason: reason,
		At:            now(),
	})
	metrics.MessagesFailed.Inc()
	if provider.SuppressionCandidate(err) {
		e.gate.NoteHardFailure(rec.Phone, code)
	}
}

// send performs one provider call under the hard per-call timeout.
func (e *Engine) send(ctx context.Context, run Run, bs *batchState, spec *template.Spec, vals *template.Values, to string) (string, error) {
	req := provider.BuildPayload(spec, vals, to)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	msgID, err := e.sender.SendTemplate(callCtx, run.Credentials, req)
	elapsed := time.Since(start)

	bs.providerMS.Add(elapsed.Milliseconds())
	metrics.ProviderSendDuration.Observe(elapsed.Seconds())
	return msgID, err
}

// recoverMedia handles the header-media-forbidden failure class: refresh the
// template spec from the provider and retry once; if that still fails,
// download the media server-side, re-host it at a stable URL, and retry once
// more. The original error is preserved when both recoveries fail.
func (e *Engine) recoverMedia(ctx context.Context, st *runState, run Run, bs *batchState, contact *models.Contact, to string, orig error) (string, error) {
	spec := st.Spec()

	if def, err := e.sender.TemplateByName(ctx, run.Credentials, spec.Name, spec.Language); err == nil {
		if fresh, perr := template.Parse(def); perr == nil && fresh.Fingerprint != spec.Fingerprint {
			st.SetSpec(fresh)
			e.log.Info("template spec refreshed from provider",
				zap.Int64("campaign_id", run.CampaignID),
				zap.String("template", spec.Name),
			)
			if vals, missing := template.Resolve(fresh, contact, run.Params, template.ResolveOptions{Fallbacks: true}); len(missing) == 0 {
				if msgID, serr := e.send(ctx, run, bs, fresh, vals, to); serr == nil {
					return msgID, nil
				}
			}
			spec = fresh
		}
	}

	if e.rehoster != nil && spec.HeaderMediaURL != "" {
		if url, rerr := e.rehoster.Rehost(ctx, spec.HeaderMediaURL); rerr == nil {
			rehosted := *spec
			rehosted.HeaderMediaURL = url
			st.SetSpec(&rehosted)
			if vals, missing := template.Resolve(&rehosted, contact, run.Params, template.ResolveOptions{Fallbacks: true}); len(missing) == 0 {
				if msgID, serr := e.send(ctx, run, bs, &rehosted, vals, to); serr == nil {
					return msgID, nil
				}
			}
		} else {
			e.log.Warn("media rehost failed",
				zap.String("url", spec.HeaderMediaURL),
				zap.Error(rerr),
			)
		}
	}

	return "", orig
}

// complete re-reads counters from the store so any in-memory drift heals,
// then derives the final status. A concurrent cancellation or pause wins: no
// finalization happens, so a paused campaign stays paused with its pending
// rows intact until the operator resumes it with a fresh dispatch.
func (e *Engine) complete(ctx context.Context, run Run) error {
	c, err := e.store.Campaign(ctx, run.CampaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CampaignCancelled:
		return ErrStopRun
	case models.CampaignPaused:
		e.log.Info("campaign still paused at run end, leaving it unfinalized",
			zap.Int64("campaign_id", run.CampaignID),
		)
		return ErrStopRun
	}

	counts, err := e.store.RecipientStatusCounts(ctx, run.CampaignID)
	if err != nil {
		return err
	}
	if counts.Pending > 0 {
		e.log.Warn("recipients remain pending after run; a later dispatch or resend picks them up",
			zap.Int64("campaign_id", run.CampaignID),
			zap.Int("pending", counts.Pending),
		)
	}

	status := models.CampaignCompleted
	if counts.Sent == 0 && counts.Total > 0 && counts.Failed+counts.Skipped == counts.Total {
		status = models.CampaignFailed
	}

	if err := e.store.FinalizeCampaign(ctx, run.CampaignID, status, counts); err != nil {
		return err
	}

	e.recorder.Run(models.RunMetrics{
		CampaignID: run.CampaignID,
		TraceID:    run.TraceID,
		Phase:      "complete",
		Queued:     counts.Sent + counts.Failed,
		Skipped:    counts.Skipped,
	})
	e.log.Info("campaign run completed",
		zap.Int64("campaign_id", run.CampaignID),
		zap.String("status", string(status)),
		zap.Int("sent", counts.Sent),
		zap.Int("failed", counts.Failed),
		zap.Int("skipped", counts.Skipped),
	)
	return nil
}

func failureDetails(err error) (code, reason string) {
	var ae *provider.APIError
	if errors.As(err, &ae) {
		reason := ae.Title
		if ae.Message != "" {
			reason += ": " + ae.Message
		}
		if ae.Details != "" {
			reason += " (" + ae.Details + ")"
		}
		return strconv.Itoa(ae.Code), reason
	}
	return "TRANSPORT", err.Error()
}
