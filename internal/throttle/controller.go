package throttle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"flowsend/internal/models"
)

// Store persists per-channel rate state so it survives restarts and is
// shared across concurrent campaigns on the same channel.
type Store interface {
	ThroughputState(ctx context.Context, channelID string) (*models.ThroughputState, error)
	PutThroughputState(ctx context.Context, state *models.ThroughputState) error
}

// Config bounds the adaptive feedback loop.
type Config struct {
	MinRate     float64
	MaxRate     float64
	InitialRate float64

	BackoffFactor float64 // applied on a throttling signal, < 1
	GrowthFactor  float64 // applied after a stable batch, > 1

	Cooldown    time.Duration // no increases for this long after a decrease
	IncreaseGap time.Duration // minimum spacing between increases
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinRate <= 0 {
		out.MinRate = 1
	}
	if out.MaxRate <= 0 {
		out.MaxRate = 80
	}
	if out.InitialRate <= 0 {
		out.InitialRate = 10
	}
	if out.BackoffFactor <= 0 || out.BackoffFactor >= 1 {
		out.BackoffFactor = 0.5
	}
	if out.GrowthFactor <= 1 {
		out.GrowthFactor = 1.25
	}
	if out.Cooldown <= 0 {
		out.Cooldown = time.Minute
	}
	if out.IncreaseGap <= 0 {
		out.IncreaseGap = 30 * time.Second
	}
	return out
}

// Controller maintains the target send rate per channel. State access is
// read-modify-write without fine-grained locking; a lost race costs at most
// one extra decrease or one missed increase.
type Controller struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func NewController(store Store, cfg Config, log *zap.Logger) *Controller {
	return &Controller{store: store, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

func (c *Controller) load(ctx context.Context, channelID string) *models.ThroughputState {
	state, err := c.store.ThroughputState(ctx, channelID)
	if err != nil {
		c.log.Warn("throughput state read failed, using initial rate",
			zap.String("channel_id", channelID),
			zap.Error(err),
		)
		state = nil
	}
	if state == nil {
		state = &models.ThroughputState{ChannelID: channelID, Rate: c.cfg.InitialRate}
	}
	return state
}

func (c *Controller) save(ctx context.Context, state *models.ThroughputState) {
	state.UpdatedAt = c.now()
	if err := c.store.PutThroughputState(ctx, state); err != nil {
		c.log.Warn("throughput state write failed",
			zap.String("channel_id", state.ChannelID),
			zap.Error(err),
		)
	}
}

// Rate returns the current target rate for the channel.
func (c *Controller) Rate(ctx context.Context, channelID string) float64 {
	return c.load(ctx, channelID).Rate
}

// Throttled records a provider throughput-exceeded signal: the rate drops by
// the backoff factor (bounded at the minimum) and a cooldown window opens.
// Returns the new target rate.
func (c *Controller) Throttled(ctx context.Context, channelID string) float64 {
	state := c.load(ctx, channelID)

	next := state.Rate * c.cfg.BackoffFactor
	if next < c.cfg.MinRate {
		next = c.cfg.MinRate
	}
	prev := state.Rate
	state.Rate = next
	state.CooldownUntil = c.now().Add(c.cfg.Cooldown)
	c.save(ctx, state)

	c.log.Warn("provider throttling detected, target rate decreased",
		zap.String("channel_id", channelID),
		zap.Float64("previous_rate", prev),
		zap.Float64("rate", next),
		zap.Time("cooldown_until", state.CooldownUntil),
	)
	return next
}

// BatchStable records a batch that completed without any throttling signal.
// Past the cooldown, and with the minimum gap since the last increase, the
// rate grows by the growth factor bounded at the maximum.
func (c *Controller) BatchStable(ctx context.Context, channelID string) float64 {
	state := c.load(ctx, channelID)
	now := c.now()

	if now.Before(state.CooldownUntil) {
		return state.Rate
	}
	if !state.LastIncreaseAt.IsZero() && now.Sub(state.LastIncreaseAt) < c.cfg.IncreaseGap {
		return state.Rate
	}
	if state.Rate >= c.cfg.MaxRate {
		return state.Rate
	}

	next := state.Rate * c.cfg.GrowthFactor
	if next > c.cfg.MaxRate {
		next = c.cfg.MaxRate
	}
	prev := state.Rate
	state.Rate = next
	state.LastIncreaseAt = now
	c.save(ctx, state)

	c.log.Info("stable batch, target rate increased",
		zap.String("channel_id", channelID),
		zap.Float64("previous_rate", prev),
		zap.Float64("rate", next),
	)
	return next
}
