package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowsend/internal/models"
)

type fakeStore struct {
	states  map[string]*models.ThroughputState
	readErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*models.ThroughputState)}
}

func (f *fakeStore) ThroughputState(_ context.Context, channelID string) (*models.ThroughputState, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	st, ok := f.states[channelID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) PutThroughputState(_ context.Context, state *models.ThroughputState) error {
	cp := *state
	f.states[state.ChannelID] = &cp
	return nil
}

func newController(t *testing.T, store Store, cfg Config) (*Controller, *time.Time) {
	t.Helper()
	c := NewController(store, cfg, zap.NewNop())
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	c.now = func() time.Time { return *clock }
	return c, clock
}

func TestThrottledHalvesAndBounds(t *testing.T) {
	store := newFakeStore()
	c, _ := newController(t, store, Config{InitialRate: 40, MinRate: 5})
	ctx := context.Background()

	if got := c.Throttled(ctx, "ch"); got != 20 {
		t.Fatalf("first decrease = %v, want 20", got)
	}
	if got := c.Throttled(ctx, "ch"); got != 10 {
		t.Fatalf("second decrease = %v, want 10", got)
	}
	if got := c.Throttled(ctx, "ch"); got != 5 {
		t.Fatalf("third decrease = %v, want min bound 5", got)
	}
	if got := c.Throttled(ctx, "ch"); got != 5 {
		t.Fatalf("decrease below min = %v, want 5", got)
	}
}

func TestBatchStableGrowsPastCooldown(t *testing.T) {
	store := newFakeStore()
	c, clock := newController(t, store, Config{InitialRate: 16, MaxRate: 30})
	ctx := context.Background()

	c.Throttled(ctx, "ch") // 8, cooldown opens

	if got := c.BatchStable(ctx, "ch"); got != 8 {
		t.Fatalf("rate inside cooldown = %v, want unchanged 8", got)
	}

	*clock = clock.Add(2 * time.Minute)
	if got := c.BatchStable(ctx, "ch"); got != 10 {
		t.Fatalf("first increase = %v, want 10", got)
	}

	// Second increase inside the gap is skipped.
	*clock = clock.Add(10 * time.Second)
	if got := c.BatchStable(ctx, "ch"); got != 10 {
		t.Fatalf("increase inside gap = %v, want 10", got)
	}

	*clock = clock.Add(time.Minute)
	if got := c.BatchStable(ctx, "ch"); got != 12.5 {
		t.Fatalf("second increase = %v, want 12.5", got)
	}
}

func TestBatchStableBoundedAtMax(t *testing.T) {
	store := newFakeStore()
	c, clock := newController(t, store, Config{InitialRate: 70, MaxRate: 80})
	ctx := context.Background()

	if got := c.BatchStable(ctx, "ch"); got != 80 {
		t.Fatalf("increase = %v, want clamped to 80", got)
	}
	*clock = clock.Add(time.Minute)
	if got := c.BatchStable(ctx, "ch"); got != 80 {
		t.Fatalf("increase at max = %v, want 80", got)
	}
}

func TestRateSurvivesReload(t *testing.T) {
	store := newFakeStore()
	c, _ := newController(t, store, Config{InitialRate: 40})
	ctx := context.Background()

	c.Throttled(ctx, "ch")

	// Fresh controller, same store: decreased rate persists per channel.
	c2, _ := newController(t, store, Config{InitialRate: 40})
	if got := c2.Rate(ctx, "ch"); got != 20 {
		t.Fatalf("reloaded rate = %v, want 20", got)
	}
	if got := c2.Rate(ctx, "other"); got != 40 {
		t.Fatalf("unknown channel rate = %v, want initial 40", got)
	}
}

func TestReadFailureFallsBackToInitialRate(t *testing.T) {
	store := newFakeStore()
	store.readErr = errors.New("connection refused")
	c, _ := newController(t, store, Config{InitialRate: 25})

	if got := c.Rate(context.Background(), "ch"); got != 25 {
		t.Fatalf("rate under store failure = %v, want initial 25", got)
	}
}
