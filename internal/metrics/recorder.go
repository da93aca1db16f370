package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"flowsend/internal/models"
)

// Store persists the append-only observability records.
type Store interface {
	InsertBatchMetrics(ctx context.Context, m *models.BatchMetrics) error
	InsertRunMetrics(ctx context.Context, m *models.RunMetrics) error
}

// Recorder writes per-batch and per-run records, best-effort: every write
// runs in its own goroutine with its own timeout, and errors are logged and
// swallowed so observability can never fail a dispatch or a send.
type Recorder struct {
	store Store
	log   *zap.Logger
}

func NewRecorder(store Store, log *zap.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Batch(m models.BatchMetrics) {
	if r == nil || r.store == nil {
		return
	}
	m.RecordedAt = time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.InsertBatchMetrics(ctx, &m); err != nil {
			r.log.Warn("batch metrics write failed",
				zap.Int64("campaign_id", m.CampaignID),
				zap.Int("batch_index", m.BatchIndex),
				zap.Error(err),
			)
		}
	}()
}

func (r *Recorder) Run(m models.RunMetrics) {
	if r == nil || r.store == nil {
		return
	}
	m.RecordedAt = time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.InsertRunMetrics(ctx, &m); err != nil {
			r.log.Warn("run metrics write failed",
				zap.Int64("campaign_id", m.CampaignID),
				zap.String("phase", m.Phase),
				zap.Error(err),
			)
		}
	}()
}
