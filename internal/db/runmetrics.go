package db

import (
	"context"

	"flowsend/internal/models"
)

func (s *Store) InsertBatchMetrics(ctx context.Context, m *models.BatchMetrics) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO batch_metrics
		 (campaign_id, trace_id, batch_index, claimed, sent, failed, skipped,
		  throttled, rate_per_sec, provider_ms, store_ms, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.CampaignID, m.TraceID, m.BatchIndex,
		m.Claimed, m.Sent, m.Failed, m.Skipped,
		m.Throttled, m.RatePerSec, m.ProviderMS, m.StoreMS, m.RecordedAt)
	return err
}

func (s *Store) InsertRunMetrics(ctx context.Context, m *models.RunMetrics) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO run_metrics
		 (campaign_id, trace_id, phase, queued, skipped, batches, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.CampaignID, m.TraceID, m.Phase,
		m.Queued, m.Skipped, m.Batches, m.RecordedAt)
	return err
}
