package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"flowsend/internal/models"
)

// ThroughputState returns the persisted rate state for a channel, or nil
// when the channel has never been throttled or grown.
func (s *Store) ThroughputState(ctx context.Context, channelID string) (*models.ThroughputState, error) {
	var st models.ThroughputState
	err := s.Pool.QueryRow(ctx,
		`SELECT channel_id, rate, COALESCE(cooldown_until, 'epoch'),
		        COALESCE(last_increase_at, 'epoch'), updated_at
		 FROM throughput_state
		 WHERE channel_id=$1`,
		channelID,
	).Scan(&st.ChannelID, &st.Rate, &st.CooldownUntil, &st.LastIncreaseAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) PutThroughputState(ctx context.Context, state *models.ThroughputState) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO throughput_state (channel_id, rate, cooldown_until, last_increase_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, 'epoch'::timestamptz), NULLIF($4, 'epoch'::timestamptz), $5)
		 ON CONFLICT (channel_id) DO UPDATE SET
		   rate=EXCLUDED.rate,
		   cooldown_until=EXCLUDED.cooldown_until,
		   last_increase_at=EXCLUDED.last_increase_at,
		   updated_at=EXCLUDED.updated_at`,
		state.ChannelID, state.Rate, state.CooldownUntil, state.LastIncreaseAt, state.UpdatedAt)
	return err
}
