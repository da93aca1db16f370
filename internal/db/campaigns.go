package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flowsend/internal/models"
)

const campaignColumns = `id, name, channel_id, status, template_id, template_snapshot,
	total_recipients, sent, failed, skipped,
	COALESCE(trace_id, ''), COALESCE(last_error, ''),
	scheduled_at, started_at, first_dispatch_at, last_sent_at, completed_at,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var snapshot []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.ChannelID, &c.Status, &c.TemplateID, &snapshot,
		&c.TotalRecipients, &c.Sent, &c.Failed, &c.Skipped,
		&c.TraceID, &c.LastError,
		&c.ScheduledAt, &c.StartedAt, &c.FirstDispatchAt, &c.LastSentAt, &c.CompletedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		c.TemplateSnapshot = json.RawMessage(snapshot)
	}
	return &c, nil
}

func (s *Store) Campaign(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := scanCampaign(s.Pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d not found", id)
	}
	return c, err
}

// ScheduledCampaignsDue returns scheduled campaigns whose fire time has
// arrived, for the cron trigger loop.
func (s *Store) ScheduledCampaignsDue(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+campaignColumns+`
		 FROM campaigns
		 WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		 ORDER BY scheduled_at`,
		models.CampaignScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkCampaignStarted flips the campaign to sending. started_at is kept
// from the first dispatch; retries never move it. A cancelled or paused
// campaign is left as is: the run observes the status at its next step.
func (s *Store) MarkCampaignStarted(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$2,
		     started_at=COALESCE(started_at, NOW()),
		     updated_at=NOW()
		 WHERE id=$1 AND status <> ALL($3)`,
		id, models.CampaignSending,
		[]string{
			string(models.CampaignCancelled),
			string(models.CampaignPaused),
		})
	return err
}

// FreezeTemplateSnapshot captures snapshot, trace id and first_dispatch_at
// once; every column keeps its first value on retries.
func (s *Store) FreezeTemplateSnapshot(ctx context.Context, id int64, snapshot json.RawMessage, traceID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET template_snapshot=COALESCE(template_snapshot, $2),
		     trace_id=CASE WHEN COALESCE(trace_id, '')='' THEN $3 ELSE trace_id END,
		     first_dispatch_at=COALESCE(first_dispatch_at, NOW()),
		     updated_at=NOW()
		 WHERE id=$1`,
		id, []byte(snapshot), traceID)
	return err
}

func (s *Store) MarkCampaignFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$2, last_error=$3, updated_at=NOW()
		 WHERE id=$1 AND status <> $4`,
		id, models.CampaignFailed, reason, models.CampaignCancelled)
	return err
}

// CancelCampaign requests cooperative cancellation. Reports whether the
// campaign was in a cancellable status.
func (s *Store) CancelCampaign(ctx context.Context, id int64) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$2, updated_at=NOW()
		 WHERE id=$1 AND status = ANY($3)`,
		id, models.CampaignCancelled,
		[]string{
			string(models.CampaignDraft),
			string(models.CampaignScheduled),
			string(models.CampaignSending),
			string(models.CampaignPaused),
		})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AddCampaignCounters applies one batch's deltas. Drift, if any, self-heals
// at completion from RecipientStatusCounts.
func (s *Store) AddCampaignCounters(ctx context.Context, id int64, sent, failed, skipped int) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET sent = sent + $2,
		     failed = failed + $3,
		     skipped = skipped + $4,
		     last_sent_at = CASE WHEN $2 > 0 THEN NOW() ELSE last_sent_at END,
		     updated_at=NOW()
		 WHERE id=$1`,
		id, sent, failed, skipped)
	return err
}

// FinalizeCampaign writes the completion status and the authoritative
// counters re-read from recipient rows. A concurrently cancelled or paused
// campaign is left untouched.
func (s *Store) FinalizeCampaign(ctx context.Context, id int64, status models.CampaignStatus, counts *models.StatusCounts) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$2,
		     total_recipients=$3, sent=$4, failed=$5, skipped=$6,
		     completed_at=NOW(), updated_at=NOW()
		 WHERE id=$1 AND status <> ALL($7)`,
		id, status,
		counts.Total, counts.Sent, counts.Failed, counts.Skipped,
		[]string{
			string(models.CampaignCancelled),
			string(models.CampaignPaused),
		})
	return err
}

// RecipientStatusCounts aggregates recipient rows by status.
func (s *Store) RecipientStatusCounts(ctx context.Context, campaignID int64) (*models.StatusCounts, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*)
		 FROM campaign_recipients
		 WHERE campaign_id=$1
		 GROUP BY status`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &models.StatusCounts{}
	for rows.Next() {
		var status models.RecipientStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts.Total += n
		switch status {
		case models.RecipientPending:
			counts.Pending += n
		case models.RecipientSending:
			counts.Sending += n
		case models.RecipientSent, models.RecipientDelivered, models.RecipientRead:
			counts.Sent += n
		case models.RecipientFailed:
			counts.Failed += n
		case models.RecipientSkipped:
			counts.Skipped += n
		}
	}
	return counts, rows.Err()
}
