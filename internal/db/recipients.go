package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"flowsend/internal/models"
	"flowsend/internal/precheck"
	"flowsend/internal/workflow"
)

const recipientColumns = `id, campaign_id, contact_id, phone, COALESCE(name, ''), custom_fields,
	status, COALESCE(skip_code, ''), COALESCE(skip_reason, ''),
	COALESCE(failure_code, ''), COALESCE(failure_reason, ''),
	COALESCE(provider_message_id, ''), COALESCE(trace_id, ''),
	sent_at, failed_at, skipped_at, created_at, updated_at`

func scanRecipient(row pgx.Row) (*models.CampaignRecipient, error) {
	var r models.CampaignRecipient
	var fields []byte
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.ContactID, &r.Phone, &r.Name, &fields,
		&r.Status, &r.SkipCode, &r.SkipReason,
		&r.FailureCode, &r.FailureReason,
		&r.ProviderMessageID, &r.TraceID,
		&r.SentAt, &r.FailedAt, &r.SkippedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.CustomFields); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func collectRecipients(rows pgx.Rows) ([]models.CampaignRecipient, error) {
	defer rows.Close()
	var out []models.CampaignRecipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) RecipientsByContactIDs(ctx context.Context, campaignID int64, contactIDs []int64) ([]models.CampaignRecipient, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM campaign_recipients
		 WHERE campaign_id=$1 AND contact_id = ANY($2)`,
		campaignID, contactIDs)
	if err != nil {
		return nil, err
	}
	return collectRecipients(rows)
}

func (s *Store) SkippedRecipients(ctx context.Context, campaignID int64) ([]models.CampaignRecipient, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM campaign_recipients
		 WHERE campaign_id=$1 AND status=$2
		 ORDER BY id`,
		campaignID, models.RecipientSkipped)
	if err != nil {
		return nil, err
	}
	return collectRecipients(rows)
}

// ActivePhones maps phone -> contact id for every non-skipped row.
func (s *Store) ActivePhones(ctx context.Context, campaignID int64) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT phone, contact_id
		 FROM campaign_recipients
		 WHERE campaign_id=$1 AND status <> $2`,
		campaignID, models.RecipientSkipped)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var phone string
		var contactID int64
		if err := rows.Scan(&phone, &contactID); err != nil {
			return nil, err
		}
		out[phone] = contactID
	}
	return out, rows.Err()
}

func (s *Store) MarkSkipConflicts(ctx context.Context, recipientIDs []int64, reason string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaign_recipients
		 SET skip_code=$2, skip_reason=$3, updated_at=NOW()
		 WHERE id = ANY($1) AND status=$4`,
		recipientIDs, string(precheck.SkipDuplicateInCampaign), reason, models.RecipientSkipped)
	return err
}

const upsertGuard = `campaign_recipients.status IN ('pending','skipped')
	AND COALESCE(campaign_recipients.provider_message_id, '') = ''`

// UpsertRecipients writes the precheck partition keyed on
// (campaign_id, contact_id). The DO UPDATE guard is the row-level
// anti-regression check: rows past pending/skipped, or holding a provider
// message id, keep their state even if the caller's lock check raced.
func (s *Store) UpsertRecipients(ctx context.Context, recipients []models.CampaignRecipient) error {
	return s.upsertRecipients(ctx, recipients, "(campaign_id, contact_id)")
}

// UpsertRecipientsByPhone is the compatibility path for stores whose unique
// constraint is the legacy (campaign_id, phone) key.
func (s *Store) UpsertRecipientsByPhone(ctx context.Context, recipients []models.CampaignRecipient) error {
	return s.upsertRecipients(ctx, recipients, "(campaign_id, phone)")
}

func (s *Store) upsertRecipients(ctx context.Context, recipients []models.CampaignRecipient, conflictKey string) error {
	batch := &pgx.Batch{}
	for _, r := range recipients {
		var fields []byte
		if len(r.CustomFields) > 0 {
			var err error
			if fields, err = json.Marshal(r.CustomFields); err != nil {
				return fmt.Errorf("marshal custom fields: %w", err)
			}
		}
		batch.Queue(
			`INSERT INTO campaign_recipients
			 (campaign_id, contact_id, phone, name, custom_fields, status,
			  skip_code, skip_reason, trace_id,
			  skipped_at, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,
			         CASE WHEN $6='skipped' THEN NOW() END, NOW(), NOW())
			 ON CONFLICT `+conflictKey+` DO UPDATE SET
			   phone=EXCLUDED.phone,
			   name=EXCLUDED.name,
			   custom_fields=EXCLUDED.custom_fields,
			   status=EXCLUDED.status,
			   skip_code=EXCLUDED.skip_code,
			   skip_reason=EXCLUDED.skip_reason,
			   skipped_at=EXCLUDED.skipped_at,
			   updated_at=NOW()
			 WHERE `+upsertGuard,
			r.CampaignID, r.ContactID, r.Phone, r.Name, fields, string(r.Status),
			r.SkipCode, r.SkipReason, r.TraceID,
		)
	}

	results := s.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range recipients {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			// 42P10: no unique constraint matches the ON CONFLICT key.
			if errors.As(err, &pgErr) && pgErr.Code == "42P10" {
				return precheck.ErrConflictKey
			}
			return err
		}
	}
	return nil
}

// ClaimPending atomically transitions up to limit pending rows to sending
// and returns the claimed subset. SKIP LOCKED keeps concurrent claimers
// from blocking on each other; replayed steps re-claim nothing because
// claims only ever target pending.
func (s *Store) ClaimPending(ctx context.Context, campaignID int64, limit int) ([]models.CampaignRecipient, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE campaign_recipients
		 SET status=$3, updated_at=NOW()
		 WHERE id IN (
		   SELECT id FROM campaign_recipients
		   WHERE campaign_id=$1 AND status=$4
		   ORDER BY id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+recipientColumns,
		campaignID, limit, models.RecipientSending, models.RecipientPending)
	if err != nil {
		return nil, err
	}
	return collectRecipients(rows)
}

// MarkSent persists a successful send immediately so delivery callbacks can
// correlate on the provider message id.
func (s *Store) MarkSent(ctx context.Context, recipientID int64, providerMessageID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaign_recipients
		 SET status=$2, provider_message_id=$3, sent_at=$4, updated_at=NOW()
		 WHERE id=$1 AND status=$5`,
		recipientID, models.RecipientSent, providerMessageID, at, models.RecipientSending)
	return err
}

// ReleaseToPending reverts a throttled recipient to its pre-attempt state.
func (s *Store) ReleaseToPending(ctx context.Context, recipientID int64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaign_recipients
		 SET status=$2, updated_at=NOW()
		 WHERE id=$1 AND status=$3`,
		recipientID, models.RecipientPending, models.RecipientSending)
	return err
}

// WriteOutcomes bulk-writes terminal outcomes, each conditional on the row
// still being in sending state.
func (s *Store) WriteOutcomes(ctx context.Context, outcomes []workflow.Outcome) error {
	batch := &pgx.Batch{}
	for _, o := range outcomes {
		batch.Queue(
			`UPDATE campaign_recipients
			 SET status=$2,
			     provider_message_id=COALESCE(NULLIF($3,''), provider_message_id),
			     failure_code=NULLIF($4,''),
			     failure_reason=NULLIF($5,''),
			     skip_code=NULLIF($6,''),
			     skip_reason=NULLIF($7,''),
			     sent_at=CASE WHEN $2='sent' THEN $8 ELSE sent_at END,
			     failed_at=CASE WHEN $2='failed' THEN $8 ELSE failed_at END,
			     skipped_at=CASE WHEN $2='skipped' THEN $8 ELSE skipped_at END,
			     updated_at=NOW()
			 WHERE id=$1 AND status='sending'`,
			o.RecipientID, string(o.Status), o.ProviderMessageID,
			o.FailureCode, o.FailureReason,
			o.SkipCode, o.SkipReason,
			o.At,
		)
	}

	results := s.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range outcomes {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
