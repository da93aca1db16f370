package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"flowsend/internal/models"
	"flowsend/internal/precheck"
	"flowsend/internal/provider"
)

// ResendSkipped re-runs precheck against the campaign's currently-skipped
// recipients using up-to-date contact data, then submits the survivors
// through the same contract as a fresh dispatch. Two conflict classes are
// resolved first instead of re-queued:
//
//   - several skipped rows normalizing to the same phone: only the first is
//     revalidated, the rest stay skipped with a duplicate-conflict reason;
//   - a normalized phone already held by a different recipient row of the
//     campaign: same resolution.
func (e *Enqueuer) ResendSkipped(ctx context.Context, campaignID int64, params map[string]string, creds *provider.Credentials) (*Receipt, error) {
	c, err := e.store.Campaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	if c.Status == models.CampaignCancelled {
		return nil, fmt.Errorf("%w: campaign %d is cancelled", ErrNotDispatchable, campaignID)
	}

	skipped, err := e.store.SkippedRecipients(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load skipped recipients: %w", err)
	}
	if len(skipped) == 0 {
		return &Receipt{CampaignID: campaignID, TraceID: c.TraceID}, nil
	}

	held, err := e.store.ActivePhones(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load held phones: %w", err)
	}

	var (
		entries   []precheck.Entry
		conflicts []int64
		seen      = make(map[string]bool, len(skipped))
	)
	for _, row := range skipped {
		phone, ok := precheck.NormalizePhone(row.Phone)
		if ok {
			if seen[phone] {
				conflicts = append(conflicts, row.ID)
				continue
			}
			if holder, taken := held[phone]; taken && holder != row.ContactID {
				conflicts = append(conflicts, row.ID)
				continue
			}
			seen[phone] = true
		}
		entries = append(entries, precheck.Entry{
			ContactID: row.ContactID,
			Phone:     row.Phone,
			Fields:    row.CustomFields,
		})
	}

	if len(conflicts) > 0 {
		if err := e.store.MarkSkipConflicts(ctx, conflicts, "phone conflicts with another recipient of this campaign"); err != nil {
			e.log.Warn("marking resend conflicts failed",
				zap.Int64("campaign_id", campaignID),
				zap.Int("conflicts", len(conflicts)),
				zap.Error(err),
			)
		}
	}

	e.log.Info("resending skipped recipients",
		zap.Int64("campaign_id", campaignID),
		zap.Int("candidates", len(entries)),
		zap.Int("conflicts", len(conflicts)),
	)

	// Everything conflicted: nothing to revalidate, and the campaign status
	// must not change over a no-op resend.
	if len(entries) == 0 {
		return &Receipt{CampaignID: campaignID, TraceID: c.TraceID, Skipped: len(conflicts)}, nil
	}

	// Revalidation and re-queueing share the fresh-dispatch contract; rows
	// that fail again simply stay skipped with their new reason.
	return e.Dispatch(ctx, Request{
		CampaignID:  campaignID,
		Trigger:     TriggerManual,
		Entries:     entries,
		Params:      params,
		Credentials: creds,
	})
}
