package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowsend/internal/metrics"
	"flowsend/internal/models"
	"flowsend/internal/precheck"
	"flowsend/internal/provider"
	"flowsend/internal/template"
	"flowsend/internal/workflow"
)

// ErrStaleTrigger marks a scheduled trigger that fired after the user
// cancelled or rescheduled the campaign; the caller drops it silently.
var ErrStaleTrigger = errors.New("dispatch: stale scheduled trigger")

// ErrNotDispatchable is returned when the campaign status does not allow a
// dispatch.
var ErrNotDispatchable = errors.New("dispatch: campaign not in a dispatchable status")

// Store is the campaign-side slice of the data store.
type Store interface {
	Campaign(ctx context.Context, id int64) (*models.Campaign, error)
	// FreezeTemplateSnapshot captures the snapshot, trace id and
	// first_dispatch_at on first dispatch only; retries never overwrite.
	FreezeTemplateSnapshot(ctx context.Context, id int64, snapshot json.RawMessage, traceID string) error
	MarkCampaignFailed(ctx context.Context, id int64, reason string) error
	CancelCampaign(ctx context.Context, id int64) (bool, error)

	RecipientStatusCounts(ctx context.Context, campaignID int64) (*models.StatusCounts, error)
	SkippedRecipients(ctx context.Context, campaignID int64) ([]models.CampaignRecipient, error)
	// ActivePhones maps normalized phone -> contact id for every
	// non-skipped recipient row of the campaign.
	ActivePhones(ctx context.Context, campaignID int64) (map[string]int64, error)
	MarkSkipConflicts(ctx context.Context, recipientIDs []int64, reason string) error
}

// TemplateSource reads template definitions from local storage.
type TemplateSource interface {
	TemplateByID(ctx context.Context, id int64) (*template.Definition, error)
}

// CredentialSource resolves stored channel credentials.
type CredentialSource interface {
	ChannelCredentials(ctx context.Context, channelID string) (*provider.Credentials, error)
}

type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// Request is one dispatch trigger.
type Request struct {
	CampaignID   int64
	Trigger      TriggerKind
	ScheduledFor time.Time // scheduled trigger: the originally-scheduled time
	Entries      []precheck.Entry
	Params       map[string]string // campaign-level raw placeholder values
	Credentials  *provider.Credentials
}

// Receipt acknowledges a queued dispatch. Per-recipient outcomes are only
// observable by re-reading campaign state afterward.
type Receipt struct {
	CampaignID int64    `json:"campaign_id"`
	TraceID    string   `json:"trace_id"`
	Queued     int      `json:"queued"`
	Skipped    int      `json:"skipped"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Config for the enqueuer.
type Config struct {
	ScheduleTolerance time.Duration // max drift accepted on scheduled triggers
	DefaultCreds      provider.Credentials
}

// Enqueuer validates campaign state, runs precheck, freezes the template
// snapshot, and hands the workflow payload to the durable execution
// substrate.
type Enqueuer struct {
	store     Store
	templates TemplateSource
	creds     CredentialSource
	pipeline  *precheck.Pipeline
	engine    *workflow.Engine
	runner    workflow.Runner
	recorder  *metrics.Recorder
	log       *zap.Logger
	cfg       Config
}

func NewEnqueuer(store Store, templates TemplateSource, creds CredentialSource, pipeline *precheck.Pipeline, engine *workflow.Engine, runner workflow.Runner, recorder *metrics.Recorder, cfg Config, log *zap.Logger) *Enqueuer {
	if cfg.ScheduleTolerance <= 0 {
		cfg.ScheduleTolerance = time.Minute
	}
	return &Enqueuer{
		store:     store,
		templates: templates,
		creds:     creds,
		pipeline:  pipeline,
		engine:    engine,
		runner:    runner,
		recorder:  recorder,
		log:       log,
		cfg:       cfg,
	}
}

// Dispatch turns a trigger into a submitted workflow run. Infrastructure
// failures mark the campaign failed instead of leaving it stuck in sending.
func (e *Enqueuer) Dispatch(ctx context.Context, req Request) (*Receipt, error) {
	c, err := e.store.Campaign(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", req.CampaignID, err)
	}

	if err := e.checkTrigger(c, req); err != nil {
		return nil, err
	}

	creds, err := e.resolveCredentials(ctx, c, req.Credentials)
	if err != nil {
		return nil, err
	}

	if c.TraceID == "" {
		c.TraceID = uuid.NewString()
	}

	spec, err := e.resolveSpec(ctx, c)
	var contractErr *template.ContractError
	if err != nil && !errors.As(err, &contractErr) {
		return nil, err
	}
	if parseErr := err; parseErr != nil {
		// The template contract itself is broken: every recipient is
		// skipped, nothing is queued.
		res := precheck.SkipAll(c, req.Entries, precheck.ContractSkipCode(parseErr), parseErr.Error())
		if err := e.pipeline.Persist(ctx, res); err != nil {
			return nil, err
		}
		if err := e.store.MarkCampaignFailed(ctx, c.ID, "template contract invalid: "+parseErr.Error()); err != nil {
			e.log.Error("marking campaign failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
		return &Receipt{CampaignID: c.ID, TraceID: c.TraceID, Skipped: len(res.Skipped)}, nil
	}

	var receipt *Receipt
	if len(req.Entries) == 0 {
		// No payload: queue whatever is already pending. Scheduled triggers
		// and leftover sweeps land here; precheck already ran when the rows
		// were imported.
		counts, err := e.store.RecipientStatusCounts(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("count pending recipients: %w", err)
		}
		receipt = &Receipt{CampaignID: c.ID, TraceID: c.TraceID, Queued: counts.Pending}
	} else {
		res, err := e.pipeline.Run(ctx, c, spec, req.Params, req.Entries)
		if err != nil {
			return nil, err
		}
		if err := e.pipeline.Persist(ctx, res); err != nil {
			return nil, err
		}
		receipt = &Receipt{
			CampaignID: c.ID,
			TraceID:    c.TraceID,
			Queued:     len(res.Valid),
			Skipped:    len(res.Skipped),
			Warnings:   res.Warnings,
		}
	}

	if receipt.Queued == 0 {
		if err := e.store.MarkCampaignFailed(ctx, c.ID, "no dispatchable recipients"); err != nil {
			e.log.Error("marking campaign failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
		return receipt, nil
	}

	// Freeze the snapshot before the first send so mid-run template edits
	// cannot drift the payloads. No-op for retries: the store keeps the
	// first value.
	snapshot, err := spec.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal template snapshot: %w", err)
	}
	if err := e.store.FreezeTemplateSnapshot(ctx, c.ID, snapshot, c.TraceID); err != nil {
		return nil, fmt.Errorf("freeze template snapshot: %w", err)
	}

	run := workflow.Run{
		CampaignID:     c.ID,
		TraceID:        c.TraceID,
		Credentials:    *creds,
		Spec:           spec,
		Params:         req.Params,
		RecipientCount: receipt.Queued,
	}
	if err := e.runner.Submit(ctx, e.engine.BuildJob(run)); err != nil {
		// Never leave the campaign stuck in sending forever.
		reason := "workflow submission failed: " + err.Error()
		if ferr := e.store.MarkCampaignFailed(ctx, c.ID, reason); ferr != nil {
			e.log.Error("marking campaign failed", zap.Int64("campaign_id", c.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("submit workflow: %w", err)
	}

	e.recorder.Run(models.RunMetrics{
		CampaignID: c.ID,
		TraceID:    c.TraceID,
		Phase:      "dispatch",
		Queued:     receipt.Queued,
		Skipped:    receipt.Skipped,
	})
	e.log.Info("campaign dispatched",
		zap.Int64("campaign_id", c.ID),
		zap.String("trace_id", c.TraceID),
		zap.Int("queued", receipt.Queued),
		zap.Int("skipped", receipt.Skipped),
	)
	return receipt, nil
}

// Cancel requests cooperative cancellation; the workflow observes it at the
// next step boundary.
func (e *Enqueuer) Cancel(ctx context.Context, campaignID int64) (bool, error) {
	return e.store.CancelCampaign(ctx, campaignID)
}

func (e *Enqueuer) checkTrigger(c *models.Campaign, req Request) error {
	// Cancelled is the only truly closed door: a manual dispatch of a
	// completed campaign is how leftovers and resends get re-queued.
	if c.Status == models.CampaignCancelled {
		return fmt.Errorf("%w: campaign %d is cancelled", ErrNotDispatchable, c.ID)
	}
	switch req.Trigger {
	case TriggerScheduled:
		if c.Status != models.CampaignScheduled {
			return fmt.Errorf("%w: campaign %d is %s", ErrStaleTrigger, c.ID, c.Status)
		}
		if c.ScheduledAt == nil {
			return fmt.Errorf("%w: campaign %d has no scheduled time", ErrStaleTrigger, c.ID)
		}
		drift := c.ScheduledAt.Sub(req.ScheduledFor)
		if drift < 0 {
			drift = -drift
		}
		if drift > e.cfg.ScheduleTolerance {
			return fmt.Errorf("%w: campaign %d rescheduled (drift %s)", ErrStaleTrigger, c.ID, drift)
		}
	}
	return nil
}

// resolveCredentials applies the priority chain: caller-supplied, then
// stored channel configuration, then the environment default.
func (e *Enqueuer) resolveCredentials(ctx context.Context, c *models.Campaign, supplied *provider.Credentials) (*provider.Credentials, error) {
	if supplied != nil && supplied.Token != "" {
		creds := *supplied
		if creds.ChannelID == "" {
			creds.ChannelID = c.ChannelID
		}
		return &creds, nil
	}
	if e.creds != nil {
		stored, err := e.creds.ChannelCredentials(ctx, c.ChannelID)
		if err != nil {
			e.log.Warn("stored credential lookup failed, trying default",
				zap.String("channel_id", c.ChannelID),
				zap.Error(err),
			)
		} else if stored != nil && stored.Token != "" {
			return stored, nil
		}
	}
	if e.cfg.DefaultCreds.Token != "" {
		creds := e.cfg.DefaultCreds
		if c.ChannelID != "" {
			creds.ChannelID = c.ChannelID
		}
		return &creds, nil
	}
	return nil, fmt.Errorf("no provider credentials available for channel %q", c.ChannelID)
}

// resolveSpec reuses the frozen snapshot when present; the first dispatch
// parses the current template definition.
func (e *Enqueuer) resolveSpec(ctx context.Context, c *models.Campaign) (*template.Spec, error) {
	if len(c.TemplateSnapshot) > 0 {
		return template.ParseSnapshot(c.TemplateSnapshot)
	}
	def, err := e.templates.TemplateByID(ctx, c.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %d: %w", c.TemplateID, err)
	}
	spec, err := template.Parse(def)
	if err != nil {
		return nil, err
	}
	spec.FrozenAt = time.Now()
	return spec, nil
}
