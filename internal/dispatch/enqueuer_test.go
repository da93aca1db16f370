package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowsend/internal/models"
	"flowsend/internal/precheck"
	"flowsend/internal/provider"
	"flowsend/internal/template"
	"flowsend/internal/workflow"
)

type fakeStore struct {
	campaign models.Campaign
	counts   models.StatusCounts
	skipped  []models.CampaignRecipient
	held     map[string]int64

	frozen     int
	frozenSnap json.RawMessage
	failReason string
	conflicts  []int64
}

func (f *fakeStore) Campaign(_ context.Context, _ int64) (*models.Campaign, error) {
	cp := f.campaign
	return &cp, nil
}

func (f *fakeStore) FreezeTemplateSnapshot(_ context.Context, _ int64, snapshot json.RawMessage, _ string) error {
	f.frozen++
	if f.frozenSnap == nil {
		f.frozenSnap = snapshot
		f.campaign.TemplateSnapshot = snapshot
	}
	return nil
}

func (f *fakeStore) MarkCampaignFailed(_ context.Context, _ int64, reason string) error {
	f.failReason = reason
	f.campaign.Status = models.CampaignFailed
	return nil
}

func (f *fakeStore) CancelCampaign(_ context.Context, _ int64) (bool, error) {
	if f.campaign.Status.Terminal() {
		return false, nil
	}
	f.campaign.Status = models.CampaignCancelled
	return true, nil
}

func (f *fakeStore) RecipientStatusCounts(_ context.Context, _ int64) (*models.StatusCounts, error) {
	cp := f.counts
	return &cp, nil
}

func (f *fakeStore) SkippedRecipients(_ context.Context, _ int64) ([]models.CampaignRecipient, error) {
	return f.skipped, nil
}

func (f *fakeStore) ActivePhones(_ context.Context, _ int64) (map[string]int64, error) {
	return f.held, nil
}

func (f *fakeStore) MarkSkipConflicts(_ context.Context, ids []int64, _ string) error {
	f.conflicts = append(f.conflicts, ids...)
	return nil
}

type fakeTemplates struct {
	def *template.Definition
	err error
}

func (f *fakeTemplates) TemplateByID(_ context.Context, _ int64) (*template.Definition, error) {
	return f.def, f.err
}

type fakeCreds struct {
	stored *provider.Credentials
}

func (f *fakeCreds) ChannelCredentials(_ context.Context, _ string) (*provider.Credentials, error) {
	return f.stored, nil
}

type fakeRunner struct {
	jobs      []workflow.Job
	submitErr error
}

func (f *fakeRunner) Submit(_ context.Context, job workflow.Job) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// Precheck fakes shared with the pipeline the enqueuer drives.

type fakeRecipientStore struct {
	rows map[int64]models.CampaignRecipient
}

func (f *fakeRecipientStore) RecipientsByContactIDs(_ context.Context, _ int64, ids []int64) ([]models.CampaignRecipient, error) {
	var out []models.CampaignRecipient
	for _, id := range ids {
		if r, ok := f.rows[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRecipientStore) UpsertRecipients(_ context.Context, rows []models.CampaignRecipient) error {
	if f.rows == nil {
		f.rows = make(map[int64]models.CampaignRecipient)
	}
	for _, r := range rows {
		f.rows[r.ContactID] = r
	}
	return nil
}

func (f *fakeRecipientStore) UpsertRecipientsByPhone(ctx context.Context, rows []models.CampaignRecipient) error {
	return f.UpsertRecipients(ctx, rows)
}

type fakeDirectory struct {
	byID map[int64]*models.Contact
}

func (f *fakeDirectory) ContactByPhone(_ context.Context, _ string) (*models.Contact, error) {
	return nil, nil
}

func (f *fakeDirectory) ContactsByIDs(_ context.Context, ids []int64) (map[int64]*models.Contact, error) {
	out := make(map[int64]*models.Contact)
	for _, id := range ids {
		if c, ok := f.byID[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type openGate struct{}

func (openGate) Suppressed(_ context.Context, _ []string) map[string]*models.SuppressionEntry {
	return nil
}
func (openGate) OptedOut(_ context.Context, _ []int64) map[int64]bool { return nil }

func bodyTemplate(text string) *template.Definition {
	return &template.Definition{
		Name:       "promo",
		Language:   "en",
		Components: []template.Component{{Type: "BODY", Text: text}},
	}
}

type fixture struct {
	store     *fakeStore
	recStore  *fakeRecipientStore
	runner    *fakeRunner
	templates *fakeTemplates
	enqueuer  *Enqueuer
}

func newFixture(campaign models.Campaign, def *template.Definition, contacts map[int64]*models.Contact) *fixture {
	log := zap.NewNop()
	store := &fakeStore{campaign: campaign}
	recStore := &fakeRecipientStore{rows: make(map[int64]models.CampaignRecipient)}
	runner := &fakeRunner{}
	templates := &fakeTemplates{def: def}

	pipeline := precheck.NewPipeline(recStore, &fakeDirectory{byID: contacts}, openGate{}, log)
	engine := workflow.NewEngine(nil, nil, nil, nil, nil, nil, workflow.Config{BatchSize: 50}, log)

	enq := NewEnqueuer(store, templates, &fakeCreds{}, pipeline, engine, runner, nil, Config{
		ScheduleTolerance: time.Minute,
		DefaultCreds:      provider.Credentials{Token: "env-token", ChannelID: "env-ch"},
	}, log)

	return &fixture{store: store, recStore: recStore, runner: runner, templates: templates, enqueuer: enq}
}

func activeContacts() map[int64]*models.Contact {
	return map[int64]*models.Contact{
		1: {ID: 1, Phone: "15550001111", Name: "Asha", Status: models.ContactActive},
		2: {ID: 2, Phone: "15550002222", Name: "Ravi", Status: models.ContactActive},
	}
}

func TestDispatchQueuesAndFreezesSnapshot(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignDraft, ChannelID: "ch", TemplateID: 4},
		bodyTemplate("Hi {{1}}"), activeContacts())

	receipt, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9,
		Trigger:    TriggerManual,
		Entries:    []precheck.Entry{{ContactID: 1}, {ContactID: 2}},
		Params:     map[string]string{"1": "{{name}}"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.Queued != 2 || receipt.Skipped != 0 {
		t.Fatalf("receipt = %+v, want 2 queued", receipt)
	}
	if receipt.TraceID == "" {
		t.Error("receipt must carry a trace id")
	}
	if fx.store.frozen != 1 {
		t.Errorf("snapshot freezes = %d, want 1", fx.store.frozen)
	}
	if len(fx.runner.jobs) != 1 {
		t.Fatalf("submitted jobs = %d, want 1", len(fx.runner.jobs))
	}
	// init + 1 batch + complete
	if got := len(fx.runner.jobs[0].Steps); got != 3 {
		t.Errorf("job steps = %d, want 3", got)
	}
}

func TestDispatchReusesFrozenSnapshot(t *testing.T) {
	spec, err := template.Parse(bodyTemplate("Hi {{1}}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	snap, _ := spec.Marshal()
	fx := newFixture(models.Campaign{
		ID: 9, Status: models.CampaignCompleted, ChannelID: "ch",
		TemplateID: 4, TemplateSnapshot: snap, TraceID: "trace-0",
	}, bodyTemplate("CHANGED {{1}} {{2}}"), activeContacts())

	receipt, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9,
		Trigger:    TriggerManual,
		Entries:    []precheck.Entry{{ContactID: 1}},
		Params:     map[string]string{"1": "{{name}}"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.Queued != 1 {
		t.Fatalf("receipt = %+v; the frozen single-param contract should still validate", receipt)
	}
	if receipt.TraceID != "trace-0" {
		t.Errorf("trace id = %q, want the frozen one", receipt.TraceID)
	}
}

func TestDispatchCancelledCampaignRejected(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignCancelled},
		bodyTemplate("Hi {{1}}"), activeContacts())

	_, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9,
		Trigger:    TriggerManual,
		Entries:    []precheck.Entry{{ContactID: 1}},
	})
	if !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("err = %v, want ErrNotDispatchable", err)
	}
}

func TestScheduledTriggerStaleness(t *testing.T) {
	at := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

	fx := newFixture(models.Campaign{
		ID: 9, Status: models.CampaignSending, ScheduledAt: &at,
	}, bodyTemplate("Hi {{1}}"), activeContacts())
	_, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9, Trigger: TriggerScheduled, ScheduledFor: at,
	})
	if !errors.Is(err, ErrStaleTrigger) {
		t.Fatalf("non-scheduled status: err = %v, want ErrStaleTrigger", err)
	}

	fx = newFixture(models.Campaign{
		ID: 9, Status: models.CampaignScheduled, ScheduledAt: &at,
	}, bodyTemplate("Hi {{1}}"), activeContacts())
	_, err = fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9, Trigger: TriggerScheduled, ScheduledFor: at.Add(-10 * time.Minute),
	})
	if !errors.Is(err, ErrStaleTrigger) {
		t.Fatalf("rescheduled: err = %v, want ErrStaleTrigger", err)
	}
}

func TestScheduledTriggerQueuesPendingRows(t *testing.T) {
	at := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	fx := newFixture(models.Campaign{
		ID: 9, Status: models.CampaignScheduled, ChannelID: "ch",
		TemplateID: 4, ScheduledAt: &at,
	}, bodyTemplate("Hi {{1}}"), activeContacts())
	fx.store.counts = models.StatusCounts{Total: 5, Pending: 5}

	receipt, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9, Trigger: TriggerScheduled, ScheduledFor: at,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.Queued != 5 {
		t.Fatalf("queued = %d, want the 5 pending rows", receipt.Queued)
	}
	if len(fx.runner.jobs) != 1 {
		t.Fatalf("submitted jobs = %d, want 1", len(fx.runner.jobs))
	}
}

func TestDispatchContractErrorSkipsAllAndFailsCampaign(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignDraft, TemplateID: 4},
		bodyTemplate("Hi {{1}}, see {{3}}"), activeContacts())

	receipt, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9,
		Trigger:    TriggerManual,
		Entries:    []precheck.Entry{{ContactID: 1}, {ContactID: 2}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.Queued != 0 || receipt.Skipped != 2 {
		t.Fatalf("receipt = %+v, want all skipped", receipt)
	}
	if fx.store.failReason == "" {
		t.Error("campaign should be marked failed on a broken template contract")
	}
	if len(fx.runner.jobs) != 0 {
		t.Error("no workflow must be submitted for a broken contract")
	}
	for _, r := range fx.recStore.rows {
		if r.SkipCode != string(precheck.SkipContractInvalid) {
			t.Errorf("skip code = %q, want TEMPLATE_CONTRACT_INVALID", r.SkipCode)
		}
	}
}

func TestDispatchSubmitFailureFailsCampaign(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignDraft, TemplateID: 4},
		bodyTemplate("Hi {{1}}"), activeContacts())
	fx.runner.submitErr = errors.New("substrate unavailable")

	_, err := fx.enqueuer.Dispatch(context.Background(), Request{
		CampaignID: 9,
		Trigger:    TriggerManual,
		Entries:    []precheck.Entry{{ContactID: 1}},
		Params:     map[string]string{"1": "{{name}}"},
	})
	if err == nil {
		t.Fatal("expected submit error to surface")
	}
	if fx.store.failReason == "" {
		t.Error("campaign must be marked failed when submission fails")
	}
}

func TestResendSkippedAllConflictsKeepsCampaignStatus(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignCompleted, TemplateID: 4},
		bodyTemplate("Hi {{1}}"), activeContacts())

	fx.store.skipped = []models.CampaignRecipient{
		{ID: 11, CampaignID: 9, ContactID: 1, Phone: "15550001111", Status: models.RecipientSkipped},
		{ID: 12, CampaignID: 9, ContactID: 2, Phone: "15550002222", Status: models.RecipientSkipped},
	}
	// Both numbers are held by other non-skipped rows of the campaign.
	fx.store.held = map[string]int64{"15550001111": 7, "15550002222": 8}

	receipt, err := fx.enqueuer.ResendSkipped(context.Background(), 9, nil, nil)
	if err != nil {
		t.Fatalf("ResendSkipped: %v", err)
	}
	if receipt.Queued != 0 || receipt.Skipped != 2 {
		t.Fatalf("receipt = %+v, want nothing queued and both conflicts reported", receipt)
	}
	if len(fx.store.conflicts) != 2 {
		t.Fatalf("conflicts = %v, want both rows", fx.store.conflicts)
	}
	if fx.store.failReason != "" {
		t.Errorf("campaign marked failed (%q); a conflicts-only resend must not touch status", fx.store.failReason)
	}
	if fx.store.campaign.Status != models.CampaignCompleted {
		t.Errorf("campaign status = %q, want completed untouched", fx.store.campaign.Status)
	}
	if len(fx.runner.jobs) != 0 {
		t.Errorf("submitted jobs = %d, want none", len(fx.runner.jobs))
	}
}

func TestResendSkippedResolvesConflicts(t *testing.T) {
	fx := newFixture(models.Campaign{ID: 9, Status: models.CampaignCompleted, TemplateID: 4},
		bodyTemplate("Hi {{1}}"), activeContacts())

	fx.store.skipped = []models.CampaignRecipient{
		{ID: 11, CampaignID: 9, ContactID: 1, Phone: "15550001111", Status: models.RecipientSkipped},
		{ID: 12, CampaignID: 9, ContactID: 5, Phone: "1555-000-1111", Status: models.RecipientSkipped}, // same number
		{ID: 13, CampaignID: 9, ContactID: 2, Phone: "15550002222", Status: models.RecipientSkipped},
	}
	// Contact 2's number is already held by a non-skipped row of contact 7.
	fx.store.held = map[string]int64{"15550002222": 7}

	receipt, err := fx.enqueuer.ResendSkipped(context.Background(), 9, map[string]string{"1": "{{name}}"}, nil)
	if err != nil {
		t.Fatalf("ResendSkipped: %v", err)
	}
	if len(fx.store.conflicts) != 2 {
		t.Fatalf("conflicts = %v, want rows 12 and 13", fx.store.conflicts)
	}
	if receipt.Queued != 1 {
		t.Fatalf("queued = %d, want only the clean row", receipt.Queued)
	}
}
