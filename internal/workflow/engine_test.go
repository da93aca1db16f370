package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowsend/internal/metrics"
	"flowsend/internal/models"
	"flowsend/internal/provider"
	"flowsend/internal/template"
)

type fakeStore struct {
	mu sync.Mutex

	campaign  models.Campaign
	rows      map[int64]*models.CampaignRecipient
	finalized *models.CampaignStatus
	released  []int64
}

func newFakeStore(status models.CampaignStatus, recipients ...models.CampaignRecipient) *fakeStore {
	f := &fakeStore{
		campaign: models.Campaign{ID: 9, ChannelID: "ch", Status: status},
		rows:     make(map[int64]*models.CampaignRecipient),
	}
	for i := range recipients {
		r := recipients[i]
		f.rows[r.ID] = &r
	}
	return f
}

func (f *fakeStore) Campaign(_ context.Context, _ int64) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.campaign
	return &cp, nil
}

func (f *fakeStore) MarkCampaignStarted(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.campaign.Status {
	case models.CampaignCancelled, models.CampaignPaused:
		return nil
	}
	f.campaign.Status = models.CampaignSending
	return nil
}

func (f *fakeStore) FinalizeCampaign(_ context.Context, _ int64, status models.CampaignStatus, _ *models.StatusCounts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.campaign.Status {
	case models.CampaignCancelled, models.CampaignPaused:
		return nil
	}
	f.finalized = &status
	f.campaign.Status = status
	return nil
}

func (f *fakeStore) RecipientStatusCounts(_ context.Context, _ int64) (*models.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := &models.StatusCounts{}
	for _, r := range f.rows {
		counts.Total++
		switch r.Status {
		case models.RecipientPending:
			counts.Pending++
		case models.RecipientSending:
			counts.Sending++
		case models.RecipientSent, models.RecipientDelivered, models.RecipientRead:
			counts.Sent++
		case models.RecipientFailed:
			counts.Failed++
		case models.RecipientSkipped:
			counts.Skipped++
		}
	}
	return counts, nil
}

func (f *fakeStore) AddCampaignCounters(_ context.Context, _ int64, sent, failed, skipped int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Sent += sent
	f.campaign.Failed += failed
	f.campaign.Skipped += skipped
	return nil
}

func (f *fakeStore) ClaimPending(_ context.Context, _ int64, limit int) ([]models.CampaignRecipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CampaignRecipient
	for id := int64(1); len(out) < limit && id <= int64(len(f.rows)); id++ {
		r, ok := f.rows[id]
		if !ok || r.Status != models.RecipientPending {
			continue
		}
		r.Status = models.RecipientSending
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) MarkSent(_ context.Context, id int64, msgID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	if r.Status != models.RecipientSending {
		return fmt.Errorf("recipient %d not in sending", id)
	}
	r.Status = models.RecipientSent
	r.ProviderMessageID = msgID
	r.SentAt = &at
	return nil
}

func (f *fakeStore) ReleaseToPending(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	if r.Status == models.RecipientSending {
		r.Status = models.RecipientPending
		f.released = append(f.released, id)
	}
	return nil
}

func (f *fakeStore) WriteOutcomes(_ context.Context, outcomes []Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range outcomes {
		r := f.rows[o.RecipientID]
		if r.Status != models.RecipientSending {
			continue
		}
		r.Status = o.Status
		r.FailureCode = o.FailureCode
		r.FailureReason = o.FailureReason
		r.SkipCode = o.SkipCode
		r.SkipReason = o.SkipReason
		if o.ProviderMessageID != "" {
			r.ProviderMessageID = o.ProviderMessageID
		}
	}
	return nil
}

type fakeGate struct {
	mu           sync.Mutex
	suppressed   map[string]*models.SuppressionEntry
	optedOut     map[int64]bool
	hardFailures []string
}

func (f *fakeGate) Suppressed(_ context.Context, phones []string) map[string]*models.SuppressionEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*models.SuppressionEntry)
	for _, p := range phones {
		if e := f.suppressed[p]; e != nil {
			out[p] = e
		}
	}
	return out
}

func (f *fakeGate) OptedOut(_ context.Context, ids []int64) map[int64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool)
	for _, id := range ids {
		if f.optedOut[id] {
			out[id] = true
		}
	}
	return out
}

func (f *fakeGate) NoteHardFailure(phone, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardFailures = append(f.hardFailures, phone)
}

type fakeThrottle struct {
	mu        sync.Mutex
	rate      float64
	throttled int
	stable    int
}

func (f *fakeThrottle) Rate(_ context.Context, _ string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rate == 0 {
		return 1000 // effectively unlimited for tests
	}
	return f.rate
}

func (f *fakeThrottle) Throttled(_ context.Context, _ string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled++
	return 1
}

func (f *fakeThrottle) BatchStable(_ context.Context, _ string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stable++
	return 1000
}

type fakeSender struct {
	mu       sync.Mutex
	sendFn   func(to string) (string, error)
	sent     []string
	template *template.Definition
}

func (f *fakeSender) SendTemplate(_ context.Context, _ provider.Credentials, req *provider.SendRequest) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req.To)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req.To)
	}
	return "wamid." + req.To, nil
}

func (f *fakeSender) TemplateByName(_ context.Context, _ provider.Credentials, name, _ string) (*template.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.template == nil {
		return nil, fmt.Errorf("template %q not found", name)
	}
	return f.template, nil
}

func pendingRecipient(id, contactID int64, phone, name string) models.CampaignRecipient {
	return models.CampaignRecipient{
		ID: id, CampaignID: 9, ContactID: contactID,
		Phone: phone, Name: name,
		Status: models.RecipientPending,
	}
}

func engineSpec(t *testing.T) *template.Spec {
	t.Helper()
	spec, err := template.Parse(&template.Definition{
		Name:       "promo",
		Language:   "en",
		Components: []template.Component{{Type: "BODY", Text: "Hi {{1}}"}},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return spec
}

func testEngine(store *fakeStore, gate *fakeGate, throttle *fakeThrottle, sender *fakeSender, cfg Config) *Engine {
	return NewEngine(store, gate, throttle, sender, nil, metrics.NewRecorder(nil, zap.NewNop()), cfg, zap.NewNop())
}

func executeJob(t *testing.T, job Job) error {
	t.Helper()
	ctx := context.Background()
	for _, step := range job.Steps {
		if err := step.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func testRun(spec *template.Spec, count int) Run {
	return Run{
		CampaignID:     9,
		TraceID:        "trace-1",
		Credentials:    provider.Credentials{Token: "tok", ChannelID: "ch"},
		Spec:           spec,
		Params:         map[string]string{"1": "{{name}}"},
		RecipientCount: count,
	}
}

func TestRunSendsAllAndCompletes(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
		pendingRecipient(2, 2, "15550002222", "Ravi"),
		pendingRecipient(3, 3, "15550003333", "Mei"),
	)
	gate := &fakeGate{}
	sender := &fakeSender{}
	e := testEngine(store, gate, &fakeThrottle{}, sender, Config{BatchSize: 2})

	spec := engineSpec(t)
	if err := executeJob(t, e.BuildJob(testRun(spec, 3))); err != nil {
		t.Fatalf("job: %v", err)
	}

	if store.finalized == nil || *store.finalized != models.CampaignCompleted {
		t.Fatalf("finalized = %v, want completed", store.finalized)
	}
	for id := int64(1); id <= 3; id++ {
		r := store.rows[id]
		if r.Status != models.RecipientSent {
			t.Errorf("recipient %d status = %q, want sent", id, r.Status)
		}
		if r.ProviderMessageID == "" {
			t.Errorf("recipient %d missing provider message id", id)
		}
	}
	if len(sender.sent) != 3 {
		t.Errorf("provider calls = %d, want 3", len(sender.sent))
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
		pendingRecipient(2, 2, "15550002222", "Ravi"),
		pendingRecipient(3, 3, "15550003333", "Mei"),
	)
	gate := &fakeGate{
		suppressed: map[string]*models.SuppressionEntry{
			"15550002222": {Phone: "15550002222", Source: models.SuppressionSourceManual, Reason: "complained"},
		},
	}
	sender := &fakeSender{sendFn: func(to string) (string, error) {
		if to == "15550003333" {
			return "", &provider.APIError{HTTPStatus: 400, Code: 131026, Title: "unable to deliver"}
		}
		return "wamid." + to, nil
	}}
	e := testEngine(store, gate, &fakeThrottle{}, sender, Config{BatchSize: 10})

	if err := executeJob(t, e.BuildJob(testRun(engineSpec(t), 3))); err != nil {
		t.Fatalf("job: %v", err)
	}

	if store.rows[1].Status != models.RecipientSent {
		t.Errorf("recipient 1 = %q, want sent", store.rows[1].Status)
	}
	if store.rows[2].Status != models.RecipientSkipped || store.rows[2].SkipCode != "SUPPRESSED" {
		t.Errorf("recipient 2 = %q/%q, want skipped SUPPRESSED", store.rows[2].Status, store.rows[2].SkipCode)
	}
	if store.rows[3].Status != models.RecipientFailed || store.rows[3].FailureCode != "131026" {
		t.Errorf("recipient 3 = %q/%q, want failed 131026", store.rows[3].Status, store.rows[3].FailureCode)
	}
	if len(gate.hardFailures) != 1 || gate.hardFailures[0] != "15550003333" {
		t.Errorf("hard failures = %v, want the undeliverable phone", gate.hardFailures)
	}
	if store.finalized == nil || *store.finalized != models.CampaignCompleted {
		t.Fatalf("finalized = %v, want completed (one send succeeded)", store.finalized)
	}
}

func TestRunAllFailedFinalizesFailed(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
		pendingRecipient(2, 2, "15550002222", "Ravi"),
	)
	sender := &fakeSender{sendFn: func(string) (string, error) {
		return "", &provider.APIError{HTTPStatus: 400, Code: 131031, Title: "blocked"}
	}}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})

	if err := executeJob(t, e.BuildJob(testRun(engineSpec(t), 2))); err != nil {
		t.Fatalf("job: %v", err)
	}
	if store.finalized == nil || *store.finalized != models.CampaignFailed {
		t.Fatalf("finalized = %v, want failed", store.finalized)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := newFakeStore(models.CampaignCancelled,
		pendingRecipient(1, 1, "15550001111", "Asha"),
	)
	sender := &fakeSender{}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})

	err := executeJob(t, e.BuildJob(testRun(engineSpec(t), 1)))
	if !errors.Is(err, ErrStopRun) {
		t.Fatalf("job err = %v, want ErrStopRun", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("provider calls = %d, want none after cancellation", len(sender.sent))
	}
	if store.finalized != nil {
		t.Error("cancelled run must not finalize the campaign")
	}
}

func TestClaimOnlyTargetsPending(t *testing.T) {
	recipients := make([]models.CampaignRecipient, 0, 10)
	for i := int64(1); i <= 10; i++ {
		recipients = append(recipients, pendingRecipient(i, i, fmt.Sprintf("1555000%04d", i), "Asha"))
	}
	store := newFakeStore(models.CampaignSending, recipients...)
	// Simulate a parallel run having already claimed four rows.
	for _, id := range []int64{2, 4, 6, 8} {
		store.rows[id].Status = models.RecipientSending
	}

	sender := &fakeSender{}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})

	spec := engineSpec(t)
	st := &runState{spec: spec}
	if err := e.batch(context.Background(), st, testRun(spec, 10), 0); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(sender.sent) != 6 {
		t.Fatalf("provider calls = %d, want only the 6 unclaimed", len(sender.sent))
	}
	for _, id := range []int64{2, 4, 6, 8} {
		if store.rows[id].Status != models.RecipientSending {
			t.Errorf("row %d = %q, want left for the parallel claimer", id, store.rows[id].Status)
		}
	}
}

func TestCancellationBetweenBatches(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
		pendingRecipient(2, 2, "15550002222", "Ravi"),
		pendingRecipient(3, 3, "15550003333", "Mei"),
	)
	sender := &fakeSender{}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 1})

	job := e.BuildJob(testRun(engineSpec(t), 3))
	// init + 3 batches + complete
	if len(job.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(job.Steps))
	}

	ctx := context.Background()
	var stopped bool
	for i, step := range job.Steps {
		if i == 2 { // cancel between batch 0 and batch 1
			store.mu.Lock()
			store.campaign.Status = models.CampaignCancelled
			store.mu.Unlock()
		}
		if err := step.Run(ctx); err != nil {
			if !errors.Is(err, ErrStopRun) {
				t.Fatalf("step %s: %v", step.Name, err)
			}
			stopped = true
			break
		}
	}
	if !stopped {
		t.Fatal("run should have stopped cooperatively")
	}
	if len(sender.sent) != 1 {
		t.Errorf("provider calls = %d, want only batch 0's send", len(sender.sent))
	}
	if store.finalized != nil {
		t.Error("cancelled run must not finalize")
	}
	if store.campaign.Status != models.CampaignCancelled {
		t.Errorf("campaign status = %q, want cancelled", store.campaign.Status)
	}
}

func TestPausedRunLeavesCampaignPaused(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
	)
	sender := &fakeSender{}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})

	job := e.BuildJob(testRun(engineSpec(t), 1))
	ctx := context.Background()
	var stopped bool
	for i, step := range job.Steps {
		if i == 1 { // pause right after init
			store.mu.Lock()
			store.campaign.Status = models.CampaignPaused
			store.mu.Unlock()
		}
		if err := step.Run(ctx); err != nil {
			if !errors.Is(err, ErrStopRun) {
				t.Fatalf("step %s: %v", step.Name, err)
			}
			stopped = true
			break
		}
	}
	if !stopped {
		t.Fatal("a fully paused run must stop instead of finalizing")
	}
	if len(sender.sent) != 0 {
		t.Errorf("provider calls = %d, want none while paused", len(sender.sent))
	}
	if store.finalized != nil {
		t.Errorf("finalized = %v, want no finalization of a paused campaign", *store.finalized)
	}
	if store.campaign.Status != models.CampaignPaused {
		t.Errorf("campaign status = %q, want still paused", store.campaign.Status)
	}
	if store.rows[1].Status != models.RecipientPending {
		t.Errorf("recipient = %q, want still pending for the resumed run", store.rows[1].Status)
	}
}

func TestThrottledRecipientReleasedToPending(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
		pendingRecipient(2, 2, "15550002222", "Ravi"),
	)
	throttle := &fakeThrottle{}
	var calls int
	sender := &fakeSender{sendFn: func(to string) (string, error) {
		calls++
		if calls <= 2 {
			return "", &provider.APIError{HTTPStatus: 429, Code: 130429, Title: "rate limit hit"}
		}
		return "wamid." + to, nil
	}}
	// One worker keeps the provider call order deterministic. The sweep batch
	// re-claims both released recipients.
	e := testEngine(store, &fakeGate{}, throttle, sender, Config{BatchSize: 10, Concurrency: 1, SweepBatches: 1})

	if err := executeJob(t, e.BuildJob(testRun(engineSpec(t), 2))); err != nil {
		t.Fatalf("job: %v", err)
	}

	if throttle.throttled != 1 {
		t.Errorf("throttle decreases = %d, want 1 (once per batch)", throttle.throttled)
	}
	if len(store.released) != 2 {
		t.Errorf("released = %v, want both recipients", store.released)
	}
	for id := int64(1); id <= 2; id++ {
		if store.rows[id].Status != models.RecipientSent {
			t.Errorf("recipient %d = %q, want sent after sweep", id, store.rows[id].Status)
		}
	}
	if store.finalized == nil || *store.finalized != models.CampaignCompleted {
		t.Fatalf("finalized = %v, want completed", store.finalized)
	}
}

func TestPausedCampaignSkipsBatchWithoutClaiming(t *testing.T) {
	store := newFakeStore(models.CampaignPaused,
		pendingRecipient(1, 1, "15550001111", "Asha"),
	)
	sender := &fakeSender{}
	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})

	spec := engineSpec(t)
	run := testRun(spec, 1)
	st := &runState{spec: spec}
	if err := e.batch(context.Background(), st, run, 0); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if store.rows[1].Status != models.RecipientPending {
		t.Errorf("recipient status = %q, want still pending", store.rows[1].Status)
	}
	if len(sender.sent) != 0 {
		t.Errorf("provider calls = %d, want none while paused", len(sender.sent))
	}
}

func TestMediaRecoveryRefreshesSpec(t *testing.T) {
	store := newFakeStore(models.CampaignSending,
		pendingRecipient(1, 1, "15550001111", "Asha"),
	)
	freshDef := &template.Definition{
		Name:     "promo",
		Language: "en",
		Components: []template.Component{
			{Type: "HEADER", Format: "IMAGE", URL: "https://cdn.example.com/new.jpg"},
			{Type: "BODY", Text: "Hi {{1}}"},
		},
	}
	var attempts int
	sender := &fakeSender{template: freshDef}
	sender.sendFn = func(to string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", &provider.APIError{HTTPStatus: 400, Code: 131053, Title: "media download failure"}
		}
		return "wamid." + to, nil
	}

	staleDef := &template.Definition{
		Name:     "promo",
		Language: "en",
		Components: []template.Component{
			{Type: "HEADER", Format: "IMAGE", URL: "https://cdn.example.com/old.jpg"},
			{Type: "BODY", Text: "Hi {{1}}"},
		},
	}
	stale, err := template.Parse(staleDef)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	e := testEngine(store, &fakeGate{}, &fakeThrottle{}, sender, Config{BatchSize: 10})
	run := testRun(stale, 1)
	run.Spec = stale

	if err := executeJob(t, e.BuildJob(run)); err != nil {
		t.Fatalf("job: %v", err)
	}
	if store.rows[1].Status != models.RecipientSent {
		t.Fatalf("recipient = %q, want sent after refresh retry", store.rows[1].Status)
	}
	if attempts != 2 {
		t.Errorf("provider attempts = %d, want 2", attempts)
	}
}
