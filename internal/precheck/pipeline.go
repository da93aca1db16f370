package precheck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"flowsend/internal/models"
	"flowsend/internal/template"
)

// SkipCode classifies why a recipient was not queued.
type SkipCode string

const (
	SkipMissingContactID    SkipCode = "MISSING_CONTACT_ID"
	SkipInvalidPhone        SkipCode = "INVALID_PHONE"
	SkipMissingParam        SkipCode = "MISSING_REQUIRED_PARAM"
	SkipUnsupportedTemplate SkipCode = "UNSUPPORTED_TEMPLATE_FEATURE"
	SkipOptOut              SkipCode = "OPT_OUT"
	SkipSuppressed          SkipCode = "SUPPRESSED"
	SkipContractInvalid     SkipCode = "TEMPLATE_CONTRACT_INVALID"
	SkipDuplicateInCampaign SkipCode = "DUPLICATE_IN_CAMPAIGN"
)

// ErrConflictKey is returned by the recipient store when the primary upsert
// key (campaign_id, contact_id) is not available, e.g. a legacy unique
// constraint on phone. The pipeline then retries with the compatible key.
var ErrConflictKey = errors.New("recipient upsert conflict key unavailable")

// RecipientStore is the slice of the data store the pipeline persists into.
type RecipientStore interface {
	RecipientsByContactIDs(ctx context.Context, campaignID int64, contactIDs []int64) ([]models.CampaignRecipient, error)
	UpsertRecipients(ctx context.Context, rows []models.CampaignRecipient) error
	UpsertRecipientsByPhone(ctx context.Context, rows []models.CampaignRecipient) error
}

// Directory resolves contact identity and data.
type Directory interface {
	ContactByPhone(ctx context.Context, phone string) (*models.Contact, error)
	ContactsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Contact, error)
}

// Gate is the suppression/opt-out check, advisory by contract.
type Gate interface {
	Suppressed(ctx context.Context, phones []string) map[string]*models.SuppressionEntry
	OptedOut(ctx context.Context, contactIDs []int64) map[int64]bool
}

// Entry is one raw recipient as submitted by the caller.
type Entry struct {
	ContactID int64             `json:"contact_id,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"` // per-recipient extras merged over contact custom fields
}

// Result partitions the submitted list into dispatchable pending rows and
// skipped rows with a code and reason.
type Result struct {
	Valid    []models.CampaignRecipient
	Skipped  []models.CampaignRecipient
	Warnings []string
}

// Pipeline classifies each raw recipient as dispatchable or
// skipped-with-reason and persists the partition idempotently.
type Pipeline struct {
	store RecipientStore
	dir   Directory
	gate  Gate
	log   *zap.Logger
}

func NewPipeline(store RecipientStore, dir Directory, gate Gate, log *zap.Logger) *Pipeline {
	return &Pipeline{store: store, dir: dir, gate: gate, log: log}
}

// Run produces the valid/skipped partition for one campaign. params are the
// campaign-level raw placeholder values shared by every recipient. The
// template contract is resolved in precheck mode: no cosmetic fallbacks, so
// genuinely missing contact data surfaces here instead of at send time.
func (p *Pipeline) Run(ctx context.Context, campaign *models.Campaign, spec *template.Spec, params map[string]string, entries []Entry) (*Result, error) {
	res := &Result{}

	type candidate struct {
		entry   Entry
		phone   string
		contact *models.Contact
	}

	skip := func(contactID int64, phone string, code SkipCode, reason string) {
		res.Skipped = append(res.Skipped, models.CampaignRecipient{
			CampaignID: campaign.ID,
			ContactID:  contactID,
			Phone:      phone,
			Status:     models.RecipientSkipped,
			SkipCode:   string(code),
			SkipReason: reason,
			TraceID:    campaign.TraceID,
		})
	}

	// Step 1: collapse duplicate contact ids; a duplicated payload warns,
	// never fails the request.
	seenID := make(map[int64]bool, len(entries))
	var deduped []Entry
	for _, e := range entries {
		if e.ContactID != 0 {
			if seenID[e.ContactID] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate contact id %d collapsed", e.ContactID))
				continue
			}
			seenID[e.ContactID] = true
		}
		deduped = append(deduped, e)
	}

	// Step 2: normalize phones and resolve identity. A recipient that still
	// has no verified contact id after phone lookup is hard-skipped: sending
	// without identity would mis-correlate delivery callbacks later.
	var candidates []candidate
	var lookupIDs []int64
	for _, e := range deduped {
		phone, ok := NormalizePhone(e.Phone)
		if e.Phone != "" && !ok {
			skip(e.ContactID, e.Phone, SkipInvalidPhone, fmt.Sprintf("phone %q is not a dialable number", e.Phone))
			continue
		}

		if e.ContactID == 0 {
			if phone == "" {
				skip(0, "", SkipMissingContactID, "no contact id and no phone to resolve one")
				continue
			}
			contact, err := p.dir.ContactByPhone(ctx, phone)
			if err != nil {
				return nil, fmt.Errorf("contact lookup by phone: %w", err)
			}
			if contact == nil {
				skip(0, phone, SkipMissingContactID, fmt.Sprintf("no contact found for phone %s", phone))
				continue
			}
			if seenID[contact.ID] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("phone %s resolved to already-submitted contact %d, collapsed", phone, contact.ID))
				continue
			}
			seenID[contact.ID] = true
			candidates = append(candidates, candidate{entry: e, phone: phone, contact: contact})
			continue
		}

		lookupIDs = append(lookupIDs, e.ContactID)
		candidates = append(candidates, candidate{entry: e, phone: phone})
	}

	if len(lookupIDs) > 0 {
		contacts, err := p.dir.ContactsByIDs(ctx, lookupIDs)
		if err != nil {
			return nil, fmt.Errorf("contact lookup by id: %w", err)
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if c.contact == nil {
				contact := contacts[c.entry.ContactID]
				if contact == nil {
					skip(c.entry.ContactID, c.phone, SkipMissingContactID, fmt.Sprintf("contact %d not found", c.entry.ContactID))
					continue
				}
				c.contact = contact
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	// Normalize phones from contact records where the entry had none.
	kept := candidates[:0]
	for _, c := range candidates {
		if c.phone == "" {
			phone, ok := NormalizePhone(c.contact.Phone)
			if !ok {
				skip(c.contact.ID, c.contact.Phone, SkipInvalidPhone, fmt.Sprintf("contact phone %q is not a dialable number", c.contact.Phone))
				continue
			}
			c.phone = phone
		}
		kept = append(kept, c)
	}
	candidates = kept

	// Step 3: suppression and opt-out gate.
	phones := make([]string, len(candidates))
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		phones[i] = c.phone
		ids[i] = c.contact.ID
	}
	suppressed := p.gate.Suppressed(ctx, phones)
	optedOut := p.gate.OptedOut(ctx, ids)

	// Step 4: template contract resolution.
	for _, c := range candidates {
		if entry := suppressed[c.phone]; entry != nil {
			skip(c.contact.ID, c.phone, SkipSuppressed, fmt.Sprintf("suppressed (%s): %s", entry.Source, entry.Reason))
			continue
		}
		if optedOut[c.contact.ID] || c.contact.Status == models.ContactOptOut {
			skip(c.contact.ID, c.phone, SkipOptOut, "contact has opted out")
			continue
		}

		fields := mergeFields(c.contact.CustomFields, c.entry.Fields)
		resolved := *c.contact
		resolved.CustomFields = fields

		_, missing := template.Resolve(spec, &resolved, params, template.ResolveOptions{Fallbacks: false})
		if len(missing) > 0 {
			skip(c.contact.ID, c.phone, SkipMissingParam, template.MissingReason(missing))
			continue
		}

		res.Valid = append(res.Valid, models.CampaignRecipient{
			CampaignID:   campaign.ID,
			ContactID:    c.contact.ID,
			Phone:        c.phone,
			Name:         c.contact.Name,
			CustomFields: fields,
			Status:       models.RecipientPending,
			TraceID:      campaign.TraceID,
		})
	}

	return res, nil
}

// SkipAll marks every entry skipped with one code, used when the template
// contract itself fails to parse.
func SkipAll(campaign *models.Campaign, entries []Entry, code SkipCode, reason string) *Result {
	res := &Result{}
	for _, e := range entries {
		res.Skipped = append(res.Skipped, models.CampaignRecipient{
			CampaignID: campaign.ID,
			ContactID:  e.ContactID,
			Phone:      e.Phone,
			Status:     models.RecipientSkipped,
			SkipCode:   string(code),
			SkipReason: reason,
			TraceID:    campaign.TraceID,
		})
	}
	return res
}

// ContractSkipCode maps a template parse failure to the recipient skip code.
func ContractSkipCode(err error) SkipCode {
	var ce *template.ContractError
	if errors.As(err, &ce) && ce.Unsupported {
		return SkipUnsupportedTemplate
	}
	return SkipContractInvalid
}

// Persist writes the partition as CampaignRecipient rows, idempotently. Rows
// already in a locked state are excluded first: a precheck re-run must never
// regress a recipient that is in flight or has an outcome. If the store
// rejects the (campaign, contact) conflict key, the write is retried keyed
// on phone.
func (p *Pipeline) Persist(ctx context.Context, res *Result) error {
	rows := make([]models.CampaignRecipient, 0, len(res.Valid)+len(res.Skipped))
	rows = append(rows, res.Valid...)
	rows = append(rows, res.Skipped...)
	if len(rows) == 0 {
		return nil
	}

	campaignID := rows[0].CampaignID
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if r.ContactID != 0 {
			ids = append(ids, r.ContactID)
		}
	}

	existing, err := p.store.RecipientsByContactIDs(ctx, campaignID, ids)
	if err != nil {
		return fmt.Errorf("load existing recipients: %w", err)
	}
	locked := make(map[int64]bool, len(existing))
	for i := range existing {
		if existing[i].Locked() {
			locked[existing[i].ContactID] = true
		}
	}

	writable := rows[:0]
	for _, r := range rows {
		if r.ContactID != 0 && locked[r.ContactID] {
			continue
		}
		writable = append(writable, r)
	}
	if len(writable) == 0 {
		return nil
	}

	err = p.store.UpsertRecipients(ctx, writable)
	if errors.Is(err, ErrConflictKey) {
		p.log.Warn("recipient upsert fell back to phone conflict key",
			zap.Int64("campaign_id", campaignID),
			zap.Int("rows", len(writable)),
		)
		err = p.store.UpsertRecipientsByPhone(ctx, writable)
	}
	if err != nil {
		return fmt.Errorf("persist recipients: %w", err)
	}
	return nil
}

// NormalizePhone reduces a phone to dialable digits. Returns ok=false when
// the result is not a plausible E.164 number.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return digits, true
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
