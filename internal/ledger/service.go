package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/idgen"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/pagination"
	"github.com/mbd888/arcinvoice/internal/usdc"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// Invoice creation limits.
const (
	MinAmount              = usdc.Unit / 100 // 0.01 USDC
	MaxDescriptionLength   = 500
	MaxClientNameLength    = 255
	DefaultAutoReleaseDays = 14
	MinAutoReleaseDays     = 1
	MaxAutoReleaseDays     = 90
	MaxMilestones          = 50

	// MilestoneSumTolerance is the allowed difference, in smallest units,
	// between the milestone total and the invoice amount.
	MilestoneSumTolerance int64 = 0
)

// MilestoneInput describes one milestone at invoice creation.
type MilestoneInput struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// CreateInvoiceRequest is the validated input for a new invoice.
type CreateInvoiceRequest struct {
	CreatorAddress  string           `json:"creatorAddress"`
	Description     string           `json:"description"`
	Amount          int64            `json:"amount"`
	Mode            PaymentMode      `json:"paymentMode"`
	ClientName      string           `json:"clientName"`
	ClientEmail     string           `json:"clientEmail"`
	AutoReleaseDays int              `json:"autoReleaseDays"`
	Milestones      []MilestoneInput `json:"milestones"`
	Draft           bool             `json:"draft"`
}

// editableFields is the allow-list for UpdateDetails.
var editableFields = map[string]bool{
	"description":  true,
	"client_name":  true,
	"client_email": true,
}

// Ledger enforces record invariants on top of a Store.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now, logger: logging.Discard()}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides time.Now (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Store exposes the underlying store to the reconciler and negotiator.
func (l *Ledger) Store() Store { return l.store }

// CreateInvoice validates req and inserts the invoice with its milestones
// in one atomic step. Milestone invoices are created as version 3
// (pay-per-milestone); version 2 is only ever imported, never created.
func (l *Ledger) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, []*Milestone, error) {
	defer observe("create_invoice", time.Now())

	req.CreatorAddress = validation.SanitizeAddress(req.CreatorAddress)
	req.Description = validation.SanitizeString(req.Description, MaxDescriptionLength+1)
	req.ClientName = validation.SanitizeString(req.ClientName, MaxClientNameLength+1)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	if req.Mode == "" {
		req.Mode = ModeEscrow
	}
	if req.AutoReleaseDays == 0 {
		req.AutoReleaseDays = DefaultAutoReleaseDays
	}

	errs := validation.Validate(
		validation.Required("creatorAddress", req.CreatorAddress),
		validation.ValidAddress("creatorAddress", req.CreatorAddress),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
		validation.MaxLength("clientName", req.ClientName, MaxClientNameLength),
		validation.ValidEmail("clientEmail", req.ClientEmail),
		validation.IntBetween("amount", req.Amount, MinAmount, 1<<62),
		validation.IntBetween("autoReleaseDays", int64(req.AutoReleaseDays), MinAutoReleaseDays, MaxAutoReleaseDays),
		validMode(req.Mode),
	)
	if len(req.Milestones) > 0 {
		errs = append(errs, validateMilestones(req)...)
	}
	if err := errs.Err(); err != nil {
		return nil, nil, err
	}

	now := l.now().UTC()
	inv := &Invoice{
		ID:              idgen.New(),
		ShortCode:       shortCode(),
		CreatorAddress:  req.CreatorAddress,
		ClientName:      req.ClientName,
		ClientEmail:     req.ClientEmail,
		Description:     req.Description,
		Amount:          req.Amount,
		Mode:            req.Mode,
		Status:          InvoicePending,
		ContractVersion: ContractV1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Draft {
		inv.Status = InvoiceDraft
	}
	if req.Mode == ModeEscrow {
		inv.AutoReleaseDays = req.AutoReleaseDays
	}

	var milestones []*Milestone
	if len(req.Milestones) > 0 {
		inv.ContractVersion = ContractV3
		for i, in := range req.Milestones {
			milestones = append(milestones, &Milestone{
				ID:          idgen.New(),
				InvoiceID:   inv.ID,
				Index:       i,
				Amount:      in.Amount,
				Description: validation.SanitizeString(in.Description, MaxDescriptionLength),
				Status:      MilestonePending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	}

	if err := l.store.CreateInvoice(ctx, inv, milestones); err != nil {
		return nil, nil, fmt.Errorf("create invoice: %w", err)
	}

	logging.L(ctx, l.logger).Info("invoice created",
		"invoice_id", inv.ID, "short_code", inv.ShortCode, "amount", usdc.Format(inv.Amount),
		"mode", inv.Mode, "version", int(inv.ContractVersion), "milestones", len(milestones))
	return inv, milestones, nil
}

func validMode(m PaymentMode) validation.Rule {
	return func() *validation.ValidationError {
		if m != ModeDirect && m != ModeEscrow {
			return &validation.ValidationError{Field: "paymentMode", Message: "must be direct or escrow"}
		}
		return nil
	}
}

func validateMilestones(req CreateInvoiceRequest) validation.ValidationErrors {
	var errs validation.ValidationErrors
	if req.Mode != ModeEscrow {
		return append(errs, validation.ValidationError{Field: "milestones", Message: "milestones require escrow payment mode"})
	}
	if len(req.Milestones) > MaxMilestones {
		return append(errs, validation.ValidationError{Field: "milestones", Message: "too many milestones"})
	}
	// sum never passes req.Amount, so adding a milestone cannot overflow
	var sum int64
	over := false
	for i, m := range req.Milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		errs = append(errs, validation.Validate(
			validation.Required(field+".description", m.Description),
			validation.MaxLength(field+".description", m.Description, MaxDescriptionLength),
			validation.IntBetween(field+".amount", m.Amount, MinAmount, max(req.Amount, MinAmount)),
		)...)
		if m.Amount > req.Amount-sum {
			over = true
			continue
		}
		sum += m.Amount
	}
	switch {
	case over:
		errs = append(errs, validation.ValidationError{
			Field:   "milestones",
			Message: fmt.Sprintf("milestone amounts exceed the invoice amount of %s", usdc.Format(req.Amount)),
		})
	case req.Amount-sum > MilestoneSumTolerance:
		errs = append(errs, validation.ValidationError{
			Field:   "milestones",
			Message: fmt.Sprintf("milestone amounts sum to %s, invoice amount is %s", usdc.Format(sum), usdc.Format(req.Amount)),
		})
	}
	return errs
}

// Invoice returns an invoice with its milestones in index order.
func (l *Ledger) Invoice(ctx context.Context, id string) (*Invoice, []*Milestone, error) {
	inv, err := l.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !inv.ContractVersion.HasMilestones() {
		return inv, nil, nil
	}
	ms, err := l.store.ListMilestones(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inv, ms, nil
}

// Page is one page of a creator's invoices.
type Page struct {
	Invoices   []*Invoice `json:"invoices"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// Default and maximum page sizes for ListInvoices.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListInvoices pages through the creator's invoices, newest first. cursor
// is the opaque NextCursor of the previous page.
func (l *Ledger) ListInvoices(ctx context.Context, creator, cursor string, limit int) (*Page, error) {
	creator = validation.SanitizeAddress(creator)
	if !validation.IsValidEthAddress(creator) {
		return nil, validation.Fail("creatorAddress", "must be a valid Ethereum address (0x...)")
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, validation.Fail("cursor", err.Error())
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	items, err := l.store.ListInvoicesByCreator(ctx, creator, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next := pagination.Trim(items, limit, func(inv *Invoice) pagination.Cursor {
		return pagination.Cursor{CreatedAt: inv.CreatedAt, ID: inv.ID}
	})
	if items == nil {
		items = []*Invoice{}
	}
	return &Page{Invoices: items, NextCursor: next, HasMore: next != ""}, nil
}

// UpdateDetails applies a patch restricted to the editable allow-list
// (description, client_name, client_email). Any other key rejects the
// whole patch. Only the creator may edit, and only before funding.
func (l *Ledger) UpdateDetails(ctx context.Context, id, actor string, patch map[string]string) (*Invoice, error) {
	defer observe("update_details", time.Now())

	if len(patch) == 0 {
		return nil, validation.Fail("patch", "no fields to update")
	}
	for k := range patch {
		if !editableFields[k] {
			return nil, validation.Fail(k, "field is not editable")
		}
	}

	inv, err := l.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.CreatorAddress != validation.SanitizeAddress(actor) {
		return nil, ErrNotCreator
	}
	if inv.Status != InvoiceDraft && inv.Status != InvoicePending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotEditable, inv.Status)
	}

	expected := inv.Status
	if v, ok := patch["description"]; ok {
		inv.Description = validation.SanitizeString(v, MaxDescriptionLength+1)
	}
	if v, ok := patch["client_name"]; ok {
		inv.ClientName = validation.SanitizeString(v, MaxClientNameLength+1)
	}
	if v, ok := patch["client_email"]; ok {
		inv.ClientEmail = strings.TrimSpace(v)
	}
	if err := validation.Validate(
		validation.Required("description", inv.Description),
		validation.MaxLength("description", inv.Description, MaxDescriptionLength),
		validation.MaxLength("client_name", inv.ClientName, MaxClientNameLength),
		validation.ValidEmail("client_email", inv.ClientEmail),
	).Err(); err != nil {
		return nil, err
	}

	inv.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateInvoice(ctx, inv, expected); err != nil {
		return nil, err
	}
	return inv, nil
}

// Publish moves a draft invoice to pending so it can be paid.
func (l *Ledger) Publish(ctx context.Context, id, actor string) (*Invoice, error) {
	inv, err := l.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.CreatorAddress != validation.SanitizeAddress(actor) {
		return nil, ErrNotCreator
	}
	if inv.Status == InvoicePending {
		return inv, nil
	}
	if inv.Status != InvoiceDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrNotEditable, inv.Status)
	}
	inv.Status = InvoicePending
	inv.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateInvoice(ctx, inv, InvoiceDraft); err != nil {
		return nil, err
	}
	return inv, nil
}

// AttachEscrow records the deployed escrow contract address. The address
// can be set once; attaching the same address again is a no-op.
func (l *Ledger) AttachEscrow(ctx context.Context, id, actor, address string) (*Invoice, error) {
	defer observe("attach_escrow", time.Now())

	// Escrow addresses come from a deploy receipt, so the 0x prefix is
	// required rather than repaired. Checksum case is folded.
	address = strings.TrimSpace(address)
	if !validation.IsValidEthAddress(address) {
		return nil, validation.Fail("escrowAddress", "must be a valid Ethereum address (0x...)")
	}
	address = validation.SanitizeAddress(address)

	inv, err := l.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.CreatorAddress != validation.SanitizeAddress(actor) {
		return nil, ErrNotCreator
	}
	if inv.EscrowAddress != "" {
		if inv.EscrowAddress == address {
			return inv, nil
		}
		return nil, ErrEscrowAlreadySet
	}
	if inv.Mode != ModeEscrow {
		return nil, validation.Fail("escrowAddress", "invoice is not an escrow invoice")
	}
	if inv.Status != InvoiceDraft && inv.Status != InvoicePending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotEditable, inv.Status)
	}

	expected := inv.Status
	inv.EscrowAddress = address
	inv.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateInvoice(ctx, inv, expected); err != nil {
		return nil, err
	}
	logging.L(ctx, l.logger).Info("escrow attached", "invoice_id", id, "escrow", address)
	return inv, nil
}

const (
	shortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	shortCodeLength   = 8
)

// shortCode returns an 8 character human-friendly invoice code.
func shortCode() string {
	b := make([]byte, shortCodeLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = shortCodeAlphabet[int(b[i])%len(shortCodeAlphabet)]
	}
	return string(b)
}
