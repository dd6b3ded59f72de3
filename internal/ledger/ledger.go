// Package ledger owns the persisted invoice, milestone, dispute and
// arbitration records.
//
// The ledger is the source of truth for intent and negotiation state (what
// the parties agreed); the escrow contract is the source of truth for fund
// custody. Every mutation is a conditional update keyed on the record's
// expected prior status, so concurrent callbacks and sweeps cannot both
// advance the same record.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/arcinvoice/internal/pagination"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrCaseNotFound      = errors.New("arbitration case not found")

	// ErrStatusConflict means the record was not in the expected status when
	// the conditional update ran.
	ErrStatusConflict = errors.New("record status changed concurrently")

	ErrActiveDispute       = errors.New("invoice already has an open dispute")
	ErrCaseExists          = errors.New("dispute already has an arbitration case")
	ErrEscrowAlreadySet    = errors.New("escrow address already set")
	ErrNotCreator          = errors.New("only the invoice creator may do this")
	ErrNotEditable         = errors.New("invoice can no longer be edited")
	ErrAlreadyClaimed      = errors.New("resolution acceptance already in progress")
	ErrAlreadyExecuted     = errors.New("ruling already executed")
	ErrExecutionInProgress = errors.New("ruling execution already in progress")
)

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft    InvoiceStatus = "draft"
	InvoicePending  InvoiceStatus = "pending"
	InvoiceFunded   InvoiceStatus = "funded"
	InvoiceReleased InvoiceStatus = "released"
	InvoiceRefunded InvoiceStatus = "refunded"
)

// IsTerminal returns true once funds have left escrow.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceReleased || s == InvoiceRefunded
}

// Rank orders statuses along the forward-only lifecycle. Released and
// refunded share the terminal rank.
func (s InvoiceStatus) Rank() int {
	switch s {
	case InvoiceDraft:
		return 0
	case InvoicePending:
		return 1
	case InvoiceFunded:
		return 2
	case InvoiceReleased, InvoiceRefunded:
		return 3
	}
	return -1
}

// PaymentMode selects direct transfer or contract escrow.
type PaymentMode string

const (
	ModeDirect PaymentMode = "direct"
	ModeEscrow PaymentMode = "escrow"
)

// ContractVersion tags which escrow contract generation holds the funds.
type ContractVersion int

const (
	ContractV1       ContractVersion = 1 // single-amount escrow
	ContractV2Legacy ContractVersion = 2 // milestones, fund-all-upfront
	ContractV3       ContractVersion = 3 // pay-per-milestone
)

// HasMilestones reports whether the version carries milestone records.
func (v ContractVersion) HasMilestones() bool {
	return v == ContractV2Legacy || v == ContractV3
}

func (v ContractVersion) Valid() bool {
	return v == ContractV1 || v == ContractV2Legacy || v == ContractV3
}

// Invoice is a request for payment in smallest stablecoin units.
type Invoice struct {
	ID              string          `json:"id"`
	ShortCode       string          `json:"shortCode"`
	CreatorAddress  string          `json:"creatorAddress"`
	PayerAddress    string          `json:"payerAddress,omitempty"`
	ClientName      string          `json:"clientName,omitempty"`
	ClientEmail     string          `json:"clientEmail,omitempty"`
	Description     string          `json:"description"`
	Amount          int64           `json:"amount"`
	Mode            PaymentMode     `json:"paymentMode"`
	Status          InvoiceStatus   `json:"status"`
	EscrowAddress   string          `json:"escrowAddress,omitempty"`
	AutoReleaseDays int             `json:"autoReleaseDays,omitempty"`
	TxRef           string          `json:"txRef,omitempty"`
	ContractVersion ContractVersion `json:"contractVersion"`
	FundedAt        *time.Time      `json:"fundedAt,omitempty"`
	SettledAt       *time.Time      `json:"settledAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsParty reports whether addr is the creator or the recorded payer.
func (inv *Invoice) IsParty(addr string) bool {
	return addr != "" && (addr == inv.CreatorAddress || addr == inv.PayerAddress)
}

// Clone returns a copy safe to mutate.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	cp.FundedAt = cloneTime(inv.FundedAt)
	cp.SettledAt = cloneTime(inv.SettledAt)
	return &cp
}

// MilestoneStatus is the lifecycle status of one milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneFunded   MilestoneStatus = "funded"
	MilestoneApproved MilestoneStatus = "approved" // V2 legacy only
	MilestoneReleased MilestoneStatus = "released"
)

func (s MilestoneStatus) Rank() int {
	switch s {
	case MilestonePending:
		return 0
	case MilestoneFunded:
		return 1
	case MilestoneApproved:
		return 2
	case MilestoneReleased:
		return 3
	}
	return -1
}

// Milestone is an ordered sub-amount of a V2/V3 invoice.
type Milestone struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoiceId"`
	Index       int             `json:"index"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Status      MilestoneStatus `json:"status"`
	TxRef       string          `json:"txRef,omitempty"`
	FundedAt    *time.Time      `json:"fundedAt,omitempty"`
	ApprovedAt  *time.Time      `json:"approvedAt,omitempty"`
	ReleasedAt  *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (m *Milestone) Clone() *Milestone {
	cp := *m
	cp.FundedAt = cloneTime(m.FundedAt)
	cp.ApprovedAt = cloneTime(m.ApprovedAt)
	cp.ReleasedAt = cloneTime(m.ReleasedAt)
	return &cp
}

// DisputeStatus is the negotiation state of a dispute.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeProposed  DisputeStatus = "proposed"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
	DisputeExpired   DisputeStatus = "expired"
)

// IsActive reports whether the dispute is still in negotiation.
func (s DisputeStatus) IsActive() bool {
	return s == DisputeOpen || s == DisputeProposed
}

// IsTerminal reports whether no further transition is possible.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeExpired
}

// Resolution is the fund outcome a dispute proposal or ruling asks for.
type Resolution string

const (
	ResolutionRefund  Resolution = "refund"
	ResolutionRelease Resolution = "release"
	ResolutionSplit   Resolution = "split"
)

func (r Resolution) Valid() bool {
	return r == ResolutionRefund || r == ResolutionRelease || r == ResolutionSplit
}

// DisputeWindow is how long a dispute may stay unresolved.
const DisputeWindow = 7 * 24 * time.Hour

// Dispute is a negotiation over a funded invoice's escrow.
type Dispute struct {
	ID              string        `json:"id"`
	InvoiceID       string        `json:"invoiceId"`
	OpenedBy        string        `json:"openedBy"`
	Reason          string        `json:"reason"`
	Status          DisputeStatus `json:"status"`
	Resolution      Resolution    `json:"resolution,omitempty"`
	PayerAmount     int64         `json:"payerAmount,omitempty"`
	CreatorAmount   int64         `json:"creatorAmount,omitempty"`
	ProposedBy      string        `json:"proposedBy,omitempty"`
	ProposedAt      *time.Time    `json:"proposedAt,omitempty"`
	AcceptedBy      string        `json:"acceptedBy,omitempty"`
	AcceptedAt      *time.Time    `json:"acceptedAt,omitempty"`
	SettlementTxRef string        `json:"settlementTxRef,omitempty"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
	EscalatedAt     *time.Time    `json:"escalatedAt,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ClearProposal drops the current proposal, returning the dispute to open.
func (d *Dispute) ClearProposal() {
	d.Status = DisputeOpen
	d.Resolution = ""
	d.PayerAmount = 0
	d.CreatorAmount = 0
	d.ProposedBy = ""
	d.ProposedAt = nil
	d.AcceptedBy = ""
	d.AcceptedAt = nil
}

func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.ProposedAt = cloneTime(d.ProposedAt)
	cp.AcceptedAt = cloneTime(d.AcceptedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	cp.EscalatedAt = cloneTime(d.EscalatedAt)
	return &cp
}

// Evidence is an append-only note attached to a dispute.
type Evidence struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	FileURL     string    `json:"fileUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CaseStatus mirrors the external arbitration case lifecycle.
type CaseStatus string

const (
	CasePending    CaseStatus = "pending"
	CaseInEvidence CaseStatus = "evidence"
	CaseVoting     CaseStatus = "voting"
	CaseAppeal     CaseStatus = "appeal"
	CaseResolved   CaseStatus = "resolved"
)

// EvidencePeriod is how long after escalation evidence is accepted.
const EvidencePeriod = 7 * 24 * time.Hour

// KlerosCase tracks a dispute escalated to external arbitration.
type KlerosCase struct {
	ID                 string     `json:"id"`
	DisputeID          string     `json:"disputeId"`
	ExternalID         string     `json:"externalId,omitempty"`
	Status             CaseStatus `json:"status"`
	EvidenceDeadline   time.Time  `json:"evidenceDeadline"`
	MetaEvidenceURI    string     `json:"metaEvidenceUri,omitempty"`
	FeePaidBy          string     `json:"arbitrationFeePaidBy,omitempty"`
	Ruling             string     `json:"ruling,omitempty"`
	PayerAmount        int64      `json:"payerAmount,omitempty"`
	CreatorAmount      int64      `json:"creatorAmount,omitempty"`
	RulingAt           *time.Time `json:"rulingAt,omitempty"`
	Executed           bool       `json:"executed"`
	ExecutionTxRef     string     `json:"executionTxRef,omitempty"`
	ExecutionClaimedAt *time.Time `json:"-"`
	ExecutedAt         *time.Time `json:"executedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func (c *KlerosCase) Clone() *KlerosCase {
	cp := *c
	cp.RulingAt = cloneTime(c.RulingAt)
	cp.ExecutionClaimedAt = cloneTime(c.ExecutionClaimedAt)
	cp.ExecutedAt = cloneTime(c.ExecutedAt)
	return &cp
}

// CaseEvidence is an append-only evidence URI submitted to the court.
type CaseEvidence struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"caseId"`
	SubmittedBy string    `json:"submittedBy"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	URI         string    `json:"uri"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists ledger records. Update methods are conditional: they
// succeed only if the stored record still has the expected status, and
// return ErrStatusConflict otherwise.
type Store interface {
	// CreateInvoice inserts the invoice and its milestones atomically.
	CreateInvoice(ctx context.Context, inv *Invoice, milestones []*Milestone) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceByEscrow(ctx context.Context, escrowAddress string) (*Invoice, error)
	// GetInvoiceByShortCode matches the stored (upper case) short code.
	GetInvoiceByShortCode(ctx context.Context, code string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice, expected InvoiceStatus) error
	// ListReconcilable returns non-terminal invoices the chain can tell us
	// about: an escrow address is set, or a direct payment ref is pending.
	ListReconcilable(ctx context.Context, limit int) ([]*Invoice, error)
	// ListInvoicesByCreator returns the creator's invoices newest first,
	// starting strictly after the cursor when one is given.
	ListInvoicesByCreator(ctx context.Context, creator string, after *pagination.Cursor, limit int) ([]*Invoice, error)

	ListMilestones(ctx context.Context, invoiceID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone, expected MilestoneStatus) error

	// CreateDispute fails with ErrActiveDispute if the invoice already has
	// a dispute in open or proposed.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetActiveDispute(ctx context.Context, invoiceID string) (*Dispute, error)
	ListDisputes(ctx context.Context, invoiceID string) ([]*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error
	// ClaimAcceptance marks a proposed dispute as being accepted by `by`.
	// Only one claim can exist at a time (ErrAlreadyClaimed).
	ClaimAcceptance(ctx context.Context, disputeID, by string, at time.Time) (*Dispute, error)
	ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
	ListAcceptedDisputes(ctx context.Context, limit int) ([]*Dispute, error)
	AddEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)

	// CreateCase fails with ErrCaseExists if the dispute already has one.
	CreateCase(ctx context.Context, c *KlerosCase) error
	GetCase(ctx context.Context, id string) (*KlerosCase, error)
	GetCaseByDispute(ctx context.Context, disputeID string) (*KlerosCase, error)
	GetCaseByExternalID(ctx context.Context, externalID string) (*KlerosCase, error)
	UpdateCase(ctx context.Context, c *KlerosCase, expected CaseStatus) error
	// ClaimExecution marks a resolved, unexecuted case as being executed.
	// A claim older than staleBefore may be taken over.
	ClaimExecution(ctx context.Context, caseID string, now, staleBefore time.Time) (*KlerosCase, error)
	ListCasesToExecute(ctx context.Context, limit int) ([]*KlerosCase, error)
	ListOpenCases(ctx context.Context, limit int) ([]*KlerosCase, error)
	AddCaseEvidence(ctx context.Context, e *CaseEvidence) error
	ListCaseEvidence(ctx context.Context, caseID string) ([]*CaseEvidence, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
