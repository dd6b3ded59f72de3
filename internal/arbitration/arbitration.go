// Package arbitration escalates disputes to an external court (Kleros),
// tracks the case, and pushes the court's ruling back onto the escrow.
//
// Receiving a ruling and executing it are separate steps. ApplyRuling
// records the decision on the case and the dispute; Execute moves the
// funds at most once, guarded by the case's executed flag and an
// execution claim, so a ruling delivered twice never pays out twice.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/usdc"
)

var (
	ErrNotEscalatable   = errors.New("arbitration: dispute is not open for escalation")
	ErrEvidenceClosed   = errors.New("arbitration: evidence period is closed")
	ErrUnknownRuling    = errors.New("arbitration: unknown ruling code")
	ErrRulingConflict   = errors.New("arbitration: a different ruling is already recorded")
	ErrNotResolved      = errors.New("arbitration: case has no ruling yet")
	ErrCourtUnavailable = errors.New("arbitration: court is unavailable")
	ErrExecutionPending = errors.New("arbitration: ruling execution sent but not yet confirmed")
	ErrInvalidSignature = errors.New("arbitration: invalid webhook signature")
	ErrPinningFailed    = errors.New("arbitration: evidence pinning failed")
	ErrCaseNotSubmitted = errors.New("arbitration: case has no external id yet")
	ErrEscrowHeld       = errors.New("arbitration: escrow still holds the disputed funds")

	// ErrCaseExists is returned when the dispute already has a case.
	ErrCaseExists = ledger.ErrCaseExists
)

// Ruling is a court ruling code.
type Ruling int

const (
	RulingRefuse  Ruling = 0 // jurors could not decide
	RulingPayer   Ruling = 1 // full refund
	RulingCreator Ruling = 2 // full release
	RulingSplit   Ruling = 3
)

func (r Ruling) Valid() bool {
	return r >= RulingRefuse && r <= RulingSplit
}

func (r Ruling) String() string {
	switch r {
	case RulingRefuse:
		return "refused"
	case RulingPayer:
		return "payer"
	case RulingCreator:
		return "creator"
	case RulingSplit:
		return "split"
	}
	return "unknown"
}

// ParseRuling is the inverse of String.
func ParseRuling(s string) (Ruling, error) {
	for r := RulingRefuse; r <= RulingSplit; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRuling, s)
}

// Resolution maps a ruling onto the escrow movement that executes it.
// Refused rulings split like a split ruling.
func (r Ruling) Resolution() ledger.Resolution {
	switch r {
	case RulingPayer:
		return ledger.ResolutionRefund
	case RulingCreator:
		return ledger.ResolutionRelease
	}
	return ledger.ResolutionSplit
}

// Amounts returns the payer and creator shares of total. Refused and split
// rulings give the payer floor(total/2) unless precisePayer is set.
func (r Ruling) Amounts(total int64, precisePayer *int64) (payer, creator int64, err error) {
	switch r {
	case RulingPayer:
		return total, 0, nil
	case RulingCreator:
		return 0, total, nil
	case RulingRefuse, RulingSplit:
		payer = total / 2
		if precisePayer != nil {
			if *precisePayer < 0 || *precisePayer > total {
				return 0, 0, fmt.Errorf("%w: payer amount %d outside 0..%d", ErrUnknownRuling, *precisePayer, total)
			}
			payer = *precisePayer
		}
		return payer, total - payer, nil
	}
	return 0, 0, fmt.Errorf("%w: %d", ErrUnknownRuling, int(r))
}

// RulingOptions is the single-select schema shown to jurors.
type RulingOptions struct {
	Type         string   `json:"type"`
	Titles       []string `json:"titles"`
	Descriptions []string `json:"descriptions"`
}

// MetaEvidence describes the case to the court.
type MetaEvidence struct {
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Question      string        `json:"question"`
	RulingOptions RulingOptions `json:"rulingOptions"`
}

// NewMetaEvidence builds the case description for an invoice dispute.
func NewMetaEvidence(shortCode string, amount int64, reason string) MetaEvidence {
	return MetaEvidence{
		Title:       "Arc Invoice Dispute - " + shortCode,
		Description: fmt.Sprintf("Dispute regarding invoice %s for %s USDC. Reason: %s", shortCode, usdc.FormatCents(amount), reason),
		Question:    "How should the escrowed funds be distributed?",
		RulingOptions: RulingOptions{
			Type:   "single-select",
			Titles: []string{"Refuse to Arbitrate", "Refund to Payer", "Release to Creator", "Split 50/50"},
			Descriptions: []string{
				"Jurors cannot reach a decision",
				"Full refund to the payer",
				"Full release to the invoice creator",
				"Split funds equally between both parties",
			},
		},
	}
}

// EvidenceRequest is a piece of evidence for the court.
type EvidenceRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description" binding:"required"`
	FileURI     string `json:"fileUri"`
}

// EvidenceDocument is the JSON document pinned for the court.
type EvidenceDocument struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	FileURI           string `json:"fileURI,omitempty"`
	FileTypeExtension string `json:"fileTypeExtension,omitempty"`
}

var evidenceExtensions = map[string]bool{
	"pdf": true, "png": true, "jpg": true, "jpeg": true, "gif": true, "txt": true, "json": true,
}

func newEvidenceDocument(req EvidenceRequest) EvidenceDocument {
	doc := EvidenceDocument{Name: req.Name, Description: req.Description, FileURI: req.FileURI}
	if i := strings.LastIndex(req.FileURI, "."); i >= 0 {
		ext := strings.ToLower(req.FileURI[i+1:])
		if evidenceExtensions[ext] {
			doc.FileTypeExtension = ext
		}
	}
	return doc
}

// RulingRequest is a ruling delivered by the court. CaseRef is the court's
// case id, or the internal dispute id when the court never assigned one.
type RulingRequest struct {
	CaseRef     string `json:"disputeId" binding:"required"`
	Ruling      *int   `json:"ruling" binding:"required"`
	PayerAmount *int64 `json:"payerAmount,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
}

// Submission is what the court receives on escalation.
type Submission struct {
	CaseID          string       `json:"caseId"`
	DisputeID       string       `json:"disputeId"`
	EscrowAddress   string       `json:"arbitrated"`
	ChainID         int64        `json:"chainId"`
	Amount          int64        `json:"amount"`
	MetaEvidence    MetaEvidence `json:"metaEvidence"`
	MetaEvidenceURI string       `json:"metaEvidenceUri,omitempty"`
}

// RemoteCase is the court's view of a case.
type RemoteCase struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Ruling           *int       `json:"ruling"`
	EvidenceDeadline *time.Time `json:"evidenceDeadline,omitempty"`
}

// Court is the external arbitration service.
type Court interface {
	Submit(ctx context.Context, s Submission) (externalID string, err error)
	Case(ctx context.Context, externalID string) (*RemoteCase, error)
}

// Pinner stores evidence documents and returns their URI.
type Pinner interface {
	PinJSON(ctx context.Context, name string, v any) (string, error)
}

// caseStatus maps the court's status onto ours. Unknown statuses map to
// pending.
func caseStatus(remote string) ledger.CaseStatus {
	switch remote {
	case "evidence":
		return ledger.CaseInEvidence
	case "voting":
		return ledger.CaseVoting
	case "appeal":
		return ledger.CaseAppeal
	case "resolved":
		return ledger.CaseResolved
	}
	return ledger.CasePending
}

func caseRank(s ledger.CaseStatus) int {
	switch s {
	case ledger.CasePending:
		return 0
	case ledger.CaseInEvidence:
		return 1
	case ledger.CaseVoting:
		return 2
	case ledger.CaseAppeal:
		return 3
	case ledger.CaseResolved:
		return 4
	}
	return -1
}
