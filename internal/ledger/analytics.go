package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/fees"
	"github.com/mbd888/arcinvoice/internal/pagination"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// PublicInvoice is what an unauthenticated payer sees through a short code.
// Client details and payment refs stay private.
type PublicInvoice struct {
	ID              string          `json:"id"`
	ShortCode       string          `json:"shortCode"`
	Amount          int64           `json:"amount"`
	Description     string          `json:"description"`
	Mode            PaymentMode     `json:"paymentMode"`
	Status          InvoiceStatus   `json:"status"`
	CreatorAddress  string          `json:"creatorAddress"`
	EscrowAddress   string          `json:"escrowAddress,omitempty"`
	AutoReleaseDays int             `json:"autoReleaseDays,omitempty"`
	ContractVersion ContractVersion `json:"contractVersion"`
}

// InvoiceByShortCode resolves a pay link. Codes are matched case
// insensitively; anything that is not a well formed code is not found.
func (l *Ledger) InvoiceByShortCode(ctx context.Context, code string) (*PublicInvoice, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != shortCodeLength || strings.Trim(code, shortCodeAlphabet) != "" {
		return nil, ErrInvoiceNotFound
	}
	inv, err := l.store.GetInvoiceByShortCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return &PublicInvoice{
		ID:              inv.ID,
		ShortCode:       inv.ShortCode,
		Amount:          inv.Amount,
		Description:     inv.Description,
		Mode:            inv.Mode,
		Status:          inv.Status,
		CreatorAddress:  inv.CreatorAddress,
		EscrowAddress:   inv.EscrowAddress,
		AutoReleaseDays: inv.AutoReleaseDays,
		ContractVersion: inv.ContractVersion,
	}, nil
}

// Analytics is a creator's revenue summary over a creation-date window.
// Amounts are in smallest USDC units.
type Analytics struct {
	Stats              Stats                   `json:"stats"`
	Monthly            []MonthlyRevenue        `json:"monthly"`
	TopClients         []ClientRevenue         `json:"topClients"`
	StatusDistribution map[InvoiceStatus]int64 `json:"statusDistribution"`
}

type Stats struct {
	TotalInvoices  int64 `json:"totalInvoices"`
	TotalRevenue   int64 `json:"totalRevenue"`
	PendingRevenue int64 `json:"pendingRevenue"`
	UnpaidAmount   int64 `json:"unpaidAmount"`
	RefundedAmount int64 `json:"refundedAmount"`
	EscrowCount    int64 `json:"escrowCount"`
	DirectCount    int64 `json:"directCount"`
	FeesPaid       int64 `json:"feesPaid"`
	UniqueClients  int64 `json:"uniqueClients"`
}

type MonthlyRevenue struct {
	Month   string `json:"month"` // YYYY-MM of settlement
	Revenue int64  `json:"revenue"`
}

type ClientRevenue struct {
	Client   string `json:"client"`
	Revenue  int64  `json:"revenue"`
	Invoices int64  `json:"invoices"`
}

const (
	analyticsBatch = 200
	topClientLimit = 10
)

// Analytics summarises the creator's invoices created in [from, to]. Nil
// bounds are open. Revenue counts released invoices only, so replayed
// funding callbacks never move the totals.
func (l *Ledger) Analytics(ctx context.Context, creator string, from, to *time.Time) (*Analytics, error) {
	defer observe("analytics", time.Now())

	creator = validation.SanitizeAddress(creator)
	if !validation.IsValidEthAddress(creator) {
		return nil, validation.Fail("creatorAddress", "must be a valid Ethereum address (0x...)")
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, validation.Fail("to", "must not be before from")
	}

	out := &Analytics{StatusDistribution: map[InvoiceStatus]int64{}}
	monthly := map[string]int64{}
	clients := map[string]*ClientRevenue{}
	seen := map[string]bool{}

	var after *pagination.Cursor
	for {
		batch, err := l.store.ListInvoicesByCreator(ctx, creator, after, analyticsBatch)
		if err != nil {
			return nil, err
		}
		for _, inv := range batch {
			// newest first: everything after this is older still
			if from != nil && inv.CreatedAt.Before(*from) {
				return out.finish(monthly, clients), nil
			}
			if to != nil && inv.CreatedAt.After(*to) {
				continue
			}
			out.add(inv, monthly, clients, seen)
		}
		if len(batch) < analyticsBatch {
			break
		}
		last := batch[len(batch)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out.finish(monthly, clients), nil
}

func (a *Analytics) add(inv *Invoice, monthly map[string]int64, clients map[string]*ClientRevenue, seen map[string]bool) {
	a.Stats.TotalInvoices++
	a.StatusDistribution[inv.Status]++
	if inv.Mode == ModeEscrow {
		a.Stats.EscrowCount++
	} else {
		a.Stats.DirectCount++
	}

	key := clientKey(inv)
	if key != "" && !seen[key] {
		seen[key] = true
		a.Stats.UniqueClients++
	}

	switch inv.Status {
	case InvoiceDraft, InvoicePending:
		a.Stats.UnpaidAmount += inv.Amount
	case InvoiceFunded:
		a.Stats.PendingRevenue += inv.Amount
	case InvoiceRefunded:
		a.Stats.RefundedAmount += inv.Amount
	case InvoiceReleased:
		a.Stats.TotalRevenue += inv.Amount
		if inv.Mode == ModeEscrow {
			a.Stats.FeesPaid += fees.Compute(inv.Amount).TotalFee
		}
		at := inv.CreatedAt
		if inv.SettledAt != nil {
			at = *inv.SettledAt
		}
		monthly[at.UTC().Format("2006-01")] += inv.Amount
		if key != "" {
			cr, ok := clients[key]
			if !ok {
				cr = &ClientRevenue{Client: clientLabel(inv)}
				clients[key] = cr
			}
			cr.Revenue += inv.Amount
			cr.Invoices++
		}
	}
}

func (a *Analytics) finish(monthly map[string]int64, clients map[string]*ClientRevenue) *Analytics {
	a.Monthly = make([]MonthlyRevenue, 0, len(monthly))
	for m, rev := range monthly {
		a.Monthly = append(a.Monthly, MonthlyRevenue{Month: m, Revenue: rev})
	}
	sort.Slice(a.Monthly, func(i, j int) bool { return a.Monthly[i].Month < a.Monthly[j].Month })

	a.TopClients = make([]ClientRevenue, 0, len(clients))
	for _, cr := range clients {
		a.TopClients = append(a.TopClients, *cr)
	}
	sort.Slice(a.TopClients, func(i, j int) bool {
		if a.TopClients[i].Revenue != a.TopClients[j].Revenue {
			return a.TopClients[i].Revenue > a.TopClients[j].Revenue
		}
		return a.TopClients[i].Client < a.TopClients[j].Client
	})
	if len(a.TopClients) > topClientLimit {
		a.TopClients = a.TopClients[:topClientLimit]
	}
	return a
}

// clientKey identifies a client by email, falling back to name.
func clientKey(inv *Invoice) string {
	if e := strings.ToLower(strings.TrimSpace(inv.ClientEmail)); e != "" {
		return "email:" + e
	}
	if n := strings.ToLower(strings.TrimSpace(inv.ClientName)); n != "" {
		return "name:" + n
	}
	return ""
}

func clientLabel(inv *Invoice) string {
	if inv.ClientName != "" {
		return inv.ClientName
	}
	return inv.ClientEmail
}
