package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arcinvoice/internal/pagination"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
// Records are copied on the way in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	invoices     map[string]*Invoice
	milestones   map[string][]*Milestone // invoice ID -> ordered milestones
	disputes     map[string]*Dispute
	evidence     map[string][]*Evidence // dispute ID
	cases        map[string]*KlerosCase
	caseEvidence map[string][]*CaseEvidence // case ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:     make(map[string]*Invoice),
		milestones:   make(map[string][]*Milestone),
		disputes:     make(map[string]*Dispute),
		evidence:     make(map[string][]*Evidence),
		cases:        make(map[string]*KlerosCase),
		caseEvidence: make(map[string][]*CaseEvidence),
	}
}

func (m *MemoryStore) CreateInvoice(ctx context.Context, inv *Invoice, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; ok {
		return ErrStatusConflict
	}
	ms := make([]*Milestone, 0, len(milestones))
	for _, ml := range milestones {
		ms = append(ms, ml.Clone())
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Index < ms[j].Index })

	m.invoices[inv.ID] = inv.Clone()
	if len(ms) > 0 {
		m.milestones[inv.ID] = ms
	}
	return nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) GetInvoiceByEscrow(ctx context.Context, escrowAddress string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.EscrowAddress != "" && inv.EscrowAddress == escrowAddress {
			return inv.Clone(), nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (m *MemoryStore) GetInvoiceByShortCode(ctx context.Context, code string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.ShortCode == code {
			return inv.Clone(), nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *Invoice, expected InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	if cur.EscrowAddress != "" && inv.EscrowAddress != cur.EscrowAddress {
		return ErrEscrowAlreadySet
	}
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) ListReconcilable(ctx context.Context, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status != InvoicePending && inv.Status != InvoiceFunded {
			continue
		}
		if inv.EscrowAddress == "" && !(inv.Mode == ModeDirect && inv.TxRef != "") {
			continue
		}
		result = append(result, inv.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListInvoicesByCreator(ctx context.Context, creator string, after *pagination.Cursor, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.CreatorAddress != creator {
			continue
		}
		if !after.Admits(inv.CreatedAt, inv.ID) {
			continue
		}
		result = append(result, inv.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListMilestones(ctx context.Context, invoiceID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.invoices[invoiceID]; !ok {
		return nil, ErrInvoiceNotFound
	}
	ms := m.milestones[invoiceID]
	out := make([]*Milestone, 0, len(ms))
	for _, ml := range ms {
		out = append(out, ml.Clone())
	}
	return out, nil
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ml *Milestone, expected MilestoneStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.milestones[ml.InvoiceID] {
		if cur.ID != ml.ID {
			continue
		}
		if cur.Status != expected {
			return ErrStatusConflict
		}
		m.milestones[ml.InvoiceID][i] = ml.Clone()
		return nil
	}
	return ErrMilestoneNotFound
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[d.InvoiceID]; !ok {
		return ErrInvoiceNotFound
	}
	for _, existing := range m.disputes {
		if existing.InvoiceID == d.InvoiceID && existing.Status.IsActive() {
			return ErrActiveDispute
		}
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetActiveDispute(ctx context.Context, invoiceID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.InvoiceID == invoiceID && d.Status.IsActive() {
			return d.Clone(), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputes(ctx context.Context, invoiceID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.InvoiceID == invoiceID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) ClaimAcceptance(ctx context.Context, disputeID, by string, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if cur.Status != DisputeProposed {
		return nil, ErrStatusConflict
	}
	if cur.AcceptedAt != nil {
		return nil, ErrAlreadyClaimed
	}
	cur.AcceptedBy = by
	t := at
	cur.AcceptedAt = &t
	cur.UpdatedAt = at
	return cur.Clone(), nil
}

func (m *MemoryStore) ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status.IsActive() && d.AcceptedAt == nil && now.After(d.ExpiresAt) {
			result = append(result, d.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAcceptedDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == DisputeProposed && d.AcceptedAt != nil {
			result = append(result, d.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AddEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[e.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *e
	m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Evidence, 0, len(m.evidence[disputeID]))
	for _, e := range m.evidence[disputeID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CreateCase(ctx context.Context, c *KlerosCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[c.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	for _, existing := range m.cases {
		if existing.DisputeID == c.DisputeID {
			return ErrCaseExists
		}
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) GetCase(ctx context.Context, id string) (*KlerosCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) GetCaseByDispute(ctx context.Context, disputeID string) (*KlerosCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.cases {
		if c.DisputeID == disputeID {
			return c.Clone(), nil
		}
	}
	return nil, ErrCaseNotFound
}

func (m *MemoryStore) GetCaseByExternalID(ctx context.Context, externalID string) (*KlerosCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if externalID == "" {
		return nil, ErrCaseNotFound
	}
	for _, c := range m.cases {
		if c.ExternalID == externalID {
			return c.Clone(), nil
		}
	}
	return nil, ErrCaseNotFound
}

func (m *MemoryStore) UpdateCase(ctx context.Context, c *KlerosCase, expected CaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cases[c.ID]
	if !ok {
		return ErrCaseNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	if cur.Executed && !c.Executed {
		return ErrAlreadyExecuted
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) ClaimExecution(ctx context.Context, caseID string, now, staleBefore time.Time) (*KlerosCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if cur.Executed {
		return nil, ErrAlreadyExecuted
	}
	if cur.Status != CaseResolved {
		return nil, ErrStatusConflict
	}
	if cur.ExecutionClaimedAt != nil && cur.ExecutionClaimedAt.After(staleBefore) {
		return nil, ErrExecutionInProgress
	}
	t := now
	cur.ExecutionClaimedAt = &t
	cur.UpdatedAt = now
	return cur.Clone(), nil
}

func (m *MemoryStore) ListCasesToExecute(ctx context.Context, limit int) ([]*KlerosCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KlerosCase
	for _, c := range m.cases {
		if c.Status == CaseResolved && !c.Executed {
			result = append(result, c.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListOpenCases(ctx context.Context, limit int) ([]*KlerosCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KlerosCase
	for _, c := range m.cases {
		if c.Status != CaseResolved {
			result = append(result, c.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AddCaseEvidence(ctx context.Context, e *CaseEvidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[e.CaseID]; !ok {
		return ErrCaseNotFound
	}
	cp := *e
	m.caseEvidence[e.CaseID] = append(m.caseEvidence[e.CaseID], &cp)
	return nil
}

func (m *MemoryStore) ListCaseEvidence(ctx context.Context, caseID string) ([]*CaseEvidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CaseEvidence, 0, len(m.caseEvidence[caseID]))
	for _, e := range m.caseEvidence[caseID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
