package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/arcinvoice/internal/pagination"
)

// PostgresStore persists ledger records in PostgreSQL. The one-active-
// dispute and one-case-per-dispute rules are backed by unique indexes (see
// migrations), so they hold across server instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	uniqueViolation = "23505"

	idxActiveDispute = "disputes_one_active_per_invoice"
	idxCaseDispute   = "kleros_cases_dispute_id_key"
)

func constraintViolated(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
	}
	return false
}

// Invoices

const invoiceColumns = `id, short_code, creator_address, payer_address, client_name, client_email,
		description, amount, payment_mode, status, escrow_address, auto_release_days,
		tx_ref, contract_version, funded_at, settled_at, created_at, updated_at`

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inv.ID, inv.ShortCode, inv.CreatorAddress, nullString(inv.PayerAddress),
		nullString(inv.ClientName), nullString(inv.ClientEmail),
		inv.Description, inv.Amount, string(inv.Mode), string(inv.Status),
		nullString(inv.EscrowAddress), nullInt(inv.AutoReleaseDays),
		nullString(inv.TxRef), int(inv.ContractVersion),
		nullTime(inv.FundedAt), nullTime(inv.SettledAt), inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (
				id, invoice_id, order_index, amount, description, status,
				tx_ref, funded_at, approved_at, released_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.ID, inv.ID, m.Index, m.Amount, m.Description, string(m.Status),
			nullString(m.TxRef), nullTime(m.FundedAt), nullTime(m.ApprovedAt), nullTime(m.ReleasedAt),
			m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone %d: %w", m.Index, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) GetInvoiceByEscrow(ctx context.Context, escrowAddress string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE escrow_address = $1`, escrowAddress)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) GetInvoiceByShortCode(ctx context.Context, code string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE short_code = $1`, code)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice, expected InvoiceStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			payer_address = $1, client_name = $2, client_email = $3, description = $4,
			status = $5, escrow_address = COALESCE(escrow_address, $6), auto_release_days = $7,
			tx_ref = $8, funded_at = $9, settled_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13
		  AND (escrow_address IS NULL OR escrow_address = $6)`,
		nullString(inv.PayerAddress), nullString(inv.ClientName), nullString(inv.ClientEmail), inv.Description,
		string(inv.Status), nullString(inv.EscrowAddress), nullInt(inv.AutoReleaseDays),
		nullString(inv.TxRef), nullTime(inv.FundedAt), nullTime(inv.SettledAt), inv.UpdatedAt,
		inv.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Work out why the conditional update matched nothing.
	cur, err := p.GetInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	return ErrEscrowAlreadySet
}

func (p *PostgresStore) ListReconcilable(ctx context.Context, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status IN ('pending', 'funded')
		  AND (escrow_address IS NOT NULL OR (payment_mode = 'direct' AND tx_ref IS NOT NULL))
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListInvoicesByCreator(ctx context.Context, creator string, after *pagination.Cursor, limit int) ([]*Invoice, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+invoiceColumns+`
			FROM invoices
			WHERE creator_address = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, creator, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+invoiceColumns+`
			FROM invoices
			WHERE creator_address = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, creator, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// Milestones

const milestoneColumns = `id, invoice_id, order_index, amount, description, status,
		tx_ref, funded_at, approved_at, released_at, created_at, updated_at`

func (p *PostgresStore) ListMilestones(ctx context.Context, invoiceID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE invoice_id = $1
		ORDER BY order_index`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m := &Milestone{}
		var (
			status                           string
			txRef                            sql.NullString
			fundedAt, approvedAt, releasedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.InvoiceID, &m.Index, &m.Amount, &m.Description, &status,
			&txRef, &fundedAt, &approvedAt, &releasedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = MilestoneStatus(status)
		m.TxRef = txRef.String
		m.FundedAt = timePtr(fundedAt)
		m.ApprovedAt = timePtr(approvedAt)
		m.ReleasedAt = timePtr(releasedAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone, expected MilestoneStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			status = $1, tx_ref = $2, funded_at = $3, approved_at = $4, released_at = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		string(m.Status), nullString(m.TxRef), nullTime(m.FundedAt), nullTime(m.ApprovedAt),
		nullTime(m.ReleasedAt), m.UpdatedAt, m.ID, string(expected),
	)
	if err != nil {
		return err
	}
	return p.conditional(ctx, result, `SELECT 1 FROM milestones WHERE id = $1`, m.ID, ErrMilestoneNotFound)
}

// Disputes

const disputeColumns = `id, invoice_id, opened_by, reason, status, resolution_type,
		payer_amount, creator_amount, proposed_by, proposed_at, accepted_by, accepted_at,
		settlement_tx_ref, resolved_at, escalated_at, expires_at, created_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.InvoiceID, d.OpenedBy, d.Reason, string(d.Status), nullString(string(d.Resolution)),
		nullInt64(d.PayerAmount), nullInt64(d.CreatorAmount), nullString(d.ProposedBy), nullTime(d.ProposedAt),
		nullString(d.AcceptedBy), nullTime(d.AcceptedAt), nullString(d.SettlementTxRef),
		nullTime(d.ResolvedAt), nullTime(d.EscalatedAt), d.ExpiresAt, d.CreatedAt, d.UpdatedAt,
	)
	if constraintViolated(err, idxActiveDispute) {
		return ErrActiveDispute
	}
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetActiveDispute(ctx context.Context, invoiceID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE invoice_id = $1 AND status IN ('open', 'proposed')`, invoiceID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, invoiceID string) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE invoice_id = $1
		ORDER BY created_at DESC`, invoiceID)
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution_type = $2, payer_amount = $3, creator_amount = $4,
			proposed_by = $5, proposed_at = $6, accepted_by = $7, accepted_at = $8,
			settlement_tx_ref = $9, resolved_at = $10, escalated_at = $11, updated_at = $12
		WHERE id = $13 AND status = $14`,
		string(d.Status), nullString(string(d.Resolution)), nullInt64(d.PayerAmount), nullInt64(d.CreatorAmount),
		nullString(d.ProposedBy), nullTime(d.ProposedAt), nullString(d.AcceptedBy), nullTime(d.AcceptedAt),
		nullString(d.SettlementTxRef), nullTime(d.ResolvedAt), nullTime(d.EscalatedAt), d.UpdatedAt,
		d.ID, string(expected),
	)
	if err != nil {
		return err
	}
	return p.conditional(ctx, result, `SELECT 1 FROM disputes WHERE id = $1`, d.ID, ErrDisputeNotFound)
}

func (p *PostgresStore) ClaimAcceptance(ctx context.Context, disputeID, by string, at time.Time) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE disputes SET accepted_by = $1, accepted_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'proposed' AND accepted_at IS NULL
		RETURNING `+disputeColumns, by, at, disputeID)
	d, err := scanDispute(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	cur, err := p.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if cur.Status != DisputeProposed {
		return nil, ErrStatusConflict
	}
	return nil, ErrAlreadyClaimed
}

func (p *PostgresStore) ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('open', 'proposed') AND accepted_at IS NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListAcceptedDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'proposed' AND accepted_at IS NOT NULL
		ORDER BY accepted_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) queryDisputes(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddEvidence(ctx context.Context, e *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, submitted_by, content, file_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.DisputeID, e.SubmittedBy, e.Content, nullString(e.FileURL), e.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, submitted_by, content, file_url, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Evidence
	for rows.Next() {
		e := &Evidence{}
		var fileURL sql.NullString
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.SubmittedBy, &e.Content, &fileURL, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FileURL = fileURL.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// Arbitration cases

const caseColumns = `id, dispute_id, kleros_dispute_id, status, evidence_deadline, meta_evidence_uri,
		arbitration_fee_paid_by, ruling, payer_amount, creator_amount, ruling_at,
		executed, execution_tx_ref, execution_claimed_at, executed_at, created_at, updated_at`

func (p *PostgresStore) CreateCase(ctx context.Context, c *KlerosCase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kleros_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.DisputeID, nullString(c.ExternalID), string(c.Status), c.EvidenceDeadline,
		nullString(c.MetaEvidenceURI), nullString(c.FeePaidBy), nullString(c.Ruling),
		nullInt64(c.PayerAmount), nullInt64(c.CreatorAmount), nullTime(c.RulingAt),
		c.Executed, nullString(c.ExecutionTxRef), nullTime(c.ExecutionClaimedAt), nullTime(c.ExecutedAt),
		c.CreatedAt, c.UpdatedAt,
	)
	if constraintViolated(err, idxCaseDispute) {
		return ErrCaseExists
	}
	return err
}

func (p *PostgresStore) GetCase(ctx context.Context, id string) (*KlerosCase, error) {
	return p.getCase(ctx, `SELECT `+caseColumns+` FROM kleros_cases WHERE id = $1`, id)
}

func (p *PostgresStore) GetCaseByDispute(ctx context.Context, disputeID string) (*KlerosCase, error) {
	return p.getCase(ctx, `SELECT `+caseColumns+` FROM kleros_cases WHERE dispute_id = $1`, disputeID)
}

func (p *PostgresStore) GetCaseByExternalID(ctx context.Context, externalID string) (*KlerosCase, error) {
	if externalID == "" {
		return nil, ErrCaseNotFound
	}
	return p.getCase(ctx, `SELECT `+caseColumns+` FROM kleros_cases WHERE kleros_dispute_id = $1`, externalID)
}

func (p *PostgresStore) getCase(ctx context.Context, query string, arg string) (*KlerosCase, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) UpdateCase(ctx context.Context, c *KlerosCase, expected CaseStatus) error {
	// executed never flips back to false
	result, err := p.db.ExecContext(ctx, `
		UPDATE kleros_cases SET
			kleros_dispute_id = $1, status = $2, meta_evidence_uri = $3, ruling = $4,
			payer_amount = $5, creator_amount = $6, ruling_at = $7, executed = $8,
			execution_tx_ref = $9, execution_claimed_at = $10, executed_at = $11, updated_at = $12
		WHERE id = $13 AND status = $14 AND (executed = FALSE OR $8 = TRUE)`,
		nullString(c.ExternalID), string(c.Status), nullString(c.MetaEvidenceURI), nullString(c.Ruling),
		nullInt64(c.PayerAmount), nullInt64(c.CreatorAmount), nullTime(c.RulingAt), c.Executed,
		nullString(c.ExecutionTxRef), nullTime(c.ExecutionClaimedAt), nullTime(c.ExecutedAt), c.UpdatedAt,
		c.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	cur, err := p.GetCase(ctx, c.ID)
	if err != nil {
		return err
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	return ErrAlreadyExecuted
}

func (p *PostgresStore) ClaimExecution(ctx context.Context, caseID string, now, staleBefore time.Time) (*KlerosCase, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE kleros_cases SET execution_claimed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'resolved' AND executed = FALSE
		  AND (execution_claimed_at IS NULL OR execution_claimed_at <= $3)
		RETURNING `+caseColumns, now, caseID, staleBefore)
	c, err := scanCase(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	cur, err := p.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.Executed:
		return nil, ErrAlreadyExecuted
	case cur.Status != CaseResolved:
		return nil, ErrStatusConflict
	default:
		return nil, ErrExecutionInProgress
	}
}

func (p *PostgresStore) ListCasesToExecute(ctx context.Context, limit int) ([]*KlerosCase, error) {
	return p.queryCases(ctx, `
		SELECT `+caseColumns+` FROM kleros_cases
		WHERE status = 'resolved' AND executed = FALSE
		ORDER BY ruling_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListOpenCases(ctx context.Context, limit int) ([]*KlerosCase, error) {
	return p.queryCases(ctx, `
		SELECT `+caseColumns+` FROM kleros_cases
		WHERE status <> 'resolved'
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) queryCases(ctx context.Context, query string, args ...any) ([]*KlerosCase, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*KlerosCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddCaseEvidence(ctx context.Context, e *CaseEvidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kleros_evidence (id, case_id, submitted_by, name, description, evidence_uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.CaseID, e.SubmittedBy, e.Name, e.Description, e.URI, e.CreatedAt)
	return err
}

func (p *PostgresStore) ListCaseEvidence(ctx context.Context, caseID string) ([]*CaseEvidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, case_id, submitted_by, name, description, evidence_uri, created_at
		FROM kleros_evidence
		WHERE case_id = $1
		ORDER BY created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CaseEvidence
	for rows.Next() {
		e := &CaseEvidence{}
		if err := rows.Scan(&e.ID, &e.CaseID, &e.SubmittedBy, &e.Name, &e.Description, &e.URI, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// conditional maps a zero-row conditional update to NotFound or
// ErrStatusConflict.
func (p *PostgresStore) conditional(ctx context.Context, result sql.Result, existsQuery, id string, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var one int
	err = p.db.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

// Scanning

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		payer, clientName, clientEmail, escrow, txRef sql.NullString
		autoRelease                                   sql.NullInt64
		mode, status                                  string
		version                                       int
		fundedAt, settledAt                           sql.NullTime
	)
	err := s.Scan(
		&inv.ID, &inv.ShortCode, &inv.CreatorAddress, &payer, &clientName, &clientEmail,
		&inv.Description, &inv.Amount, &mode, &status, &escrow, &autoRelease,
		&txRef, &version, &fundedAt, &settledAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.PayerAddress = payer.String
	inv.ClientName = clientName.String
	inv.ClientEmail = clientEmail.String
	inv.Mode = PaymentMode(mode)
	inv.Status = InvoiceStatus(status)
	inv.EscrowAddress = escrow.String
	inv.AutoReleaseDays = int(autoRelease.Int64)
	inv.TxRef = txRef.String
	inv.ContractVersion = ContractVersion(version)
	inv.FundedAt = timePtr(fundedAt)
	inv.SettledAt = timePtr(settledAt)
	return inv, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                                       string
		resolution, proposedBy, acceptedBy, settleTx sql.NullString
		payerAmt, creatorAmt                         sql.NullInt64
		proposedAt, acceptedAt, resolvedAt, escAt    sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.InvoiceID, &d.OpenedBy, &d.Reason, &status, &resolution,
		&payerAmt, &creatorAmt, &proposedBy, &proposedAt, &acceptedBy, &acceptedAt,
		&settleTx, &resolvedAt, &escAt, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = Resolution(resolution.String)
	d.PayerAmount = payerAmt.Int64
	d.CreatorAmount = creatorAmt.Int64
	d.ProposedBy = proposedBy.String
	d.ProposedAt = timePtr(proposedAt)
	d.AcceptedBy = acceptedBy.String
	d.AcceptedAt = timePtr(acceptedAt)
	d.SettlementTxRef = settleTx.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.EscalatedAt = timePtr(escAt)
	return d, nil
}

func scanCase(s scanner) (*KlerosCase, error) {
	c := &KlerosCase{}
	var (
		status                                 string
		externalID, metaURI, feePaidBy, ruling sql.NullString
		execTx                                 sql.NullString
		payerAmt, creatorAmt                   sql.NullInt64
		rulingAt, claimedAt, executedAt        sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.DisputeID, &externalID, &status, &c.EvidenceDeadline, &metaURI,
		&feePaidBy, &ruling, &payerAmt, &creatorAmt, &rulingAt,
		&c.Executed, &execTx, &claimedAt, &executedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ExternalID = externalID.String
	c.Status = CaseStatus(status)
	c.MetaEvidenceURI = metaURI.String
	c.FeePaidBy = feePaidBy.String
	c.Ruling = ruling.String
	c.PayerAmount = payerAmt.Int64
	c.CreatorAmount = creatorAmt.Int64
	c.RulingAt = timePtr(rulingAt)
	c.ExecutionTxRef = execTx.String
	c.ExecutionClaimedAt = timePtr(claimedAt)
	c.ExecutedAt = timePtr(executedAt)
	return c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
