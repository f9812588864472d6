package repo

import (
	"context"
	"database/sql"
	"strings"

	"gigflow/internal/domain"
)

const invoiceColumns = `id,invoice_number,title,client_id,freelancer_id,source_contract_id,status,total,currency,due_date,is_recurring,recurrence_period,recurrence_anchor,base_invoice_id,period_key,created_at,updated_at`

func (r Repo) InsertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invoices(`+invoiceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.InvoiceNumber, inv.Title, inv.ClientID, inv.FreelancerID, nullableStringPtr(inv.SourceContractID),
		inv.Status, inv.Total, inv.Currency, inv.DueDate, inv.IsRecurring, nullable(inv.RecurrencePeriod),
		nullable(inv.RecurrenceAnchor), nullableStringPtr(inv.BaseInvoiceID), nullableStringPtr(inv.PeriodKey),
		inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (r Repo) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=?`, id))
}

func scanInvoice(row *sql.Row) (domain.Invoice, error) {
	var inv domain.Invoice
	var sourceContract, period, anchor, baseID, periodKey sql.NullString
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.Title, &inv.ClientID, &inv.FreelancerID, &sourceContract,
		&inv.Status, &inv.Total, &inv.Currency, &inv.DueDate, &inv.IsRecurring, &period, &anchor, &baseID, &periodKey,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	applyInvoiceNulls(&inv, sourceContract, period, anchor, baseID, periodKey)
	return inv, nil
}

func applyInvoiceNulls(inv *domain.Invoice, sourceContract, period, anchor, baseID, periodKey sql.NullString) {
	if sourceContract.Valid {
		inv.SourceContractID = &sourceContract.String
	}
	if period.Valid {
		inv.RecurrencePeriod = period.String
	}
	if anchor.Valid {
		inv.RecurrenceAnchor = anchor.String
	}
	if baseID.Valid {
		inv.BaseInvoiceID = &baseID.String
	}
	if periodKey.Valid {
		inv.PeriodKey = &periodKey.String
	}
}

type InvoiceFilters struct {
	Status     string
	Recurring  *bool
	ContractID string
	TemplateID string
	Limit      int
}

func (r Repo) ListInvoices(ctx context.Context, f InvoiceFilters) ([]domain.Invoice, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Recurring != nil {
		clauses = append(clauses, "is_recurring=?")
		args = append(args, *f.Recurring)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "source_contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "base_invoice_id=?")
		args = append(args, f.TemplateID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryInvoices(ctx, query, args...)
}

// ListRecurringTemplates returns active recurring templates in stable order.
// Generated instances (base_invoice_id set) are never templates themselves.
func (r Repo) ListRecurringTemplates(ctx context.Context) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE is_recurring=1 AND status != ? AND base_invoice_id IS NULL ORDER BY created_at ASC, id ASC`
	return r.queryInvoices(ctx, query, domain.InvoiceCancelled)
}

func (r Repo) queryInvoices(ctx context.Context, query string, args ...any) ([]domain.Invoice, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		var sourceContract, period, anchor, baseID, periodKey sql.NullString
		if err := rows.Scan(&inv.ID, &inv.InvoiceNumber, &inv.Title, &inv.ClientID, &inv.FreelancerID, &sourceContract,
			&inv.Status, &inv.Total, &inv.Currency, &inv.DueDate, &inv.IsRecurring, &period, &anchor, &baseID, &periodKey,
			&inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		applyInvoiceNulls(&inv, sourceContract, period, anchor, baseID, periodKey)
		res = append(res, inv)
	}
	return res, rows.Err()
}

// InvoiceExistsForContract reports whether an invoice already references the
// contract. Checked inside the signing transaction for idempotent retries.
func (r Repo) InvoiceExistsForContract(ctx context.Context, tx *sql.Tx, contractID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE source_contract_id=? LIMIT 1`, contractID)
	return existsRow(row)
}

// InvoiceExistsForPeriod reports whether a template already generated an
// instance carrying the given period key.
func (r Repo) InvoiceExistsForPeriod(ctx context.Context, tx *sql.Tx, templateID, periodKey string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE base_invoice_id=? AND period_key=? LIMIT 1`, templateID, periodKey)
	return existsRow(row)
}

func existsRow(row *sql.Row) (bool, error) {
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NextInvoiceSeq returns the next per-year invoice sequence number,
// incrementing it atomically inside the caller's transaction.
func (r Repo) NextInvoiceSeq(ctx context.Context, tx *sql.Tx, year string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO invoice_seq(year,next) VALUES (?,1) ON CONFLICT(year) DO UPDATE SET next=next+1`, year); err != nil {
		return 0, err
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM invoice_seq WHERE year=?`, year).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateInvoiceStatus moves an invoice from fromStatus to status, guarded by
// a compare-and-swap on the current status. It reports false when the row was
// not in fromStatus anymore, so a lost race never overwrites a terminal state.
func (r Repo) UpdateInvoiceStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, status, updatedAt string) (bool, error) {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE invoices SET status=?, updated_at=? WHERE id=? AND status=?`, status, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
