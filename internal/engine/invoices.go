package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gigflow/internal/domain"
	"gigflow/internal/events"
)

// InvoiceCreateOptions are parameters for issuing an invoice, one-off or as a
// recurring template.
type InvoiceCreateOptions struct {
	ID               string
	Title            string
	ClientID         string
	FreelancerID     string
	Total            float64
	Currency         string
	DueDate          string
	IsRecurring      bool
	RecurrencePeriod string
	RecurrenceAnchor string
	ActorID          string
}

func (e Engine) CreateInvoice(ctx context.Context, opts InvoiceCreateOptions) (domain.Invoice, error) {
	if opts.Title == "" {
		return domain.Invoice{}, validationf("title is required")
	}
	if opts.ClientID == "" || opts.FreelancerID == "" {
		return domain.Invoice{}, validationf("client_id and freelancer_id are required")
	}
	if opts.Total < 0 {
		return domain.Invoice{}, validationf("total cannot be negative")
	}
	if opts.Currency == "" {
		opts.Currency = e.Config.Invoicing.Currency
	}
	now := e.now().UTC()
	if opts.DueDate == "" {
		opts.DueDate = now.AddDate(0, 0, e.Config.Invoicing.DefaultDueDays).Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
		return domain.Invoice{}, validationf("due_date: %v", err)
	}
	if opts.IsRecurring {
		if err := validatePeriod(opts.RecurrencePeriod); err != nil {
			return domain.Invoice{}, err
		}
		if opts.RecurrenceAnchor == "" {
			opts.RecurrenceAnchor = now.Format(time.RFC3339)
		} else if _, err := time.Parse(time.RFC3339, opts.RecurrenceAnchor); err != nil {
			return domain.Invoice{}, validationf("recurrence_anchor: %v", err)
		}
	} else if opts.RecurrencePeriod != "" || opts.RecurrenceAnchor != "" {
		return domain.Invoice{}, validationf("recurrence fields require is_recurring")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	number, err := e.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return domain.Invoice{}, err
	}
	ts := now.Format(time.RFC3339)
	inv := domain.Invoice{
		ID:               id,
		InvoiceNumber:    number,
		Title:            opts.Title,
		ClientID:         opts.ClientID,
		FreelancerID:     opts.FreelancerID,
		Status:           domain.InvoiceDraft,
		Total:            opts.Total,
		Currency:         opts.Currency,
		DueDate:          opts.DueDate,
		IsRecurring:      opts.IsRecurring,
		RecurrencePeriod: opts.RecurrencePeriod,
		RecurrenceAnchor: opts.RecurrenceAnchor,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return inv, fmt.Errorf("insert invoice: %w", err)
	}
	if err := e.Events.Append(ctx, tx, domain.EventInvoiceCreated, "invoice", inv.ID, opts.ActorID, events.EventPayload{
		"invoice_number": inv.InvoiceNumber,
		"is_recurring":   inv.IsRecurring,
	}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	e.dispatchTrigger(ctx, domain.EventInvoiceCreated, map[string]any{
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"client_id":      inv.ClientID,
		"freelancer_id":  inv.FreelancerID,
		"total":          inv.Total,
	}, opts.ActorID)
	return inv, nil
}

func validatePeriod(period string) error {
	switch period {
	case domain.PeriodWeekly, domain.PeriodMonthly, domain.PeriodQuarterly, domain.PeriodYearly:
		return nil
	case "":
		return validationf("recurring invoices require recurrence_period")
	default:
		return validationf("unknown recurrence period %q", period)
	}
}

// nextInvoiceNumber allocates "<prefix>-<year>-<seq>" from the per-year
// sequence inside the caller's transaction.
func (e Engine) nextInvoiceNumber(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	year := now.Format("2006")
	n, err := e.Repo.NextInvoiceSeq(ctx, tx, year)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%05d", e.Config.Invoicing.NumberPrefix, year, n), nil
}

// Allowed invoice status moves. PAID and CANCELLED are terminal.
var invoiceTransitions = map[string][]string{
	domain.InvoiceDraft:   {domain.InvoiceSent, domain.InvoiceCancelled},
	domain.InvoiceSent:    {domain.InvoicePaid, domain.InvoiceOverdue, domain.InvoiceCancelled},
	domain.InvoiceOverdue: {domain.InvoicePaid, domain.InvoiceCancelled},
}

// SetInvoiceStatus applies a guarded status change and appends the matching
// event. Moving to OVERDUE additionally dispatches the overdue trigger.
func (e Engine) SetInvoiceStatus(ctx context.Context, id, status, actorID string) (domain.Invoice, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	inv, err := e.Repo.GetInvoice(ctx, id)
	if err != nil {
		return inv, err
	}
	if inv.Status == status {
		return inv, tx.Commit()
	}
	if !statusAllowed(inv.Status, status) {
		return inv, InvalidTransitionError{From: inv.Status, To: status, Reason: "invoice status change not allowed"}
	}
	ts := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateInvoiceStatus(ctx, tx, id, inv.Status, status, ts)
	if err != nil {
		return inv, err
	}
	if !ok {
		return inv, ConflictError{Msg: fmt.Sprintf("invoice %s changed status concurrently", id)}
	}
	if err := e.Events.Append(ctx, tx, "invoice.status_changed", "invoice", id, actorID, events.EventPayload{
		"from": inv.Status,
		"to":   status,
	}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	inv.Status = status
	inv.UpdatedAt = ts
	if status == domain.InvoiceOverdue {
		e.dispatchTrigger(ctx, domain.EventInvoiceOverdue, map[string]any{
			"invoice_id":     inv.ID,
			"invoice_number": inv.InvoiceNumber,
			"client_id":      inv.ClientID,
			"freelancer_id":  inv.FreelancerID,
			"total":          inv.Total,
		}, actorID)
	}
	return inv, nil
}

func statusAllowed(from, to string) bool {
	for _, s := range invoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Recurring-scan item statuses.
const (
	ScanCreated = "created"
	ScanSkipped = "skipped"
	ScanFailed  = "failed"
)

// ScanResult reports what a recurring scan did with one template.
type ScanResult struct {
	TemplateID   string `json:"template_id"`
	Status       string `json:"status" enum:"created,skipped,failed"`
	Reason       string `json:"reason,omitempty"`
	NewInvoiceID string `json:"new_invoice_id,omitempty"`
	PeriodKey    string `json:"period_key,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ProcessRecurring walks every recurring template in stable order and
// generates at most one invoice per template per current period. Templates
// that already generated for the period, or are not due yet, are skipped.
// A failing template never aborts the scan; only failing to load the
// template list does. Re-running within the same period creates nothing.
func (e Engine) ProcessRecurring(ctx context.Context, actorID string) ([]ScanResult, error) {
	templates, err := e.Repo.ListRecurringTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recurring templates: %w", err)
	}
	results := make([]ScanResult, 0, len(templates))
	for _, tpl := range templates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, e.processTemplate(ctx, tpl, actorID))
	}
	return results, nil
}

func (e Engine) processTemplate(ctx context.Context, tpl domain.Invoice, actorID string) ScanResult {
	res := ScanResult{TemplateID: tpl.ID, Status: ScanFailed}
	anchor, err := time.Parse(time.RFC3339, tpl.RecurrenceAnchor)
	if err != nil {
		res.Error = fmt.Sprintf("recurrence_anchor: %v", err)
		return res
	}
	now := e.now().UTC()
	periodStart, ok := currentPeriodStart(anchor.UTC(), tpl.RecurrencePeriod, now)
	if !ok {
		res.Status = ScanSkipped
		res.Reason = "not yet due"
		return res
	}
	res.PeriodKey = tpl.ID + "@" + periodStart.Format("2006-01-02")

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer tx.Rollback()
	exists, err := e.Repo.InvoiceExistsForPeriod(ctx, tx, tpl.ID, res.PeriodKey)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if exists {
		res.Status = ScanSkipped
		res.Reason = "already generated for period"
		return res
	}
	number, err := e.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	ts := now.Format(time.RFC3339)
	inv := domain.Invoice{
		ID:            uuid.New().String(),
		InvoiceNumber: number,
		Title:         tpl.Title,
		ClientID:      tpl.ClientID,
		FreelancerID:  tpl.FreelancerID,
		Status:        domain.InvoiceDraft,
		Total:         tpl.Total,
		Currency:      tpl.Currency,
		DueDate:       now.AddDate(0, 0, e.Config.Invoicing.DefaultDueDays).Format(time.RFC3339),
		BaseInvoiceID: &tpl.ID,
		PeriodKey:     &res.PeriodKey,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		res.Error = fmt.Sprintf("insert invoice: %v", err)
		return res
	}
	if err := e.Events.Append(ctx, tx, domain.EventInvoiceCreated, "invoice", inv.ID, actorID, events.EventPayload{
		"invoice_number":  inv.InvoiceNumber,
		"base_invoice_id": tpl.ID,
		"period_key":      res.PeriodKey,
	}); err != nil {
		res.Error = err.Error()
		return res
	}
	if err := tx.Commit(); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = ScanCreated
	res.NewInvoiceID = inv.ID
	e.dispatchTrigger(ctx, domain.EventInvoiceCreated, map[string]any{
		"invoice_id":      inv.ID,
		"invoice_number":  inv.InvoiceNumber,
		"base_invoice_id": tpl.ID,
		"client_id":       inv.ClientID,
		"freelancer_id":   inv.FreelancerID,
		"total":           inv.Total,
	}, actorID)
	return res
}

// currentPeriodStart returns the latest period boundary at or before now,
// stepping from the anchor. ok is false when the anchor is still in the
// future. Stepping with AddDate keeps month-end anchors stable the way
// calendar arithmetic, not day counting, does.
func currentPeriodStart(anchor time.Time, period string, now time.Time) (time.Time, bool) {
	if anchor.After(now) {
		return time.Time{}, false
	}
	step := func(t time.Time, n int) time.Time {
		switch period {
		case domain.PeriodWeekly:
			return t.AddDate(0, 0, 7*n)
		case domain.PeriodMonthly:
			return t.AddDate(0, n, 0)
		case domain.PeriodQuarterly:
			return t.AddDate(0, 3*n, 0)
		default:
			return t.AddDate(n, 0, 0)
		}
	}
	n := 0
	for !step(anchor, n+1).After(now) {
		n++
	}
	return step(anchor, n), true
}
