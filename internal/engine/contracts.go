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

// ContractCreateOptions are parameters for drafting a contract.
type ContractCreateOptions struct {
	ID           string
	Title        string
	Description  string
	Content      string
	ClientID     string
	FreelancerID string
	ExpiresAt    string
	ActorID      string
}

func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	if opts.Title == "" {
		return domain.Contract{}, validationf("title is required")
	}
	if opts.ClientID == "" || opts.FreelancerID == "" {
		return domain.Contract{}, validationf("client_id and freelancer_id are required")
	}
	if opts.ClientID == opts.FreelancerID {
		return domain.Contract{}, validationf("client and freelancer must be distinct parties")
	}
	if opts.ExpiresAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.ExpiresAt); err != nil {
			return domain.Contract{}, validationf("expires_at: %v", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Contract{
		ID:           id,
		Title:        opts.Title,
		Description:  opts.Description,
		Content:      opts.Content,
		Version:      1,
		ClientID:     opts.ClientID,
		FreelancerID: opts.FreelancerID,
		Status:       domain.ContractDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.ExpiresAt != "" {
		c.ExpiresAt = &opts.ExpiresAt
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return c, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contract.created", "contract", c.ID, opts.ActorID, events.EventPayload{
		"title":         c.Title,
		"client_id":     c.ClientID,
		"freelancer_id": c.FreelancerID,
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// ContractUpdateOptions edits the contract body. Nil means unchanged.
// ExpectedVersion guards against concurrent edits.
type ContractUpdateOptions struct {
	ID              string
	Title           *string
	Description     *string
	Content         *string
	ExpiresAt       *string
	ExpectedVersion int
	ActorID         string
}

// UpdateContract rewrites the editable fields of a contract that has not
// collected any signature yet. Every successful edit bumps the version.
func (e Engine) UpdateContract(ctx context.Context, opts ContractUpdateOptions) (domain.Contract, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	switch c.Status {
	case domain.ContractDraft, domain.ContractPendingReview:
	default:
		return c, InvalidTransitionError{From: c.Status, To: c.Status, Reason: "content is immutable once signing started"}
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != c.Version {
		return c, ConflictError{Msg: fmt.Sprintf("contract version is %d, expected %d", c.Version, opts.ExpectedVersion)}
	}
	expected := c.Version
	if opts.Title != nil {
		if *opts.Title == "" {
			return c, validationf("title cannot be empty")
		}
		c.Title = *opts.Title
	}
	if opts.Description != nil {
		c.Description = *opts.Description
	}
	if opts.Content != nil {
		c.Content = *opts.Content
	}
	if opts.ExpiresAt != nil {
		if *opts.ExpiresAt == "" {
			c.ExpiresAt = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.ExpiresAt); err != nil {
				return c, validationf("expires_at: %v", err)
			}
			c.ExpiresAt = opts.ExpiresAt
		}
	}
	c.Version = expected + 1
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateContractContent(ctx, tx, c, expected)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, ConflictError{Msg: "contract was modified concurrently, re-read and retry"}
	}
	if err := e.Events.Append(ctx, tx, "contract.updated", "contract", c.ID, opts.ActorID, events.EventPayload{
		"version": c.Version,
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// SubmitContract moves a draft into review so the client can sign it.
func (e Engine) SubmitContract(ctx context.Context, id, actorID string) (domain.Contract, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, id)
	if err != nil {
		return c, err
	}
	if c.Status != domain.ContractDraft {
		return c, InvalidTransitionError{From: c.Status, To: domain.ContractPendingReview, Reason: "only drafts can be submitted"}
	}
	if c.Content == "" {
		return c, validationf("contract content is empty")
	}
	from := c.Status
	c.Status = domain.ContractPendingReview
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.TransitionContract(ctx, tx, c, from)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, ConflictError{Msg: "contract changed status concurrently"}
	}
	if err := e.Events.Append(ctx, tx, "contract.submitted", "contract", c.ID, actorID, nil); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// SignResult reports a completed signature, including the invoice generated
// when the freelancer countersignature completed the contract.
type SignResult struct {
	Contract    domain.Contract
	Completed   bool
	InvoiceID   string
	RuleResults []ExecuteResult
}

// SignContract records one party's signature. The client signs a contract in
// review; the freelancer countersigns after the client. Completing the
// contract generates its invoice in the same transaction, exactly once, then
// dispatches the signed trigger to automation rules after commit.
func (e Engine) SignContract(ctx context.Context, id, actorID string) (SignResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SignResult{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, id)
	if err != nil {
		return SignResult{}, err
	}
	res := SignResult{Contract: c}
	if actorID != c.ClientID && actorID != c.FreelancerID {
		return res, validationf("actor %s is not a party to contract %s", actorID, id)
	}
	now := e.now().UTC()
	if c.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *c.ExpiresAt)
		if err == nil && !now.Before(exp) {
			return res, InvalidTransitionError{From: c.Status, To: "", Reason: "contract expired at " + *c.ExpiresAt}
		}
	}
	ts := now.Format(time.RFC3339)
	from := c.Status
	switch {
	case c.Status == domain.ContractPendingReview && actorID == c.ClientID:
		c.Status = domain.ContractClientSigned
		c.ClientSignedAt = &ts
	case c.Status == domain.ContractClientSigned && actorID == c.FreelancerID:
		c.Status = domain.ContractSigned
		c.FreelancerSignedAt = &ts
	case c.Status == domain.ContractPendingReview && actorID == c.FreelancerID:
		return res, InvalidTransitionError{From: c.Status, To: domain.ContractSigned, Reason: "client signs first"}
	case c.Status == domain.ContractClientSigned && actorID == c.ClientID:
		return res, InvalidTransitionError{From: c.Status, To: c.Status, Reason: "client already signed"}
	default:
		return res, InvalidTransitionError{From: c.Status, To: "", Reason: "contract is not open for signing"}
	}
	c.UpdatedAt = ts
	ok, err := e.Repo.TransitionContract(ctx, tx, c, from)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, ConflictError{Msg: "contract changed status concurrently, re-read and retry"}
	}
	if err := e.Events.Append(ctx, tx, "contract."+signEventSuffix(c.Status), "contract", c.ID, actorID, events.EventPayload{
		"status": c.Status,
	}); err != nil {
		return res, err
	}
	var invoiceID string
	if c.Status == domain.ContractSigned {
		invoiceID, err = e.generateContractInvoice(ctx, tx, c, actorID)
		if err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Contract = c
	res.Completed = c.Status == domain.ContractSigned
	res.InvoiceID = invoiceID
	if res.Completed {
		res.RuleResults = e.dispatchTrigger(ctx, domain.EventContractSigned, map[string]any{
			"contract_id":   c.ID,
			"title":         c.Title,
			"client_id":     c.ClientID,
			"freelancer_id": c.FreelancerID,
			"invoice_id":    invoiceID,
		}, actorID)
	}
	return res, nil
}

func signEventSuffix(status string) string {
	if status == domain.ContractSigned {
		return "signed"
	}
	return "client_signed"
}

// generateContractInvoice creates the invoice a completed contract owes its
// freelancer. Re-running for the same contract is a no-op; the partial unique
// index on source_contract_id backstops the in-transaction check.
func (e Engine) generateContractInvoice(ctx context.Context, tx *sql.Tx, c domain.Contract, actorID string) (string, error) {
	exists, err := e.Repo.InvoiceExistsForContract(ctx, tx, c.ID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}
	now := e.now().UTC()
	number, err := e.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return "", DownstreamError{Op: "allocate invoice number", Err: err}
	}
	ts := now.Format(time.RFC3339)
	inv := domain.Invoice{
		ID:               uuid.New().String(),
		InvoiceNumber:    number,
		Title:            "Contract: " + c.Title,
		ClientID:         c.ClientID,
		FreelancerID:     c.FreelancerID,
		SourceContractID: &c.ID,
		Status:           domain.InvoiceDraft,
		Currency:         e.Config.Invoicing.Currency,
		DueDate:          now.AddDate(0, 0, e.Config.Invoicing.DefaultDueDays).Format(time.RFC3339),
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return "", DownstreamError{Op: "insert contract invoice", Err: err}
	}
	if err := e.Events.Append(ctx, tx, domain.EventInvoiceCreated, "invoice", inv.ID, actorID, events.EventPayload{
		"invoice_number":     inv.InvoiceNumber,
		"source_contract_id": c.ID,
	}); err != nil {
		return "", err
	}
	return inv.ID, nil
}

// CancelContract voids a contract that has not been fully executed. Only a
// party to the contract may cancel it.
func (e Engine) CancelContract(ctx context.Context, id, actorID string) (domain.Contract, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, id)
	if err != nil {
		return c, err
	}
	if actorID != c.ClientID && actorID != c.FreelancerID {
		return c, validationf("actor %s is not a party to contract %s", actorID, id)
	}
	switch c.Status {
	case domain.ContractSigned:
		return c, InvalidTransitionError{From: c.Status, To: domain.ContractCancelled, Reason: "fully signed contracts cannot be cancelled"}
	case domain.ContractCancelled:
		return c, InvalidTransitionError{From: c.Status, To: domain.ContractCancelled, Reason: "already cancelled"}
	}
	from := c.Status
	c.Status = domain.ContractCancelled
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.TransitionContract(ctx, tx, c, from)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, ConflictError{Msg: "contract changed status concurrently"}
	}
	if err := e.Events.Append(ctx, tx, "contract.cancelled", "contract", c.ID, actorID, events.EventPayload{
		"from": from,
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}
