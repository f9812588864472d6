package server

import (
	"fmt"
	"net/http"

	"gigflow/internal/domain"
	"gigflow/internal/engine"
)

// boolFilter turns an optional true/false query value into a tri-state
// filter. Pointer-typed query parameters are not supported by the router, so
// optional booleans arrive as strings.
func boolFilter(name, raw string) (*bool, error) {
	switch raw {
	case "":
		return nil, nil
	case "true":
		v := true
		return &v, nil
	case "false":
		v := false
		return &v, nil
	default:
		return nil, newAPIError(http.StatusBadRequest, "bad_request",
			fmt.Sprintf("%s must be true or false", name), nil)
	}
}

// ProcessRecurringResponse wraps the per-template scan outcomes.
type ProcessRecurringResponse struct {
	Results []engine.ScanResult `json:"results"`
}

type CreateRuleRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	Type         *string `json:"type,omitempty"`
	Trigger      string  `json:"trigger"`
	Condition    *string `json:"condition,omitempty"`
	ActionKind   string  `json:"action_kind"`
	ActionConfig *string `json:"action_config,omitempty"`
	IsActive     *bool   `json:"is_active,omitempty"`
}

type UpdateRuleRequest struct {
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	Type         *string `json:"type,omitempty"`
	Trigger      *string `json:"trigger,omitempty"`
	Condition    *string `json:"condition,omitempty"`
	ActionKind   *string `json:"action_kind,omitempty"`
	ActionConfig *string `json:"action_config,omitempty"`
	IsActive     *bool   `json:"is_active,omitempty"`
}

type RuleResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type"`
	Trigger      string `json:"trigger"`
	Condition    string `json:"condition,omitempty"`
	ActionKind   string `json:"action_kind"`
	ActionConfig string `json:"action_config,omitempty"`
	IsActive     bool   `json:"is_active"`
	RunCount     int64  `json:"run_count"`
	SuccessCount int64  `json:"success_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func ruleResponse(r domain.AutomationRule) RuleResponse {
	return RuleResponse{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Type:         r.Type,
		Trigger:      r.Trigger,
		Condition:    r.Condition,
		ActionKind:   r.ActionKind,
		ActionConfig: r.ActionConfig,
		IsActive:     r.IsActive,
		RunCount:     r.RunCount,
		SuccessCount: r.SuccessCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func mapRules(items []domain.AutomationRule) []RuleResponse {
	res := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ruleResponse(r))
	}
	return res
}

type CreateContractRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	Content      *string `json:"content,omitempty"`
	ClientID     string  `json:"client_id"`
	FreelancerID string  `json:"freelancer_id"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
}

type UpdateContractRequest struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Content         *string `json:"content,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	ExpectedVersion int     `json:"expected_version,omitempty"`
	// Status requests a lifecycle transition instead of a content edit. It
	// funnels through the same state machine guards as the dedicated
	// submit/sign/cancel endpoints.
	Status *string `json:"status,omitempty" enum:"PENDING_REVIEW,CLIENT_SIGNED,SIGNED,CANCELLED"`
}

type ContractResponse struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Content            string  `json:"content"`
	Version            int     `json:"version"`
	ClientID           string  `json:"client_id"`
	FreelancerID       string  `json:"freelancer_id"`
	Status             string  `json:"status"`
	ClientSignedAt     *string `json:"client_signed_at,omitempty"`
	FreelancerSignedAt *string `json:"freelancer_signed_at,omitempty"`
	ExpiresAt          *string `json:"expires_at,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ID:                 c.ID,
		Title:              c.Title,
		Description:        c.Description,
		Content:            c.Content,
		Version:            c.Version,
		ClientID:           c.ClientID,
		FreelancerID:       c.FreelancerID,
		Status:             c.Status,
		ClientSignedAt:     c.ClientSignedAt,
		FreelancerSignedAt: c.FreelancerSignedAt,
		ExpiresAt:          c.ExpiresAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func mapContracts(items []domain.Contract) []ContractResponse {
	res := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		res = append(res, contractResponse(c))
	}
	return res
}

type SignContractResponse struct {
	Contract    ContractResponse       `json:"contract"`
	Completed   bool                   `json:"completed"`
	InvoiceID   string                 `json:"invoice_id,omitempty"`
	RuleResults []engine.ExecuteResult `json:"rule_results,omitempty"`
}

type CreateInvoiceRequest struct {
	ID               *string `json:"id,omitempty"`
	Title            string  `json:"title"`
	ClientID         string  `json:"client_id"`
	FreelancerID     string  `json:"freelancer_id"`
	Total            float64 `json:"total"`
	Currency         *string `json:"currency,omitempty"`
	DueDate          *string `json:"due_date,omitempty"`
	IsRecurring      bool    `json:"is_recurring,omitempty"`
	RecurrencePeriod *string `json:"recurrence_period,omitempty"`
	RecurrenceAnchor *string `json:"recurrence_anchor,omitempty"`
}

type InvoiceResponse struct {
	ID               string  `json:"id"`
	InvoiceNumber    string  `json:"invoice_number"`
	Title            string  `json:"title"`
	ClientID         string  `json:"client_id"`
	FreelancerID     string  `json:"freelancer_id"`
	SourceContractID *string `json:"source_contract_id,omitempty"`
	Status           string  `json:"status"`
	Total            float64 `json:"total"`
	Currency         string  `json:"currency"`
	DueDate          string  `json:"due_date"`
	IsRecurring      bool    `json:"is_recurring"`
	RecurrencePeriod string  `json:"recurrence_period,omitempty"`
	RecurrenceAnchor string  `json:"recurrence_anchor,omitempty"`
	BaseInvoiceID    *string `json:"base_invoice_id,omitempty"`
	PeriodKey        *string `json:"period_key,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func invoiceResponse(inv domain.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:               inv.ID,
		InvoiceNumber:    inv.InvoiceNumber,
		Title:            inv.Title,
		ClientID:         inv.ClientID,
		FreelancerID:     inv.FreelancerID,
		SourceContractID: inv.SourceContractID,
		Status:           inv.Status,
		Total:            inv.Total,
		Currency:         inv.Currency,
		DueDate:          inv.DueDate,
		IsRecurring:      inv.IsRecurring,
		RecurrencePeriod: inv.RecurrencePeriod,
		RecurrenceAnchor: inv.RecurrenceAnchor,
		BaseInvoiceID:    inv.BaseInvoiceID,
		PeriodKey:        inv.PeriodKey,
		CreatedAt:        inv.CreatedAt,
		UpdatedAt:        inv.UpdatedAt,
	}
}

func mapInvoices(items []domain.Invoice) []InvoiceResponse {
	res := make([]InvoiceResponse, 0, len(items))
	for _, inv := range items {
		res = append(res, invoiceResponse(inv))
	}
	return res
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
