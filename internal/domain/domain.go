package domain

// AutomationRule is a trigger/condition/action automation with run bookkeeping.
// Condition is a CEL boolean expression evaluated against the trigger context;
// Action is a tagged instruction (kind + JSON config) interpreted by the rule
// executor.
type AutomationRule struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type"`
	Trigger      string `json:"trigger"`
	Condition    string `json:"condition,omitempty"`
	ActionKind   string `json:"action_kind" enum:"create_invoice,mark_invoice_overdue,send_notification,webhook"`
	ActionConfig string `json:"action_config,omitempty"`
	IsActive     bool   `json:"is_active"`
	RunCount     int64  `json:"run_count"`
	SuccessCount int64  `json:"success_count"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Contract statuses.
const (
	ContractDraft         = "DRAFT"
	ContractPendingReview = "PENDING_REVIEW"
	ContractClientSigned  = "CLIENT_SIGNED"
	ContractSigned        = "SIGNED"
	ContractCancelled     = "CANCELLED"
)

// Contract is a two-party agreement with an ordered signing flow.
// The client always signs first; freelancer_signed_at is set only when
// client_signed_at already is.
type Contract struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Content            string  `json:"content"`
	Version            int     `json:"version"`
	ClientID           string  `json:"client_id"`
	FreelancerID       string  `json:"freelancer_id"`
	Status             string  `json:"status" enum:"DRAFT,PENDING_REVIEW,CLIENT_SIGNED,SIGNED,CANCELLED"`
	ClientSignedAt     *string `json:"client_signed_at,omitempty" format:"date-time"`
	FreelancerSignedAt *string `json:"freelancer_signed_at,omitempty" format:"date-time"`
	ExpiresAt          *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Invoice statuses.
const (
	InvoiceDraft     = "DRAFT"
	InvoiceSent      = "SENT"
	InvoicePaid      = "PAID"
	InvoiceOverdue   = "OVERDUE"
	InvoiceCancelled = "CANCELLED"
)

// Recurrence periods for recurring invoice templates.
const (
	PeriodWeekly    = "weekly"
	PeriodMonthly   = "monthly"
	PeriodQuarterly = "quarterly"
	PeriodYearly    = "yearly"
)

// Invoice is either a one-off invoice, a recurring template
// (IsRecurring=true), or an instance generated from a template
// (BaseInvoiceID + PeriodKey set).
type Invoice struct {
	ID               string  `json:"id"`
	InvoiceNumber    string  `json:"invoice_number"`
	Title            string  `json:"title"`
	ClientID         string  `json:"client_id"`
	FreelancerID     string  `json:"freelancer_id"`
	SourceContractID *string `json:"source_contract_id,omitempty"`
	Status           string  `json:"status" enum:"DRAFT,SENT,PAID,OVERDUE,CANCELLED"`
	Total            float64 `json:"total"`
	Currency         string  `json:"currency"`
	DueDate          string  `json:"due_date" format:"date-time"`
	IsRecurring      bool    `json:"is_recurring"`
	RecurrencePeriod string  `json:"recurrence_period,omitempty" enum:",weekly,monthly,quarterly,yearly"`
	RecurrenceAnchor string  `json:"recurrence_anchor,omitempty" format:"date-time"`
	BaseInvoiceID    *string `json:"base_invoice_id,omitempty"`
	PeriodKey        *string `json:"period_key,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Trigger event names dispatched through the automation rule engine.
const (
	EventContractSigned = "contract.signed"
	EventInvoiceCreated = "invoice.created"
	EventInvoiceOverdue = "invoice.overdue"
)

// Event is one entry in the append-only ledger of engine state changes.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a caller and binds it to an actor identity.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
