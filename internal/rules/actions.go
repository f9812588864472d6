package rules

import (
	"context"
	"encoding/json"
	"fmt"
)

// Action kinds form a closed set so the executor can match exhaustively
// instead of interpreting free-form instructions.
const (
	ActionCreateInvoice      = "create_invoice"
	ActionMarkInvoiceOverdue = "mark_invoice_overdue"
	ActionSendNotification   = "send_notification"
	ActionWebhook            = "webhook"
)

// CreateInvoiceAction issues an invoice. Party fields left empty are taken
// from the trigger context (client_id / freelancer_id keys).
type CreateInvoiceAction struct {
	Title        string  `json:"title"`
	ClientID     string  `json:"client_id,omitempty"`
	FreelancerID string  `json:"freelancer_id,omitempty"`
	Total        float64 `json:"total"`
	Currency     string  `json:"currency,omitempty"`
	DueDays      int     `json:"due_days,omitempty"`
}

// MarkInvoiceOverdueAction flips an invoice to OVERDUE. With an empty
// InvoiceID the id is taken from the trigger context (invoice_id key).
type MarkInvoiceOverdueAction struct {
	InvoiceID string `json:"invoice_id,omitempty"`
}

// SendNotificationAction emits a notification event for the given recipient.
type SendNotificationAction struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// WebhookAction posts the trigger context to an external URL.
type WebhookAction struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Action is the decoded tagged variant of a rule's action column.
type Action struct {
	Kind               string
	CreateInvoice      *CreateInvoiceAction
	MarkInvoiceOverdue *MarkInvoiceOverdueAction
	SendNotification   *SendNotificationAction
	Webhook            *WebhookAction
}

// ParseAction decodes an action kind plus its JSON config into a variant.
func ParseAction(kind, configJSON string) (Action, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	a := Action{Kind: kind}
	switch kind {
	case ActionCreateInvoice:
		var cfg CreateInvoiceAction
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return a, fmt.Errorf("action config: %w", err)
		}
		a.CreateInvoice = &cfg
	case ActionMarkInvoiceOverdue:
		var cfg MarkInvoiceOverdueAction
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return a, fmt.Errorf("action config: %w", err)
		}
		a.MarkInvoiceOverdue = &cfg
	case ActionSendNotification:
		var cfg SendNotificationAction
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return a, fmt.Errorf("action config: %w", err)
		}
		a.SendNotification = &cfg
	case ActionWebhook:
		var cfg WebhookAction
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return a, fmt.Errorf("action config: %w", err)
		}
		if cfg.URL == "" {
			return a, fmt.Errorf("webhook action requires url")
		}
		a.Webhook = &cfg
	default:
		return a, fmt.Errorf("unknown action kind %q", kind)
	}
	return a, nil
}

// Sink performs the side effects actions describe. The engine implements it;
// keeping it an interface keeps the executor a pure function of
// (rule, context) modulo the sink.
type Sink interface {
	CreateInvoice(ctx context.Context, action CreateInvoiceAction, event map[string]any) (invoiceID string, err error)
	MarkInvoiceOverdue(ctx context.Context, invoiceID string) error
	SendNotification(ctx context.Context, action SendNotificationAction, event map[string]any) error
	PostWebhook(ctx context.Context, action WebhookAction, event map[string]any) error
}

// Perform dispatches one parsed action against the sink.
func Perform(ctx context.Context, sink Sink, a Action, event map[string]any) (map[string]any, error) {
	switch a.Kind {
	case ActionCreateInvoice:
		id, err := sink.CreateInvoice(ctx, *a.CreateInvoice, event)
		if err != nil {
			return nil, err
		}
		return map[string]any{"invoice_id": id}, nil
	case ActionMarkInvoiceOverdue:
		invoiceID := a.MarkInvoiceOverdue.InvoiceID
		if invoiceID == "" {
			invoiceID, _ = event["invoice_id"].(string)
		}
		if invoiceID == "" {
			return nil, fmt.Errorf("mark_invoice_overdue: no invoice_id in action or context")
		}
		if err := sink.MarkInvoiceOverdue(ctx, invoiceID); err != nil {
			return nil, err
		}
		return map[string]any{"invoice_id": invoiceID}, nil
	case ActionSendNotification:
		if err := sink.SendNotification(ctx, *a.SendNotification, event); err != nil {
			return nil, err
		}
		return map[string]any{"recipient": a.SendNotification.Recipient}, nil
	case ActionWebhook:
		if err := sink.PostWebhook(ctx, *a.Webhook, event); err != nil {
			return nil, err
		}
		return map[string]any{"url": a.Webhook.URL}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}
