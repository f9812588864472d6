package rules_test

import (
	"context"
	"strings"
	"testing"

	"gigflow/internal/rules"
)

func newEvaluator(t *testing.T) *rules.Evaluator {
	t.Helper()
	e, err := rules.NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return e
}

func TestEvaluateConditions(t *testing.T) {
	e := newEvaluator(t)
	cases := []struct {
		name      string
		condition string
		event     map[string]any
		trigger   string
		want      bool
	}{
		{"empty condition holds", "", nil, "contract.signed", true},
		{"numeric comparison", `event.total > 100.0`, map[string]any{"total": 250.0}, "invoice.created", true},
		{"numeric comparison false", `event.total > 100.0`, map[string]any{"total": 50.0}, "invoice.created", false},
		{"trigger variable", `trigger == "contract.signed"`, nil, "contract.signed", true},
		{"string field", `event.client_id == "client-1"`, map[string]any{"client_id": "client-1"}, "contract.signed", true},
		{"map membership", `"total" in event`, map[string]any{"total": 1.0}, "invoice.created", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Evaluate(tc.condition, tc.trigger, tc.event)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := newEvaluator(t)
	if _, err := e.Evaluate(`event.total >`, "x", nil); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := e.Evaluate(`event.total`, "x", map[string]any{"total": 5.0}); err == nil {
		t.Fatal("expected non-bool result error")
	}
	if _, err := e.Evaluate(`event.missing.nested == 1`, "x", map[string]any{}); err == nil {
		t.Fatal("expected runtime error on missing key")
	}
}

func TestCheck(t *testing.T) {
	e := newEvaluator(t)
	if err := e.Check(""); err != nil {
		t.Fatalf("empty condition: %v", err)
	}
	if err := e.Check(`event.total > 1.0`); err != nil {
		t.Fatalf("valid condition: %v", err)
	}
	if err := e.Check(`event.total >`); err == nil {
		t.Fatal("expected error for broken condition")
	}
}

func TestParseAction(t *testing.T) {
	a, err := rules.ParseAction(rules.ActionCreateInvoice, `{"title":"t","total":10,"due_days":7}`)
	if err != nil {
		t.Fatal(err)
	}
	if a.CreateInvoice == nil || a.CreateInvoice.Total != 10 || a.CreateInvoice.DueDays != 7 {
		t.Fatalf("parsed: %+v", a.CreateInvoice)
	}

	a, err = rules.ParseAction(rules.ActionSendNotification, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.SendNotification == nil {
		t.Fatal("empty config should decode to zero value")
	}

	if _, err := rules.ParseAction(rules.ActionWebhook, `{}`); err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("webhook without url: %v", err)
	}
	if _, err := rules.ParseAction("unknown", `{}`); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := rules.ParseAction(rules.ActionCreateInvoice, `{broken`); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

type recordingSink struct {
	invoices      []rules.CreateInvoiceAction
	overdue       []string
	notifications []rules.SendNotificationAction
	webhooks      []rules.WebhookAction
}

func (s *recordingSink) CreateInvoice(_ context.Context, a rules.CreateInvoiceAction, _ map[string]any) (string, error) {
	s.invoices = append(s.invoices, a)
	return "inv-1", nil
}

func (s *recordingSink) MarkInvoiceOverdue(_ context.Context, id string) error {
	s.overdue = append(s.overdue, id)
	return nil
}

func (s *recordingSink) SendNotification(_ context.Context, a rules.SendNotificationAction, _ map[string]any) error {
	s.notifications = append(s.notifications, a)
	return nil
}

func (s *recordingSink) PostWebhook(_ context.Context, a rules.WebhookAction, _ map[string]any) error {
	s.webhooks = append(s.webhooks, a)
	return nil
}

func TestPerform(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}

	a, _ := rules.ParseAction(rules.ActionCreateInvoice, `{"title":"t","total":10}`)
	detail, err := rules.Perform(ctx, sink, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if detail["invoice_id"] != "inv-1" || len(sink.invoices) != 1 {
		t.Fatalf("create_invoice: %v %v", detail, sink.invoices)
	}

	// invoice id from context when the config leaves it empty
	a, _ = rules.ParseAction(rules.ActionMarkInvoiceOverdue, `{}`)
	detail, err = rules.Perform(ctx, sink, a, map[string]any{"invoice_id": "inv-9"})
	if err != nil {
		t.Fatal(err)
	}
	if detail["invoice_id"] != "inv-9" || len(sink.overdue) != 1 || sink.overdue[0] != "inv-9" {
		t.Fatalf("mark_invoice_overdue: %v %v", detail, sink.overdue)
	}

	// no invoice id anywhere
	if _, err := rules.Perform(ctx, sink, a, nil); err == nil {
		t.Fatal("expected error without invoice_id")
	}

	a, _ = rules.ParseAction(rules.ActionSendNotification, `{"recipient":"ops","message":"hi"}`)
	if _, err := rules.Perform(ctx, sink, a, nil); err != nil || len(sink.notifications) != 1 {
		t.Fatalf("send_notification: %v", err)
	}
}
