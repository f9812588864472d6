package engine_test

import (
	"errors"
	"testing"
	"time"

	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/repo"
)

func mustTemplate(t *testing.T, env testEnv, period, anchor string) domain.Invoice {
	t.Helper()
	inv, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{
		Title:            "Retainer",
		ClientID:         "client-1",
		FreelancerID:     "freelancer-1",
		Total:            500,
		IsRecurring:      true,
		RecurrencePeriod: period,
		RecurrenceAnchor: anchor,
		ActorID:          "freelancer-1",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return inv
}

func TestInvoiceStatusUpdateIsCompareAndSwap(t *testing.T) {
	env := newTestEnv(t)
	inv, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{
		Title:        "One-off",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		Total:        250,
		ActorID:      "freelancer-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := env.Clock.Format(time.RFC3339)
	// a writer holding a stale status must not win
	ok, err := env.Engine.Repo.UpdateInvoiceStatus(env.Ctx, nil, inv.ID, domain.InvoiceSent, domain.InvoicePaid, ts)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale-status update was accepted")
	}
	got, err := env.Engine.Repo.GetInvoice(env.Ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.InvoiceDraft {
		t.Fatalf("status %q after rejected update", got.Status)
	}

	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoiceSent, "freelancer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoicePaid, "client-1"); err != nil {
		t.Fatal(err)
	}

	// terminal state survives a stale writer too
	ok, err = env.Engine.Repo.UpdateInvoiceStatus(env.Ctx, nil, inv.ID, domain.InvoiceSent, domain.InvoiceCancelled, ts)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("terminal status was overwritten")
	}
	got, err = env.Engine.Repo.GetInvoice(env.Ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.InvoicePaid {
		t.Fatalf("status %q, want PAID", got.Status)
	}
}

func TestRecurringScanIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	anchor := env.Clock.AddDate(0, -2, 0).Format(time.RFC3339)
	tpl := mustTemplate(t, env, domain.PeriodMonthly, anchor)

	results, err := env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != engine.ScanCreated {
		t.Fatalf("first scan: %+v", results)
	}
	created := results[0].NewInvoiceID

	// second scan in the same period creates nothing
	results, err = env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != engine.ScanSkipped {
		t.Fatalf("second scan: %+v", results)
	}
	if results[0].Reason != "already generated for period" {
		t.Fatalf("skip reason: %q", results[0].Reason)
	}

	invs, err := env.Engine.Repo.ListInvoices(env.Ctx, repo.InvoiceFilters{TemplateID: tpl.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 || invs[0].ID != created {
		t.Fatalf("generated instances: %+v", invs)
	}
	if invs[0].BaseInvoiceID == nil || *invs[0].BaseInvoiceID != tpl.ID {
		t.Fatalf("instance not linked to template: %+v", invs[0])
	}
}

func TestRecurringScanAdvancesWithPeriods(t *testing.T) {
	env := newTestEnv(t)
	anchor := env.Clock.Format(time.RFC3339)
	mustTemplate(t, env, domain.PeriodWeekly, anchor)

	results, _ := env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if results[0].Status != engine.ScanCreated {
		t.Fatalf("anchor period: %+v", results[0])
	}
	firstKey := results[0].PeriodKey

	env.advance(3 * 24 * time.Hour)
	results, _ = env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if results[0].Status != engine.ScanSkipped {
		t.Fatalf("mid-period: %+v", results[0])
	}

	env.advance(5 * 24 * time.Hour)
	results, _ = env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if results[0].Status != engine.ScanCreated {
		t.Fatalf("next period: %+v", results[0])
	}
	if results[0].PeriodKey == firstKey {
		t.Fatalf("period key did not advance: %q", firstKey)
	}
}

func TestRecurringAnchorInFuture(t *testing.T) {
	env := newTestEnv(t)
	anchor := env.Clock.AddDate(0, 1, 0).Format(time.RFC3339)
	mustTemplate(t, env, domain.PeriodMonthly, anchor)

	results, err := env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != engine.ScanSkipped || results[0].Reason != "not yet due" {
		t.Fatalf("future anchor: %+v", results[0])
	}
}

func TestRecurringScanIsolatesBrokenTemplates(t *testing.T) {
	env := newTestEnv(t)
	past := env.Clock.AddDate(0, 0, -10).Format(time.RFC3339)
	broken := mustTemplate(t, env, domain.PeriodWeekly, past)
	// corrupt the anchor under the engine
	if _, err := env.Engine.DB.Exec(`UPDATE invoices SET recurrence_anchor='not-a-time' WHERE id=?`, broken.ID); err != nil {
		t.Fatal(err)
	}
	healthy := mustTemplate(t, env, domain.PeriodWeekly, past)

	results, err := env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	byID := map[string]engine.ScanResult{}
	for _, r := range results {
		byID[r.TemplateID] = r
	}
	if byID[broken.ID].Status != engine.ScanFailed || byID[broken.ID].Error == "" {
		t.Fatalf("broken template: %+v", byID[broken.ID])
	}
	if byID[healthy.ID].Status != engine.ScanCreated {
		t.Fatalf("healthy template blocked by broken one: %+v", byID[healthy.ID])
	}
}

func TestCancelledTemplateNotScanned(t *testing.T) {
	env := newTestEnv(t)
	past := env.Clock.AddDate(0, 0, -10).Format(time.RFC3339)
	tpl := mustTemplate(t, env, domain.PeriodWeekly, past)
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, tpl.ID, domain.InvoiceCancelled, "freelancer-1"); err != nil {
		t.Fatal(err)
	}
	results, err := env.Engine.ProcessRecurring(env.Ctx, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("cancelled template scanned: %+v", results)
	}
}

func TestInvoiceStatusGuards(t *testing.T) {
	env := newTestEnv(t)
	inv, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{
		Title:        "One-off",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		Total:        100,
		ActorID:      "freelancer-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	var ite engine.InvalidTransitionError
	// draft cannot jump straight to paid
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoicePaid, "client-1"); !errors.As(err, &ite) {
		t.Fatalf("draft to paid: %v", err)
	}
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoiceSent, "freelancer-1"); err != nil {
		t.Fatalf("draft to sent: %v", err)
	}
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoiceOverdue, "freelancer-1"); err != nil {
		t.Fatalf("sent to overdue: %v", err)
	}
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoicePaid, "client-1"); err != nil {
		t.Fatalf("overdue to paid: %v", err)
	}
	// paid is terminal
	if _, err := env.Engine.SetInvoiceStatus(env.Ctx, inv.ID, domain.InvoiceSent, "client-1"); !errors.As(err, &ite) {
		t.Fatalf("paid to sent: %v", err)
	}
}

func TestInvoiceNumbersAreSequential(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{
		Title: "a", ClientID: "c", FreelancerID: "f", Total: 1, ActorID: "f",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{
		Title: "b", ClientID: "c", FreelancerID: "f", Total: 1, ActorID: "f",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.InvoiceNumber != "INV-2024-00001" || second.InvoiceNumber != "INV-2024-00002" {
		t.Fatalf("numbers: %q, %q", first.InvoiceNumber, second.InvoiceNumber)
	}
}
