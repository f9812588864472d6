package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/migrate"
	"gigflow/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now
	return testEnv{Engine: &eng, Ctx: context.Background(), Clock: &now}
}

func (env testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func mustContract(t *testing.T, env testEnv) domain.Contract {
	t.Helper()
	c, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
		Title:        "Website build",
		Content:      "Scope: build the site.",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		ActorID:      "client-1",
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func TestContractSigningFlow(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	if c.Status != domain.ContractDraft || c.Version != 1 {
		t.Fatalf("unexpected new contract: %+v", c)
	}
	if _, err := env.Engine.SubmitContract(env.Ctx, c.ID, "client-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := env.Engine.SignContract(env.Ctx, c.ID, "client-1")
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if res.Contract.Status != domain.ContractClientSigned || res.Contract.ClientSignedAt == nil {
		t.Fatalf("after client sign: %+v", res.Contract)
	}
	if res.Completed {
		t.Fatalf("contract should not be complete after one signature")
	}
	res, err = env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1")
	if err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	if !res.Completed || res.Contract.Status != domain.ContractSigned {
		t.Fatalf("after freelancer sign: %+v", res.Contract)
	}
	if res.Contract.FreelancerSignedAt == nil {
		t.Fatalf("freelancer_signed_at not set")
	}
	if res.InvoiceID == "" {
		t.Fatalf("completed contract did not generate an invoice")
	}
	inv, err := env.Engine.Repo.GetInvoice(env.Ctx, res.InvoiceID)
	if err != nil {
		t.Fatalf("load generated invoice: %v", err)
	}
	if inv.SourceContractID == nil || *inv.SourceContractID != c.ID {
		t.Fatalf("invoice not linked to contract: %+v", inv)
	}
}

func TestFreelancerCannotSignFirst(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	if _, err := env.Engine.SubmitContract(env.Ctx, c.ID, "client-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	c2, err := env.Engine.Repo.GetContract(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Status != domain.ContractPendingReview || c2.FreelancerSignedAt != nil {
		t.Fatalf("state changed on rejected signature: %+v", c2)
	}
}

func TestExactlyOneInvoicePerContract(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	_, _ = env.Engine.SubmitContract(env.Ctx, c.ID, "client-1")
	_, _ = env.Engine.SignContract(env.Ctx, c.ID, "client-1")
	res, err := env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.InvoiceID == "" {
		t.Fatalf("no invoice generated")
	}
	// a second countersignature attempt must be rejected and create nothing
	_, err = env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	invs, err := env.Engine.Repo.ListInvoices(env.Ctx, repo.InvoiceFilters{ContractID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 {
		t.Fatalf("expected exactly 1 invoice for contract, got %d", len(invs))
	}
}

func TestTerminalContractImmutable(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	_, _ = env.Engine.SubmitContract(env.Ctx, c.ID, "client-1")
	_, _ = env.Engine.SignContract(env.Ctx, c.ID, "client-1")
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1"); err != nil {
		t.Fatal(err)
	}
	var ite engine.InvalidTransitionError
	if _, err := env.Engine.CancelContract(env.Ctx, c.ID, "client-1"); !errors.As(err, &ite) {
		t.Fatalf("cancel of signed contract: %v", err)
	}
	title := "rewrite"
	if _, err := env.Engine.UpdateContract(env.Ctx, engine.ContractUpdateOptions{ID: c.ID, Title: &title, ActorID: "client-1"}); !errors.As(err, &ite) {
		t.Fatalf("edit of signed contract: %v", err)
	}
}

func TestDraftEditBumpsVersionAndDetectsRace(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	content := "Scope: build the site and the blog."
	c2, err := env.Engine.UpdateContract(env.Ctx, engine.ContractUpdateOptions{
		ID: c.ID, Content: &content, ExpectedVersion: 1, ActorID: "client-1",
	})
	if err != nil {
		t.Fatalf("edit draft: %v", err)
	}
	if c2.Version != 2 {
		t.Fatalf("version = %d, want 2", c2.Version)
	}
	// stale expected version loses
	_, err = env.Engine.UpdateContract(env.Ctx, engine.ContractUpdateOptions{
		ID: c.ID, Content: &content, ExpectedVersion: 1, ActorID: "client-1",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestExpiredContractCannotBeSigned(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.Add(time.Hour).Format(time.RFC3339)
	c, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
		Title:        "Short offer",
		Content:      "Valid for an hour.",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		ExpiresAt:    expires,
		ActorID:      "client-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitContract(env.Ctx, c.ID, "client-1"); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)
	_, err = env.Engine.SignContract(env.Ctx, c.ID, "client-1")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for expired contract, got %v", err)
	}
}

func TestCancelFromDraftAndReview(t *testing.T) {
	env := newTestEnv(t)
	c := mustContract(t, env)
	got, err := env.Engine.CancelContract(env.Ctx, c.ID, "freelancer-1")
	if err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	if got.Status != domain.ContractCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	// non-party cannot cancel
	c2 := mustContract(t, env)
	if _, err := env.Engine.CancelContract(env.Ctx, c2.ID, "stranger"); err == nil {
		t.Fatalf("expected error for non-party cancel")
	}
}

func TestRuleOutcomes(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:         "big invoices only",
		Trigger:      domain.EventInvoiceCreated,
		Condition:    `event.total >= 1000.0`,
		ActionKind:   "send_notification",
		ActionConfig: `{"recipient":"ops","message":"large invoice"}`,
		IsActive:     true,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// condition false: skipped, counters untouched
	res, err := env.Engine.ExecuteRule(env.Ctx, rule.ID, map[string]any{"total": 50.0}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeSkipped || res.RunCount != 0 || res.SuccessCount != 0 {
		t.Fatalf("skipped run: %+v", res)
	}

	// condition true: success, both counters move
	res, err = env.Engine.ExecuteRule(env.Ctx, rule.ID, map[string]any{"total": 2500.0}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeSuccess || res.RunCount != 1 || res.SuccessCount != 1 {
		t.Fatalf("successful run: %+v", res)
	}

	// runtime condition error: failure, run_count moves alone
	bad, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "broken",
		Trigger:    domain.EventInvoiceCreated,
		Condition:  `event.missing.deeply.nested > 1`,
		ActionKind: "send_notification",
		IsActive:   true,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	res, err = env.Engine.ExecuteRule(env.Ctx, bad.ID, map[string]any{"total": 1.0}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeFailure || res.RunCount != 1 || res.SuccessCount != 0 {
		t.Fatalf("failed run: %+v", res)
	}
	if res.Error == "" {
		t.Fatalf("failure carries no error")
	}
}

func TestCreateRuleWritesLedgerEntry(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "audited",
		Trigger:    domain.EventInvoiceCreated,
		ActionKind: "send_notification",
		IsActive:   true,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, "rule.created", "rule", rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("rule.created events: %d, want 1", len(evts))
	}
	if evts[0].ActorID != "tester" {
		t.Fatalf("ledger actor %q", evts[0].ActorID)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	mk := func(name, condition string) {
		t.Helper()
		_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
			Name:         name,
			Trigger:      domain.EventContractSigned,
			Condition:    condition,
			ActionKind:   "send_notification",
			ActionConfig: `{"recipient":"ops","message":"hi"}`,
			IsActive:     true,
			ActorID:      "tester",
		})
		if err != nil {
			t.Fatalf("create rule %s: %v", name, err)
		}
	}
	mk("first", "")
	mk("breaks", `event.no_such_key.nested == 1`)
	mk("last", "")

	results, err := env.Engine.Dispatch(env.Ctx, domain.EventContractSigned, map[string]any{"contract_id": "c-1"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{engine.OutcomeSuccess, engine.OutcomeFailure, engine.OutcomeSuccess}
	for i, r := range results {
		if r.Outcome != want[i] {
			t.Fatalf("result %d (%s): outcome %s, want %s", i, r.RuleName, r.Outcome, want[i])
		}
	}
}

func TestDispatchSkipsInactiveRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "dormant",
		Trigger:    domain.EventContractSigned,
		ActionKind: "send_notification",
		IsActive:   false,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.Engine.Dispatch(env.Ctx, domain.EventContractSigned, nil, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("inactive rule dispatched: %+v", results)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr engine.ValidationError
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "bad trigger",
		Trigger:    "no.such.trigger",
		ActionKind: "send_notification",
		ActorID:    "tester",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("unknown trigger: %v", err)
	}
	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "bad condition",
		Trigger:    domain.EventInvoiceCreated,
		Condition:  `event.total >`,
		ActionKind: "send_notification",
		ActorID:    "tester",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("broken condition: %v", err)
	}
	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:       "bad action",
		Trigger:    domain.EventInvoiceCreated,
		ActionKind: "launch_rocket",
		ActorID:    "tester",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestSignedContractTriggersRules(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		Name:         "notify on signing",
		Trigger:      domain.EventContractSigned,
		ActionKind:   "send_notification",
		ActionConfig: `{"recipient":"ops","message":"contract done"}`,
		IsActive:     true,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	c := mustContract(t, env)
	_, _ = env.Engine.SubmitContract(env.Ctx, c.ID, "client-1")
	_, _ = env.Engine.SignContract(env.Ctx, c.ID, "client-1")
	res, err := env.Engine.SignContract(env.Ctx, c.ID, "freelancer-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RuleResults) != 1 || res.RuleResults[0].Outcome != engine.OutcomeSuccess {
		t.Fatalf("rule results: %+v", res.RuleResults)
	}
}
