package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/engine"
	"gigflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{"X-Actor-Id": "tester"}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"title":         "Logo design",
		"content":       "Deliver three logo concepts.",
		"client_id":     "client-1",
		"freelancer_id": "freelancer-1",
	}, asActor("client-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}
	var created ContractResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	id := created.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+id+"/submit", nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// freelancer must not be able to sign before the client
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+id+"/sign", nil, asActor("freelancer-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("premature freelancer sign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+id+"/sign", nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client sign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+id+"/sign", nil, asActor("freelancer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("freelancer sign status %d: %s", res.StatusCode, string(data))
	}
	var signed SignContractResponse
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal sign response: %v", err)
	}
	if !signed.Completed || signed.Contract.Status != "SIGNED" {
		t.Fatalf("sign response: %+v", signed)
	}
	if signed.InvoiceID == "" {
		t.Fatalf("no invoice generated on completion")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/invoices/"+signed.InvoiceID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get invoice status %d: %s", res.StatusCode, string(data))
	}
	var inv InvoiceResponse
	_ = json.Unmarshal(data, &inv)
	if inv.SourceContractID == nil || *inv.SourceContractID != id {
		t.Fatalf("invoice not linked to contract: %+v", inv)
	}
}

func TestContractPatchStatusFunnel(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"title":         "Retainer agreement",
		"content":       "Ten hours per week.",
		"client_id":     "client-2",
		"freelancer_id": "freelancer-2",
	}, asActor("client-2"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var c ContractResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// PATCH {status} must hit the same guards as the dedicated endpoints
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{
		"status": "SIGNED",
	}, asActor("freelancer-2"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("premature SIGNED via patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{
		"status": "PENDING_REVIEW",
	}, asActor("client-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit via patch status %d: %s", res.StatusCode, string(data))
	}
	var updated ContractResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Status != "PENDING_REVIEW" {
		t.Fatalf("status %q after patch submit", updated.Status)
	}

	// mixing a transition with a content edit is rejected
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{
		"status":  "CLIENT_SIGNED",
		"content": "sneaky rewrite",
	}, asActor("client-2"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("mixed patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{
		"status": "CLIENT_SIGNED",
	}, asActor("client-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client sign via patch status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &updated)
	if updated.Status != "CLIENT_SIGNED" {
		t.Fatalf("status %q after patch sign", updated.Status)
	}
}

func TestRuleExecutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":          "flag big invoices",
		"trigger":       "invoice.created",
		"condition":     "event.total > 1000.0",
		"action_kind":   "send_notification",
		"action_config": `{"recipient":"ops","message":"big one"}`,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d: %s", res.StatusCode, string(data))
	}
	var rule RuleResponse
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/"+rule.ID+"/execute", map[string]any{
		"context": map[string]any{"total": 5000.0},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var exec engine.ExecuteResult
	_ = json.Unmarshal(data, &exec)
	if exec.Outcome != engine.OutcomeSuccess || exec.RunCount != 1 {
		t.Fatalf("execute result: %+v", exec)
	}

	// invalid condition is rejected at creation
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":        "broken",
		"trigger":     "invoice.created",
		"condition":   "event.total >",
		"action_kind": "send_notification",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("broken condition status %d: %s", res.StatusCode, string(data))
	}
}

func TestRecurringEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	anchor := time.Now().UTC().AddDate(0, 0, -10).Format(time.RFC3339)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/invoices", map[string]any{
		"title":             "Monthly retainer",
		"client_id":         "client-1",
		"freelancer_id":     "freelancer-1",
		"total":             750,
		"is_recurring":      true,
		"recurrence_period": "monthly",
		"recurrence_anchor": anchor,
	}, asActor("freelancer-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/invoices/process-recurring", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process-recurring status %d: %s", res.StatusCode, string(data))
	}
	var scan ProcessRecurringResponse
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(scan.Results) != 1 || scan.Results[0].Status != engine.ScanCreated {
		t.Fatalf("first scan: %+v", scan.Results)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/invoices/process-recurring", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second process-recurring status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &scan)
	if len(scan.Results) != 1 || scan.Results[0].Status != engine.ScanSkipped {
		t.Fatalf("second scan: %+v", scan.Results)
	}
}

func TestListFiltersOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":        "active one",
		"trigger":     "invoice.created",
		"action_kind": "send_notification",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":        "dormant one",
		"trigger":     "invoice.created",
		"action_kind": "send_notification",
		"is_active":   false,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create inactive rule status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rules?active=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list active status %d: %s", res.StatusCode, string(data))
	}
	var rules []RuleResponse
	if err := json.Unmarshal(data, &rules); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "active one" {
		t.Fatalf("active filter returned %+v", rules)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rules?active=maybe", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad active filter status %d: %s", res.StatusCode, string(data))
	}

	anchor := time.Now().UTC().Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/invoices", map[string]any{
		"title":             "Weekly check-in",
		"client_id":         "client-1",
		"freelancer_id":     "freelancer-1",
		"total":             100,
		"is_recurring":      true,
		"recurrence_period": "weekly",
		"recurrence_anchor": anchor,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/invoices?recurring=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list recurring status %d: %s", res.StatusCode, string(data))
	}
	var invoices []InvoiceResponse
	if err := json.Unmarshal(data, &invoices); err != nil {
		t.Fatalf("unmarshal invoices: %v", err)
	}
	if len(invoices) != 1 || !invoices[0].IsRecurring {
		t.Fatalf("recurring filter returned %+v", invoices)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/rules", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res2.StatusCode)
	}
}
