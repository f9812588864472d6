package gigflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gigflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Rule represents an automation rule (partial).
type Rule struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Trigger      string `json:"trigger"`
	Condition    string `json:"condition"`
	ActionKind   string `json:"action_kind"`
	IsActive     bool   `json:"is_active"`
	RunCount     int64  `json:"run_count"`
	SuccessCount int64  `json:"success_count"`
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	ClientID     string `json:"client_id"`
	FreelancerID string `json:"freelancer_id"`
	Version      int    `json:"version"`
}

// SignResult is returned by Sign. InvoiceID is set when the signature
// completed the contract.
type SignResult struct {
	Contract    Contract        `json:"contract"`
	Completed   bool            `json:"completed"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	RuleResults json.RawMessage `json:"rule_results,omitempty"`
}

// Invoice represents the API invoice model (partial).
type Invoice struct {
	ID               string  `json:"id"`
	InvoiceNumber    string  `json:"invoice_number"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	Total            float64 `json:"total"`
	Currency         string  `json:"currency"`
	DueDate          string  `json:"due_date"`
	IsRecurring      bool    `json:"is_recurring"`
	SourceContractID *string `json:"source_contract_id,omitempty"`
}

// ExecuteResult reports one rule run.
type ExecuteResult struct {
	RuleID       string `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
	RunCount     int64  `json:"run_count"`
	SuccessCount int64  `json:"success_count"`
}

// ScanResult reports one recurring template scan.
type ScanResult struct {
	TemplateID   string `json:"template_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	NewInvoiceID string `json:"new_invoice_id,omitempty"`
	PeriodKey    string `json:"period_key,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRule creates an automation rule.
func (c *Client) CreateRule(ctx context.Context, body map[string]any) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "v0/rules", body, &resp)
	return resp, err
}

// ExecuteRule runs one rule against a trigger context.
func (c *Client) ExecuteRule(ctx context.Context, ruleID string, trigCtx map[string]any) (ExecuteResult, error) {
	var resp ExecuteResult
	endpoint := fmt.Sprintf("v0/rules/%s/execute", url.PathEscape(ruleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"context": trigCtx}, &resp)
	return resp, err
}

// Dispatch fires a trigger at every matching active rule.
func (c *Client) Dispatch(ctx context.Context, trigger string, trigCtx map[string]any) ([]ExecuteResult, error) {
	var resp []ExecuteResult
	err := c.do(ctx, http.MethodPost, "v0/rules/dispatch", map[string]any{
		"trigger": trigger,
		"context": trigCtx,
	}, &resp)
	return resp, err
}

// CreateContract creates a contract draft.
func (c *Client) CreateContract(ctx context.Context, body map[string]any) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "v0/contracts", body, &resp)
	return resp, err
}

// SubmitContract moves a draft into review.
func (c *Client) SubmitContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/submit", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SignContract signs as the authenticated actor.
func (c *Client) SignContract(ctx context.Context, id string) (SignResult, error) {
	var resp SignResult
	endpoint := fmt.Sprintf("v0/contracts/%s/sign", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CancelContract cancels a contract.
func (c *Client) CancelContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateInvoice creates an invoice or recurring template.
func (c *Client) CreateInvoice(ctx context.Context, body map[string]any) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodPost, "v0/invoices", body, &resp)
	return resp, err
}

// GetInvoice fetches an invoice by id.
func (c *Client) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var resp Invoice
	endpoint := fmt.Sprintf("v0/invoices/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetInvoiceStatus moves an invoice through its lifecycle.
func (c *Client) SetInvoiceStatus(ctx context.Context, id, status string) (Invoice, error) {
	var resp Invoice
	endpoint := fmt.Sprintf("v0/invoices/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// ProcessRecurring runs the recurring invoice scan.
func (c *Client) ProcessRecurring(ctx context.Context) ([]ScanResult, error) {
	var resp struct {
		Results []ScanResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "v0/invoices/process-recurring", nil, &resp)
	return resp.Results, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
