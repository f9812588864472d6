package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gigflow/internal/domain"
	"gigflow/internal/events"
	"gigflow/internal/rules"
)

// ruleSink is the engine-backed implementation of rules.Sink. Invoices it
// creates do not re-dispatch triggers, so a create_invoice action can never
// start a rule cascade.
type ruleSink struct {
	e Engine
}

func (s ruleSink) CreateInvoice(ctx context.Context, action rules.CreateInvoiceAction, event map[string]any) (string, error) {
	clientID := action.ClientID
	if clientID == "" {
		clientID, _ = event["client_id"].(string)
	}
	freelancerID := action.FreelancerID
	if freelancerID == "" {
		freelancerID, _ = event["freelancer_id"].(string)
	}
	if clientID == "" || freelancerID == "" {
		return "", fmt.Errorf("create_invoice: no client_id/freelancer_id in action or context")
	}
	title := action.Title
	if title == "" {
		title = "Automated invoice"
	}
	currency := action.Currency
	if currency == "" {
		currency = s.e.Config.Invoicing.Currency
	}
	dueDays := action.DueDays
	if dueDays <= 0 {
		dueDays = s.e.Config.Invoicing.DefaultDueDays
	}
	now := s.e.now().UTC()
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	number, err := s.e.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return "", err
	}
	ts := now.Format(time.RFC3339)
	inv := domain.Invoice{
		ID:            uuid.New().String(),
		InvoiceNumber: number,
		Title:         title,
		ClientID:      clientID,
		FreelancerID:  freelancerID,
		Status:        domain.InvoiceDraft,
		Total:         action.Total,
		Currency:      currency,
		DueDate:       now.AddDate(0, 0, dueDays).Format(time.RFC3339),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := s.e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return "", err
	}
	if err := s.e.Events.Append(ctx, tx, domain.EventInvoiceCreated, "invoice", inv.ID, "automation", events.EventPayload{
		"invoice_number": inv.InvoiceNumber,
	}); err != nil {
		return "", err
	}
	return inv.ID, tx.Commit()
}

func (s ruleSink) MarkInvoiceOverdue(ctx context.Context, invoiceID string) error {
	_, err := s.e.SetInvoiceStatus(ctx, invoiceID, domain.InvoiceOverdue, "automation")
	return err
}

func (s ruleSink) SendNotification(ctx context.Context, action rules.SendNotificationAction, event map[string]any) error {
	if action.Recipient == "" {
		return fmt.Errorf("send_notification: recipient is required")
	}
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.e.Events.Append(ctx, tx, "notification.sent", "notification", action.Recipient, "automation", events.EventPayload{
		"message": action.Message,
		"context": event,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s ruleSink) PostWebhook(ctx context.Context, action rules.WebhookAction, event map[string]any) error {
	body := marshalContext(event)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if action.Secret != "" {
		mac := hmac.New(sha256.New, []byte(action.Secret))
		mac.Write([]byte(body))
		req.Header.Set("X-Gigflow-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", action.URL, resp.Status)
	}
	return nil
}
