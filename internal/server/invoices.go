package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigflow/internal/engine"
	"gigflow/internal/repo"
)

func registerInvoices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invoice",
		Method:        http.MethodPost,
		Path:          "/invoices",
		Summary:       "Create invoice or recurring template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInvoiceRequest `json:"body"`
	}) (*struct {
		Body InvoiceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.CreateInvoice(ctx, engine.InvoiceCreateOptions{
			ID:               stringOrEmpty(input.Body.ID),
			Title:            input.Body.Title,
			ClientID:         input.Body.ClientID,
			FreelancerID:     input.Body.FreelancerID,
			Total:            input.Body.Total,
			Currency:         stringOrEmpty(input.Body.Currency),
			DueDate:          stringOrEmpty(input.Body.DueDate),
			IsRecurring:      input.Body.IsRecurring,
			RecurrencePeriod: stringOrEmpty(input.Body.RecurrencePeriod),
			RecurrenceAnchor: stringOrEmpty(input.Body.RecurrenceAnchor),
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvoiceResponse `json:"body"`
		}{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/invoices",
		Summary:     "List invoices",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Recurring  string `query:"recurring"`
		ContractID string `query:"contract_id"`
		TemplateID string `query:"template_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []InvoiceResponse `json:"body"`
	}, error) {
		recurring, err := boolFilter("recurring", input.Recurring)
		if err != nil {
			return nil, err
		}
		items, err := e.Repo.ListInvoices(ctx, repo.InvoiceFilters{
			Status:     input.Status,
			Recurring:  recurring,
			ContractID: input.ContractID,
			TemplateID: input.TemplateID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InvoiceResponse `json:"body"`
		}{Body: mapInvoices(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{id}",
		Summary:     "Get invoice",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InvoiceResponse `json:"body"`
	}, error) {
		inv, err := e.Repo.GetInvoice(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvoiceResponse `json:"body"`
		}{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-invoice-status",
		Method:      http.MethodPatch,
		Path:        "/invoices/{id}/status",
		Summary:     "Update invoice status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status" enum:"DRAFT,SENT,PAID,OVERDUE,CANCELLED"`
		} `json:"body"`
	}) (*struct {
		Body InvoiceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		inv, err := e.SetInvoiceStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvoiceResponse `json:"body"`
		}{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-recurring",
		Method:      http.MethodPost,
		Path:        "/invoices/process-recurring",
		Summary:     "Generate due invoices from recurring templates",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProcessRecurringResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.ProcessRecurring(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []engine.ScanResult{}
		}
		return &struct {
			Body ProcessRecurringResponse `json:"body"`
		}{Body: ProcessRecurringResponse{Results: results}}, nil
	})
}
