package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/repo"
)

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create contract draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateContract(ctx, engine.ContractCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			Content:      stringOrEmpty(input.Body.Content),
			ClientID:     input.Body.ClientID,
			FreelancerID: input.Body.FreelancerID,
			ExpiresAt:    stringOrEmpty(input.Body.ExpiresAt),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		ClientID     string `query:"client_id"`
		FreelancerID string `query:"freelancer_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListContracts(ctx, repo.ContractFilters{
			Status:       input.Status,
			ClientID:     input.ClientID,
			FreelancerID: input.FreelancerID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: mapContracts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-contract",
		Method:      http.MethodPatch,
		Path:        "/contracts/{id}",
		Summary:     "Edit contract content before signing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status != nil {
			if input.Body.Title != nil || input.Body.Description != nil || input.Body.Content != nil || input.Body.ExpiresAt != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "status transition and content edit cannot be combined", nil)
			}
			c, err := transitionContract(ctx, e, input.ID, *input.Body.Status, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ContractResponse `json:"body"`
			}{Body: contractResponse(c)}, nil
		}
		c, err := e.UpdateContract(ctx, engine.ContractUpdateOptions{
			ID:              input.ID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Content:         input.Body.Content,
			ExpiresAt:       input.Body.ExpiresAt,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	registerContractTransitions(api, e)
}

// transitionContract maps a requested target status onto the corresponding
// lifecycle operation, so PATCH {status} hits the exact same guards as the
// dedicated endpoints. Signing resolves the actor's side itself, so the
// request is rejected up front when the next signature cannot produce the
// requested status.
func transitionContract(ctx context.Context, e engine.Engine, id, status, actorID string) (domain.Contract, error) {
	switch status {
	case domain.ContractPendingReview:
		return e.SubmitContract(ctx, id, actorID)
	case domain.ContractClientSigned, domain.ContractSigned:
		c, err := e.Repo.GetContract(ctx, id)
		if err != nil {
			return domain.Contract{}, err
		}
		expected := domain.ContractClientSigned
		if c.Status == domain.ContractClientSigned {
			expected = domain.ContractSigned
		}
		if status != expected {
			return domain.Contract{}, engine.InvalidTransitionError{
				From:   c.Status,
				To:     status,
				Reason: "the next signature does not produce this status",
			}
		}
		res, err := e.SignContract(ctx, id, actorID)
		if err != nil {
			return domain.Contract{}, err
		}
		return res.Contract, nil
	case domain.ContractCancelled:
		return e.CancelContract(ctx, id, actorID)
	default:
		c, err := e.Repo.GetContract(ctx, id)
		if err != nil {
			return domain.Contract{}, err
		}
		return domain.Contract{}, engine.InvalidTransitionError{
			From:   c.Status,
			To:     status,
			Reason: "no transition targets this status",
		}
	}
}

func registerContractTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/submit",
		Summary:     "Submit draft for review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SubmitContract(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/sign",
		Summary:     "Sign contract as the authenticated party",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SignContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SignContract(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignContractResponse `json:"body"`
		}{Body: SignContractResponse{
			Contract:    contractResponse(res.Contract),
			Completed:   res.Completed,
			InvoiceID:   res.InvoiceID,
			RuleResults: res.RuleResults,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/cancel",
		Summary:     "Cancel contract before full execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelContract(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})
}
