package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigflow/internal/engine"
	"gigflow/internal/repo"
)

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.ActionKind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_kind is required", nil)
		}
		opts := engine.RuleCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			Name:         input.Body.Name,
			Description:  stringOrEmpty(input.Body.Description),
			Type:         stringOrEmpty(input.Body.Type),
			Trigger:      input.Body.Trigger,
			Condition:    stringOrEmpty(input.Body.Condition),
			ActionKind:   input.Body.ActionKind,
			ActionConfig: stringOrEmpty(input.Body.ActionConfig),
			ActorID:      actorID,
		}
		if input.Body.IsActive != nil {
			opts.IsActive = *input.Body.IsActive
		} else {
			opts.IsActive = true
		}
		rule, err := e.CreateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		Trigger string `query:"trigger"`
		Active  string `query:"active"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		active, err := boolFilter("active", input.Active)
		if err != nil {
			return nil, err
		}
		items, err := e.Repo.ListRules(ctx, repo.RuleFilters{
			Type:    input.Type,
			Trigger: input.Trigger,
			Active:  active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{id}",
		Summary:     "Get automation rule",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		rule, err := e.Repo.GetRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Update automation rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{
			ID:           input.ID,
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			Type:         input.Body.Type,
			Trigger:      input.Body.Trigger,
			Condition:    input.Body.Condition,
			ActionKind:   input.Body.ActionKind,
			ActionConfig: input.Body.ActionConfig,
			IsActive:     input.Body.IsActive,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{id}",
		Summary:     "Delete automation rule",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteRule(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{id}/execute",
		Summary:     "Execute one rule against a trigger context",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Context map[string]any `json:"context,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body engine.ExecuteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ExecuteRule(ctx, input.ID, input.Body.Context, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecuteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-trigger",
		Method:      http.MethodPost,
		Path:        "/rules/dispatch",
		Summary:     "Dispatch a trigger to all matching active rules",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Trigger string         `json:"trigger"`
			Context map[string]any `json:"context,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body []engine.ExecuteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.Dispatch(ctx, input.Body.Trigger, input.Body.Context, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []engine.ExecuteResult{}
		}
		return &struct {
			Body []engine.ExecuteResult `json:"body"`
		}{Body: results}, nil
	})
}
