package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftline/internal/domain"
	"draftline/internal/status"
	"draftline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store            store.Store
	DefaultWordCount int
	BasePath         string
	Auth             AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition processing -> published"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(statusCode int, msg string, errs ...error) huma.StatusError {
		return newAPIError(statusCode, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Draftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg)
	registerStatusUpdates(group, cfg.Store)
	registerHistory(group, cfg.Store)

	return router, nil
}

func newAPIError(statusCode int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(statusCode)
	}
	return &apiError{
		status: statusCode,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ite *status.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": ite.From,
			"to":   ite.To,
		})
	}
	var ve *store.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(statusCode), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

// CreateTaskRequest is the task-creation surface for external
// collaborators.
type CreateTaskRequest struct {
	Topic           string            `json:"topic"`
	Style           string            `json:"style,omitempty"`
	Tone            string            `json:"tone,omitempty"`
	TargetWordCount int               `json:"target_word_count,omitempty"`
	ModelOverrides  map[string]string `json:"model_overrides,omitempty"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create content task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		words := input.Body.TargetWordCount
		if words == 0 {
			words = cfg.DefaultWordCount
		}
		t, err := cfg.Store.CreateTask(ctx, store.CreateTaskOptions{
			Topic:           input.Body.Topic,
			Style:           input.Body.Style,
			Tone:            input.Body.Tone,
			TargetWordCount: words,
			ModelOverrides:  input.Body.ModelOverrides,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,awaiting_approval,published,rejected,failed,validation_failed,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := cfg.Store.ListTasks(ctx, store.TaskFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskOutput, error) {
		t, err := cfg.Store.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

// UpdateStatusRequest is the approval surface: reviewers move tasks
// from awaiting_approval to published or rejected; any other request
// is judged by the transition validator.
type UpdateStatusRequest struct {
	NewStatus string `json:"new_status" enum:"pending,processing,awaiting_approval,published,rejected,failed,validation_failed"`
	Reason    string `json:"reason,omitempty"`
}

func registerStatusUpdates(api huma.API, s store.Store) {
	update := func(ctx context.Context, taskID, newStatus, reason string) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.UpdateStatus(ctx, taskID, newStatus, store.UpdateStatusOptions{
			Actor:  actorID,
			Reason: reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Update task status",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*taskOutput, error) {
		return update(ctx, input.TaskID, input.Body.NewStatus, input.Body.Reason)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Publish an awaiting task",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body,omitempty"`
	}) (*taskOutput, error) {
		return update(ctx, input.TaskID, status.Published, input.Body.Reason)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Reject an awaiting task",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body,omitempty"`
	}) (*taskOutput, error) {
		return update(ctx, input.TaskID, status.Rejected, input.Body.Reason)
	})
}

func registerHistory(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task status audit trail",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.StatusHistoryEntry `json:"body"`
	}, error) {
		if _, err := s.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		entries, err := s.StatusHistory(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusHistoryEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "failed-validations",
		Method:      http.MethodGet,
		Path:        "/history/failures",
		Summary:     "History entries for failed or validation_failed transitions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.StatusHistoryEntry `json:"body"`
	}, error) {
		entries, err := s.FailedValidations(ctx, store.FailureFilters{TaskID: input.TaskID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusHistoryEntry `json:"body"`
		}{Body: entries}, nil
	})
}
