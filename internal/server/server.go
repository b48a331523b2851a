// Package server exposes the punchcard engine over HTTP. The chat frontend is
// a client of this API; nothing here talks to any chat platform directly.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"punchcard/internal/config"
	"punchcard/internal/domain"
	"punchcard/internal/engine"
	"punchcard/internal/repo"
	"punchcard/internal/sweep"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Sweeper  *sweep.Sweeper
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"too_frequent"`
	Message string         `json:"message" example:"interaction rejected: too_frequent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the punchcard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Punchcard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCards(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerCommunities(group, cfg.Engine)
	registerSweep(group, cfg.Sweeper)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine failures onto the error envelope. Rejections carry
// their code; the status depends on the rejection class.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var r *domain.Rejection
	if errors.As(err, &r) {
		var details map[string]any
		if r.RetryAfter > 0 {
			details = map[string]any{"retry_after_seconds": int(r.RetryAfter.Seconds()) + 1}
		}
		if r.Conflict != nil {
			if details == nil {
				details = map[string]any{}
			}
			details["conflict_card_id"] = r.Conflict.ID
		}
		return newAPIError(statusForRejection(r.Code), string(r.Code), err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func statusForRejection(code domain.RejectionCode) int {
	switch code {
	case domain.RejectNotFound:
		return http.StatusNotFound
	case domain.RejectTooFrequent, domain.RejectTooSoon:
		return http.StatusTooManyRequests
	case domain.RejectAlreadyActive, domain.RejectConflictingCard, domain.RejectVersionConflict:
		return http.StatusConflict
	case domain.RejectForbidden:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "too_frequent"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// CardPath is embedded in inputs for card-scoped routes. It must stay
// exported: huma skips unexported embedded fields when binding parameters.
type CardPath struct {
	CardID string `path:"card_id"`
}

type cardBody struct {
	Body CardResponse `json:"body"`
}

func cardOut(c domain.Card) *cardBody {
	return &cardBody{Body: cardResponse(c)}
}

func registerCards(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "clock-in",
		Method:        http.MethodPost,
		Path:          "/cards",
		Summary:       "Open a point card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClockInRequest `json:"body"`
	}) (*cardBody, error) {
		if input.Body.UserID == "" || input.Body.CommunityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and community_id are required", nil)
		}
		actor := input.Body.Actor
		if actor == "" {
			actor = input.Body.UserID
		}
		c, err := e.ClockIn(ctx, engine.ClockInOptions{
			UserID:      input.Body.UserID,
			CommunityID: input.Body.CommunityID,
			ChannelID:   input.Body.ChannelID,
			MessageID:   input.Body.MessageID,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return cardOut(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Fetch a card with its trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CardPath) (*cardBody, error) {
		c, err := e.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return cardOut(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
	}, func(ctx context.Context, input *struct {
		CommunityID string `query:"community_id"`
		State       string `query:"state"`
	}) (*struct {
		Body struct {
			Cards []CardResponse `json:"cards"`
		} `json:"body"`
	}, error) {
		cards, err := e.ListCards(ctx, input.CommunityID, domain.State(input.State))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Cards []CardResponse `json:"cards"`
			} `json:"body"`
		}{}
		out.Body.Cards = make([]CardResponse, 0, len(cards))
		for _, c := range cards {
			out.Body.Cards = append(out.Body.Cards, cardResponse(c))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-card",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/members/{user_id}/card",
		Summary:     "Fetch a member's active card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommunityID string `path:"community_id"`
		UserID      string `path:"user_id"`
	}) (*cardBody, error) {
		c, err := e.ActiveCard(ctx, input.UserID, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		return cardOut(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-voice-presence",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/voice",
		Summary:     "Record voice channel movement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body VoicePresenceRequest `json:"body"`
	}) (*struct{}, error) {
		err := e.RecordVoicePresence(ctx, engine.VoicePresenceOptions{
			CardID:      input.CardID,
			ChannelName: input.Body.ChannelName,
			JoinedAt:    input.Body.JoinedAt,
			LeftAt:      input.Body.LeftAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	type transitionInput struct {
		CardPath
		Body TransitionRequest `json:"body"`
	}
	transition := func(opID, pathSuffix, summary string, run func(ctx context.Context, opts engine.TransitionOptions) (domain.Card, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/cards/{card_id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *transitionInput) (*cardBody, error) {
			c, err := run(ctx, engine.TransitionOptions{
				CardID: input.CardID,
				Actor:  input.Body.Actor,
				Note:   input.Body.Note,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return cardOut(c), nil
		})
	}

	transition("pause-card", "pause", "Pause the card", e.Pause)
	transition("resume-card", "resume", "Resume the card", e.Resume)
	transition("finish-card", "finish", "Finalize the card", e.Finish)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/cancel",
		Summary:     "Cancel the card and zero its time",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body CancelRequest `json:"body"`
	}) (*cardBody, error) {
		if input.Body.Actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		c, err := e.Cancel(ctx, engine.CancelOptions{
			CardID:     input.CardID,
			Actor:      input.Body.Actor,
			Reason:     input.Body.Reason,
			ActorRoles: input.Body.ActorRoles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return cardOut(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/reopen",
		Summary:     "Reopen a recently finished card",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *transitionInput) (*cardBody, error) {
		c, err := e.Reopen(ctx, engine.ReopenOptions{CardID: input.CardID, Actor: input.Body.Actor})
		if err != nil {
			return nil, handleError(err)
		}
		return cardOut(c), nil
	})
}

func registerCommunities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-community",
		Method:      http.MethodPut,
		Path:        "/communities",
		Summary:     "Register or update a community's ledger binding",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterCommunityRequest `json:"body"`
	}) (*struct {
		Body CommunityResponse `json:"body"`
	}, error) {
		c := config.Community{
			CommunityID:     input.Body.CommunityID,
			Name:            input.Body.Name,
			SpreadsheetID:   input.Body.SpreadsheetID,
			SheetName:       input.Body.SheetName,
			PermittedRole:   input.Body.PermittedRole,
			ResponsibleRole: input.Body.ResponsibleRole,
			LogChannelID:    input.Body.LogChannelID,
		}
		if err := e.RegisterCommunity(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommunityResponse `json:"body"`
		}{Body: communityResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-community",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}",
		Summary:     "Fetch a community's ledger binding",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommunityID string `path:"community_id"`
	}) (*struct {
		Body CommunityResponse `json:"body"`
	}, error) {
		c, err := e.Community(ctx, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommunityResponse `json:"body"`
		}{Body: communityResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-communities",
		Method:      http.MethodGet,
		Path:        "/communities",
		Summary:     "List registered communities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Communities []CommunityResponse `json:"communities"`
		} `json:"body"`
	}, error) {
		list, err := e.Repo.ListCommunities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Communities []CommunityResponse `json:"communities"`
			} `json:"body"`
		}{}
		out.Body.Communities = make([]CommunityResponse, 0, len(list))
		for _, c := range list {
			out.Body.Communities = append(out.Body.Communities, communityResponse(c))
		}
		return out, nil
	})
}

func registerSweep(api huma.API, s *sweep.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run the reconciliation sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Summary `json:"body"`
	}, error) {
		sum, err := s.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.Summary `json:"body"`
		}{Body: sum}, nil
	})
}
