package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"raidline/internal/domain"
	"raidline/internal/ports"
	"raidline/internal/prompt"
	"raidline/internal/repo"
)

func registerQuestions(api huma.API, questions Questions) {
	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/questions",
		Summary:     "Open questions addressed to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []prompt.Pending `json:"body"`
	}, error) {
		p, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []prompt.Pending `json:"body"`
		}{Body: nonNilSlice(questions.Pending(p.ID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/questions/{question_id}/answer",
		Summary:     "Answer a question",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionID string        `path:"question_id"`
		Body       AnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		p, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reply, err := prompt.ParseAnswer(input.Body.Answer)
		if err != nil {
			return nil, handleError(err)
		}
		if err := questions.Answer(input.QuestionID, p.ID, reply); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: AnswerResponse{Status: "answered"}}, nil
	})
}

func registerParticipants(api huma.API, ident ports.Identity) {
	type meOutput struct {
		Body ParticipantResponse `json:"body"`
	}
	current := func(ctx context.Context, id string) (*meOutput, error) {
		p, err := ident.Resolve(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ParticipantResponse{ID: p.ID, Nickname: p.Nickname, Registered: p.Registered()}
		if resp.Registered {
			flags, err := ident.Flags(ctx, id)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Muted, resp.FirstNoticeSent = flags.Muted, flags.FirstNoticeSent
		}
		return &meOutput{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/participants/me",
		Summary:     "Current participant",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		p, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return current(ctx, p.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-participant",
		Method:      http.MethodPut,
		Path:        "/participants/me",
		Summary:     "Register or change the caller's nickname",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*meOutput, error) {
		p, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ident.Register(ctx, p.ID, input.Body.Nickname); err != nil {
			return nil, handleError(err)
		}
		return current(ctx, p.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-participant",
		Method:      http.MethodPatch,
		Path:        "/participants/me",
		Summary:     "Update reminder preferences",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UpdateParticipantRequest `json:"body"`
	}) (*meOutput, error) {
		p, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Muted != nil {
			if err := ident.SetMuted(ctx, p.ID, *input.Body.Muted); err != nil {
				return nil, handleError(err)
			}
		}
		return current(ctx, p.ID)
	})
}

func registerEvents(api huma.API, log EventLog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Community  string `query:"community"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"raid,participant"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := participantFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := log.EventsAfter(ctx, cursorID, repo.EventFilters{
			Community:  input.Community,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
