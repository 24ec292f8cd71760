package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"raidline/internal/controller"
	"raidline/internal/domain"
	"raidline/internal/gate"
	"raidline/internal/ports"
)

type communityPath struct {
	Community string `path:"community"`
}

func registerRaids(api huma.API, raids Raids) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-raid",
		Method:        http.MethodPost,
		Path:          "/communities/{community}/raids",
		Summary:       "Create raid",
		Description:   "May block while the owner answers a confirmation question.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Community string            `path:"community"`
		Body      CreateRaidRequest `json:"body"`
	}) (*struct {
		Body domain.RaidSummary `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		owner, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := raids.CreateRaid(ctx, owner, controller.CreateAttrs{
			Community:  input.Community,
			Venue:      input.Body.Venue,
			WindowOpen: input.Body.WindowOpen,
			Deadline:   input.Body.Deadline,
			Reserved:   input.Body.Reserved,
			Nickname:   input.Body.Nickname,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RaidSummary `json:"body"`
		}{Body: raidResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-raids",
		Method:      http.MethodGet,
		Path:        "/communities/{community}/raids",
		Summary:     "List live raids",
	}, func(ctx context.Context, input *communityPath) (*struct {
		Body []domain.RaidSummary `json:"body"`
	}, error) {
		if _, authErr := participantFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []domain.RaidSummary `json:"body"`
		}{Body: mapRaids(raids.ListRaids(input.Community))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-raid",
		Method:      http.MethodGet,
		Path:        "/communities/{community}/raids/{raid_id}",
		Summary:     "Get raid",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Community string `path:"community"`
		RaidID    string `path:"raid_id"`
	}) (*struct {
		Body domain.RaidSummary `json:"body"`
	}, error) {
		if _, authErr := participantFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		summary, ok := raids.Get(input.RaidID)
		if !ok || !visibleIn(raids, input.Community, input.RaidID) {
			return nil, handleError(controller.ErrUnknownRaid)
		}
		return &struct {
			Body domain.RaidSummary `json:"body"`
		}{Body: raidResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-raid",
		Method:      http.MethodDelete,
		Path:        "/communities/{community}/raids",
		Summary:     "Remove one of the caller's raids",
		Description: "Asks the owner to confirm, or to pick a raid when several match.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Community string `path:"community"`
		RaidID    string `query:"raid_id"`
		Deadline  string `query:"deadline" doc:"RFC3339 deadline of the raid to remove"`
	}) (*struct {
		Body domain.RaidSummary `json:"body"`
	}, error) {
		owner, authErr := participantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deadline, perr := parseTimeParam("deadline", input.Deadline)
		if perr != nil {
			return nil, perr
		}
		summary, err := raids.RemoveRaid(ctx, owner, controller.RemoveRequest{
			Community: input.Community,
			RaidID:    strings.TrimSpace(input.RaidID),
			Deadline:  deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RaidSummary `json:"body"`
		}{Body: raidResponse(summary)}, nil
	})
}

// visibleIn reports whether raidID is listed in community.
func visibleIn(raids Raids, community, raidID string) bool {
	for _, s := range raids.ListRaids(community) {
		if s.ID == raidID {
			return true
		}
	}
	return false
}

func registerMembership(api huma.API, raids Raids) {
	type refInput struct {
		Community string          `path:"community"`
		Body      *RaidRefRequest `json:"body" required:"false"`
	}
	type raidOutput struct {
		Body domain.RaidSummary `json:"body"`
	}
	handler := func(op gate.Op) func(context.Context, *refInput) (*raidOutput, error) {
		return func(ctx context.Context, input *refInput) (*raidOutput, error) {
			p, authErr := participantFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			ref, perr := raidRef(input.Community, input.Body)
			if perr != nil {
				return nil, perr
			}
			call := raids.JoinRaid
			if op == gate.OpLeave {
				call = raids.LeaveRaid
			}
			summary, err := call(ctx, p, ref)
			if err != nil {
				return nil, handleError(err)
			}
			return &raidOutput{Body: raidResponse(summary)}, nil
		}
	}
	errs := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}
	huma.Register(api, huma.Operation{
		OperationID: "join-raid",
		Method:      http.MethodPost,
		Path:        "/communities/{community}/join",
		Summary:     "Join a raid",
		Description: "Without a reference the open raid with the most free slots is joined.",
		Errors:      errs,
	}, handler(gate.OpJoin))
	huma.Register(api, huma.Operation{
		OperationID: "leave-raid",
		Method:      http.MethodPost,
		Path:        "/communities/{community}/leave",
		Summary:     "Leave a raid",
		Errors:      errs,
	}, handler(gate.OpLeave))
}

func raidRef(community string, body *RaidRefRequest) (controller.RaidRef, huma.StatusError) {
	ref := controller.RaidRef{Community: community}
	if body == nil {
		return ref, nil
	}
	deadline, err := parseTimeParam("deadline", body.Deadline)
	if err != nil {
		return ref, err
	}
	ref.RaidID = strings.TrimSpace(body.RaidID)
	ref.OwnerID = strings.TrimSpace(body.OwnerID)
	ref.OwnerNickname = strings.TrimSpace(body.Owner)
	ref.Deadline = deadline
	if body.MessageID != "" {
		ref.Artifact = domain.ArtifactRef{Community: community, Channel: body.Channel, MessageID: body.MessageID}
	}
	return ref, nil
}

func registerSignals(api huma.API, raids Raids) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Deliver a reaction signal from the platform bridge",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ports.Signal `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		sig := input.Body
		if strings.TrimSpace(sig.Participant) == "" || sig.Artifact.IsZero() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant and artifact.message_id are required", nil)
		}
		err := raids.HandleSignal(ctx, sig)
		var rej *gate.Rejection
		switch {
		case errors.As(err, &rej):
			return &struct {
				Body SignalResponse `json:"body"`
			}{Body: SignalResponse{Outcome: "rejected", Reason: string(rej.Reason), Message: rej.Message}}, nil
		case err != nil:
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: SignalResponse{Outcome: "applied"}}, nil
	})
}
