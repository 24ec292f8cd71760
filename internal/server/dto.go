package server

import (
	"time"

	"raidline/internal/domain"
)

// Request payloads

type CreateRaidRequest struct {
	Venue      string    `json:"venue" example:"Tower"`
	WindowOpen time.Time `json:"window_open" format:"date-time"`
	Deadline   time.Time `json:"deadline" format:"date-time"`
	Reserved   int       `json:"reserved" minimum:"1" maximum:"20" example:"3"`
	// Nickname registers the owner on first use.
	Nickname string `json:"nickname,omitempty"`
}

// RaidRefRequest picks the raid a join or leave applies to. An empty ref lets the server choose.
type RaidRefRequest struct {
	RaidID    string `json:"raid_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Owner     string `json:"owner,omitempty" doc:"Owner nickname"`
	OwnerID   string `json:"owner_id,omitempty"`
	Deadline  string `json:"deadline,omitempty" format:"date-time"`
}

type AnswerRequest struct {
	Answer string `json:"answer" example:"yes" doc:"yes, no, or a 1-based option number"`
}

type RegisterRequest struct {
	Nickname string `json:"nickname" minLength:"1" example:"Alice"`
}

type UpdateParticipantRequest struct {
	Muted *bool `json:"muted,omitempty"`
}

// Response payloads

type SignalResponse struct {
	Outcome string `json:"outcome" enum:"applied,rejected"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type AnswerResponse struct {
	Status string `json:"status" example:"answered"`
}

type ParticipantResponse struct {
	ID              string `json:"id"`
	Nickname        string `json:"nickname,omitempty"`
	Registered      bool   `json:"registered"`
	Muted           bool   `json:"muted"`
	FirstNoticeSent bool   `json:"first_notice_sent"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func raidResponse(s domain.RaidSummary) domain.RaidSummary {
	s.Members = nonNilSlice(s.Members)
	return s
}

func mapRaids(items []domain.RaidSummary) []domain.RaidSummary {
	res := make([]domain.RaidSummary, 0, len(items))
	for _, s := range items {
		res = append(res, raidResponse(s))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
