package ports

import (
	"context"
	"errors"

	"raidline/internal/domain"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNicknameTaken      = errors.New("nickname is already taken")
)

type ParticipantFlags struct {
	Muted           bool `json:"muted"`
	FirstNoticeSent bool `json:"first_notice_sent"`
}

// Identity maps platform identities to registered nicknames and per-participant flags.
type Identity interface {
	// Resolve returns the participant for id; Nickname is empty when id never registered.
	Resolve(ctx context.Context, id string) (domain.Participant, error)
	ByNickname(ctx context.Context, nickname string) (domain.Participant, error)
	Register(ctx context.Context, id, nickname string) (domain.Participant, error)
	Flags(ctx context.Context, id string) (ParticipantFlags, error)
	SetMuted(ctx context.Context, id string, muted bool) error
	MarkFirstNotice(ctx context.Context, id string) error
}
