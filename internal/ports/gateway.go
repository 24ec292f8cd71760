package ports

import (
	"context"
	"errors"

	"raidline/internal/domain"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// Destination addresses a channel in a community, or a participant directly when Participant is set.
type Destination struct {
	Community   string `json:"community,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// Gateway publishes artifacts to the messaging platform.
type Gateway interface {
	Publish(ctx context.Context, dest Destination, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error)
	Update(ctx context.Context, ref domain.ArtifactRef, content string) error
	Delete(ctx context.Context, ref domain.ArtifactRef) error
	// Exists reports whether ref still resolves on the platform.
	Exists(ctx context.Context, ref domain.ArtifactRef) (bool, error)
}

type SignalKind string

const (
	SignalJoined SignalKind = "joined"
	SignalLeft   SignalKind = "left"
)

// Signal is an inbound reaction on a published artifact.
type Signal struct {
	Participant string             `json:"participant"`
	Artifact    domain.ArtifactRef `json:"artifact"`
	Kind        SignalKind         `json:"kind" enum:"joined,left"`
}
