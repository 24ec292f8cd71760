package domain

import "time"

// Capacity is the fixed size of every raid: reserved slots plus members.
const Capacity = 20

type ArtifactKind string

const (
	ArtifactReservation ArtifactKind = "reservation"
	ArtifactJoin        ArtifactKind = "join"
	ArtifactRoster      ArtifactKind = "roster"
	ArtifactDeparture   ArtifactKind = "departure"
	ArtifactReminder    ArtifactKind = "reminder"
	ArtifactOnboarding  ArtifactKind = "onboarding"
	ArtifactQuestion    ArtifactKind = "question"
	ArtifactRejection   ArtifactKind = "rejection"
)

// ArtifactRef locates one published message.
type ArtifactRef struct {
	Community string `json:"community"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

func (r ArtifactRef) IsZero() bool {
	return r.MessageID == ""
}

// Handle records the artifacts a raid currently owns in one community.
type Handle struct {
	Community   string      `json:"community"`
	Channel     string      `json:"channel"`
	Reservation ArtifactRef `json:"reservation,omitempty"`
	Join        ArtifactRef `json:"join,omitempty"`
	Roster      ArtifactRef `json:"roster,omitempty"`
	Departure   ArtifactRef `json:"departure,omitempty"`
}

// Ref returns the artifact of the given kind.
func (h Handle) Ref(kind ArtifactKind) ArtifactRef {
	switch kind {
	case ArtifactReservation:
		return h.Reservation
	case ArtifactJoin:
		return h.Join
	case ArtifactRoster:
		return h.Roster
	case ArtifactDeparture:
		return h.Departure
	}
	return ArtifactRef{}
}

func (h *Handle) set(kind ArtifactKind, ref ArtifactRef) bool {
	switch kind {
	case ArtifactReservation:
		h.Reservation = ref
	case ArtifactJoin:
		h.Join = ref
	case ArtifactRoster:
		h.Roster = ref
	case ArtifactDeparture:
		h.Departure = ref
	default:
		return false
	}
	return true
}

// Refs lists every non-empty artifact of the handle.
func (h Handle) Refs() []ArtifactRef {
	var out []ArtifactRef
	for _, r := range []ArtifactRef{h.Reservation, h.Join, h.Roster, h.Departure} {
		if !r.IsZero() {
			out = append(out, r)
		}
	}
	return out
}

// Key identifies a raid by its creation attributes.
type Key struct {
	OwnerID  string
	Venue    string
	Deadline time.Time
}

type RaidSummary struct {
	ID         string    `json:"id"`
	Community  string    `json:"community"`
	OwnerID    string    `json:"owner_id"`
	Owner      string    `json:"owner"`
	Venue      string    `json:"venue"`
	WindowOpen time.Time `json:"window_open" format:"date-time"`
	Deadline   time.Time `json:"deadline" format:"date-time"`
	Reserved   int       `json:"reserved"`
	Members    []string  `json:"members"`
	Free       int       `json:"free"`
	Full       bool      `json:"full"`
	State      string    `json:"state,omitempty"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

type ArchivedRaid struct {
	Snapshot
	ArchivedAt time.Time `json:"archived_at" format:"date-time"`
}

// Event is one entry of the audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Community  string `json:"community,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload"`
}
