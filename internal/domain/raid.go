package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"raidline/internal/schedule"
)

type RaidParams struct {
	ID         string
	Community  string
	Owner      Participant
	Venue      string
	WindowOpen time.Time
	Deadline   time.Time
	Reserved   int
	CreatedAt  time.Time
	// Handles lists where the raid is published; the first entry is the origin community.
	Handles []Handle
}

// Raid is the aggregate root of one group-formation workflow. Members and handles are only
// written by the raid's flow; the mutex makes concurrent reads from listings safe.
type Raid struct {
	ID         string
	Community  string
	Owner      Participant
	Venue      string
	Schedule   schedule.Schedule
	Reserved   int
	CreatedAt  time.Time
	WindowOpen time.Time
	Deadline   time.Time

	mu       sync.RWMutex
	members  []Participant
	handles  []Handle
	reminded bool
}

func NewRaid(p RaidParams, opts ...schedule.Option) (*Raid, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id required", ErrInvalidRaid)
	}
	if p.Owner.ID == "" {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidRaid)
	}
	if strings.TrimSpace(p.Venue) == "" {
		return nil, fmt.Errorf("%w: venue required", ErrInvalidRaid)
	}
	if p.Reserved < 1 || p.Reserved > Capacity {
		return nil, fmt.Errorf("%w: reserved slots must be between 1 and %d", ErrInvalidRaid, Capacity)
	}
	sched, err := schedule.Compute(p.WindowOpen.UTC(), p.Deadline.UTC(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRaid, err)
	}
	handles := make([]Handle, len(p.Handles))
	copy(handles, p.Handles)
	return &Raid{
		ID:         p.ID,
		Community:  p.Community,
		Owner:      p.Owner,
		Venue:      p.Venue,
		Schedule:   sched,
		Reserved:   p.Reserved,
		CreatedAt:  p.CreatedAt.UTC(),
		WindowOpen: sched.WindowOpen,
		Deadline:   sched.Deadline,
		handles:    handles,
	}, nil
}

func (r *Raid) Key() Key {
	return Key{OwnerID: r.Owner.ID, Venue: normalizeVenue(r.Venue), Deadline: r.Deadline}
}

func normalizeVenue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Free is the number of slots still open.
func (r *Raid) Free() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Capacity - r.Reserved - len(r.members)
}

func (r *Raid) IsFull() bool {
	return r.Free() <= 0
}

// AddMember appends p. It refuses any state that would break capacity or uniqueness;
// admission rules that produce user-facing rejections live in the gate.
func (r *Raid) AddMember(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Reserved+len(r.members)+1 > Capacity {
		return ErrCapacityExceeded
	}
	for _, m := range r.members {
		if m.Same(p) {
			return ErrDuplicateMember
		}
	}
	r.members = append(r.members, p)
	return nil
}

func (r *Raid) RemoveMember(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.Same(p) {
			r.members = append(r.members[:i:i], r.members[i+1:]...)
			return nil
		}
	}
	return ErrNotMember
}

func (r *Raid) HasMember(p Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.Same(p) {
			return true
		}
	}
	return false
}

// Members returns the roster in join order.
func (r *Raid) Members() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Raid) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Raid) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

// Handle looks up the handle for a community.
func (r *Raid) Handle(community string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.Community == community {
			return h, true
		}
	}
	return Handle{}, false
}

// SetArtifact records (or clears, with a zero ref) the artifact of kind in community.
func (r *Raid) SetArtifact(community string, kind ArtifactKind, ref ArtifactRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.handles {
		if r.handles[i].Community == community {
			return r.handles[i].set(kind, ref)
		}
	}
	return false
}

// OwnsArtifact reports whether ref is one of the raid's published artifacts.
func (r *Raid) OwnsArtifact(ref ArtifactRef) (ArtifactKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.Community != ref.Community {
			continue
		}
		for _, kind := range []ArtifactKind{ArtifactJoin, ArtifactRoster, ArtifactReservation, ArtifactDeparture} {
			own := h.Ref(kind)
			if !own.IsZero() && own.MessageID == ref.MessageID {
				return kind, true
			}
		}
	}
	return "", false
}

func (r *Raid) Reminded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reminded
}

func (r *Raid) MarkReminded() {
	r.mu.Lock()
	r.reminded = true
	r.mu.Unlock()
}

func (r *Raid) Summary() RaidSummary {
	members := r.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Display())
	}
	free := Capacity - r.Reserved - len(members)
	return RaidSummary{
		ID:         r.ID,
		Community:  r.Community,
		OwnerID:    r.Owner.ID,
		Owner:      r.Owner.Display(),
		Venue:      r.Venue,
		WindowOpen: r.WindowOpen,
		Deadline:   r.Deadline,
		Reserved:   r.Reserved,
		Members:    names,
		Free:       free,
		Full:       free <= 0,
		CreatedAt:  r.CreatedAt,
	}
}
