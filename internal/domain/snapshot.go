package domain

import (
	"fmt"
	"time"

	"raidline/internal/schedule"
)

// Snapshot is the flat, persistable form of a raid plus its flow progress.
type Snapshot struct {
	ID         string        `json:"id"`
	Community  string        `json:"community"`
	Owner      Participant   `json:"owner"`
	Venue      string        `json:"venue"`
	WindowOpen time.Time     `json:"window_open" format:"date-time"`
	Deadline   time.Time     `json:"deadline" format:"date-time"`
	Reserved   int           `json:"reserved"`
	CreatedAt  time.Time     `json:"created_at" format:"date-time"`
	Members    []Participant `json:"members"`
	Handles    []Handle      `json:"handles"`
	// Remaining holds the checkpoints not yet consumed.
	Remaining []time.Time `json:"remaining"`
	State     string      `json:"state"`
	Reminded  bool        `json:"reminded"`
}

// Snapshot captures the raid together with the flow's remaining checkpoints and state.
func (r *Raid) Snapshot(remaining []time.Time, state string) Snapshot {
	rem := make([]time.Time, 0, len(remaining))
	for _, t := range remaining {
		rem = append(rem, t.UTC())
	}
	return Snapshot{
		ID:         r.ID,
		Community:  r.Community,
		Owner:      r.Owner,
		Venue:      r.Venue,
		WindowOpen: r.WindowOpen,
		Deadline:   r.Deadline,
		Reserved:   r.Reserved,
		CreatedAt:  r.CreatedAt,
		Members:    r.Members(),
		Handles:    r.Handles(),
		Remaining:  rem,
		State:      state,
		Reminded:   r.Reminded(),
	}
}

func (s Snapshot) Key() Key {
	return Key{OwnerID: s.Owner.ID, Venue: normalizeVenue(s.Venue), Deadline: s.Deadline.UTC()}
}

// Reconstruct rebuilds the raid from a snapshot. The schedule is recomputed from the window,
// the remaining checkpoints stay with the snapshot for the flow to resume from.
func Reconstruct(s Snapshot, opts ...schedule.Option) (*Raid, error) {
	r, err := NewRaid(RaidParams{
		ID:         s.ID,
		Community:  s.Community,
		Owner:      s.Owner,
		Venue:      s.Venue,
		WindowOpen: s.WindowOpen,
		Deadline:   s.Deadline,
		Reserved:   s.Reserved,
		CreatedAt:  s.CreatedAt,
		Handles:    s.Handles,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	for _, m := range s.Members {
		if err := r.AddMember(m); err != nil {
			return nil, fmt.Errorf("%w: member %s: %v", ErrInvalidSnapshot, m.Display(), err)
		}
	}
	r.reminded = s.Reminded
	return r, nil
}
