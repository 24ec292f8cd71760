package schedule

import (
	"errors"
	"sort"
	"time"
)

const (
	// MinSplitInterval is the shortest join window that still gets intermediate checkpoints.
	MinSplitInterval = 60 * time.Second
	// DefaultWarningLead is how long before the deadline members are reminded.
	DefaultWarningLead = 7 * time.Minute

	earlySegments = 4
)

var ErrInvalidWindow = errors.New("schedule: deadline must be after window open")

// Schedule is the immutable result of Compute: the ordered roster checkpoints between
// the window opening and the deadline plus the reminder instant.
type Schedule struct {
	WindowOpen time.Time
	Deadline   time.Time

	checkpoints []time.Time
	warningLead time.Duration
}

// Option customizes a computed schedule.
type Option func(*Schedule)

// WithWarningLead overrides the reminder lead time.
func WithWarningLead(d time.Duration) Option {
	return func(s *Schedule) {
		if d > 0 {
			s.warningLead = d
		}
	}
}

// Compute splits the first half of the join window into four equal segments, adds one
// checkpoint halfway through the remaining half and a final one at the deadline. Windows
// shorter than MinSplitInterval collapse to a single checkpoint at the deadline.
func Compute(windowOpen, deadline time.Time, opts ...Option) (Schedule, error) {
	if !deadline.After(windowOpen) {
		return Schedule{}, ErrInvalidWindow
	}
	s := Schedule{
		WindowOpen:  windowOpen,
		Deadline:    deadline,
		warningLead: DefaultWarningLead,
	}
	for _, opt := range opts {
		opt(&s)
	}
	total := deadline.Sub(windowOpen)
	if total < MinSplitInterval {
		s.checkpoints = []time.Time{deadline}
		return s, nil
	}
	half := total / 2
	segment := half / earlySegments
	cps := make([]time.Time, 0, earlySegments+2)
	for i := 1; i < earlySegments; i++ {
		cps = append(cps, windowOpen.Add(segment*time.Duration(i)))
	}
	cps = append(cps, windowOpen.Add(half))
	cps = append(cps, windowOpen.Add(half+(total-half)/2))
	cps = append(cps, deadline)
	s.checkpoints = cps
	return s, nil
}

// Total is the length of the join window.
func (s Schedule) Total() time.Duration {
	return s.Deadline.Sub(s.WindowOpen)
}

// Checkpoints returns the absolute checkpoint instants, earliest first.
func (s Schedule) Checkpoints() []time.Time {
	out := make([]time.Time, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}

// Segments returns the sleep between consecutive checkpoints, starting at WindowOpen.
// The segments always add up to Total.
func (s Schedule) Segments() []time.Duration {
	out := make([]time.Duration, 0, len(s.checkpoints))
	prev := s.WindowOpen
	for _, cp := range s.checkpoints {
		out = append(out, cp.Sub(prev))
		prev = cp
	}
	return out
}

// Remaining returns the time left until the deadline at each checkpoint. Values are
// strictly decreasing and the last one is zero.
func (s Schedule) Remaining() []time.Duration {
	out := make([]time.Duration, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, s.Deadline.Sub(cp))
	}
	return out
}

// WarningLead is the configured reminder lead time.
func (s Schedule) WarningLead() time.Duration {
	if s.warningLead <= 0 {
		return DefaultWarningLead
	}
	return s.warningLead
}

// WarningAt is the instant at which members get reminded.
func (s Schedule) WarningAt() time.Time {
	return s.Deadline.Add(-s.WarningLead())
}

// Warning reports the reminder instant, or false when it is not in the future anymore.
func (s Schedule) Warning(now time.Time) (time.Time, bool) {
	at := s.WarningAt()
	if !at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

// Cursor hands out checkpoints one at a time. It is a one-shot consumer: a consumed
// checkpoint is gone, so persisted state must carry Pending rather than the full list.
type Cursor struct {
	pending []time.Time
}

// NewCursor starts a cursor over every checkpoint of s.
func NewCursor(s Schedule) *Cursor {
	return &Cursor{pending: s.Checkpoints()}
}

// Resume rebuilds a cursor from a persisted remaining list. Entries at or before now are
// dropped and counted as missed. Entries that fall outside the schedule window are ignored.
func Resume(s Schedule, persisted []time.Time, now time.Time) (*Cursor, int) {
	kept := make([]time.Time, 0, len(persisted))
	missed := 0
	for _, cp := range persisted {
		if cp.Before(s.WindowOpen) || cp.After(s.Deadline) {
			continue
		}
		if !cp.After(now) {
			missed++
			continue
		}
		kept = append(kept, cp)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	return &Cursor{pending: kept}, missed
}

// Next removes and returns the nearest checkpoint.
func (c *Cursor) Next() (time.Time, bool) {
	if c == nil || len(c.pending) == 0 {
		return time.Time{}, false
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next, true
}

// Peek returns the nearest checkpoint without consuming it.
func (c *Cursor) Peek() (time.Time, bool) {
	if c == nil || len(c.pending) == 0 {
		return time.Time{}, false
	}
	return c.pending[0], true
}

// Len is the number of checkpoints left.
func (c *Cursor) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pending)
}

// Pending returns a copy of the checkpoints left, suitable for persistence.
func (c *Cursor) Pending() []time.Time {
	if c == nil {
		return nil
	}
	out := make([]time.Time, len(c.pending))
	copy(out, c.pending)
	return out
}
