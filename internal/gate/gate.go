package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/ports"
)

// DefaultQuestionTimeout bounds how long a question waits for its answer.
const DefaultQuestionTimeout = 5 * time.Minute

// Registry is the read view of live raids the checks consult.
type Registry interface {
	// Raids lists raids visible in community, or every live raid when community is empty.
	Raids(community string) []*domain.Raid
	ByArtifact(ref domain.ArtifactRef) (*domain.Raid, bool)
}

// Target names the raid a join, leave or remove refers to. All fields are optional.
type Target struct {
	RaidID   string
	Artifact domain.ArtifactRef
	OwnerID  string
	Deadline time.Time
}

func (t Target) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Request is the mutable state a chain works on. Checks fill in Actor and Raid as they resolve them.
type Request struct {
	Op        Op
	Actor     domain.Participant
	Community string

	// Create attributes.
	Nickname   string
	Venue      string
	WindowOpen time.Time
	Deadline   time.Time
	Reserved   int

	Target Target
	Raid   *domain.Raid
}

// Check is one named step of a chain.
type Check struct {
	Name string
	Run  func(ctx context.Context, req *Request) (Decision, error)
}

type settings struct {
	clock   clock.Clock
	log     zerolog.Logger
	timeout time.Duration
}

type Option func(*settings)

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

func WithQuestionTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Gate is an ordered chain of checks guarding one operation.
type Gate struct {
	op      Op
	checks  []Check
	asker   Asker
	timeout time.Duration
	log     zerolog.Logger
}

func New(op Op, asker Asker, checks []Check, opts ...Option) *Gate {
	s := settings{clock: clock.Real{}, log: zerolog.Nop(), timeout: DefaultQuestionTimeout}
	for _, opt := range opts {
		opt(&s)
	}
	return &Gate{op: op, checks: checks, asker: asker, timeout: s.timeout, log: s.log.With().Str("gate", string(op)).Logger()}
}

// Evaluate runs the chain. It returns nil when every check passed, a *Rejection when a check
// refused, or another error when a collaborator failed.
func (g *Gate) Evaluate(ctx context.Context, req *Request) error {
	req.Op = g.op
	for _, c := range g.checks {
		d, err := c.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("%s check %s: %w", g.op, c.Name, err)
		}
		for d.Verdict == Ask {
			d, err = g.ask(ctx, c.Name, req, d)
			if err != nil {
				return err
			}
		}
		if d.Verdict == Reject {
			g.log.Info().
				Str("check", c.Name).
				Str("participant", req.Actor.ID).
				Str("community", req.Community).
				Str("reason", string(d.Reason)).
				Msg("request rejected")
			return NewRejection(g.op, d.Reason, d.Message)
		}
	}
	return nil
}

func (g *Gate) ask(ctx context.Context, check string, req *Request, d Decision) (Decision, error) {
	if g.asker == nil || d.Question == nil {
		return Decision{}, fmt.Errorf("%s check %s: no asker for question", g.op, check)
	}
	q := *d.Question
	if q.To.ID == "" {
		q.To = req.Actor
	}
	if q.Community == "" {
		q.Community = req.Community
	}
	q.Op = g.op

	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	reply, err := g.asker.Ask(qctx, q)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			reply = Reply{Answer: Timeout}
		} else {
			return Decision{}, fmt.Errorf("%s check %s: ask: %w", g.op, check, err)
		}
	}
	evt := g.log.Info().Str("check", check).Str("participant", q.To.ID)
	switch reply.Answer {
	case Timeout:
		evt.Str("outcome", "timeout").Msg("question unanswered")
		return Deny(ReasonTimedOut, "No answer in time, nothing was changed."), nil
	case No:
		evt.Str("outcome", "declined").Msg("question declined")
		return Deny(ReasonDeclined, "Cancelled, nothing was changed."), nil
	}
	evt.Str("outcome", "confirmed").Msg("question confirmed")
	if d.Resolve == nil {
		return Continue(), nil
	}
	return d.Resolve(reply), nil
}

// Gates bundles the four chains used by the controller.
type Gates struct {
	Create *Gate
	Join   *Gate
	Leave  *Gate
	Remove *Gate
}

func NewGates(reg Registry, ident ports.Identity, asker Asker, opts ...Option) Gates {
	s := settings{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&s)
	}
	c := checks{reg: reg, ident: ident, clock: s.clock}
	return Gates{
		Create: New(OpCreate, asker, c.createChain(), opts...),
		Join:   New(OpJoin, asker, c.joinChain(), opts...),
		Leave:  New(OpLeave, asker, c.leaveChain(), opts...),
		Remove: New(OpRemove, asker, c.removeChain(), opts...),
	}
}
