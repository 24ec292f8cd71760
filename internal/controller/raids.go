package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"raidline/internal/domain"
	"raidline/internal/flow"
	"raidline/internal/gate"
	"raidline/internal/ports"
	"raidline/internal/schedule"
)

// CreateAttrs are the owner-supplied attributes of a new raid.
type CreateAttrs struct {
	Community  string
	Venue      string
	WindowOpen time.Time
	Deadline   time.Time
	Reserved   int
	// Nickname registers an unregistered owner on the fly.
	Nickname string
}

// RaidRef names the raid a join or leave refers to. Every field is optional; an empty ref
// picks a default.
type RaidRef struct {
	Community     string
	RaidID        string
	Artifact      domain.ArtifactRef
	OwnerID       string
	OwnerNickname string
	Deadline      time.Time
}

type RemoveRequest struct {
	Community string
	RaidID    string
	Deadline  time.Time
}

// CreateRaid runs the create gate and starts the new raid's flow.
func (c *Controller) CreateRaid(ctx context.Context, owner domain.Participant, attrs CreateAttrs) (domain.RaidSummary, error) {
	origin, ok := c.community(attrs.Community)
	if !ok {
		return domain.RaidSummary{}, gate.NewRejection(gate.OpCreate, gate.ReasonInvalid, fmt.Sprintf("Unknown community %q.", attrs.Community))
	}
	owner, err := c.resolve(ctx, owner)
	if err != nil {
		return domain.RaidSummary{}, err
	}
	req := &gate.Request{
		Op:         gate.OpCreate,
		Actor:      owner,
		Community:  origin.ID,
		Nickname:   attrs.Nickname,
		Venue:      strings.TrimSpace(attrs.Venue),
		WindowOpen: attrs.WindowOpen.UTC(),
		Deadline:   attrs.Deadline.UTC(),
		Reserved:   attrs.Reserved,
	}
	if err := c.gates.Create.Evaluate(ctx, req); err != nil {
		return domain.RaidSummary{}, err
	}

	m := c.manager(origin.ID)
	m.ops.Lock()
	defer m.ops.Unlock()

	raid, err := domain.NewRaid(domain.RaidParams{
		ID:         c.cfg.NewID(),
		Community:  origin.ID,
		Owner:      req.Actor,
		Venue:      req.Venue,
		WindowOpen: req.WindowOpen,
		Deadline:   req.Deadline,
		Reserved:   req.Reserved,
		CreatedAt:  c.cfg.Clock.Now(),
		Handles:    c.handlesFor(origin),
	}, schedule.WithWarningLead(c.cfg.WarningLead))
	if err != nil {
		return domain.RaidSummary{}, gate.NewRejection(gate.OpCreate, gate.ReasonInvalid, err.Error())
	}
	// A concurrent create may have slipped in while the owner answered a question.
	if _, dup := m.duplicate(raid.Key()); dup {
		return domain.RaidSummary{}, gate.NewRejection(gate.OpCreate, gate.ReasonDuplicateRaid, "You already lead a raid there for that time.")
	}
	c.register(raid, flow.New(raid, c.flowConfig()))
	c.log.Info().Str("raid_id", raid.ID).Str("community", origin.ID).Str("owner", owner.ID).
		Time("deadline", raid.Deadline).Msg("raid created")
	return c.summary(raid), nil
}

// target turns a ref into a gate target, resolving an owner nickname.
func (c *Controller) target(ctx context.Context, op gate.Op, ref RaidRef) (gate.Target, error) {
	t := gate.Target{RaidID: ref.RaidID, Artifact: ref.Artifact, OwnerID: ref.OwnerID, Deadline: ref.Deadline.UTC()}
	if t.OwnerID == "" && strings.TrimSpace(ref.OwnerNickname) != "" {
		p, err := c.cfg.Identity.ByNickname(ctx, ref.OwnerNickname)
		if errors.Is(err, ports.ErrUnknownParticipant) {
			return t, gate.NewRejection(op, gate.ReasonNotFound, fmt.Sprintf("Nobody is called %q.", ref.OwnerNickname))
		}
		if err != nil {
			return t, fmt.Errorf("resolve owner: %w", err)
		}
		t.OwnerID = p.ID
	}
	return t, nil
}

// JoinRaid adds p to the referenced raid. Joins are serialized so the same-deadline check
// and the roster change cannot interleave.
func (c *Controller) JoinRaid(ctx context.Context, p domain.Participant, ref RaidRef) (domain.RaidSummary, error) {
	return c.membership(ctx, gate.OpJoin, p, ref)
}

// LeaveRaid drops p from the referenced raid, or from the only raid p is in.
func (c *Controller) LeaveRaid(ctx context.Context, p domain.Participant, ref RaidRef) (domain.RaidSummary, error) {
	return c.membership(ctx, gate.OpLeave, p, ref)
}

func (c *Controller) membership(ctx context.Context, op gate.Op, p domain.Participant, ref RaidRef) (domain.RaidSummary, error) {
	p, err := c.resolve(ctx, p)
	if err != nil {
		return domain.RaidSummary{}, err
	}
	t, err := c.target(ctx, op, ref)
	if err != nil {
		return domain.RaidSummary{}, err
	}
	g := c.gates.Join
	if op == gate.OpLeave {
		g = c.gates.Leave
	}

	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	req := &gate.Request{Op: op, Actor: p, Community: ref.Community, Target: t}
	if err := g.Evaluate(ctx, req); err != nil {
		return domain.RaidSummary{}, err
	}
	e, ok := c.entry(req.Raid.ID)
	if !ok {
		return domain.RaidSummary{}, gate.NewRejection(op, gate.ReasonNotFound, "That raid does not exist anymore.")
	}
	if op == gate.OpJoin {
		err = e.flow.Join(ctx, req.Actor)
	} else {
		err = e.flow.Leave(ctx, req.Actor)
	}
	if err != nil {
		return domain.RaidSummary{}, c.translate(op, req.Actor, e.raid, err)
	}
	c.log.Info().Str("raid_id", e.raid.ID).Str("participant", req.Actor.ID).Str("op", string(op)).
		Int("members", e.raid.MemberCount()).Msg("roster changed")
	return c.summary(e.raid), nil
}

// translate maps flow refusals onto rejections. Persistence failures stay errors.
func (c *Controller) translate(op gate.Op, p domain.Participant, r *domain.Raid, err error) error {
	var rej *gate.Rejection
	switch {
	case errors.Is(err, flow.ErrNotOpen):
		rej = gate.NewRejection(op, gate.ReasonNotOpen, fmt.Sprintf("The raid at %s opens at %s.", r.Venue, r.WindowOpen.Format("15:04 MST")))
	case errors.Is(err, flow.ErrClosed):
		rej = gate.NewRejection(op, gate.ReasonNotOpen, fmt.Sprintf("The raid at %s has closed.", r.Venue))
	case errors.Is(err, flow.ErrEnded):
		rej = gate.NewRejection(op, gate.ReasonNotFound, "That raid has ended.")
	case errors.Is(err, domain.ErrCapacityExceeded):
		rej = gate.NewRejection(op, gate.ReasonFull, fmt.Sprintf("The raid at %s is full.", r.Venue))
	case errors.Is(err, domain.ErrDuplicateMember):
		rej = gate.NewRejection(op, gate.ReasonAlreadyMember, "You already joined this raid.")
	case errors.Is(err, domain.ErrNotMember):
		rej = gate.NewRejection(op, gate.ReasonNotMember, "You are not in this raid.")
	default:
		return err
	}
	c.log.Info().Str("op", string(op)).Str("participant", p.ID).Str("raid_id", r.ID).
		Str("reason", string(rej.Reason)).Msg("request rejected")
	return rej
}

// RemoveRaid lets an owner end one of their raids after confirming it.
func (c *Controller) RemoveRaid(ctx context.Context, owner domain.Participant, rr RemoveRequest) (domain.RaidSummary, error) {
	owner, err := c.resolve(ctx, owner)
	if err != nil {
		return domain.RaidSummary{}, err
	}
	req := &gate.Request{
		Op:        gate.OpRemove,
		Actor:     owner,
		Community: rr.Community,
		Target:    gate.Target{RaidID: rr.RaidID},
	}
	if !rr.Deadline.IsZero() {
		req.Target.Deadline = rr.Deadline.UTC()
	}
	if err := c.gates.Remove.Evaluate(ctx, req); err != nil {
		return domain.RaidSummary{}, err
	}

	m := c.manager(req.Raid.Community)
	m.ops.Lock()
	defer m.ops.Unlock()

	e, ok := c.entry(req.Raid.ID)
	if !ok {
		return domain.RaidSummary{}, gate.NewRejection(gate.OpRemove, gate.ReasonNotFound, "That raid has already ended.")
	}
	summary := c.summary(e.raid)
	e.flow.End()
	summary.State = flow.Ended.String()
	c.log.Info().Str("raid_id", e.raid.ID).Str("owner", owner.ID).Msg("raid removed")
	return summary, nil
}

// End stops a raid without a confirmation, for operators.
func (c *Controller) End(raidID string) error {
	e, ok := c.entry(raidID)
	if !ok {
		return ErrUnknownRaid
	}
	e.flow.End()
	return nil
}

// HandleSignal applies a membership signal from the gateway. A rejection is sent to the
// participant as a direct message since nobody else waits for the answer.
func (c *Controller) HandleSignal(ctx context.Context, sig ports.Signal) error {
	ref := RaidRef{Community: sig.Artifact.Community, Artifact: sig.Artifact}
	who := domain.Participant{ID: sig.Participant}
	var err error
	switch sig.Kind {
	case ports.SignalJoined:
		_, err = c.JoinRaid(ctx, who, ref)
	case ports.SignalLeft:
		_, err = c.LeaveRaid(ctx, who, ref)
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	var rej *gate.Rejection
	if errors.As(err, &rej) {
		dest := ports.Destination{Community: sig.Artifact.Community, Participant: sig.Participant}
		if _, perr := c.cfg.Gateway.Publish(ctx, dest, domain.ArtifactRejection, c.cfg.Renderer.Rejection(rej.Message)); perr != nil {
			c.log.Warn().Err(perr).Str("participant", sig.Participant).Msg("rejection notice failed")
		}
	}
	return err
}

// Listen applies signals until ctx ends or the channel closes.
func (c *Controller) Listen(ctx context.Context, signals <-chan ports.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if err := c.HandleSignal(ctx, sig); err != nil {
				var rej *gate.Rejection
				if !errors.As(err, &rej) {
					c.log.Error().Err(err).Str("participant", sig.Participant).Str("kind", string(sig.Kind)).Msg("signal failed")
				}
			}
		}
	}
}
