package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/ports"
)

const timeLayout = "Jan 2 15:04 MST"

type checks struct {
	reg   Registry
	ident ports.Identity
	clock clock.Clock
}

func (c checks) createChain() []Check {
	return []Check{
		{Name: "valid-attributes", Run: c.validAttributes},
		{Name: "implicit-register", Run: c.implicitRegister},
		{Name: "no-duplicate-raid", Run: c.noDuplicateRaid},
		{Name: "confirm-additional-raid", Run: c.confirmAdditionalRaid},
	}
}

func (c checks) joinChain() []Check {
	return []Check{
		{Name: "registered", Run: c.registered},
		{Name: "raid-exists", Run: c.joinTarget},
		{Name: "raid-not-full", Run: c.notFull},
		{Name: "not-member", Run: c.notMember},
		{Name: "no-same-deadline", Run: c.noSameDeadline},
	}
}

func (c checks) leaveChain() []Check {
	return []Check{
		{Name: "registered", Run: c.registered},
		{Name: "raid-exists", Run: c.leaveTarget},
		{Name: "is-member", Run: c.isMember},
	}
}

func (c checks) removeChain() []Check {
	return []Check{
		{Name: "owner-raid-exists", Run: c.removeCandidates},
	}
}

func (c checks) validAttributes(_ context.Context, req *Request) (Decision, error) {
	now := c.clock.Now()
	switch {
	case strings.TrimSpace(req.Venue) == "":
		return Deny(ReasonInvalid, "A venue is required."), nil
	case req.Reserved < 1 || req.Reserved > domain.Capacity:
		return Deny(ReasonInvalid, fmt.Sprintf("Reserved slots must be between 1 and %d.", domain.Capacity)), nil
	case !req.Deadline.After(now):
		return Deny(ReasonInvalid, "The deadline must be in the future."), nil
	case !req.Deadline.After(req.WindowOpen):
		return Deny(ReasonInvalid, "The join window must open before the deadline."), nil
	}
	return Continue(), nil
}

func (c checks) implicitRegister(ctx context.Context, req *Request) (Decision, error) {
	if req.Actor.Registered() {
		return Continue(), nil
	}
	nick := strings.TrimSpace(req.Nickname)
	if nick == "" {
		return Deny(ReasonNotRegistered, "Register a nickname before creating a raid."), nil
	}
	p, err := c.ident.Register(ctx, req.Actor.ID, nick)
	if errors.Is(err, ports.ErrNicknameTaken) {
		return Deny(ReasonNotRegistered, fmt.Sprintf("The nickname %q is already taken.", nick)), nil
	}
	if err != nil {
		return Decision{}, err
	}
	req.Actor = p
	return Continue(), nil
}

func (c checks) noDuplicateRaid(_ context.Context, req *Request) (Decision, error) {
	key := domain.Key{OwnerID: req.Actor.ID, Venue: strings.ToLower(strings.TrimSpace(req.Venue)), Deadline: req.Deadline.UTC()}
	for _, r := range c.reg.Raids(req.Community) {
		if r.Key() == key {
			return Deny(ReasonDuplicateRaid, fmt.Sprintf("You already lead a raid at %s for %s.", r.Venue, r.Deadline.Format(timeLayout))), nil
		}
	}
	return Continue(), nil
}

func (c checks) confirmAdditionalRaid(_ context.Context, req *Request) (Decision, error) {
	owned := c.ownedBy(req.Community, req.Actor.ID)
	if len(owned) == 0 {
		return Continue(), nil
	}
	text := fmt.Sprintf("You already lead %d raid(s). Create another one at %s for %s?", len(owned), req.Venue, req.Deadline.Format(timeLayout))
	return Query(Question{Text: text}, nil), nil
}

func (c checks) registered(_ context.Context, req *Request) (Decision, error) {
	if !req.Actor.Registered() {
		return Deny(ReasonNotRegistered, "Register a nickname first."), nil
	}
	return Continue(), nil
}

func (c checks) notFull(_ context.Context, req *Request) (Decision, error) {
	if req.Raid.IsFull() {
		return Deny(ReasonFull, fmt.Sprintf("The raid at %s is full.", req.Raid.Venue)), nil
	}
	return Continue(), nil
}

func (c checks) notMember(_ context.Context, req *Request) (Decision, error) {
	if req.Raid.HasMember(req.Actor) {
		return Deny(ReasonAlreadyMember, "You already joined this raid."), nil
	}
	return Continue(), nil
}

func (c checks) noSameDeadline(_ context.Context, req *Request) (Decision, error) {
	for _, r := range c.reg.Raids("") {
		if r.ID == req.Raid.ID || !r.Deadline.Equal(req.Raid.Deadline) {
			continue
		}
		if r.HasMember(req.Actor) {
			return Deny(ReasonSameDeadline, fmt.Sprintf("You are already in a raid at %s.", r.Deadline.Format(timeLayout))), nil
		}
	}
	return Continue(), nil
}

func (c checks) isMember(_ context.Context, req *Request) (Decision, error) {
	if !req.Raid.HasMember(req.Actor) {
		return Deny(ReasonNotMember, "You are not in this raid."), nil
	}
	return Continue(), nil
}

func (c checks) ownedBy(community, ownerID string) []*domain.Raid {
	var out []*domain.Raid
	for _, r := range c.reg.Raids(community) {
		if r.Owner.ID == ownerID {
			out = append(out, r)
		}
	}
	sortRaids(out)
	return out
}

// explicit resolves a target that names a raid by id, artifact or owner. ok is false when
// the target names nothing and a default pick applies.
func (c checks) explicit(req *Request) (*domain.Raid, Decision, bool) {
	t := req.Target
	switch {
	case t.RaidID != "":
		for _, r := range c.reg.Raids(req.Community) {
			if r.ID == t.RaidID {
				return r, Continue(), true
			}
		}
		return nil, Deny(ReasonNotFound, "That raid does not exist."), true
	case !t.Artifact.IsZero():
		if r, ok := c.reg.ByArtifact(t.Artifact); ok {
			return r, Continue(), true
		}
		return nil, Deny(ReasonNotFound, "That raid does not exist anymore."), true
	case t.OwnerID != "":
		owned := c.ownedBy(req.Community, t.OwnerID)
		if t.HasDeadline() {
			var exact []*domain.Raid
			for _, r := range owned {
				if r.Deadline.Equal(t.Deadline) {
					exact = append(exact, r)
				}
			}
			if len(exact) != 1 {
				return nil, Deny(ReasonNotFound, fmt.Sprintf("No single raid by that owner at %s.", t.Deadline.Format(timeLayout))), true
			}
			return exact[0], Continue(), true
		}
		switch len(owned) {
		case 0:
			return nil, Deny(ReasonNotFound, "That owner has no raid."), true
		case 1:
			return owned[0], Continue(), true
		}
		return nil, Deny(ReasonAmbiguous, "That owner leads several raids, give a deadline."), true
	}
	return nil, Decision{}, false
}

func (c checks) joinTarget(_ context.Context, req *Request) (Decision, error) {
	if r, d, ok := c.explicit(req); ok {
		req.Raid = r
		return d, nil
	}
	r, ok := DefaultJoinTarget(c.reg.Raids(req.Community), req.Actor, req.Target.Deadline, c.clock.Now())
	if !ok {
		return Deny(ReasonNotFound, "There is no open raid to join."), nil
	}
	req.Raid = r
	return Continue(), nil
}

func (c checks) leaveTarget(_ context.Context, req *Request) (Decision, error) {
	if r, d, ok := c.explicit(req); ok {
		req.Raid = r
		return d, nil
	}
	var in []*domain.Raid
	for _, r := range c.reg.Raids(req.Community) {
		if !r.HasMember(req.Actor) {
			continue
		}
		if req.Target.HasDeadline() && !r.Deadline.Equal(req.Target.Deadline) {
			continue
		}
		in = append(in, r)
	}
	switch len(in) {
	case 0:
		return Deny(ReasonNotMember, "You are not in any raid."), nil
	case 1:
		req.Raid = in[0]
		return Continue(), nil
	}
	return Deny(ReasonAmbiguous, "You are in several raids, give a deadline."), nil
}

// DefaultJoinTarget picks among raids whose join window is open, that have room and that p is
// not in: most free slots first, then the earliest created, then the lowest id. A non-zero
// deadline restricts the pick to raids ending exactly then.
func DefaultJoinTarget(raids []*domain.Raid, p domain.Participant, deadline, now time.Time) (*domain.Raid, bool) {
	var open []*domain.Raid
	for _, r := range raids {
		if now.Before(r.WindowOpen) || !now.Before(r.Deadline) {
			continue
		}
		if !deadline.IsZero() && !r.Deadline.Equal(deadline) {
			continue
		}
		if r.IsFull() || r.HasMember(p) {
			continue
		}
		open = append(open, r)
	}
	if len(open) == 0 {
		return nil, false
	}
	sort.SliceStable(open, func(i, j int) bool {
		fi, fj := open[i].Free(), open[j].Free()
		if fi != fj {
			return fi > fj
		}
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.Before(open[j].CreatedAt)
		}
		return open[i].ID < open[j].ID
	})
	return open[0], true
}

// sortRaids orders by deadline, then creation time, then id.
func sortRaids(raids []*domain.Raid) {
	sort.SliceStable(raids, func(i, j int) bool {
		if !raids[i].Deadline.Equal(raids[j].Deadline) {
			return raids[i].Deadline.Before(raids[j].Deadline)
		}
		if !raids[i].CreatedAt.Equal(raids[j].CreatedAt) {
			return raids[i].CreatedAt.Before(raids[j].CreatedAt)
		}
		return raids[i].ID < raids[j].ID
	})
}

// removeCandidates resolves which of the owner's raids to remove. A single candidate gets one
// confirmation; several become a choice. A deadline that does not match the picked raid
// exactly is called out in the confirmation.
func (c checks) removeCandidates(_ context.Context, req *Request) (Decision, error) {
	owned := c.ownedBy(req.Community, req.Actor.ID)
	t := req.Target
	var candidates []*domain.Raid
	switch {
	case t.RaidID != "":
		for _, r := range owned {
			if r.ID == t.RaidID {
				candidates = append(candidates, r)
			}
		}
	case t.HasDeadline():
		for _, r := range owned {
			if r.Deadline.Equal(t.Deadline) {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			candidates = owned
		}
	default:
		candidates = owned
	}
	if len(candidates) == 0 {
		return Deny(ReasonNotFound, "You have no raid to remove."), nil
	}
	if len(candidates) == 1 {
		return c.confirmRemoval(req, candidates[0]), nil
	}
	options := make([]string, 0, len(candidates))
	for _, r := range candidates {
		options = append(options, fmt.Sprintf("%s at %s (%d members)", r.Venue, r.Deadline.Format(timeLayout), r.MemberCount()))
	}
	q := Question{Text: "You lead several raids. Which one should be removed?", Options: options}
	return Query(q, func(reply Reply) Decision {
		if reply.Choice < 0 || reply.Choice >= len(candidates) {
			return Deny(ReasonInvalid, "That choice is not on the list.")
		}
		picked := candidates[reply.Choice]
		if t.HasDeadline() && !picked.Deadline.Equal(t.Deadline) {
			return c.confirmRemoval(req, picked)
		}
		req.Raid = picked
		return Continue()
	}), nil
}

// RemovalText is the confirmation posed before removing r. It states the member count when
// the raid has members and flags a deadline that does not match the requested one.
func RemovalText(r *domain.Raid, requested time.Time) string {
	var b strings.Builder
	if !requested.IsZero() && !r.Deadline.Equal(requested) {
		fmt.Fprintf(&b, "Your raid at %s ends at %s, not %s. ", r.Venue, r.Deadline.Format(timeLayout), requested.Format(timeLayout))
	}
	fmt.Fprintf(&b, "Remove the raid at %s for %s?", r.Venue, r.Deadline.Format(timeLayout))
	if n := r.MemberCount(); n > 0 {
		fmt.Fprintf(&b, " It has %d member(s) who will be dropped.", n)
	}
	return b.String()
}

func (c checks) confirmRemoval(req *Request, r *domain.Raid) Decision {
	return Query(Question{Text: RemovalText(r, req.Target.Deadline)}, func(Reply) Decision {
		req.Raid = r
		return Continue()
	})
}
