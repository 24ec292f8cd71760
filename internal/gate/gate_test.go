package gate_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/gate"
	"raidline/internal/ports"
)

var now = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

type registry struct {
	raids []*domain.Raid
}

func (r *registry) Raids(community string) []*domain.Raid {
	if community == "" {
		return r.raids
	}
	var out []*domain.Raid
	for _, raid := range r.raids {
		if _, ok := raid.Handle(community); ok {
			out = append(out, raid)
		}
	}
	return out
}

func (r *registry) ByArtifact(ref domain.ArtifactRef) (*domain.Raid, bool) {
	for _, raid := range r.raids {
		if _, ok := raid.OwnsArtifact(ref); ok {
			return raid, true
		}
	}
	return nil, false
}

type identity struct {
	mu    sync.Mutex
	nicks map[string]string
}

func (i *identity) Resolve(_ context.Context, id string) (domain.Participant, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return domain.Participant{ID: id, Nickname: i.nicks[id]}, nil
}

func (i *identity) ByNickname(_ context.Context, nick string) (domain.Participant, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, n := range i.nicks {
		if strings.EqualFold(n, nick) {
			return domain.Participant{ID: id, Nickname: n}, nil
		}
	}
	return domain.Participant{}, ports.ErrUnknownParticipant
}

func (i *identity) Register(_ context.Context, id, nick string) (domain.Participant, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for other, n := range i.nicks {
		if other != id && strings.EqualFold(n, nick) {
			return domain.Participant{}, ports.ErrNicknameTaken
		}
	}
	if i.nicks == nil {
		i.nicks = map[string]string{}
	}
	i.nicks[id] = nick
	return domain.Participant{ID: id, Nickname: nick}, nil
}

func (i *identity) Flags(context.Context, string) (ports.ParticipantFlags, error) {
	return ports.ParticipantFlags{}, nil
}
func (i *identity) SetMuted(context.Context, string, bool) error  { return nil }
func (i *identity) MarkFirstNotice(context.Context, string) error { return nil }

// scripted answers questions in order and records them.
type scripted struct {
	replies []gate.Reply
	asked   []gate.Question
	block   bool
}

func (s *scripted) Ask(ctx context.Context, q gate.Question) (gate.Reply, error) {
	s.asked = append(s.asked, q)
	if s.block {
		<-ctx.Done()
		return gate.Reply{}, ctx.Err()
	}
	if len(s.replies) == 0 {
		return gate.Reply{Answer: gate.No}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

type env struct {
	reg   *registry
	ident *identity
	asker *scripted
	gates gate.Gates
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{reg: &registry{}, ident: &identity{}, asker: &scripted{}}
	e.gates = gate.NewGates(e.reg, e.ident, e.asker,
		gate.WithClock(clock.NewManual(now)),
		gate.WithQuestionTimeout(20*time.Millisecond),
	)
	return e
}

func (e *env) addRaid(t *testing.T, id, owner string, deadline time.Time, reserved int) *domain.Raid {
	t.Helper()
	r, err := domain.NewRaid(domain.RaidParams{
		ID:         id,
		Community:  "guild",
		Owner:      domain.Participant{ID: owner, Nickname: owner},
		Venue:      "Venue " + id,
		WindowOpen: deadline.Add(-2 * time.Hour),
		Deadline:   deadline,
		Reserved:   reserved,
		CreatedAt:  now.Add(-time.Hour).Add(time.Duration(len(e.reg.raids)) * time.Minute),
		Handles:    []domain.Handle{{Community: "guild", Channel: "raids"}},
	})
	require.NoError(t, err)
	e.reg.raids = append(e.reg.raids, r)
	return r
}

func participant(i int) domain.Participant {
	return domain.Participant{ID: fmt.Sprintf("u%d", i), Nickname: fmt.Sprintf("player%d", i)}
}

func requireReason(t *testing.T, err error, want gate.Reason) {
	t.Helper()
	require.Error(t, err)
	got, ok := gate.ReasonOf(err)
	require.True(t, ok, "not a rejection: %v", err)
	assert.Equal(t, want, got)
}

func TestJoinUntilFull(t *testing.T) {
	e := newEnv(t)
	raid := e.addRaid(t, "a", "boss", now.Add(30*time.Minute), 1)

	for i := 0; i < 19; i++ {
		req := &gate.Request{Actor: participant(i), Community: "guild", Target: gate.Target{RaidID: "a"}}
		require.NoError(t, e.gates.Join.Evaluate(context.Background(), req))
		require.Same(t, raid, req.Raid)
		require.NoError(t, raid.AddMember(req.Actor))
	}
	assert.True(t, raid.IsFull())

	req := &gate.Request{Actor: participant(19), Community: "guild", Target: gate.Target{RaidID: "a"}}
	requireReason(t, e.gates.Join.Evaluate(context.Background(), req), gate.ReasonFull)
	assert.Equal(t, 19, raid.MemberCount())
}

func TestJoinSameDeadline(t *testing.T) {
	e := newEnv(t)
	at20 := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	a := e.addRaid(t, "a", "boss1", at20, 1)
	e.addRaid(t, "b", "boss2", at20, 1)
	e.addRaid(t, "c", "boss3", at20.Add(time.Hour), 1)
	p := participant(1)

	require.NoError(t, e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{RaidID: "a"}}))
	require.NoError(t, a.AddMember(p))

	err := e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{RaidID: "b"}})
	requireReason(t, err, gate.ReasonSameDeadline)

	require.NoError(t, e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{RaidID: "c"}}))
}

func TestJoinRejections(t *testing.T) {
	e := newEnv(t)
	raid := e.addRaid(t, "a", "boss", now.Add(time.Hour), 1)
	p := participant(1)
	require.NoError(t, raid.AddMember(p))

	err := e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: domain.Participant{ID: "anon"}, Community: "guild"})
	requireReason(t, err, gate.ReasonNotRegistered)

	err = e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{RaidID: "a"}})
	requireReason(t, err, gate.ReasonAlreadyMember)

	err = e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{RaidID: "missing"}})
	requireReason(t, err, gate.ReasonNotFound)

	err = e.gates.Leave.Evaluate(context.Background(), &gate.Request{Actor: participant(2), Community: "guild", Target: gate.Target{RaidID: "a"}})
	requireReason(t, err, gate.ReasonNotMember)

	req := &gate.Request{Actor: p, Community: "guild"}
	require.NoError(t, e.gates.Leave.Evaluate(context.Background(), req))
	assert.Same(t, raid, req.Raid)
}

func TestJoinOwnerTargetMustBeExact(t *testing.T) {
	e := newEnv(t)
	d := now.Add(time.Hour)
	e.addRaid(t, "a", "boss", d, 1)
	e.addRaid(t, "b", "boss", d.Add(time.Hour), 1)
	p := participant(1)

	err := e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{OwnerID: "boss"}})
	requireReason(t, err, gate.ReasonAmbiguous)

	err = e.gates.Join.Evaluate(context.Background(), &gate.Request{Actor: p, Community: "guild", Target: gate.Target{OwnerID: "boss", Deadline: d.Add(time.Minute)}})
	requireReason(t, err, gate.ReasonNotFound)

	req := &gate.Request{Actor: p, Community: "guild", Target: gate.Target{OwnerID: "boss", Deadline: d.Add(time.Hour)}}
	require.NoError(t, e.gates.Join.Evaluate(context.Background(), req))
	assert.Equal(t, "b", req.Raid.ID)
}

func TestDefaultJoinTarget(t *testing.T) {
	e := newEnv(t)
	d := now.Add(time.Hour)
	older := e.addRaid(t, "b", "boss1", d, 5)
	e.addRaid(t, "a", "boss2", d, 5)
	roomy := e.addRaid(t, "c", "boss3", d, 2)
	notOpen := e.addRaid(t, "d", "boss4", now.Add(5*time.Hour), 1)

	r, ok := gate.DefaultJoinTarget(e.reg.raids, participant(1), time.Time{}, now)
	require.True(t, ok)
	assert.Same(t, roomy, r)

	require.NoError(t, roomy.AddMember(participant(9)))
	require.NoError(t, roomy.AddMember(participant(8)))
	require.NoError(t, roomy.AddMember(participant(7)))
	r, ok = gate.DefaultJoinTarget(e.reg.raids, participant(1), time.Time{}, now)
	require.True(t, ok)
	assert.Same(t, older, r)

	r, ok = gate.DefaultJoinTarget(e.reg.raids, participant(1), notOpen.Deadline, now)
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestCreateChain(t *testing.T) {
	e := newEnv(t)
	owner := domain.Participant{ID: "o1"}
	base := gate.Request{Actor: owner, Community: "guild", Nickname: "Leader", Venue: "Tower", WindowOpen: now, Deadline: now.Add(time.Hour), Reserved: 1}

	req := base
	require.NoError(t, e.gates.Create.Evaluate(context.Background(), &req))
	assert.Equal(t, "Leader", req.Actor.Nickname)
	assert.Empty(t, e.asker.asked)

	invalid := base
	invalid.Reserved = 0
	requireReason(t, e.gates.Create.Evaluate(context.Background(), &invalid), gate.ReasonInvalid)

	anon := base
	anon.Nickname = ""
	requireReason(t, e.gates.Create.Evaluate(context.Background(), &anon), gate.ReasonNotRegistered)

	existing, err := domain.NewRaid(domain.RaidParams{
		ID: "x", Community: "guild", Owner: req.Actor, Venue: "tower", WindowOpen: now, Deadline: now.Add(time.Hour),
		Reserved: 1, Handles: []domain.Handle{{Community: "guild", Channel: "raids"}},
	})
	require.NoError(t, err)
	e.reg.raids = append(e.reg.raids, existing)

	dup := base
	requireReason(t, e.gates.Create.Evaluate(context.Background(), &dup), gate.ReasonDuplicateRaid)

	another := base
	another.Deadline = now.Add(2 * time.Hour)
	e.asker.replies = []gate.Reply{{Answer: gate.Yes}}
	require.NoError(t, e.gates.Create.Evaluate(context.Background(), &another))
	require.Len(t, e.asker.asked, 1)
	assert.Contains(t, e.asker.asked[0].Text, "already lead 1 raid")
	assert.Equal(t, gate.OpCreate, e.asker.asked[0].Op)
}

func TestRemoveConfirmation(t *testing.T) {
	e := newEnv(t)
	owner := domain.Participant{ID: "boss", Nickname: "boss"}
	raid := e.addRaid(t, "a", "boss", now.Add(time.Hour), 1)

	e.asker.replies = []gate.Reply{{Answer: gate.Yes}}
	req := &gate.Request{Actor: owner, Community: "guild"}
	require.NoError(t, e.gates.Remove.Evaluate(context.Background(), req))
	assert.Same(t, raid, req.Raid)
	require.Len(t, e.asker.asked, 1)
	assert.NotContains(t, e.asker.asked[0].Text, "member")

	for i := 0; i < 3; i++ {
		require.NoError(t, raid.AddMember(participant(i)))
	}
	e.asker.asked = nil
	e.asker.replies = []gate.Reply{{Answer: gate.No}}
	err := e.gates.Remove.Evaluate(context.Background(), &gate.Request{Actor: owner, Community: "guild"})
	requireReason(t, err, gate.ReasonDeclined)
	require.Len(t, e.asker.asked, 1)
	assert.Contains(t, e.asker.asked[0].Text, "3 member(s)")
}

func TestRemoveChoiceAndMismatch(t *testing.T) {
	e := newEnv(t)
	owner := domain.Participant{ID: "boss", Nickname: "boss"}
	d := now.Add(time.Hour)
	e.addRaid(t, "a", "boss", d, 1)
	b := e.addRaid(t, "b", "boss", d.Add(time.Hour), 1)

	e.asker.replies = []gate.Reply{{Answer: gate.Yes, Choice: 1}, {Answer: gate.Yes}}
	req := &gate.Request{Actor: owner, Community: "guild", Target: gate.Target{Deadline: d.Add(30 * time.Minute)}}
	require.NoError(t, e.gates.Remove.Evaluate(context.Background(), req))
	assert.Same(t, b, req.Raid)
	require.Len(t, e.asker.asked, 2)
	assert.Len(t, e.asker.asked[0].Options, 2)
	assert.Contains(t, e.asker.asked[1].Text, "not ")

	e.asker.asked = nil
	e.asker.replies = []gate.Reply{{Answer: gate.Yes, Choice: 0}}
	req = &gate.Request{Actor: owner, Community: "guild"}
	require.NoError(t, e.gates.Remove.Evaluate(context.Background(), req))
	assert.Equal(t, "a", req.Raid.ID)
	assert.Len(t, e.asker.asked, 1)

	err := e.gates.Remove.Evaluate(context.Background(), &gate.Request{Actor: participant(5), Community: "guild"})
	requireReason(t, err, gate.ReasonNotFound)
}

func TestQuestionTimeoutIsDistinctFromDecline(t *testing.T) {
	e := newEnv(t)
	e.addRaid(t, "a", "boss", now.Add(time.Hour), 1)
	e.asker.block = true

	err := e.gates.Remove.Evaluate(context.Background(), &gate.Request{Actor: domain.Participant{ID: "boss", Nickname: "boss"}, Community: "guild"})
	requireReason(t, err, gate.ReasonTimedOut)
}

func TestCallerCancellationIsNotATimeout(t *testing.T) {
	e := newEnv(t)
	e.addRaid(t, "a", "boss", now.Add(time.Hour), 1)
	e.asker.block = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.gates.Remove.Evaluate(ctx, &gate.Request{Actor: domain.Participant{ID: "boss", Nickname: "boss"}, Community: "guild"})
	require.Error(t, err)
	_, isRejection := gate.ReasonOf(err)
	assert.False(t, isRejection)
}
