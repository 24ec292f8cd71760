package notifier_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/gateway"
	"raidline/internal/notifier"
	"raidline/internal/ports"
	"raidline/internal/render"
)

type flagStore struct {
	mu    sync.Mutex
	flags map[string]ports.ParticipantFlags
	marks int
}

func (f *flagStore) Resolve(_ context.Context, id string) (domain.Participant, error) {
	return domain.Participant{ID: id}, nil
}
func (f *flagStore) ByNickname(context.Context, string) (domain.Participant, error) {
	return domain.Participant{}, ports.ErrUnknownParticipant
}
func (f *flagStore) Register(_ context.Context, id, nick string) (domain.Participant, error) {
	return domain.Participant{ID: id, Nickname: nick}, nil
}
func (f *flagStore) Flags(_ context.Context, id string) (ports.ParticipantFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[id], nil
}
func (f *flagStore) SetMuted(_ context.Context, id string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := f.flags[id]
	fl.Muted = muted
	f.flags[id] = fl
	return nil
}
func (f *flagStore) MarkFirstNotice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := f.flags[id]
	fl.FirstNoticeSent = true
	f.flags[id] = fl
	f.marks++
	return nil
}

var open = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newRaid(t *testing.T, members ...domain.Participant) *domain.Raid {
	t.Helper()
	r, err := domain.NewRaid(domain.RaidParams{
		ID: "raid-1", Community: "guild", Owner: domain.Participant{ID: "owner", Nickname: "Boss"},
		Venue: "Tower", WindowOpen: open, Deadline: open.Add(time.Hour), Reserved: 1,
		Handles: []domain.Handle{{Community: "guild", Channel: "raids"}},
	})
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, r.AddMember(m))
	}
	return r
}

func TestRemindRespectsMuteAndOnboarding(t *testing.T) {
	gw := gateway.NewMemory()
	ids := &flagStore{flags: map[string]ports.ParticipantFlags{
		"a":     {FirstNoticeSent: true},
		"b":     {Muted: true, FirstNoticeSent: true},
		"c":     {},
		"owner": {FirstNoticeSent: true},
	}}
	n := notifier.New(gw, ids, render.Text{}, clock.NewManual(open), zerolog.Nop())
	r := newRaid(t,
		domain.Participant{ID: "a", Nickname: "A"},
		domain.Participant{ID: "b", Nickname: "B"},
		domain.Participant{ID: "c", Nickname: "C"},
	)

	sent := n.Remind(context.Background(), r)
	assert.Equal(t, 3, sent)
	assert.Len(t, gw.Sent("a"), 1)
	assert.Empty(t, gw.Sent("b"))
	require.Len(t, gw.Sent("c"), 2)
	assert.Equal(t, domain.ArtifactOnboarding, gw.Sent("c")[0].Artifact)
	assert.Equal(t, domain.ArtifactReminder, gw.Sent("c")[1].Artifact)
	assert.Len(t, gw.Sent("owner"), 1)
	assert.Equal(t, 1, ids.marks)

	n.Remind(context.Background(), r)
	assert.Equal(t, 1, ids.marks, "onboarding is sent once")
	assert.Len(t, gw.Sent("c"), 3)
}

func TestOwnerMemberIsRemindedOnce(t *testing.T) {
	gw := gateway.NewMemory()
	ids := &flagStore{flags: map[string]ports.ParticipantFlags{"owner": {FirstNoticeSent: true}}}
	n := notifier.New(gw, ids, render.Text{}, clock.NewManual(open), zerolog.Nop())
	r := newRaid(t, domain.Participant{ID: "owner", Nickname: "Boss"})

	assert.Equal(t, 1, n.Remind(context.Background(), r))
	assert.Len(t, gw.Sent("owner"), 1)
}

func TestScheduleFiresAtWarning(t *testing.T) {
	gw := gateway.NewMemory()
	ids := &flagStore{flags: map[string]ports.ParticipantFlags{}}
	clk := clock.NewManual(open)
	n := notifier.New(gw, ids, render.Text{}, clk, zerolog.Nop())
	r := newRaid(t)

	done := n.Schedule(context.Background(), r, open.Add(53*time.Minute))
	clk.BlockUntil(1)
	assert.Empty(t, gw.Sent("owner"))
	clk.Advance(53 * time.Minute)

	select {
	case sent := <-done:
		assert.True(t, sent)
	case <-time.After(time.Second):
		t.Fatal("reminder did not fire")
	}
	assert.Len(t, gw.Sent("owner"), 2)
}

func TestScheduleInPastDoesNothing(t *testing.T) {
	gw := gateway.NewMemory()
	clk := clock.NewManual(open)
	n := notifier.New(gw, &flagStore{flags: map[string]ports.ParticipantFlags{}}, render.Text{}, clk, zerolog.Nop())

	done := n.Schedule(context.Background(), newRaid(t), open.Add(-time.Minute))
	_, ok := <-done
	assert.False(t, ok)
	assert.Equal(t, 0, clk.Waiters())
	assert.Empty(t, gw.Ops())
}

func TestScheduleCancelled(t *testing.T) {
	gw := gateway.NewMemory()
	clk := clock.NewManual(open)
	n := notifier.New(gw, &flagStore{flags: map[string]ports.ParticipantFlags{}}, render.Text{}, clk, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := n.Schedule(ctx, newRaid(t), open.Add(time.Minute))
	clk.BlockUntil(1)
	cancel()
	select {
	case _, ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("job did not exit")
	}
	assert.Empty(t, gw.Ops())
}
