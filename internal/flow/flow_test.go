package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/flow"
	"raidline/internal/gateway"
	"raidline/internal/ports"
	"raidline/internal/render"
)

var (
	windowOpen = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	deadline   = windowOpen.Add(time.Hour)
)

type memStore struct {
	mu       sync.Mutex
	live     map[string]domain.Snapshot
	archived []domain.Snapshot
	deletes  int
	saves    int
	failSave error
}

func newMemStore() *memStore {
	return &memStore{live: map[string]domain.Snapshot{}}
}

func (s *memStore) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	s.live[snap.ID] = snap
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.live, id)
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Snapshot
	for _, snap := range s.live {
		out = append(out, snap)
	}
	return out, nil
}

func (s *memStore) Archive(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, snap)
	return nil
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	s.failSave = err
	s.mu.Unlock()
}

func (s *memStore) get(id string) (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.live[id]
	return snap, ok
}

func (s *memStore) archiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archived)
}

type fakeReminder struct {
	mu    sync.Mutex
	calls []time.Time
	ch    chan bool
}

func (r *fakeReminder) Schedule(_ context.Context, _ *domain.Raid, at time.Time) <-chan bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, at)
	r.ch = make(chan bool, 1)
	return r.ch
}

func (r *fakeReminder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	clk      *clock.Manual
	store    *memStore
	gw       *gateway.Memory
	reminder *fakeReminder
	ended    int
	mu       sync.Mutex
}

func newHarness(now time.Time) *harness {
	return &harness{
		clk:      clock.NewManual(now),
		store:    newMemStore(),
		gw:       gateway.NewMemory(),
		reminder: &fakeReminder{},
	}
}

func (h *harness) config() flow.Config {
	return flow.Config{
		Store:    h.store,
		Gateway:  h.gw,
		Renderer: render.Text{},
		Reminder: h.reminder,
		Clock:    h.clk,
		Hooks: flow.Hooks{Ended: func(*domain.Raid) {
			h.mu.Lock()
			h.ended++
			h.mu.Unlock()
		}},
	}
}

func (h *harness) endedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

// step waits for the flow to arm its timer and fires it.
func (h *harness) step(t *testing.T) time.Time {
	t.Helper()
	h.clk.BlockUntil(1)
	next, ok := h.clk.NextDeadline()
	require.True(t, ok)
	h.clk.Set(next)
	return next
}

func newRaid(t *testing.T) *domain.Raid {
	t.Helper()
	r, err := domain.NewRaid(domain.RaidParams{
		ID:         "raid-1",
		Community:  "guild",
		Owner:      domain.Participant{ID: "owner", Nickname: "Boss"},
		Venue:      "Tower",
		WindowOpen: windowOpen,
		Deadline:   deadline,
		Reserved:   1,
		CreatedAt:  windowOpen.Add(-2 * time.Hour),
		Handles:    []domain.Handle{{Community: "guild", Channel: "raids"}},
	})
	require.NoError(t, err)
	return r
}

func portsDest() ports.Destination {
	return ports.Destination{Community: "guild", Channel: "raids"}
}

func start(f *flow.Flow) {
	go f.Run(context.Background())
}

func waitDone(t *testing.T, f *flow.Flow) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not finish")
	}
}

func TestLifecycle(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)

	assert.True(t, h.step(t).Equal(windowOpen))
	for i := 0; i < 6; i++ {
		h.step(t)
	}
	assert.True(t, h.step(t).Equal(deadline.Add(flow.DefaultGracePeriod)))
	waitDone(t, f)

	assert.Equal(t, flow.Ended, f.State())
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactReservation))
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactJoin))
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactRoster))
	assert.Equal(t, 5, h.gw.Count("update", domain.ArtifactRoster))
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactDeparture))
	for _, kind := range []domain.ArtifactKind{domain.ArtifactReservation, domain.ArtifactJoin, domain.ArtifactRoster, domain.ArtifactDeparture} {
		assert.Empty(t, h.gw.Live(kind), "live %s", kind)
	}
	assert.Equal(t, 1, h.reminder.count())
	assert.Equal(t, 1, h.store.archiveCount())
	_, live := h.store.get(raid.ID)
	assert.False(t, live)
	assert.Equal(t, 1, h.endedCount())
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(windowOpen.Add(time.Minute))
	f := flow.New(newRaid(t), h.config())
	start(f)
	h.clk.BlockUntil(1)

	f.End()
	f.End()
	waitDone(t, f)

	assert.Equal(t, 1, h.store.archiveCount())
	assert.Equal(t, 1, h.gw.Count("delete", domain.ArtifactJoin))
	assert.Equal(t, 1, h.endedCount())
	assert.Empty(t, h.gw.Live(domain.ArtifactJoin))
	assert.ErrorIs(t, f.Join(context.Background(), domain.Participant{ID: "x", Nickname: "x"}), flow.ErrEnded)
}

func TestJoinAndLeave(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	h.clk.BlockUntil(1)

	p := domain.Participant{ID: "u1", Nickname: "Alice"}
	require.ErrorIs(t, f.Join(context.Background(), p), flow.ErrNotOpen)

	h.step(t)
	h.clk.BlockUntil(1)
	require.NoError(t, f.Join(context.Background(), p))
	require.ErrorIs(t, f.Join(context.Background(), p), domain.ErrDuplicateMember)

	snap, ok := h.store.get(raid.ID)
	require.True(t, ok)
	assert.Equal(t, []domain.Participant{p}, snap.Members)
	require.Eventually(t, func() bool {
		snap, _ := h.store.get(raid.ID)
		return !snap.Handles[0].Roster.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactRoster))

	require.NoError(t, f.Leave(context.Background(), p))
	require.ErrorIs(t, f.Leave(context.Background(), p), domain.ErrNotMember)
	snap, _ = h.store.get(raid.ID)
	assert.Empty(t, snap.Members)
	assert.Equal(t, 1, h.gw.Count("update", domain.ArtifactRoster))
	assert.False(t, snap.Handles[0].Roster.IsZero())

	f.End()
}

func TestResumeBeforeLastCheckpoint(t *testing.T) {
	now := deadline.Add(-5 * time.Minute)
	h := newHarness(now)
	raid := newRaid(t)
	ctx := context.Background()
	join, err := h.gw.Publish(ctx, portsDest(), domain.ArtifactJoin, "join")
	require.NoError(t, err)
	roster, err := h.gw.Publish(ctx, portsDest(), domain.ArtifactRoster, "roster")
	require.NoError(t, err)
	raid.SetArtifact("guild", domain.ArtifactJoin, join)
	raid.SetArtifact("guild", domain.ArtifactRoster, roster)
	snap := raid.Snapshot([]time.Time{deadline}, "updating")

	back, err := domain.Reconstruct(snap)
	require.NoError(t, err)
	f := flow.Resume(back, snap, h.config())
	assert.Equal(t, flow.CollectionOpen, f.State())
	start(f)

	assert.True(t, h.step(t).Equal(deadline))
	h.clk.BlockUntil(1)
	assert.Equal(t, flow.Departing, f.State())
	assert.Equal(t, 1, h.gw.Count("update", domain.ArtifactRoster))
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactRoster), "only the seeded roster")
	assert.Equal(t, 0, h.gw.Count("publish", domain.ArtifactReservation))
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactDeparture))
	assert.Equal(t, 0, h.reminder.count(), "warning already past")

	h.step(t)
	waitDone(t, f)
	assert.Equal(t, 1, h.store.archiveCount())
}

func TestResumeCoalescesMissedCheckpoints(t *testing.T) {
	now := windowOpen.Add(50 * time.Minute)
	h := newHarness(now)
	raid := newRaid(t)
	join, err := h.gw.Publish(context.Background(), portsDest(), domain.ArtifactJoin, "join")
	require.NoError(t, err)
	raid.SetArtifact("guild", domain.ArtifactJoin, join)
	snap := raid.Snapshot([]time.Time{windowOpen.Add(30 * time.Minute), windowOpen.Add(45 * time.Minute), deadline}, "updating")

	f := flow.Resume(raid, snap, h.config())
	start(f)
	h.clk.BlockUntil(1)

	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactRoster))
	persisted, ok := h.store.get(raid.ID)
	require.True(t, ok)
	require.Len(t, persisted.Remaining, 1)
	assert.True(t, persisted.Remaining[0].Equal(deadline))
	f.End()
}

func TestPersistenceFailureStallsFlow(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	h.store.setFail(errors.New("disk full"))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)

	h.clk.BlockUntil(1)
	assert.True(t, f.Stalled())
	var perr *flow.PersistenceError
	require.ErrorAs(t, f.Join(context.Background(), domain.Participant{ID: "u", Nickname: "u"}), &perr)
	assert.Equal(t, 0, h.gw.Count("publish", domain.ArtifactReservation))

	h.step(t)
	h.clk.BlockUntil(1)
	assert.True(t, f.Stalled(), "still failing after first retry")

	h.store.setFail(nil)
	h.step(t)
	h.clk.BlockUntil(1)
	assert.False(t, f.Stalled())
	assert.Equal(t, 1, h.gw.Count("publish", domain.ArtifactReservation))
	next, _ := h.clk.NextDeadline()
	assert.True(t, next.Equal(windowOpen))
	f.End()
}

func TestReminderResultIsPersisted(t *testing.T) {
	h := newHarness(windowOpen)
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	h.clk.BlockUntil(1)
	require.Equal(t, 1, h.reminder.count())

	h.reminder.mu.Lock()
	ch := h.reminder.ch
	h.reminder.mu.Unlock()
	ch <- true
	close(ch)

	require.Eventually(t, func() bool {
		snap, ok := h.store.get(raid.ID)
		return ok && snap.Reminded
	}, time.Second, 5*time.Millisecond)
	f.End()
}

func TestPublicationFailureDoesNotBlockJoin(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	h.step(t)
	h.clk.BlockUntil(1)

	h.gw.FailOn(domain.ArtifactRoster, errors.New("bridge down"))
	p := domain.Participant{ID: "u1", Nickname: "Alice"}
	require.NoError(t, f.Join(context.Background(), p))
	require.Eventually(t, func() bool {
		return h.gw.Count("publish", domain.ArtifactRoster) == 1
	}, time.Second, 5*time.Millisecond, "one failed attempt")
	assert.Empty(t, h.gw.Live(domain.ArtifactRoster))
	snap, ok := h.store.get(raid.ID)
	require.True(t, ok)
	assert.Equal(t, []domain.Participant{p}, snap.Members)

	h.gw.FailOn(domain.ArtifactRoster, nil)
	h.step(t)
	h.clk.BlockUntil(1)
	assert.Len(t, h.gw.Live(domain.ArtifactRoster), 1)
	f.End()
}

func TestCompletedRaidIsNotSavedAgain(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	for i := 0; i < 8; i++ {
		h.step(t)
	}
	waitDone(t, f)

	h.store.mu.Lock()
	saves, deletes := h.store.saves, h.store.deletes
	h.store.mu.Unlock()
	_, live := h.store.get(raid.ID)
	assert.False(t, live)
	assert.Equal(t, 1, deletes)
	assert.Positive(t, saves)
	assert.Equal(t, 1, h.store.archiveCount())
}

func TestFailedLeaveKeepsJoinOrder(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	h.step(t)
	h.clk.BlockUntil(1)

	ctx := context.Background()
	a := domain.Participant{ID: "a", Nickname: "Alice"}
	b := domain.Participant{ID: "b", Nickname: "Bob"}
	c := domain.Participant{ID: "c", Nickname: "Cleo"}
	require.NoError(t, f.Join(ctx, a))
	require.NoError(t, f.Join(ctx, b))

	h.store.setFail(errors.New("disk full"))
	var perr *flow.PersistenceError
	require.ErrorAs(t, f.Leave(ctx, a), &perr)
	h.store.setFail(nil)

	require.NoError(t, f.Join(ctx, c))
	snap, ok := h.store.get(raid.ID)
	require.True(t, ok)
	assert.Equal(t, []domain.Participant{a, b, c}, snap.Members)
	f.End()
}

func TestJoinWhileDepartingIsClosed(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	f := flow.New(newRaid(t), h.config())
	start(f)
	for i := 0; i < 7; i++ {
		h.step(t)
	}
	h.clk.BlockUntil(1)
	require.Equal(t, flow.Departing, f.State())

	err := f.Join(context.Background(), domain.Participant{ID: "late", Nickname: "Late"})
	require.ErrorIs(t, err, flow.ErrClosed)
	assert.NotErrorIs(t, err, flow.ErrNotOpen)

	h.step(t)
	waitDone(t, f)
}

func TestCheckpointPublishesBeforePersisting(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	raid := newRaid(t)
	f := flow.New(raid, h.config())
	start(f)
	h.step(t)
	h.step(t)
	h.clk.BlockUntil(1)
	require.Equal(t, 1, h.gw.Count("publish", domain.ArtifactRoster))
	before, _ := h.store.get(raid.ID)

	h.store.setFail(errors.New("disk full"))
	h.step(t)
	h.clk.BlockUntil(1)
	assert.True(t, f.Stalled())
	assert.Equal(t, 1, h.gw.Count("update", domain.ArtifactRoster), "roster refreshed ahead of the failing save")
	after, _ := h.store.get(raid.ID)
	assert.Equal(t, len(before.Remaining), len(after.Remaining), "checkpoint still pending in the store")

	h.store.setFail(nil)
	f.End()
}

// slowGateway holds roster publications until released.
type slowGateway struct {
	*gateway.Memory
	release chan struct{}
}

func (g *slowGateway) Publish(ctx context.Context, dest ports.Destination, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error) {
	if kind == domain.ArtifactRoster {
		<-g.release
	}
	return g.Memory.Publish(ctx, dest, kind, content)
}

func TestJoinDoesNotWaitForRosterRefresh(t *testing.T) {
	h := newHarness(windowOpen.Add(-time.Hour))
	slow := &slowGateway{Memory: h.gw, release: make(chan struct{})}
	cfg := h.config()
	cfg.Gateway = slow
	raid := newRaid(t)
	f := flow.New(raid, cfg)
	start(f)
	h.step(t)
	h.clk.BlockUntil(1)

	p := domain.Participant{ID: "u1", Nickname: "Alice"}
	joined := make(chan error, 1)
	go func() { joined <- f.Join(context.Background(), p) }()
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(slow.release)
		t.Fatal("join waited for the roster publication")
	}
	snap, ok := h.store.get(raid.ID)
	require.True(t, ok)
	assert.Equal(t, []domain.Participant{p}, snap.Members)
	assert.Empty(t, h.gw.Live(domain.ArtifactRoster))

	close(slow.release)
	require.Eventually(t, func() bool {
		return len(h.gw.Live(domain.ArtifactRoster)) == 1
	}, time.Second, 5*time.Millisecond)
	f.End()
}
