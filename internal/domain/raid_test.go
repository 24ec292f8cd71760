package domain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/schedule"
)

var open = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newRaid(t *testing.T, reserved int) *domain.Raid {
	t.Helper()
	r, err := domain.NewRaid(domain.RaidParams{
		ID:         "raid-1",
		Community:  "guild-a",
		Owner:      domain.Participant{ID: "owner", Nickname: "Boss"},
		Venue:      "Tower",
		WindowOpen: open,
		Deadline:   open.Add(time.Hour),
		Reserved:   reserved,
		CreatedAt:  open.Add(-time.Hour),
		Handles:    []domain.Handle{{Community: "guild-a", Channel: "raids"}},
	})
	require.NoError(t, err)
	return r
}

func TestParticipantEquality(t *testing.T) {
	a := domain.Participant{ID: "1", Nickname: "Alice"}
	assert.True(t, a.Same(domain.Participant{ID: "2", Nickname: "alice"}))
	assert.False(t, a.Same(domain.Participant{ID: "1", Nickname: "Bob"}))
	assert.True(t, a.Same(domain.Participant{ID: "1"}))
	assert.False(t, domain.Participant{}.Same(domain.Participant{}))
}

func TestNewRaidValidation(t *testing.T) {
	_, err := domain.NewRaid(domain.RaidParams{ID: "x", Owner: domain.Participant{ID: "o"}, Venue: "v", WindowOpen: open, Deadline: open.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrInvalidRaid)
	_, err = domain.NewRaid(domain.RaidParams{ID: "x", Owner: domain.Participant{ID: "o"}, Venue: "v", Reserved: 1, WindowOpen: open, Deadline: open})
	require.ErrorIs(t, err, domain.ErrInvalidRaid)
	_, err = domain.NewRaid(domain.RaidParams{ID: "x", Owner: domain.Participant{ID: "o"}, Venue: " ", Reserved: 1, WindowOpen: open, Deadline: open.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrInvalidRaid)
}

func TestCapacityNeverExceeded(t *testing.T) {
	r := newRaid(t, 1)
	for i := 0; i < 19; i++ {
		require.NoError(t, r.AddMember(domain.Participant{ID: fmt.Sprint(i), Nickname: fmt.Sprintf("p%d", i)}))
	}
	assert.True(t, r.IsFull())
	assert.Equal(t, 0, r.Free())
	require.ErrorIs(t, r.AddMember(domain.Participant{ID: "late", Nickname: "late"}), domain.ErrCapacityExceeded)
	assert.Equal(t, 19, r.MemberCount())
}

func TestMembership(t *testing.T) {
	r := newRaid(t, 2)
	p := domain.Participant{ID: "1", Nickname: "Alice"}
	require.NoError(t, r.AddMember(p))
	require.ErrorIs(t, r.AddMember(domain.Participant{ID: "9", Nickname: "ALICE"}), domain.ErrDuplicateMember)
	assert.True(t, r.HasMember(p))

	require.NoError(t, r.AddMember(domain.Participant{ID: "2", Nickname: "Bob"}))
	require.NoError(t, r.RemoveMember(p))
	require.ErrorIs(t, r.RemoveMember(p), domain.ErrNotMember)
	assert.Equal(t, []domain.Participant{{ID: "2", Nickname: "Bob"}}, r.Members())
}

func TestArtifacts(t *testing.T) {
	r := newRaid(t, 1)
	ref := domain.ArtifactRef{Community: "guild-a", Channel: "raids", MessageID: "m1"}
	require.True(t, r.SetArtifact("guild-a", domain.ArtifactJoin, ref))
	require.False(t, r.SetArtifact("guild-b", domain.ArtifactJoin, ref))

	kind, ok := r.OwnsArtifact(ref)
	require.True(t, ok)
	assert.Equal(t, domain.ArtifactJoin, kind)

	_, ok = r.OwnsArtifact(domain.ArtifactRef{Community: "guild-b", MessageID: "m1"})
	assert.False(t, ok)

	h, ok := r.Handle("guild-a")
	require.True(t, ok)
	assert.Len(t, h.Refs(), 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newRaid(t, 3)
	require.NoError(t, r.AddMember(domain.Participant{ID: "1", Nickname: "Alice"}))
	require.NoError(t, r.AddMember(domain.Participant{ID: "2", Nickname: "Bob"}))
	r.SetArtifact("guild-a", domain.ArtifactRoster, domain.ArtifactRef{Community: "guild-a", Channel: "raids", MessageID: "r1"})
	r.MarkReminded()

	cur := schedule.NewCursor(r.Schedule)
	_, _ = cur.Next()
	snap := r.Snapshot(cur.Pending(), "updating")

	back, err := domain.Reconstruct(snap)
	require.NoError(t, err)
	assert.Equal(t, r.Members(), back.Members())
	assert.Equal(t, r.Reserved, back.Reserved)
	assert.Equal(t, r.Handles(), back.Handles())
	assert.True(t, back.Reminded())
	assert.Equal(t, r.Key(), back.Key())
	assert.Equal(t, snap, back.Snapshot(cur.Pending(), "updating"))
}

func TestReconstructRejectsOverfullSnapshot(t *testing.T) {
	r := newRaid(t, 20)
	snap := r.Snapshot(nil, "updating")
	snap.Members = []domain.Participant{{ID: "1", Nickname: "x"}}
	_, err := domain.Reconstruct(snap)
	require.ErrorIs(t, err, domain.ErrInvalidSnapshot)
}
