package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	windowOpen = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	deadline   = windowOpen.Add(time.Hour)
)

func baseView(state State, now time.Time) view {
	return view{
		State:      state,
		Now:        now,
		WindowOpen: windowOpen,
		Deadline:   deadline,
		Grace:      10 * time.Minute,
		WarningAt:  deadline.Add(-7 * time.Minute),
		HasWarning: true,
	}
}

func TestPlanCreatedBeforeWindow(t *testing.T) {
	st := plan(baseView(Created, windowOpen.Add(-time.Hour)))
	assert.Equal(t, []action{actPersist, actPublishReservation}, st.Actions)
	assert.Equal(t, ReservationOpen, st.Next)
	assert.True(t, st.WakeAt.Equal(windowOpen))

	v := baseView(Created, windowOpen.Add(-time.Hour))
	v.HasReservation = true
	st = plan(v)
	assert.Equal(t, []action{actPersist}, st.Actions)
}

func TestPlanCreatedAfterWindowSkipsReservation(t *testing.T) {
	st := plan(baseView(Created, windowOpen.Add(time.Minute)))
	assert.Equal(t, []action{actPersist}, st.Actions)
	assert.Equal(t, ReservationOpen, st.Next)
	assert.False(t, st.Sleeps())
}

func TestPlanReservationOpen(t *testing.T) {
	st := plan(baseView(ReservationOpen, windowOpen.Add(-time.Minute)))
	assert.Empty(t, st.Actions)
	assert.True(t, st.WakeAt.Equal(windowOpen))

	v := baseView(ReservationOpen, windowOpen)
	v.HasReservation = true
	st = plan(v)
	assert.Equal(t, []action{actPublishJoin, actDeleteReservation, actPersist}, st.Actions)
	assert.Equal(t, CollectionOpen, st.Next)
}

func TestPlanCollectionOpen(t *testing.T) {
	st := plan(baseView(CollectionOpen, windowOpen))
	assert.Equal(t, []action{actStartNotifier}, st.Actions)
	assert.Equal(t, Updating, st.Next)

	v := baseView(CollectionOpen, deadline.Add(-5*time.Minute))
	v.Missed = 2
	st = plan(v)
	assert.Equal(t, []action{actCatchUp}, st.Actions, "warning already past, no notifier")

	v = baseView(CollectionOpen, windowOpen)
	v.Reminded = true
	assert.Empty(t, plan(v).Actions)

	v = baseView(CollectionOpen, windowOpen)
	v.NotifierStarted = true
	assert.Empty(t, plan(v).Actions)
}

func TestPlanUpdating(t *testing.T) {
	v := baseView(Updating, windowOpen.Add(time.Minute))
	v.NextCheckpoint, v.HasCheckpoint = windowOpen.Add(7*time.Minute), true
	st := plan(v)
	assert.Empty(t, st.Actions)
	assert.True(t, st.WakeAt.Equal(v.NextCheckpoint))

	v.Now = v.NextCheckpoint
	st = plan(v)
	assert.Equal(t, []action{actCheckpoint}, st.Actions)
	assert.Equal(t, Updating, st.Next)

	v.HasCheckpoint = false
	st = plan(v)
	assert.Equal(t, Departing, st.Next)
	assert.Empty(t, st.Actions)
}

func TestPlanDeparting(t *testing.T) {
	st := plan(baseView(Departing, deadline))
	assert.Equal(t, []action{actPublishDeparture, actPersist}, st.Actions)
	assert.True(t, st.WakeAt.Equal(deadline.Add(10*time.Minute)))

	v := baseView(Departing, deadline.Add(10*time.Minute))
	v.Departed = true
	st = plan(v)
	assert.Equal(t, []action{actFinish}, st.Actions)
	assert.Equal(t, Ended, st.Next)
}

func TestStateNames(t *testing.T) {
	for s := Created; s <= Ended; s++ {
		parsed, err := ParseState(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("bogus")
	assert.Error(t, err)
}
