package flow

import "time"

type action int

const (
	actPersist action = iota
	actPublishReservation
	actPublishJoin
	actDeleteReservation
	actCatchUp
	actStartNotifier
	actCheckpoint
	actPublishDeparture
	actFinish
)

func (a action) String() string {
	switch a {
	case actPersist:
		return "persist"
	case actPublishReservation:
		return "publish-reservation"
	case actPublishJoin:
		return "publish-join"
	case actDeleteReservation:
		return "delete-reservation"
	case actCatchUp:
		return "catch-up"
	case actStartNotifier:
		return "start-notifier"
	case actCheckpoint:
		return "checkpoint"
	case actPublishDeparture:
		return "publish-departure"
	case actFinish:
		return "finish"
	}
	return "unknown"
}

// view is everything plan needs to decide the next step.
type view struct {
	State      State
	Now        time.Time
	WindowOpen time.Time
	Deadline   time.Time
	Grace      time.Duration

	NextCheckpoint time.Time
	HasCheckpoint  bool
	Missed         int

	HasReservation bool
	HasJoin        bool
	Departed       bool

	WarningAt       time.Time
	HasWarning      bool
	NotifierStarted bool
	Reminded        bool
}

// step is what to do now, which state follows and, when WakeAt is set, when to continue.
type step struct {
	Actions []action
	Next    State
	WakeAt  time.Time
}

func (s step) Sleeps() bool {
	return !s.WakeAt.IsZero()
}

// plan is the pure transition function of the state machine.
func plan(v view) step {
	switch v.State {
	case Created:
		st := step{Actions: []action{actPersist}, Next: ReservationOpen}
		if v.Now.Before(v.WindowOpen) {
			if !v.HasReservation {
				st.Actions = append(st.Actions, actPublishReservation)
			}
			st.WakeAt = v.WindowOpen
		}
		return st
	case ReservationOpen:
		if v.Now.Before(v.WindowOpen) {
			return step{Next: ReservationOpen, WakeAt: v.WindowOpen}
		}
		var acts []action
		if !v.HasJoin {
			acts = append(acts, actPublishJoin)
		}
		if v.HasReservation {
			acts = append(acts, actDeleteReservation)
		}
		acts = append(acts, actPersist)
		return step{Actions: acts, Next: CollectionOpen}
	case CollectionOpen:
		var acts []action
		if v.Missed > 0 {
			acts = append(acts, actCatchUp)
		}
		if !v.NotifierStarted && !v.Reminded && v.HasWarning && v.WarningAt.After(v.Now) {
			acts = append(acts, actStartNotifier)
		}
		return step{Actions: acts, Next: Updating}
	case Updating:
		if !v.HasCheckpoint {
			return step{Next: Departing}
		}
		if v.Now.Before(v.NextCheckpoint) {
			return step{Next: Updating, WakeAt: v.NextCheckpoint}
		}
		return step{Actions: []action{actCheckpoint}, Next: Updating}
	case Departing:
		var acts []action
		if !v.Departed {
			acts = append(acts, actPublishDeparture, actPersist)
		}
		end := v.Deadline.Add(v.Grace)
		if v.Now.Before(end) {
			return step{Actions: acts, Next: Departing, WakeAt: end}
		}
		return step{Actions: append(acts, actFinish), Next: Ended}
	}
	return step{Next: Ended}
}
