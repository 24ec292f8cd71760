package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/ports"
	"raidline/internal/schedule"
)

const (
	DefaultGracePeriod     = 10 * time.Minute
	DefaultPersistRetry    = 5 * time.Second
	DefaultPersistRetryMax = time.Minute
)

// Renderer produces the content of every artifact a flow publishes.
type Renderer interface {
	Reservation(r *domain.Raid) string
	JoinNotice(r *domain.Raid) string
	Roster(r *domain.Raid, now time.Time) string
	Departure(r *domain.Raid) string
}

// Reminder schedules the pre-deadline reminder. The returned channel yields true once the
// reminders went out and is closed when the job exits.
type Reminder interface {
	Schedule(ctx context.Context, r *domain.Raid, at time.Time) <-chan bool
}

// Hooks are the narrow callbacks a flow makes into its owner.
type Hooks struct {
	// Artifacts runs after the raid's published artifacts changed.
	Artifacts func(r *domain.Raid)
	// Ended runs once the raid is unpublished, before it is archived.
	Ended func(r *domain.Raid)
}

type Config struct {
	Store    ports.RaidStore
	Gateway  ports.Gateway
	Renderer Renderer
	Reminder Reminder
	Clock    clock.Clock
	Log      zerolog.Logger
	Hooks    Hooks

	GracePeriod     time.Duration
	PersistRetry    time.Duration
	PersistRetryMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.PersistRetry <= 0 {
		c.PersistRetry = DefaultPersistRetry
	}
	if c.PersistRetryMax < c.PersistRetry {
		c.PersistRetryMax = DefaultPersistRetryMax
		if c.PersistRetryMax < c.PersistRetry {
			c.PersistRetryMax = c.PersistRetry
		}
	}
	return c
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
)

type command struct {
	kind  cmdKind
	who   domain.Participant
	reply chan error
}

// Flow drives one raid from creation to archival. Run must be started exactly once; every
// mutation of the raid happens on the Run goroutine.
type Flow struct {
	raid *domain.Raid
	cfg  Config
	log  zerolog.Logger

	mu      sync.RWMutex
	state   State
	stalled bool

	cursor          *schedule.Cursor
	missed          int
	departed        bool
	notifierStarted bool
	reminderDone    <-chan bool
	cancelNotifier  context.CancelFunc
	dirty           bool

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New prepares a flow for a freshly created raid.
func New(raid *domain.Raid, cfg Config) *Flow {
	f := newFlow(raid, cfg)
	f.cursor = schedule.NewCursor(raid.Schedule)
	f.state = Created
	return f
}

// Resume prepares a flow for a raid reconstructed from snap. Checkpoints already in the past
// are dropped and coalesced into one catch-up roster update; the starting state follows from
// the current time and the artifacts the raid still owns.
func Resume(raid *domain.Raid, snap domain.Snapshot, cfg Config) *Flow {
	f := newFlow(raid, cfg)
	now := f.cfg.Clock.Now()
	f.cursor, f.missed = schedule.Resume(raid.Schedule, snap.Remaining, now)

	var hasReservation, hasJoin bool
	for _, h := range raid.Handles() {
		hasReservation = hasReservation || !h.Reservation.IsZero()
		hasJoin = hasJoin || !h.Join.IsZero()
		f.departed = f.departed || !h.Departure.IsZero()
	}
	switch {
	case f.departed:
		f.state = Departing
	case now.Before(raid.WindowOpen) && hasReservation:
		f.state = ReservationOpen
	case now.Before(raid.WindowOpen):
		f.state = Created
	case !hasJoin:
		f.state = ReservationOpen
	default:
		f.state = CollectionOpen
	}
	return f
}

func newFlow(raid *domain.Raid, cfg Config) *Flow {
	cfg = cfg.withDefaults()
	return &Flow{
		raid: raid,
		cfg:  cfg,
		log:  cfg.Log.With().Str("raid_id", raid.ID).Str("community", raid.Community).Logger(),
		cmds: make(chan command),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (f *Flow) Raid() *domain.Raid { return f.raid }

func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Stalled reports whether the flow is retrying a failed store write.
func (f *Flow) Stalled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stalled
}

// Done is closed when Run returns.
func (f *Flow) Done() <-chan struct{} { return f.done }

func (f *Flow) setState(s State) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev != s {
		f.log.Debug().Str("from", prev.String()).Str("state", s.String()).Msg("flow transition")
	}
}

func (f *Flow) setStalled(v bool) {
	f.mu.Lock()
	f.stalled = v
	f.mu.Unlock()
}

// End forces the raid to its terminal state from any other state and waits for the flow to
// finish. Calling it again, or after the flow ended on its own, has no further effect.
func (f *Flow) End() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

// Join adds p through the flow goroutine and persists before returning.
func (f *Flow) Join(ctx context.Context, p domain.Participant) error {
	return f.send(ctx, cmdJoin, p)
}

// Leave removes p through the flow goroutine and persists before returning.
func (f *Flow) Leave(ctx context.Context, p domain.Participant) error {
	return f.send(ctx, cmdLeave, p)
}

func (f *Flow) send(ctx context.Context, kind cmdKind, p domain.Participant) error {
	cmd := command{kind: kind, who: p, reply: make(chan error, 1)}
	select {
	case f.cmds <- cmd:
	case <-f.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the dispatch loop. It returns when the raid ended or ctx was cancelled; the latter
// leaves the persisted raid in place for the next start.
func (f *Flow) Run(ctx context.Context) {
	defer close(f.done)
	defer f.stopNotifier()
	for {
		select {
		case <-f.stop:
			f.finish(ctx, "ended")
			return
		case <-ctx.Done():
			return
		default:
		}

		state := f.State()
		if state == Ended {
			return
		}
		st := plan(f.view())
		if !f.execute(ctx, st.Actions) {
			if f.isStopped() {
				f.finish(ctx, "ended")
			}
			return
		}
		f.setState(st.Next)
		if st.Next == Ended {
			return
		}
		if st.Sleeps() {
			if !f.wait(ctx, st.WakeAt) {
				return
			}
		}
	}
}

func (f *Flow) isStopped() bool {
	select {
	case <-f.stop:
		return true
	default:
		return false
	}
}

func (f *Flow) view() view {
	v := view{
		State:           f.State(),
		Now:             f.cfg.Clock.Now(),
		WindowOpen:      f.raid.WindowOpen,
		Deadline:        f.raid.Deadline,
		Grace:           f.cfg.GracePeriod,
		Missed:          f.missed,
		Departed:        f.departed,
		NotifierStarted: f.notifierStarted,
		Reminded:        f.raid.Reminded(),
		WarningAt:       f.raid.Schedule.WarningAt(),
		HasWarning:      f.cfg.Reminder != nil,
	}
	v.NextCheckpoint, v.HasCheckpoint = f.cursor.Peek()
	for _, h := range f.raid.Handles() {
		v.HasReservation = v.HasReservation || !h.Reservation.IsZero()
		v.HasJoin = v.HasJoin || !h.Join.IsZero()
	}
	return v
}

// wait sleeps until at while serving commands and the reminder result. It returns false when
// the flow must exit.
func (f *Flow) wait(ctx context.Context, at time.Time) bool {
	timer := f.cfg.Clock.At(at)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			return true
		case cmd := <-f.cmds:
			f.handle(ctx, cmd)
		case sent, ok := <-f.reminderDone:
			f.reminderDone = nil
			if ok && sent {
				f.raid.MarkReminded()
				if !f.persist(ctx, "reminded") {
					return f.exitOrFinish(ctx)
				}
			}
		case <-f.stop:
			f.finish(ctx, "ended")
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (f *Flow) exitOrFinish(ctx context.Context) bool {
	if f.isStopped() {
		f.finish(ctx, "ended")
	}
	return false
}

func (f *Flow) execute(ctx context.Context, acts []action) bool {
	for _, a := range acts {
		if !f.do(ctx, a) {
			return false
		}
	}
	if f.dirty && f.State() != Ended {
		return f.persist(ctx, "artifacts")
	}
	return true
}

// do runs one action. It returns false when the flow cannot proceed.
func (f *Flow) do(ctx context.Context, a action) bool {
	switch a {
	case actPersist:
		return f.persist(ctx, f.State().String())
	case actPublishReservation:
		f.guard(a, func() { f.publishAll(ctx, domain.ArtifactReservation, f.cfg.Renderer.Reservation(f.raid)) })
	case actPublishJoin:
		f.guard(a, func() { f.publishAll(ctx, domain.ArtifactJoin, f.cfg.Renderer.JoinNotice(f.raid)) })
	case actDeleteReservation:
		f.guard(a, func() { f.deleteAll(ctx, domain.ArtifactReservation) })
	case actCatchUp:
		f.log.Info().Int("missed", f.missed).Msg("catching up missed checkpoints")
		f.missed = 0
		if !f.persist(ctx, "catch-up") {
			return false
		}
		f.guard(a, func() { f.refreshRoster(ctx) })
	case actStartNotifier:
		f.startNotifier(ctx)
	case actCheckpoint:
		cp, _ := f.cursor.Next()
		f.log.Debug().Time("checkpoint", cp).Int("left", f.cursor.Len()).Msg("checkpoint reached")
		f.guard(a, func() { f.refreshRoster(ctx) })
		if !f.persist(ctx, "checkpoint") {
			return false
		}
	case actPublishDeparture:
		f.departed = true
		f.guard(a, func() { f.publishAll(ctx, domain.ArtifactDeparture, f.cfg.Renderer.Departure(f.raid)) })
	case actFinish:
		f.finish(ctx, "completed")
	}
	return true
}

// guard isolates a publication step; a panic is logged like any other publication failure.
func (f *Flow) guard(a action, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Warn().Str("action", a.String()).Str("panic", fmt.Sprint(rec)).Msg("publication panicked")
		}
	}()
	fn()
}

// handle answers cmd once the roster change is persisted. The roster refresh runs after the
// reply so a slow gateway only delays this raid's next command.
func (f *Flow) handle(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdJoin:
		err = f.applyJoin(ctx, cmd.who)
	case cmdLeave:
		err = f.applyLeave(ctx, cmd.who)
	}
	cmd.reply <- err
	if err == nil && f.State().Accepting() {
		f.guard(actCheckpoint, func() { f.refreshRoster(ctx) })
		f.flushArtifacts(ctx)
	}
}

func (f *Flow) applyJoin(ctx context.Context, p domain.Participant) error {
	switch s := f.State(); {
	case s >= Departing:
		return ErrClosed
	case !s.Accepting():
		return ErrNotOpen
	}
	if err := f.raid.AddMember(p); err != nil {
		return err
	}
	if err := f.save(ctx); err != nil {
		_ = f.raid.RemoveMember(p)
		f.criticalPersist("join", err)
		return &PersistenceError{Op: "join", Err: err}
	}
	return nil
}

// applyLeave saves the roster without p before touching the raid, so a failed save leaves the
// join order intact.
func (f *Flow) applyLeave(ctx context.Context, p domain.Participant) error {
	if s := f.State(); s >= Departing {
		return ErrEnded
	}
	if !f.raid.HasMember(p) {
		return domain.ErrNotMember
	}
	snap := f.snapshot()
	kept := make([]domain.Participant, 0, len(snap.Members))
	for _, m := range snap.Members {
		if !m.Same(p) {
			kept = append(kept, m)
		}
	}
	snap.Members = kept
	if err := f.cfg.Store.Save(ctx, snap); err != nil {
		f.criticalPersist("leave", err)
		return &PersistenceError{Op: "leave", Err: err}
	}
	return f.raid.RemoveMember(p)
}

// flushArtifacts persists artifact refs recorded outside a planned step. A failure is left
// for the next planned persist.
func (f *Flow) flushArtifacts(ctx context.Context) {
	if !f.dirty {
		return
	}
	if err := f.save(ctx); err != nil {
		f.criticalPersist("artifacts", err)
		return
	}
	f.dirty = false
}

func (f *Flow) snapshot() domain.Snapshot {
	return f.raid.Snapshot(f.cursor.Pending(), f.State().String())
}

func (f *Flow) save(ctx context.Context) error {
	return f.cfg.Store.Save(ctx, f.snapshot())
}

func (f *Flow) criticalPersist(op string, err error) {
	f.log.Error().Bool("critical", true).Str("op", op).Err(err).Msg("raid persistence failed")
}

// persist writes the snapshot, retrying with a doubling backoff until it succeeds. While it
// retries the flow does not advance and answers commands with a PersistenceError. It returns
// false when the flow was stopped or shut down instead.
func (f *Flow) persist(ctx context.Context, op string) bool {
	err := f.save(ctx)
	if err == nil {
		f.dirty = false
		return true
	}
	f.setStalled(true)
	defer f.setStalled(false)
	delay := f.cfg.PersistRetry
	for err != nil {
		f.criticalPersist(op, err)
		timer := f.cfg.Clock.At(f.cfg.Clock.Now().Add(delay))
		if !f.stallWait(ctx, timer, op, err) {
			timer.Stop()
			return false
		}
		timer.Stop()
		if delay *= 2; delay > f.cfg.PersistRetryMax {
			delay = f.cfg.PersistRetryMax
		}
		err = f.save(ctx)
	}
	f.dirty = false
	f.log.Info().Str("op", op).Msg("raid persistence recovered")
	return true
}

func (f *Flow) stallWait(ctx context.Context, timer clock.Timer, op string, cause error) bool {
	for {
		select {
		case <-timer.C():
			return true
		case cmd := <-f.cmds:
			cmd.reply <- &PersistenceError{Op: op, Err: cause}
		case <-f.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (f *Flow) startNotifier(ctx context.Context) {
	f.notifierStarted = true
	at, ok := f.raid.Schedule.Warning(f.cfg.Clock.Now())
	if !ok || f.cfg.Reminder == nil {
		return
	}
	nctx, cancel := context.WithCancel(ctx)
	f.cancelNotifier = cancel
	f.reminderDone = f.cfg.Reminder.Schedule(nctx, f.raid, at)
}

func (f *Flow) stopNotifier() {
	if f.cancelNotifier != nil {
		f.cancelNotifier()
		f.cancelNotifier = nil
	}
}

// finish unpublishes, deregisters and archives the raid. It runs at most once per flow.
func (f *Flow) finish(ctx context.Context, reason string) {
	if f.State() == Ended {
		return
	}
	f.stopNotifier()
	f.setState(Ended)
	for _, kind := range []domain.ArtifactKind{domain.ArtifactReservation, domain.ArtifactJoin, domain.ArtifactRoster, domain.ArtifactDeparture} {
		kind := kind
		f.guard(actFinish, func() { f.deleteAll(ctx, kind) })
	}
	if f.cfg.Hooks.Ended != nil {
		f.cfg.Hooks.Ended(f.raid)
	}
	snap := f.snapshot()
	if err := f.cfg.Store.Archive(ctx, snap); err != nil {
		f.criticalPersist("archive", err)
	}
	if err := f.cfg.Store.Delete(ctx, f.raid.ID); err != nil {
		f.criticalPersist("delete", err)
	}
	f.dirty = false
	f.log.Info().Str("reason", reason).Int("members", f.raid.MemberCount()).Msg("raid ended")
}
