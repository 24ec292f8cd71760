package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/flow"
	"raidline/internal/gate"
	"raidline/internal/ports"
	"raidline/internal/schedule"
)

var ErrUnknownRaid = errors.New("unknown raid")

// Community is a configured namespace raids are published in.
type Community struct {
	ID      string
	Channel string
	// Share mirrors raids between every community that has it set.
	Share bool
}

// Renderer is the artifact text the controller and its flows need.
type Renderer interface {
	flow.Renderer
	Rejection(message string) string
}

type Config struct {
	Store    ports.RaidStore
	Gateway  ports.Gateway
	Identity ports.Identity
	Asker    gate.Asker
	Renderer Renderer
	Reminder flow.Reminder
	Clock    clock.Clock
	Log      zerolog.Logger

	Communities []Community

	GracePeriod     time.Duration
	WarningLead     time.Duration
	QuestionTimeout time.Duration
	PersistRetry    time.Duration
	PersistRetryMax time.Duration

	NewID func() string
}

type entry struct {
	raid *domain.Raid
	flow *flow.Flow
}

// Controller supervises every live raid. It is the only place flows are started, and it
// keeps at most one flow per raid.
type Controller struct {
	cfg   Config
	log   zerolog.Logger
	gates gate.Gates

	mu          sync.RWMutex
	managers    map[string]*manager
	communities map[string]Community
	flows       map[string]entry

	joinMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = flow.DefaultGracePeriod
	}
	if cfg.WarningLead <= 0 {
		cfg.WarningLead = schedule.DefaultWarningLead
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		log:         cfg.Log.With().Str("component", "controller").Logger(),
		managers:    map[string]*manager{},
		communities: map[string]Community{},
		flows:       map[string]entry{},
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, cm := range cfg.Communities {
		c.communities[cm.ID] = cm
	}
	c.gates = gate.NewGates(c, cfg.Identity, cfg.Asker,
		gate.WithClock(cfg.Clock),
		gate.WithLogger(cfg.Log),
		gate.WithQuestionTimeout(cfg.QuestionTimeout),
	)
	return c
}

// manager returns the community's manager, creating it on first use.
func (c *Controller) manager(community string) *manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.managers[community]
	if !ok {
		m = newManager(community)
		c.managers[community] = m
	}
	return m
}

func (c *Controller) existingManager(community string) (*manager, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.managers[community]
	return m, ok
}

// Raids lists the live raids visible in community, or all of them for an empty community.
func (c *Controller) Raids(community string) []*domain.Raid {
	var out []*domain.Raid
	if community == "" {
		c.mu.RLock()
		for _, e := range c.flows {
			out = append(out, e.raid)
		}
		c.mu.RUnlock()
	} else if m, ok := c.existingManager(community); ok {
		out = m.list()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByArtifact resolves a published artifact back to its raid.
func (c *Controller) ByArtifact(ref domain.ArtifactRef) (*domain.Raid, bool) {
	m, ok := c.existingManager(ref.Community)
	if !ok {
		return nil, false
	}
	return m.byArtifact(ref.MessageID)
}

func (c *Controller) ListRaids(community string) []domain.RaidSummary {
	raids := c.Raids(community)
	out := make([]domain.RaidSummary, 0, len(raids))
	for _, r := range raids {
		out = append(out, c.summary(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Get returns the summary of a live raid.
func (c *Controller) Get(raidID string) (domain.RaidSummary, bool) {
	c.mu.RLock()
	e, ok := c.flows[raidID]
	c.mu.RUnlock()
	if !ok {
		return domain.RaidSummary{}, false
	}
	return c.summary(e.raid), true
}

func (c *Controller) summary(r *domain.Raid) domain.RaidSummary {
	s := r.Summary()
	c.mu.RLock()
	if e, ok := c.flows[r.ID]; ok {
		s.State = e.flow.State().String()
	}
	c.mu.RUnlock()
	return s
}

func (c *Controller) entry(raidID string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.flows[raidID]
	return e, ok
}

func (c *Controller) flowConfig() flow.Config {
	return flow.Config{
		Store:    c.cfg.Store,
		Gateway:  c.cfg.Gateway,
		Renderer: c.cfg.Renderer,
		Reminder: c.cfg.Reminder,
		Clock:    c.cfg.Clock,
		Log:      c.cfg.Log,
		Hooks: flow.Hooks{
			Artifacts: c.reindex,
			Ended:     c.deregister,
		},
		GracePeriod:     c.cfg.GracePeriod,
		PersistRetry:    c.cfg.PersistRetry,
		PersistRetryMax: c.cfg.PersistRetryMax,
	}
}

// register indexes the raid in every community it is published in and starts f. It refuses
// a second flow for the same raid.
func (c *Controller) register(raid *domain.Raid, f *flow.Flow) bool {
	c.mu.Lock()
	if _, ok := c.flows[raid.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.flows[raid.ID] = entry{raid: raid, flow: f}
	c.mu.Unlock()

	for _, h := range raid.Handles() {
		c.manager(h.Community).add(raid)
	}
	c.wg.Add(1)
	go c.supervise(raid, f)
	return true
}

// supervise runs one flow. A panic ends only that flow.
func (c *Controller) supervise(raid *domain.Raid, f *flow.Flow) {
	defer c.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Str("raid_id", raid.ID).Str("panic", fmt.Sprint(rec)).Msg("flow crashed")
			c.deregister(raid)
		}
	}()
	f.Run(c.ctx)
}

func (c *Controller) reindex(raid *domain.Raid) {
	for _, h := range raid.Handles() {
		c.manager(h.Community).index(raid)
	}
}

func (c *Controller) deregister(raid *domain.Raid) {
	c.mu.Lock()
	delete(c.flows, raid.ID)
	c.mu.Unlock()
	for _, h := range raid.Handles() {
		if m, ok := c.existingManager(h.Community); ok {
			m.remove(raid)
		}
	}
}

// resolve fills in the nickname of p from the identity store.
func (c *Controller) resolve(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		return p, gate.NewRejection("", gate.ReasonInvalid, "A participant identity is required.")
	}
	if p.Nickname != "" {
		return p, nil
	}
	resolved, err := c.cfg.Identity.Resolve(ctx, p.ID)
	if err != nil {
		return p, fmt.Errorf("resolve participant: %w", err)
	}
	return resolved, nil
}

func (c *Controller) handlesFor(origin Community) []domain.Handle {
	handles := []domain.Handle{{Community: origin.ID, Channel: origin.Channel}}
	if !origin.Share {
		return handles
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var shared []Community
	for _, cm := range c.communities {
		if cm.Share && cm.ID != origin.ID {
			shared = append(shared, cm)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].ID < shared[j].ID })
	for _, cm := range shared {
		handles = append(handles, domain.Handle{Community: cm.ID, Channel: cm.Channel})
	}
	return handles
}

func (c *Controller) community(id string) (Community, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cm, ok := c.communities[strings.TrimSpace(id)]
	return cm, ok
}

// Shutdown stops every flow without ending its raid; persisted raids resume on the next start.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
