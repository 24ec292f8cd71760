package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/gate"
	"raidline/internal/ports"
)

var (
	ErrUnknownQuestion = errors.New("unknown or expired question")
	ErrNotAddressee    = errors.New("question was asked to someone else")
	ErrInvalidAnswer   = errors.New("invalid answer")
)

// Renderer formats the question text sent to the participant.
type Renderer interface {
	Question(text string, options []string) string
}

// Pending is an open question waiting for its answer.
type Pending struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Community string    `json:"community"`
	Op        string    `json:"op"`
	Text      string    `json:"text"`
	Options   []string  `json:"options,omitempty"`
	AskedAt   time.Time `json:"asked_at" format:"date-time"`
}

type waiter struct {
	info  Pending
	reply chan gate.Reply
}

// Broker delivers gate questions as direct messages and hands answers back to the waiting
// gate. The gate bounds each question with its own timeout.
type Broker struct {
	gateway ports.Gateway
	render  Renderer
	clock   clock.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	waiting map[string]*waiter
}

func NewBroker(gateway ports.Gateway, render Renderer, clk clock.Clock, logger zerolog.Logger) *Broker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broker{gateway: gateway, render: render, clock: clk, logger: logger, waiting: map[string]*waiter{}}
}

func (b *Broker) Ask(ctx context.Context, q gate.Question) (gate.Reply, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	w := &waiter{
		info: Pending{
			ID:        q.ID,
			To:        q.To.ID,
			Community: q.Community,
			Op:        string(q.Op),
			Text:      q.Text,
			Options:   q.Options,
			AskedAt:   b.clock.Now(),
		},
		reply: make(chan gate.Reply, 1),
	}
	b.mu.Lock()
	b.waiting[q.ID] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiting, q.ID)
		b.mu.Unlock()
	}()

	dest := ports.Destination{Community: q.Community, Participant: q.To.ID}
	ref, err := b.gateway.Publish(ctx, dest, domain.ArtifactQuestion, b.render.Question(q.Text, q.Options))
	if err != nil {
		return gate.Reply{}, fmt.Errorf("deliver question: %w", err)
	}
	defer func() {
		if err := b.gateway.Delete(context.WithoutCancel(ctx), ref); err != nil && !errors.Is(err, ports.ErrArtifactNotFound) {
			b.logger.Warn().Err(err).Str("question_id", q.ID).Msg("question cleanup failed")
		}
	}()

	select {
	case r := <-w.reply:
		return r, nil
	case <-ctx.Done():
		return gate.Reply{}, ctx.Err()
	}
}

// Answer delivers reply to the question id if participantID is its addressee.
func (b *Broker) Answer(id, participantID string, reply gate.Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiting[id]
	if !ok {
		return ErrUnknownQuestion
	}
	if w.info.To != participantID {
		return ErrNotAddressee
	}
	if n := len(w.info.Options); n > 0 && reply.Answer == gate.Yes && (reply.Choice < 0 || reply.Choice >= n) {
		return fmt.Errorf("%w: choice must be between 1 and %d", ErrInvalidAnswer, n)
	}
	delete(b.waiting, id)
	w.reply <- reply
	return nil
}

// Pending lists the open questions addressed to participantID, oldest first.
func (b *Broker) Pending(participantID string) []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Pending
	for _, w := range b.waiting {
		if participantID == "" || w.info.To == participantID {
			out = append(out, w.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out
}

// ParseAnswer reads "yes", "no" or a 1-based option number.
func ParseAnswer(s string) (gate.Reply, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "y", "yes", "ok", "confirm":
		return gate.Reply{Answer: gate.Yes}, nil
	case "n", "no", "cancel":
		return gate.Reply{Answer: gate.No}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return gate.Reply{}, fmt.Errorf("%w: %q", ErrInvalidAnswer, s)
	}
	return gate.Reply{Answer: gate.Yes, Choice: n - 1}, nil
}
