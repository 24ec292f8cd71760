package notifier

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/domain"
	"raidline/internal/ports"
)

// Renderer produces reminder and onboarding text.
type Renderer interface {
	Reminder(r *domain.Raid, now time.Time) string
	Onboarding(p domain.Participant) string
}

type Notifier struct {
	gateway  ports.Gateway
	identity ports.Identity
	render   Renderer
	clock    clock.Clock
	logger   zerolog.Logger
}

func New(gateway ports.Gateway, identity ports.Identity, render Renderer, clk clock.Clock, logger zerolog.Logger) *Notifier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Notifier{
		gateway:  gateway,
		identity: identity,
		render:   render,
		clock:    clk,
		logger:   logger,
	}
}

// Schedule starts the reminder job for r at the given instant. The channel yields true after
// the reminders were sent and is closed when the job exits; for an instant already past the
// job is not started and the channel is closed right away.
func (n *Notifier) Schedule(ctx context.Context, r *domain.Raid, at time.Time) <-chan bool {
	done := make(chan bool, 1)
	if !at.After(n.clock.Now()) {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		timer := n.clock.At(at)
		defer timer.Stop()
		select {
		case <-timer.C():
		case <-ctx.Done():
			return
		}
		n.Remind(ctx, r)
		done <- true
	}()
	return done
}

// Remind messages every member who has not muted reminders, and the owner unless the owner
// is also a member. First-time recipients get the onboarding message first.
func (n *Notifier) Remind(ctx context.Context, r *domain.Raid) int {
	recipients := r.Members()
	owner := r.Owner
	if !r.HasMember(owner) {
		recipients = append(recipients, owner)
	}
	text := n.render.Reminder(r, n.clock.Now())
	sent := 0
	for _, p := range recipients {
		log := n.logger.With().Str("raid_id", r.ID).Str("participant", p.ID).Logger()
		flags, err := n.identity.Flags(ctx, p.ID)
		if err != nil {
			log.Warn().Err(err).Msg("reminder skipped, flags unavailable")
			continue
		}
		if flags.Muted {
			log.Debug().Msg("reminder muted")
			continue
		}
		dest := ports.Destination{Community: r.Community, Participant: p.ID}
		if !flags.FirstNoticeSent {
			if _, err := n.gateway.Publish(ctx, dest, domain.ArtifactOnboarding, n.render.Onboarding(p)); err != nil {
				log.Warn().Err(err).Msg("onboarding message failed")
			} else if err := n.identity.MarkFirstNotice(ctx, p.ID); err != nil {
				log.Error().Err(err).Msg("first notice flag not stored")
			}
		}
		if _, err := n.gateway.Publish(ctx, dest, domain.ArtifactReminder, text); err != nil {
			log.Warn().Err(err).Msg("reminder failed")
			continue
		}
		sent++
	}
	n.logger.Info().Str("raid_id", r.ID).Int("sent", sent).Int("recipients", len(recipients)).Msg("reminders sent")
	return sent
}
