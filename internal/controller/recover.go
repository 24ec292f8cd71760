package controller

import (
	"context"
	"errors"
	"fmt"

	"raidline/internal/domain"
	"raidline/internal/flow"
	"raidline/internal/ports"
	"raidline/internal/schedule"
)

// RecoveryReport counts what Recover did with each persisted raid.
type RecoveryReport struct {
	Resumed       int `json:"resumed"`
	Purged        int `json:"purged"`
	Unrecoverable int `json:"unrecoverable"`
	Invalid       int `json:"invalid"`
	Skipped       int `json:"skipped"`
}

// Recover resumes every persisted raid. Raids past their deadline and grace period are
// purged along with their artifacts; raids whose artifacts have all disappeared are dropped
// with a warning. A raid that already has a flow is left alone.
func (c *Controller) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	snaps, err := c.cfg.Store.LoadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("load raids: %w", err)
	}
	now := c.cfg.Clock.Now()
	for _, snap := range snaps {
		log := c.log.With().Str("raid_id", snap.ID).Logger()
		if _, running := c.entry(snap.ID); running {
			rep.Skipped++
			continue
		}
		if !now.Before(snap.Deadline.Add(c.cfg.GracePeriod)) {
			c.deleteArtifacts(ctx, snap.Handles)
			if err := c.retire(ctx, snap); err != nil {
				return rep, err
			}
			log.Info().Msg("expired raid purged")
			rep.Purged++
			continue
		}
		raid, err := domain.Reconstruct(snap, schedule.WithWarningLead(c.cfg.WarningLead))
		if err != nil {
			log.Warn().Err(err).Msg("invalid raid snapshot dropped")
			if err := c.retire(ctx, snap); err != nil {
				return rep, err
			}
			rep.Invalid++
			continue
		}
		if !c.verifyArtifacts(ctx, raid) {
			log.Warn().Str("venue", raid.Venue).Msg("raid unrecoverable, all artifacts are gone")
			if err := c.retire(ctx, snap); err != nil {
				return rep, err
			}
			rep.Unrecoverable++
			continue
		}
		if !c.register(raid, flow.Resume(raid, snap, c.flowConfig())) {
			rep.Skipped++
			continue
		}
		log.Info().Str("venue", raid.Venue).Int("members", raid.MemberCount()).Msg("raid resumed")
		rep.Resumed++
	}
	c.log.Info().Int("resumed", rep.Resumed).Int("purged", rep.Purged).
		Int("unrecoverable", rep.Unrecoverable).Int("invalid", rep.Invalid).Msg("recovery finished")
	return rep, nil
}

// verifyArtifacts clears references to artifacts that no longer exist. It reports false when
// the raid had published artifacts and none of them survived. An artifact whose existence
// cannot be checked counts as alive.
func (c *Controller) verifyArtifacts(ctx context.Context, raid *domain.Raid) bool {
	total, alive := 0, 0
	for _, h := range raid.Handles() {
		for _, kind := range []domain.ArtifactKind{domain.ArtifactReservation, domain.ArtifactJoin, domain.ArtifactRoster, domain.ArtifactDeparture} {
			ref := h.Ref(kind)
			if ref.IsZero() {
				continue
			}
			total++
			ok, err := c.cfg.Gateway.Exists(ctx, ref)
			if err != nil {
				c.log.Warn().Err(err).Str("raid_id", raid.ID).Str("artifact", string(kind)).Msg("artifact check failed")
				alive++
				continue
			}
			if !ok {
				raid.SetArtifact(h.Community, kind, domain.ArtifactRef{})
				continue
			}
			alive++
		}
	}
	return total == 0 || alive > 0
}

func (c *Controller) deleteArtifacts(ctx context.Context, handles []domain.Handle) {
	for _, h := range handles {
		for _, ref := range h.Refs() {
			if err := c.cfg.Gateway.Delete(ctx, ref); err != nil && !errors.Is(err, ports.ErrArtifactNotFound) {
				c.log.Warn().Err(err).Str("target_community", ref.Community).Msg("artifact cleanup failed")
			}
		}
	}
}

func (c *Controller) retire(ctx context.Context, snap domain.Snapshot) error {
	if err := c.cfg.Store.Archive(ctx, snap); err != nil {
		c.log.Error().Err(err).Bool("critical", true).Str("raid_id", snap.ID).Msg("archive failed")
		return fmt.Errorf("archive raid %s: %w", snap.ID, err)
	}
	if err := c.cfg.Store.Delete(ctx, snap.ID); err != nil {
		c.log.Error().Err(err).Bool("critical", true).Str("raid_id", snap.ID).Msg("delete failed")
		return fmt.Errorf("delete raid %s: %w", snap.ID, err)
	}
	return nil
}
