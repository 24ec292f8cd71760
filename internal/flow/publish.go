package flow

import (
	"context"
	"errors"

	"raidline/internal/domain"
	"raidline/internal/ports"
)

// publishAll posts content as kind to every community handle of the raid. Failures are logged
// and skipped; the flow proceeds without that artifact.
func (f *Flow) publishAll(ctx context.Context, kind domain.ArtifactKind, content string) {
	changed := false
	for _, h := range f.raid.Handles() {
		dest := ports.Destination{Community: h.Community, Channel: h.Channel}
		ref, err := f.cfg.Gateway.Publish(ctx, dest, kind, content)
		if err != nil {
			f.publicationFailed(kind, h.Community, err)
			continue
		}
		f.raid.SetArtifact(h.Community, kind, ref)
		changed = true
	}
	if changed {
		f.artifactsChanged()
	}
}

// refreshRoster edits the roster where one exists and publishes it elsewhere. A failed
// community keeps its old roster until the next checkpoint.
func (f *Flow) refreshRoster(ctx context.Context) {
	content := f.cfg.Renderer.Roster(f.raid, f.cfg.Clock.Now())
	changed := false
	for _, h := range f.raid.Handles() {
		if !h.Roster.IsZero() {
			err := f.cfg.Gateway.Update(ctx, h.Roster, content)
			if err == nil {
				continue
			}
			if !errors.Is(err, ports.ErrArtifactNotFound) {
				f.publicationFailed(domain.ArtifactRoster, h.Community, err)
				continue
			}
		}
		ref, err := f.cfg.Gateway.Publish(ctx, ports.Destination{Community: h.Community, Channel: h.Channel}, domain.ArtifactRoster, content)
		if err != nil {
			f.publicationFailed(domain.ArtifactRoster, h.Community, err)
			continue
		}
		f.raid.SetArtifact(h.Community, domain.ArtifactRoster, ref)
		changed = true
	}
	if changed {
		f.artifactsChanged()
	}
}

// deleteAll removes every artifact of kind. A ref that is already gone counts as deleted.
func (f *Flow) deleteAll(ctx context.Context, kind domain.ArtifactKind) {
	changed := false
	for _, h := range f.raid.Handles() {
		ref := h.Ref(kind)
		if ref.IsZero() {
			continue
		}
		if err := f.cfg.Gateway.Delete(ctx, ref); err != nil && !errors.Is(err, ports.ErrArtifactNotFound) {
			f.publicationFailed(kind, h.Community, err)
		}
		f.raid.SetArtifact(h.Community, kind, domain.ArtifactRef{})
		changed = true
	}
	if changed {
		f.artifactsChanged()
	}
}

func (f *Flow) artifactsChanged() {
	f.dirty = true
	if f.cfg.Hooks.Artifacts != nil {
		f.cfg.Hooks.Artifacts(f.raid)
	}
}

func (f *Flow) publicationFailed(kind domain.ArtifactKind, community string, err error) {
	f.log.Warn().Str("artifact", string(kind)).Str("target_community", community).Err(err).Msg("publication failed")
}
