package ports

import (
	"context"

	"raidline/internal/domain"
)

// RaidStore persists live raid snapshots and their archive.
type RaidStore interface {
	Save(ctx context.Context, s domain.Snapshot) error
	Delete(ctx context.Context, raidID string) error
	LoadAll(ctx context.Context) ([]domain.Snapshot, error)
	Archive(ctx context.Context, s domain.Snapshot) error
}
