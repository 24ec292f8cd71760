package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"raidline/internal/domain"
)

type EventFilters struct {
	Community  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestEvents returns the most recent events matching f, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	return r.queryEvents(ctx, f, 0, "id DESC")
}

// EventsAfter returns events with an id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, f EventFilters) ([]domain.Event, error) {
	return r.queryEvents(ctx, f, cursor, "id ASC")
}

func (r Repo) queryEvents(ctx context.Context, f EventFilters, cursor int64, order string) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := builder().
		Select("id", "ts", "type", "COALESCE(community,'')", "entity_kind", "COALESCE(entity_id,'')", "actor_id", "payload_json").
		From("events")
	conds := sq.And{}
	if f.Community != "" {
		conds = append(conds, sq.Eq{"community": f.Community})
	}
	if f.Type != "" {
		conds = append(conds, sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		conds = append(conds, sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		conds = append(conds, sq.Eq{"entity_id": f.EntityID})
	}
	if cursor > 0 {
		conds = append(conds, sq.Gt{"id": cursor})
	}
	if len(conds) > 0 {
		q = q.Where(conds)
	}
	query, args, err := q.OrderBy(order).Limit(uint64(f.Limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Community, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
