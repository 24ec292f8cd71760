package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"raidline/internal/domain"
	"raidline/internal/events"
)

// Save upserts the live snapshot of a raid.
func (r Repo) Save(ctx context.Context, s domain.Snapshot) error {
	members, err := json.Marshal(nonNil(s.Members))
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	handles, err := json.Marshal(s.Handles)
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	remaining, err := json.Marshal(s.Remaining)
	if err != nil {
		return fmt.Errorf("marshal remaining: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO raids(id,community,owner_id,owner_nickname,venue,window_open,deadline,reserved,created_at,state,reminded,members_json,handles_json,remaining_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, reminded=excluded.reminded, owner_nickname=excluded.owner_nickname,
members_json=excluded.members_json, handles_json=excluded.handles_json, remaining_json=excluded.remaining_json, updated_at=excluded.updated_at`,
			s.ID, s.Community, s.Owner.ID, s.Owner.Nickname, s.Venue, formatTime(s.WindowOpen), formatTime(s.Deadline), s.Reserved,
			formatTime(s.CreatedAt), s.State, boolInt(s.Reminded), string(members), string(handles), string(remaining), formatTime(r.now()))
		if err != nil {
			return fmt.Errorf("save raid %s: %w", s.ID, err)
		}
		return r.events().Append(ctx, tx, events.RaidSaved, s.Community, "raid", s.ID, s.Owner.ID, events.EventPayload{
			"state":   s.State,
			"members": len(s.Members),
		})
	})
}

func (r Repo) Delete(ctx context.Context, raidID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var community string
		err := tx.QueryRowContext(ctx, `SELECT community FROM raids WHERE id=?`, raidID).Scan(&community)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM raids WHERE id=?`, raidID); err != nil {
			return fmt.Errorf("delete raid %s: %w", raidID, err)
		}
		return r.events().Append(ctx, tx, events.RaidDeleted, community, "raid", raidID, "", nil)
	})
}

// LoadAll returns every live snapshot, oldest first.
func (r Repo) LoadAll(ctx context.Context) ([]domain.Snapshot, error) {
	query, args, err := builder().
		Select("id", "community", "owner_id", "owner_nickname", "venue", "window_open", "deadline", "reserved",
			"created_at", "state", "reminded", "members_json", "handles_json", "remaining_json").
		From("raids").
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Get loads one live snapshot.
func (r Repo) Get(ctx context.Context, raidID string) (domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,community,owner_id,owner_nickname,venue,window_open,deadline,reserved,created_at,state,reminded,members_json,handles_json,remaining_json FROM raids WHERE id=?`, raidID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, ErrNotFound
	}
	return scanSnapshot(rows)
}

func scanSnapshot(rows *sql.Rows) (domain.Snapshot, error) {
	var (
		s                                    domain.Snapshot
		windowOpen, deadline, createdAt      string
		reminded                             int
		membersJSON, handlesJSON, remainJSON string
	)
	if err := rows.Scan(&s.ID, &s.Community, &s.Owner.ID, &s.Owner.Nickname, &s.Venue, &windowOpen, &deadline, &s.Reserved,
		&createdAt, &s.State, &reminded, &membersJSON, &handlesJSON, &remainJSON); err != nil {
		return s, err
	}
	var err error
	if s.WindowOpen, err = parseTime(windowOpen); err != nil {
		return s, err
	}
	if s.Deadline, err = parseTime(deadline); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	s.Reminded = reminded != 0
	if err := json.Unmarshal([]byte(membersJSON), &s.Members); err != nil {
		return s, fmt.Errorf("raid %s members: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(handlesJSON), &s.Handles); err != nil {
		return s, fmt.Errorf("raid %s handles: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(remainJSON), &s.Remaining); err != nil {
		return s, fmt.Errorf("raid %s remaining: %w", s.ID, err)
	}
	return s, nil
}

// Archive keeps the final snapshot of an ended raid. Archiving the same raid twice keeps
// the latest snapshot.
func (r Repo) Archive(ctx context.Context, s domain.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO raid_archive(id,community,owner_id,venue,deadline,member_count,snapshot_json,archived_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET member_count=excluded.member_count, snapshot_json=excluded.snapshot_json, archived_at=excluded.archived_at`,
			s.ID, s.Community, s.Owner.ID, s.Venue, formatTime(s.Deadline), len(s.Members), string(data), formatTime(r.now()))
		if err != nil {
			return fmt.Errorf("archive raid %s: %w", s.ID, err)
		}
		return r.events().Append(ctx, tx, events.RaidArchived, s.Community, "raid", s.ID, s.Owner.ID, events.EventPayload{
			"members": len(s.Members),
			"venue":   s.Venue,
		})
	})
}

type ArchiveFilters struct {
	Community string
	OwnerID   string
	Limit     int
}

// ListArchive returns archived raids, most recent deadline first.
func (r Repo) ListArchive(ctx context.Context, f ArchiveFilters) ([]domain.ArchivedRaid, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := builder().Select("snapshot_json", "archived_at").From("raid_archive")
	if f.Community != "" {
		q = q.Where("community = ?", f.Community)
	}
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	query, args, err := q.OrderBy("deadline DESC", "id ASC").Limit(uint64(f.Limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArchivedRaid
	for rows.Next() {
		var (
			data, archivedAt string
			a                domain.ArchivedRaid
		)
		if err := rows.Scan(&data, &archivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &a.Snapshot); err != nil {
			return nil, fmt.Errorf("archived snapshot: %w", err)
		}
		if a.ArchivedAt, err = parseTime(archivedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nonNil(ms []domain.Participant) []domain.Participant {
	if ms == nil {
		return []domain.Participant{}
	}
	return ms
}
