package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"raidline/internal/domain"
	"raidline/internal/events"
	"raidline/internal/ports"
)

// Resolve returns the registered participant, or one without a nickname for an unknown id.
func (r Repo) Resolve(ctx context.Context, id string) (domain.Participant, error) {
	var nick string
	err := r.DB.QueryRowContext(ctx, `SELECT nickname FROM participants WHERE id=?`, id).Scan(&nick)
	if err == sql.ErrNoRows {
		return domain.Participant{ID: id}, nil
	}
	if err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{ID: id, Nickname: nick}, nil
}

func (r Repo) ByNickname(ctx context.Context, nickname string) (domain.Participant, error) {
	var p domain.Participant
	err := r.DB.QueryRowContext(ctx, `SELECT id,nickname FROM participants WHERE nickname=? COLLATE NOCASE`, strings.TrimSpace(nickname)).Scan(&p.ID, &p.Nickname)
	if err == sql.ErrNoRows {
		return p, ports.ErrUnknownParticipant
	}
	return p, err
}

// Register records or renames the participant's nickname. Nicknames are unique regardless
// of case.
func (r Repo) Register(ctx context.Context, id, nickname string) (domain.Participant, error) {
	nick := strings.TrimSpace(nickname)
	if id == "" || nick == "" {
		return domain.Participant{}, fmt.Errorf("participant id and nickname are required")
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT id FROM participants WHERE nickname=? COLLATE NOCASE`, nick).Scan(&holder)
		switch {
		case err == nil && holder != id:
			return ports.ErrNicknameTaken
		case err != nil && err != sql.ErrNoRows:
			return err
		}
		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `INSERT INTO participants(id,nickname,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET nickname=excluded.nickname, updated_at=excluded.updated_at`, id, nick, now, now); err != nil {
			return err
		}
		return r.events().Append(ctx, tx, events.ParticipantRegistered, "", "participant", id, id, events.EventPayload{"nickname": nick})
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{ID: id, Nickname: nick}, nil
}

func (r Repo) Flags(ctx context.Context, id string) (ports.ParticipantFlags, error) {
	var muted, notice int
	err := r.DB.QueryRowContext(ctx, `SELECT muted,first_notice_sent FROM participants WHERE id=?`, id).Scan(&muted, &notice)
	if err == sql.ErrNoRows {
		return ports.ParticipantFlags{}, ports.ErrUnknownParticipant
	}
	if err != nil {
		return ports.ParticipantFlags{}, err
	}
	return ports.ParticipantFlags{Muted: muted != 0, FirstNoticeSent: notice != 0}, nil
}

func (r Repo) SetMuted(ctx context.Context, id string, muted bool) error {
	return r.setFlag(ctx, id, "muted", muted)
}

func (r Repo) MarkFirstNotice(ctx context.Context, id string) error {
	return r.setFlag(ctx, id, "first_notice_sent", true)
}

func (r Repo) setFlag(ctx context.Context, id, column string, v bool) error {
	query, args, err := builder().Update("participants").
		Set(column, boolInt(v)).
		Set("updated_at", formatTime(r.now())).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ports.ErrUnknownParticipant
		}
		return r.events().Append(ctx, tx, events.ParticipantFlags, "", "participant", id, id, events.EventPayload{column: v})
	})
}
