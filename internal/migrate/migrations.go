package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var files embed.FS

// Step is one embedded schema change, named NNNN_description.sql.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Applied describes a step recorded in schema_migrations.
type Applied struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

const bookkeeping = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

// Steps lists the embedded steps by ascending version.
func Steps() ([]Step, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(entries))
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected NNNN_name.sql", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", e.Name(), prefix)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, e.Name(), v)
		}
		seen[v] = e.Name()
		body, err := files.ReadFile(path.Join("sql", e.Name()))
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: v, Name: e.Name(), SQL: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Migrate brings db up to the latest embedded version.
func Migrate(db *sql.DB) error {
	_, err := Apply(context.Background(), db)
	return err
}

// Apply runs every step not yet recorded, each in its own transaction, and returns the ones it ran.
func Apply(ctx context.Context, db *sql.DB) ([]Step, error) {
	steps, err := Steps()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := Status(ctx, db)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(done))
	for _, a := range done {
		have[a.Version] = true
	}
	var ran []Step
	for _, s := range steps {
		if have[s.Version] {
			continue
		}
		if err := applyStep(ctx, db, s); err != nil {
			return ran, err
		}
		ran = append(ran, s)
	}
	return ran, nil
}

func applyStep(ctx context.Context, db *sql.DB, s Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return fmt.Errorf("migration %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`,
		s.Version, s.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration %s: %w", s.Name, err)
	}
	return tx.Commit()
}

// Status lists the recorded steps. A database that was never migrated has none.
func Status(ctx context.Context, db *sql.DB) ([]Applied, error) {
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		var ts string
		if err := rows.Scan(&a.Version, &a.Name, &ts); err != nil {
			return nil, err
		}
		if a.AppliedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("migration %s: applied_at: %w", a.Name, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
