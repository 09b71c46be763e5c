//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "fetchbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, j Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, target, owner, dedup_key, rendition, destination,
		                  state, created_at, started_at, finished_at,
		                  bytes_total, bytes_done, err, reason, retry_count)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, started_at=excluded.started_at,
		   finished_at=excluded.finished_at, bytes_total=excluded.bytes_total,
		   bytes_done=excluded.bytes_done, err=excluded.err,
		   reason=excluded.reason, retry_count=excluded.retry_count`,
		j.ID, string(j.Kind), j.Target, j.Owner, j.DedupKey, j.Rendition, j.Destination,
		string(j.State), timeMilli(j.CreatedAt), timeMilli(j.StartedAt), timeMilli(j.FinishedAt),
		j.BytesTotal, j.BytesDone, nullStr(j.Error), nullStr(j.Reason), j.RetryCount,
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, bool, error) {
	if s == nil || s.db == nil {
		return Job{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, target, owner, dedup_key, rendition, destination,
		        state, created_at, started_at, finished_at,
		        bytes_total, bytes_done, err, reason, retry_count
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, target, owner, dedup_key, rendition, destination,
		        state, created_at, started_at, finished_at,
		        bytes_total, bytes_done, err, reason, retry_count
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE state IN ('succeeded','failed','cancelled')
		   AND finished_at > 0 AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var kind, state string
	var createdMS, startMS, finishMS int64
	var errStr, reasonStr sql.NullString
	err := r.Scan(&j.ID, &kind, &j.Target, &j.Owner, &j.DedupKey, &j.Rendition, &j.Destination,
		&state, &createdMS, &startMS, &finishMS,
		&j.BytesTotal, &j.BytesDone, &errStr, &reasonStr, &j.RetryCount)
	if err != nil {
		return Job{}, err
	}
	j.Kind = Kind(kind)
	j.State = State(state)
	j.CreatedAt = milliTime(createdMS)
	j.StartedAt = milliTime(startMS)
	j.FinishedAt = milliTime(finishMS)
	j.Error = errStr.String
	j.Reason = reasonStr.String
	return j, nil
}

func timeMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func milliTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
