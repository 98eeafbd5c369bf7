package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "vaultpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One connection: audit appends are tiny and sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err == nil {
		_, err = db.ExecContext(ctx, string(schema))
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if busy > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendPulseResult(ctx context.Context, r PulseRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	ok := 0
	if r.Success {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pulse_results(event_id, event_type, channel, success, at, message_id, err, kind)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.EventID, r.EventType, r.Channel, ok, r.At.UTC().Format(time.RFC3339Nano),
		nullStr(r.MessageID), nullStr(r.Error), nullStr(r.Kind),
	)
	return err
}

func (s *sqliteStore) RecentPulseResults(ctx context.Context, eventID string, limit int) ([]PulseRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, channel, success, at, message_id, err, kind FROM (
		   SELECT * FROM pulse_results WHERE event_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PulseRecord
	for rows.Next() {
		var (
			r                 PulseRecord
			ok                int
			at                string
			msgID, errS, kind sql.NullString
		)
		if err := rows.Scan(&r.EventID, &r.EventType, &r.Channel, &ok, &at, &msgID, &errS, &kind); err != nil {
			return nil, err
		}
		r.Success = ok == 1
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.MessageID, r.Error, r.Kind = msgID.String, errS.String, kind.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) DeleteSetting(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
