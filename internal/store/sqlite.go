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

	"joinbot/internal/faults"
	"joinbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat is a fixed UTC layout so lexical comparison in SQL matches
// chronological order and exact-instant equality survives the round trip.
const timeFormat = "2006-01-02T15:04:05Z"

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// Open opens (creating if needed) the event database at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, faults.Storage("open", errors.New("sqlite path is required"))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, faults.Storage("open", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, faults.Storage("open", err)
	}
	// SQLite prefers a single writer; each statement auto-commits and no
	// transaction ever spans a dwell wait.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, faults.Storage("migrate", err)
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

func (s *sqliteStore) Upsert(ctx context.Context, ev Event) error {
	if ev.Spec == "" {
		ev.Spec = SpecKey(ev.EventDate, ev.TimeRange)
	}
	if ev.TenantID == "" {
		return faults.Storage("upsert", errors.New("tenant id is required"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(event_spec, tenant_id, event_date, time_range, registration_time, additional_info, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(event_spec, tenant_id) DO UPDATE SET
		   event_date=excluded.event_date,
		   time_range=excluded.time_range,
		   registration_time=excluded.registration_time,
		   additional_info=excluded.additional_info`,
		ev.Spec, ev.TenantID, ev.EventDate, ev.TimeRange,
		ev.RegistrationTime.UTC().Format(timeFormat),
		nullStr(ev.AdditionalInfo),
		s.now().UTC().Format(timeFormat),
	)
	if err != nil {
		return faults.Storage("upsert", err)
	}
	s.log.Debug("event upserted",
		logx.String("spec", ev.Spec),
		logx.String("tenant", ev.TenantID),
		logx.Time("registration_time", ev.RegistrationTime))
	return nil
}

func (s *sqliteStore) FindByRegistrationTime(ctx context.Context, at time.Time, tenantID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM events WHERE registration_time = ? AND tenant_id = ? ORDER BY event_spec ASC`,
		at.UTC().Format(timeFormat), tenantID,
	)
	if err != nil {
		return nil, faults.Storage("find", err)
	}
	defer rows.Close()
	return scanEvents(rows, "find")
}

func (s *sqliteStore) NextBatchAfter(ctx context.Context, now time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM events
		 WHERE registration_time = (
		   SELECT MIN(registration_time) FROM events WHERE registration_time > ?
		 )
		 ORDER BY tenant_id ASC`,
		now.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, faults.Storage("next_batch", err)
	}
	defer rows.Close()
	return scanEvents(rows, "next_batch")
}

func (s *sqliteStore) Remove(ctx context.Context, eventDate, timeRange, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE event_spec = ? AND tenant_id = ?`,
		SpecKey(eventDate, timeRange), tenantID,
	)
	if err != nil {
		return faults.Storage("remove", err)
	}
	return nil
}

func (s *sqliteStore) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE registration_time < ?`, cutoff)
	if err != nil {
		return 0, faults.Storage("purge", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("purged expired events", logx.Int64("rows", n))
	}
	return n, nil
}

func (s *sqliteStore) ListForTenant(ctx context.Context, tenantID string) ([]Event, error) {
	if strings.TrimSpace(tenantID) == "" {
		// A tenant must never be able to enumerate another's events, so
		// there is no cross-tenant listing at all.
		return nil, faults.Storage("list", errors.New("tenant id is required"))
	}
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM events WHERE tenant_id = ? ORDER BY registration_time DESC`,
		tenantID,
	)
	if err != nil {
		return nil, faults.Storage("list", err)
	}
	defer rows.Close()
	return scanEvents(rows, "list")
}

const selectCols = `SELECT event_spec, tenant_id, event_date, time_range, registration_time, additional_info`

func scanEvents(rows *sql.Rows, op string) ([]Event, error) {
	out := []Event{}
	for rows.Next() {
		var (
			ev   Event
			rt   string
			info sql.NullString
		)
		if err := rows.Scan(&ev.Spec, &ev.TenantID, &ev.EventDate, &ev.TimeRange, &rt, &info); err != nil {
			return nil, faults.Storage(op, err)
		}
		t, err := time.Parse(timeFormat, rt)
		if err != nil {
			return nil, faults.Storage(op, fmt.Errorf("bad registration_time %q: %w", rt, err))
		}
		ev.RegistrationTime = t
		ev.AdditionalInfo = info.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Storage(op, err)
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
