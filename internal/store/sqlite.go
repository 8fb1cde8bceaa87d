package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"timerflow/internal/domain"
	"timerflow/internal/txn"
)

var (
	ErrNotFound  = errors.New("timer record not found")
	ErrDuplicate = errors.New("timer record already exists")
)

// Open opens the SQLite database at path in WAL mode. The pool is not
// limited to one connection: a firing's transaction holds its connection
// while writes and reads outside it need their own. Writers queue on
// busy_timeout instead.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	return sql.Open("sqlite", dsn)
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS timers (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  auto_name TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL CHECK(state IN ('CREATED','STARTED_IN_TX','ACTIVE','CANCELED_IN_TX','IN_TIMEOUT','RETRY_TIMEOUT','CANCELED','EXPIRED')),
  initial_at DATETIME NOT NULL,
  next_at DATETIME,
  previous_at DATETIME,
  interval_ns INTEGER NOT NULL DEFAULT 0,
  payload BLOB,
  persistent INTEGER NOT NULL DEFAULT 1,
  calendar INTEGER NOT NULL DEFAULT 0,
  cal_second TEXT NOT NULL DEFAULT '',
  cal_minute TEXT NOT NULL DEFAULT '',
  cal_hour TEXT NOT NULL DEFAULT '',
  cal_day_of_week TEXT NOT NULL DEFAULT '',
  cal_day_of_month TEXT NOT NULL DEFAULT '',
  cal_month TEXT NOT NULL DEFAULT '',
  cal_year TEXT NOT NULL DEFAULT '',
  cal_timezone TEXT NOT NULL DEFAULT '',
  cal_start DATETIME,
  cal_end DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_timers_owner_state ON timers(owner, state);
`
	_, err := db.Exec(schema)
	return err
}

const columns = `id,owner,auto_name,state,initial_at,next_at,previous_at,interval_ns,payload,persistent,
calendar,cal_second,cal_minute,cal_hour,cal_day_of_week,cal_day_of_month,cal_month,cal_year,cal_timezone,cal_start,cal_end,
created_at,updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite keeps timer records in a SQLite database. Writes made while ctx
// carries a transaction go through that transaction.
type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) conn(ctx context.Context) (querier, error) {
	tx, err := txn.SQLTx(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		return tx, nil
	}
	return s.db, nil
}

func (s *SQLite) Persist(ctx context.Context, rec domain.TimerRecord) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM timers WHERE id=?`, rec.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO timers (`+columns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`, args(rec)...)
	return err
}

func (s *SQLite) Merge(ctx context.Context, rec domain.TimerRecord) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO timers (`+columns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  owner=excluded.owner, auto_name=excluded.auto_name, state=excluded.state,
  initial_at=excluded.initial_at, next_at=excluded.next_at, previous_at=excluded.previous_at,
  interval_ns=excluded.interval_ns, payload=excluded.payload, persistent=excluded.persistent,
  calendar=excluded.calendar, cal_second=excluded.cal_second, cal_minute=excluded.cal_minute,
  cal_hour=excluded.cal_hour, cal_day_of_week=excluded.cal_day_of_week, cal_day_of_month=excluded.cal_day_of_month,
  cal_month=excluded.cal_month, cal_year=excluded.cal_year, cal_timezone=excluded.cal_timezone,
  cal_start=excluded.cal_start, cal_end=excluded.cal_end, updated_at=CURRENT_TIMESTAMP`, args(rec)...)
	return err
}

// Query returns the records of owner whose state is not one of excluded,
// oldest first.
func (s *SQLite) Query(ctx context.Context, owner string, excluded ...domain.State) ([]domain.TimerRecord, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + columns + ` FROM timers WHERE owner=?`
	params := []any{owner}
	if len(excluded) > 0 {
		query += ` AND state NOT IN (?` + strings.Repeat(",?", len(excluded)-1) + `)`
		for _, st := range excluded {
			params = append(params, st.String())
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.TimerRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.TimerRecord, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return domain.TimerRecord{}, err
	}
	rec, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+` FROM timers WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimerRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func args(rec domain.TimerRecord) []any {
	cal := rec.Calendar
	isCal := cal != nil
	if cal == nil {
		cal = &domain.CalendarRecord{}
	}
	return []any{
		rec.ID, rec.Owner, rec.AutoName, rec.State.String(), rec.Initial.UTC(),
		nullTime(rec.Next), nullTime(rec.Previous), int64(rec.Interval), rec.Payload, rec.Persistent,
		isCal, cal.Second, cal.Minute, cal.Hour, cal.DayOfWeek, cal.DayOfMonth, cal.Month, cal.Year,
		cal.Timezone, nullTime(cal.Start), nullTime(cal.End),
	}
}

type scanner interface{ Scan(dest ...any) error }

func scan(row scanner) (domain.TimerRecord, error) {
	var (
		rec                    domain.TimerRecord
		state                  string
		next, prev, start, end sql.NullTime
		interval               int64
		isCal                  bool
		cal                    domain.CalendarRecord
	)
	err := row.Scan(&rec.ID, &rec.Owner, &rec.AutoName, &state, &rec.Initial, &next, &prev, &interval,
		&rec.Payload, &rec.Persistent, &isCal, &cal.Second, &cal.Minute, &cal.Hour, &cal.DayOfWeek,
		&cal.DayOfMonth, &cal.Month, &cal.Year, &cal.Timezone, &start, &end, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.TimerRecord{}, err
	}
	if rec.State, err = domain.ParseState(state); err != nil {
		return domain.TimerRecord{}, err
	}
	rec.Interval = time.Duration(interval)
	rec.Next, rec.Previous = timePtr(next), timePtr(prev)
	if isCal {
		cal.Start, cal.End = timePtr(start), timePtr(end)
		rec.Calendar = &cal
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
