package reminders

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists reminders in SQLite. It shares the runtime database file
// with the session store; WAL mode keeps the two handles from blocking each
// other.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the reminder tables at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open reminder db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS reminders (
	id               TEXT PRIMARY KEY,
	session_key      TEXT NOT NULL,
	at_ms            INTEGER,
	every            TEXT NOT NULL DEFAULT '',
	cron             TEXT NOT NULL DEFAULT '',
	tz               TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL,
	body             TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1,
	created_at       INTEGER NOT NULL,
	last_fired_at    INTEGER,
	snoozed_until_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reminders_session ON reminders(session_key);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate reminder db: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts one reminder row.
func (s *Store) Save(r Reminder) error {
	if err := r.Schedule.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`
INSERT INTO reminders (id, session_key, at_ms, every, cron, tz, payload, body, enabled, created_at, last_fired_at, snoozed_until_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	session_key = excluded.session_key,
	at_ms = excluded.at_ms,
	every = excluded.every,
	cron = excluded.cron,
	tz = excluded.tz,
	payload = excluded.payload,
	body = excluded.body,
	enabled = excluded.enabled,
	last_fired_at = excluded.last_fired_at,
	snoozed_until_ms = excluded.snoozed_until_ms`,
		r.ID, r.SessionKey, msOrNil(r.Schedule.At), r.Schedule.Every, r.Schedule.Cron,
		r.Schedule.TZ, string(r.Payload), r.Text, boolInt(r.Enabled),
		r.Created.UnixMilli(), msOrNil(r.LastFiredAt), msOrNil(r.SnoozedUntil))
	if err != nil {
		return fmt.Errorf("save reminder %s: %w", r.ID, err)
	}
	return nil
}

// Get fetches one reminder by id.
func (s *Store) Get(id string) (Reminder, bool, error) {
	row := s.db.QueryRow(selectCols+` WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return Reminder{}, false, nil
	}
	if err != nil {
		return Reminder{}, false, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return r, true, nil
}

// List returns the reminders for a session key, or every reminder when key is
// empty. Ordered by creation time.
func (s *Store) List(sessionKey string) ([]Reminder, error) {
	query := selectCols + ` ORDER BY created_at`
	args := []any{}
	if sessionKey != "" {
		query = selectCols + ` WHERE session_key = ? ORDER BY created_at`
		args = append(args, sessionKey)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEnabled returns every enabled reminder.
func (s *Store) ListEnabled() ([]Reminder, error) {
	rows, err := s.db.Query(selectCols + ` WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list enabled reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(id string, enabled bool) error {
	if _, err := s.db.Exec(`UPDATE reminders SET enabled = ? WHERE id = ?`, boolInt(enabled), id); err != nil {
		return fmt.Errorf("toggle reminder %s: %w", id, err)
	}
	return nil
}

// MarkFired records the firing instant and clears any pending snooze.
func (s *Store) MarkFired(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE reminders SET last_fired_at = ?, snoozed_until_ms = NULL WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark reminder %s fired: %w", id, err)
	}
	return nil
}

// Snooze suppresses firing until the given instant.
func (s *Store) Snooze(id string, until time.Time) error {
	if _, err := s.db.Exec(`UPDATE reminders SET snoozed_until_ms = ? WHERE id = ?`, until.UnixMilli(), id); err != nil {
		return fmt.Errorf("snooze reminder %s: %w", id, err)
	}
	return nil
}

// Delete removes a reminder. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	return nil
}

const selectCols = `SELECT id, session_key, at_ms, every, cron, tz, payload, body, enabled, created_at, last_fired_at, snoozed_until_ms FROM reminders`

type scannable interface {
	Scan(dest ...any) error
}

func scanReminder(row scannable) (Reminder, error) {
	var (
		r                      Reminder
		atMs, firedMs, snoozMs sql.NullInt64
		payload                string
		enabled                int
		createdMs              int64
	)
	err := row.Scan(&r.ID, &r.SessionKey, &atMs, &r.Schedule.Every, &r.Schedule.Cron,
		&r.Schedule.TZ, &payload, &r.Text, &enabled, &createdMs, &firedMs, &snoozMs)
	if err != nil {
		return Reminder{}, err
	}
	r.Payload = PayloadKind(payload)
	r.Enabled = enabled != 0
	r.Created = time.UnixMilli(createdMs)
	if atMs.Valid {
		t := time.UnixMilli(atMs.Int64)
		r.Schedule.At = &t
	}
	if firedMs.Valid {
		t := time.UnixMilli(firedMs.Int64)
		r.LastFiredAt = &t
	}
	if snoozMs.Valid {
		t := time.UnixMilli(snoozMs.Int64)
		r.SnoozedUntil = &t
	}
	return r, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
