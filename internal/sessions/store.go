package sessions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moziai/mozi/internal/providers"
)

// Store persists sessions and their context in SQLite. The manager writes
// through on every mutation; Load rebuilds the in-memory map after restart.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the session database at path. The parent
// directory is created when missing.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
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
CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'idle',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS session_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_key ON session_messages(session_key, id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate session db: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts the session row (metadata serialized as JSON).
func (s *Store) SaveSession(sess *Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO sessions (key, agent_id, status, created_at, updated_at, metadata)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	agent_id = excluded.agent_id,
	status = excluded.status,
	updated_at = excluded.updated_at,
	metadata = excluded.metadata`,
		sess.Key, sess.AgentID, string(sess.Status),
		sess.Created.UnixMilli(), sess.Updated.UnixMilli(), string(meta))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Key, err)
	}
	return nil
}

// AppendMessage journals one context message for a session.
func (s *Store) AppendMessage(key string, msg providers.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal session message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO session_messages (session_key, role, payload, created_at) VALUES (?, ?, ?, ?)`,
		key, msg.Role, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append message for %s: %w", key, err)
	}
	return nil
}

// ClearMessages removes all journaled context for a session. Used on rotation.
func (s *Store) ClearMessages(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("clear messages for %s: %w", key, err)
	}
	return nil
}

// DeleteSession removes the session row and its journaled context.
func (s *Store) DeleteSession(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete messages for %s: %w", key, err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return tx.Commit()
}

// LoadAll reads every persisted session, context included.
func (s *Store) LoadAll() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT key, agent_id, status, created_at, updated_at, metadata FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess               Session
			createdMs, updated int64
			meta               string
		)
		var status string
		if err := rows.Scan(&sess.Key, &sess.AgentID, &status, &createdMs, &updated, &meta); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = Status(status)
		sess.Created = time.UnixMilli(createdMs)
		sess.Updated = time.UnixMilli(updated)
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil || sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range out {
		msgs, err := s.loadMessages(sess.Key)
		if err != nil {
			return nil, err
		}
		sess.Context = msgs
	}
	return out, nil
}

func (s *Store) loadMessages(key string) ([]providers.Message, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM session_messages WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", key, err)
	}
	defer rows.Close()

	var msgs []providers.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
