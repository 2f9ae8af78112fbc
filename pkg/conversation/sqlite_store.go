package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	system_prompt TEXT NOT NULL,
	word_budget   INTEGER NOT NULL,
	format        TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_templates (
	session_id      TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	template        TEXT NOT NULL,
	reply_cue       TEXT NOT NULL,
	reply_delimiter TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	time       TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// SQLiteStore persists sessions so they survive a restart. Sessions that were
// already handed out stay cached, Get always returns the same *Session for an
// id while the store is open.
type SQLiteStore struct {
	db      *sql.DB
	factory Factory

	mu   sync.Mutex
	live map[string]*Session
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string, factory Factory) (*SQLiteStore, error) {
	dsn := path +
		"?_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, factory)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore uses an already open database and creates the tables.
func NewSQLiteStore(db *sql.DB, factory Factory) (*SQLiteStore, error) {
	if factory == nil {
		factory = NewFactory()
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create session tables: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		factory: factory,
		live:    map[string]*Session{},
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.live[id]; ok {
		return sess, nil
	}

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = s.factory(id)
	}
	s.live[id] = sess
	return sess, nil
}

func (s *SQLiteStore) load(ctx context.Context, id string) (*Session, error) {
	state := SessionState{ID: id}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT system_prompt, word_budget, format, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&state.SystemPrompt, &state.WordBudget, &state.Format, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	state.CreatedAt = parseTime(createdAt)

	err = s.db.QueryRowContext(ctx,
		`SELECT template, reply_cue, reply_delimiter FROM session_templates WHERE session_id = ?`, id,
	).Scan(&state.Template, &state.ReplyCue, &state.ReplyDelimiter)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load format of session %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, time FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load turns of session %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var t Turn
		var role, ts string
		if err := rows.Scan(&role, &t.Text, &ts); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.Time = parseTime(ts)
		state.Turns = append(state.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var options []Option
	if _, err := formatOf(state); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Unknown stored format, using the default one")
		options = append(options, WithFormat(s.factory(id).Format()))
	}
	return Restore(state, options...)
}

// Save writes the session and replaces its stored turns.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	state := sess.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, system_prompt, word_budget, format, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			word_budget = excluded.word_budget,
			format = excluded.format`,
		state.ID, state.SystemPrompt, state.WordBudget, state.Format, formatTime(state.CreatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_templates WHERE session_id = ?`, state.ID); err != nil {
		return err
	}
	if state.Template != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_templates (session_id, template, reply_cue, reply_delimiter) VALUES (?, ?, ?, ?)`,
			state.ID, state.Template, state.ReplyCue, state.ReplyDelimiter)
		if err != nil {
			return fmt.Errorf("save format of session %s: %w", state.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, state.ID); err != nil {
		return err
	}
	for i, t := range state.Turns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, role, text, time) VALUES (?, ?, ?, ?, ?)`,
			state.ID, i, string(t.Role), t.Text, formatTime(t.Time))
		if err != nil {
			return fmt.Errorf("save turn %d of session %s: %w", i, state.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.live[state.ID] = sess
	s.mu.Unlock()

	log.Debug().Str("session", state.ID).Int("turns", len(state.Turns)).Msg("Saved session")
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_templates WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
