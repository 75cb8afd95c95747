package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/replay"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnNotFound    = errors.New("turn not found")
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    user_content TEXT,
    assistant_blocks TEXT,
    assistant_content TEXT,
    created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id_created ON turns(session_id, created_at_ms);
`

type sessionRow struct {
	ID          string         `db:"id"`
	Title       sql.NullString `db:"title"`
	Status      string         `db:"status"`
	CreatedAtMs int64          `db:"created_at_ms"`
	UpdatedAtMs int64          `db:"updated_at_ms"`
}

func (r sessionRow) session() turns.Session {
	ret := turns.Session{
		ID:        r.ID,
		Status:    r.Status,
		CreatedAt: time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAtMs).UTC(),
	}
	if r.Title.Valid {
		t := r.Title.String
		ret.Title = &t
	}
	return ret
}

type turnRow struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	UserContent      sql.NullString `db:"user_content"`
	AssistantBlocks  sql.NullString `db:"assistant_blocks"`
	AssistantContent sql.NullString `db:"assistant_content"`
	CreatedAtMs      int64          `db:"created_at_ms"`
}

func (r turnRow) stored() replay.StoredTurn {
	ret := replay.StoredTurn{
		ID:        r.ID,
		SessionID: r.SessionID,
		CreatedAt: time.UnixMilli(r.CreatedAtMs).UTC(),
	}
	if r.UserContent.Valid {
		u := r.UserContent.String
		ret.UserContent = &u
	}
	if r.AssistantBlocks.Valid {
		ret.AssistantBlocks = []byte(r.AssistantBlocks.String)
	}
	if r.AssistantContent.Valid {
		a := r.AssistantContent.String
		ret.AssistantContent = &a
	}
	return ret
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Store persists sessions and their completed turns in SQLite.
type Store struct {
	db     *sqlx.DB
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens the database at dsn and applies the schema.
func Open(dsn string, options ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if dsn == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		now:    time.Now,
		logger: log.With().Str("component", "store").Logger(),
	}
	for _, o := range options {
		o(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPath opens a database file, creating its directory if needed.
func OpenPath(path string, options ...Option) (*Store, error) {
	if path == ":memory:" {
		return Open(path, options...)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", path)
	}
	return Open(path+"?_foreign_keys=on", options...)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaV1)
	return errors.Wrap(err, "failed to apply schema")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession creates an active session.
func (s *Store) CreateSession(ctx context.Context, title *string) (turns.Session, error) {
	now := s.now().UnixMilli()
	row := sessionRow{
		ID:          uuid.NewString(),
		Title:       nullString(title),
		Status:      turns.SessionStatusActive,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO sessions (id, title, status, created_at_ms, updated_at_ms)
VALUES (:id, :title, :status, :created_at_ms, :updated_at_ms)`, row)
	if err != nil {
		return turns.Session{}, errors.Wrap(err, "failed to create session")
	}
	s.logger.Debug().Str("session_id", row.ID).Msg("session created")
	return row.session(), nil
}

// ListSessions returns all sessions, newest first, without their turns.
func (s *Store) ListSessions(ctx context.Context) ([]turns.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sessions ORDER BY created_at_ms DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	ret := make([]turns.Session, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, r.session())
	}
	return ret, nil
}

func (s *Store) getSessionRow(ctx context.Context, id string) (sessionRow, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return row, errors.Wrapf(ErrSessionNotFound, "session %s", id)
	case err != nil:
		return row, errors.Wrapf(err, "failed to load session %s", id)
	}
	return row, nil
}

// GetSession returns a session with its turns, oldest first. Turns whose stored payload
// cannot be replayed are left out of Turns and their IDs reported in MalformedTurns.
func (s *Store) GetSession(ctx context.Context, id string) (turns.Session, error) {
	row, err := s.getSessionRow(ctx, id)
	if err != nil {
		return turns.Session{}, err
	}
	stored, err := s.LoadTurns(ctx, id)
	if err != nil {
		return turns.Session{}, err
	}

	ret := row.session()
	ret.Turns = make([]turns.Turn, 0, len(stored))
	for _, st := range stored {
		t, err := replay.Replay(st)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Str("turn_id", st.ID).Msg("skipping malformed turn")
			ret.MalformedTurns = append(ret.MalformedTurns, st.ID)
			continue
		}
		ret.Turns = append(ret.Turns, t)
	}
	return ret, nil
}

// LoadTurns returns the stored turns of a session, oldest first.
func (s *Store) LoadTurns(ctx context.Context, sessionID string) ([]replay.StoredTurn, error) {
	var rows []turnRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM turns WHERE session_id = ? ORDER BY created_at_ms, rowid`, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load turns of session %s", sessionID)
	}
	ret := make([]replay.StoredTurn, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, r.stored())
	}
	return ret, nil
}

// GetTurn returns one stored turn.
func (s *Store) GetTurn(ctx context.Context, turnID string) (replay.StoredTurn, error) {
	var row turnRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM turns WHERE id = ?`, turnID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return replay.StoredTurn{}, errors.Wrapf(ErrTurnNotFound, "turn %s", turnID)
	case err != nil:
		return replay.StoredTurn{}, errors.Wrapf(err, "failed to load turn %s", turnID)
	}
	return row.stored(), nil
}

// SaveTurn stores a completed turn with its ordered block array.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, t turns.Turn) (replay.StoredTurn, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	st, err := replay.FromTurn(sessionID, t)
	if err != nil {
		return replay.StoredTurn{}, err
	}
	return st, s.insertTurn(ctx, st)
}

// SaveLegacyTurn stores a turn in the flat-string schema.
func (s *Store) SaveLegacyTurn(ctx context.Context, sessionID string, turnID string, userContent string, assistantContent string) (replay.StoredTurn, error) {
	if turnID == "" {
		turnID = uuid.NewString()
	}
	st := replay.StoredTurn{
		ID:               turnID,
		SessionID:        sessionID,
		UserContent:      &userContent,
		AssistantContent: &assistantContent,
		CreatedAt:        s.now(),
	}
	return st, s.insertTurn(ctx, st)
}

func (s *Store) insertTurn(ctx context.Context, st replay.StoredTurn) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ms = ? WHERE id = ?`, s.now().UnixMilli(), st.SessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to touch session %s", st.SessionID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrSessionNotFound, "session %s", st.SessionID)
	}

	row := turnRow{
		ID:               st.ID,
		SessionID:        st.SessionID,
		UserContent:      nullString(st.UserContent),
		AssistantContent: nullString(st.AssistantContent),
		CreatedAtMs:      st.CreatedAt.UnixMilli(),
	}
	if len(st.AssistantBlocks) > 0 {
		row.AssistantBlocks = sql.NullString{String: string(st.AssistantBlocks), Valid: true}
	}
	_, err = tx.NamedExecContext(ctx, `
INSERT INTO turns (id, session_id, user_content, assistant_blocks, assistant_content, created_at_ms)
VALUES (:id, :session_id, :user_content, :assistant_blocks, :assistant_content, :created_at_ms)`, row)
	if err != nil {
		return errors.Wrapf(err, "failed to save turn %s", st.ID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit turn")
	}
	s.logger.Debug().Str("session_id", st.SessionID).Str("turn_id", st.ID).Msg("turn saved")
	return nil
}

// SetTitle sets the title of a session.
func (s *Store) SetTitle(ctx context.Context, sessionID string, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at_ms = ? WHERE id = ?`,
		title, s.now().UnixMilli(), sessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to set title of session %s", sessionID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	return nil
}

// ImportSession stores a session created elsewhere, keeping its ID and timestamps.
// Turns are not imported. An existing session with the same ID is left unchanged.
func (s *Store) ImportSession(ctx context.Context, sess turns.Session) error {
	if sess.ID == "" {
		return errors.New("cannot import a session without id")
	}
	row := sessionRow{
		ID:          sess.ID,
		Title:       nullString(sess.Title),
		Status:      sess.Status,
		CreatedAtMs: sess.CreatedAt.UnixMilli(),
		UpdatedAtMs: sess.UpdatedAt.UnixMilli(),
	}
	if row.Status == "" {
		row.Status = turns.SessionStatusActive
	}
	if sess.CreatedAt.IsZero() {
		row.CreatedAtMs = s.now().UnixMilli()
	}
	if sess.UpdatedAt.IsZero() {
		row.UpdatedAtMs = row.CreatedAtMs
	}
	_, err := s.db.NamedExecContext(ctx, `
INSERT OR IGNORE INTO sessions (id, title, status, created_at_ms, updated_at_ms)
VALUES (:id, :title, :status, :created_at_ms, :updated_at_ms)`, row)
	return errors.Wrapf(err, "failed to import session %s", sess.ID)
}
