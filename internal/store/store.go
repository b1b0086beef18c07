package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by read paths when no matching record exists.
// It is a normal empty result, not a failure of the store.
var ErrNotFound = errors.New("store: not found")

// Index states for the write-ahead marker on exchanges. A row is inserted as
// IndexPending, its search index entry is written, then the row is flipped to
// IndexIndexed inside the same transaction. A crash between steps leaves a
// pending row that Reconcile repairs on the next pass.
const (
	IndexPending = "pending"
	IndexIndexed = "indexed"
)

// Capture methods recorded on an exchange.
const (
	CaptureManual    = "manual"
	CaptureAutomatic = "automatic"
)

// Session is one recording session for a project.
type Session struct {
	ID               string `json:"session_id"`
	ProjectName      string `json:"project_name"`
	StartedAt        string `json:"started_at"`
	RecordingEnabled bool   `json:"recording_enabled"`
}

// Exchange is one recorded unit of conversation content. The JSON shape is the
// durable external representation that export and migration tooling depend on.
type Exchange struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	ProjectName      string   `json:"project_name"`
	ResponseText     string   `json:"response_text"`
	UserNote         string   `json:"user_note"`
	CaptureMethod    string   `json:"capture_method"`
	RecordingEnabled bool     `json:"recording_enabled"`
	CreatedAt        string   `json:"timestamp"`
	LinkedIDs        []string `json:"linked_ids,omitempty"`
}

// Record is a pre-existing discussion or decision that exchanges link to.
// The recording pipeline reads these but never mutates them.
type Record struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

// RecordMatch is a full-text hit against the records index.
type RecordMatch struct {
	ID        string
	Text      string
	CreatedAt string
	Rank      float64
}

// Stats holds aggregate store counts for status reporting.
type Stats struct {
	Sessions  int `json:"sessions"`
	Exchanges int `json:"exchanges"`
	Records   int `json:"records"`
	Links     int `json:"links"`
}

// Store owns the durable content database and its full-text index. All writes
// go through a single mutex: the transaction boundary is the serialization
// point for manual and (future) automatic capture writers.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (or creates) the store at path, applies pragmas and the schema,
// then repairs any index entries left pending by a previous crash.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := s.Reconcile(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup reconcile: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			project_name      TEXT NOT NULL,
			started_at        TEXT NOT NULL,
			recording_enabled INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS exchanges (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			project_name      TEXT NOT NULL,
			response_text     TEXT NOT NULL,
			user_note         TEXT NOT NULL DEFAULT '',
			capture_method    TEXT NOT NULL DEFAULT 'manual',
			recording_enabled INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,
			index_state       TEXT NOT NULL DEFAULT 'pending',
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_exchanges_state   ON exchanges(index_state);

		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS exchange_links (
			exchange_id TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			PRIMARY KEY (exchange_id, record_id),
			FOREIGN KEY (exchange_id) REFERENCES exchanges(id) ON DELETE CASCADE
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS exchanges_fts USING fts5(
			exchange_id UNINDEXED,
			response_text,
			user_note
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			record_id UNINDEXED,
			text,
			tags
		);
	`
	// Link rows reference records weakly on purpose: deleting a record must
	// not corrupt the exchanges that pointed at it.
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_name, started_at, recording_enabled) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ProjectName, sess.StartedAt, boolToInt(sess.RecordingEnabled),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// InsertExchange commits an exchange, its search index entry, and its links as
// one unit of work. The row is written with a pending marker, the index entry
// is added, and the marker is flipped to indexed before the transaction
// commits. Either everything becomes visible or nothing does. The transaction
// is bound to ctx: an operation whose deadline already passed cannot begin or
// commit it.
func (s *Store) InsertExchange(ctx context.Context, ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exchanges (id, session_id, project_name, response_text, user_note, capture_method, recording_enabled, created_at, index_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.ProjectName, ex.ResponseText, ex.UserNote,
		ex.CaptureMethod, boolToInt(ex.RecordingEnabled), ex.CreatedAt, IndexPending,
	); err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exchanges_fts (exchange_id, response_text, user_note) VALUES (?, ?, ?)`,
		ex.ID, ex.ResponseText, ex.UserNote,
	); err != nil {
		return fmt.Errorf("index exchange: %w", err)
	}

	for _, recordID := range ex.LinkedIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO exchange_links (exchange_id, record_id) VALUES (?, ?)`,
			ex.ID, recordID,
		); err != nil {
			return fmt.Errorf("insert link %s: %w", recordID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE exchanges SET index_state = ? WHERE id = ?`, IndexIndexed, ex.ID,
	); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetLinks replaces the link set of an exchange. Used for the corrective
// update path when links are computed after the exchange committed.
func (s *Store) SetLinks(ctx context.Context, exchangeID string, recordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exchange_links WHERE exchange_id = ?`, exchangeID); err != nil {
		return fmt.Errorf("clear links: %w", err)
	}
	for _, recordID := range recordIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO exchange_links (exchange_id, record_id) VALUES (?, ?)`,
			exchangeID, recordID,
		); err != nil {
			return fmt.Errorf("insert link %s: %w", recordID, err)
		}
	}
	return tx.Commit()
}

// GetExchange retrieves one exchange by id, links included.
func (s *Store) GetExchange(id string) (*Exchange, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, project_name, response_text, user_note, capture_method, recording_enabled, created_at
		 FROM exchanges WHERE id = ?`, id,
	)
	return s.scanExchange(row)
}

// LastExchange returns the most recently created exchange of a session.
// Only committed rows are visible here; a rolled-back save can never appear.
// Inserts are serialized, so rowid order is insertion order; timestamp strings
// are not sorted on because RFC3339Nano drops trailing fractional zeros and
// does not compare lexicographically.
func (s *Store) LastExchange(sessionID string) (*Exchange, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, project_name, response_text, user_note, capture_method, recording_enabled, created_at
		 FROM exchanges WHERE session_id = ?
		 ORDER BY rowid DESC LIMIT 1`, sessionID,
	)
	return s.scanExchange(row)
}

func (s *Store) scanExchange(row *sql.Row) (*Exchange, error) {
	var ex Exchange
	var recording int
	err := row.Scan(
		&ex.ID, &ex.SessionID, &ex.ProjectName, &ex.ResponseText,
		&ex.UserNote, &ex.CaptureMethod, &recording, &ex.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan exchange: %w", err)
	}
	ex.RecordingEnabled = recording != 0

	links, err := s.Links(ex.ID)
	if err != nil {
		return nil, err
	}
	ex.LinkedIDs = links
	return &ex, nil
}

// Links returns the record ids linked to an exchange. Dangling ids (pointing
// at records deleted since linking) are returned as-is: links are weak
// references and recomputable.
func (s *Store) Links(exchangeID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT record_id FROM exchange_links WHERE exchange_id = ? ORDER BY record_id`, exchangeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchExchanges runs a full-text query against the exchange index.
func (s *Store) SearchExchanges(query string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 10
	}
	fts := sanitizeFTS(query)
	if fts == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT e.id, e.session_id, e.project_name, e.response_text, e.user_note, e.capture_method, e.recording_enabled, e.created_at
		 FROM exchanges_fts fts
		 JOIN exchanges e ON e.id = fts.exchange_id
		 WHERE exchanges_fts MATCH ?
		 ORDER BY fts.rank LIMIT ?`, fts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search exchanges: %w", err)
	}
	defer rows.Close()

	var results []Exchange
	for rows.Next() {
		var ex Exchange
		var recording int
		if err := rows.Scan(
			&ex.ID, &ex.SessionID, &ex.ProjectName, &ex.ResponseText,
			&ex.UserNote, &ex.CaptureMethod, &recording, &ex.CreatedAt,
		); err != nil {
			return nil, err
		}
		ex.RecordingEnabled = recording != 0
		results = append(results, ex)
	}
	return results, rows.Err()
}

// AddRecord persists a discussion/decision record and its index entry.
func (s *Store) AddRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO records (id, text, tags, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Text, string(tags), r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO records_fts (record_id, text, tags) VALUES (?, ?, ?)`,
		r.ID, r.Text, strings.Join(r.Tags, " "),
	); err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	return tx.Commit()
}

// DeleteRecord removes a discussion/decision record and its index entry.
// Links pointing at it are left in place and become dangling weak references.
func (s *Store) DeleteRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM records_fts WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("deindex record: %w", err)
	}
	return tx.Commit()
}

// SearchRecords runs a full-text query against discussion/decision records.
// Results are ranked by FTS relevance; the linker applies recency weighting
// on top.
func (s *Store) SearchRecords(query string, limit int) ([]RecordMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	fts := sanitizeFTS(query)
	if fts == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT r.id, r.text, r.created_at, fts.rank
		 FROM records_fts fts
		 JOIN records r ON r.id = fts.record_id
		 WHERE records_fts MATCH ?
		 ORDER BY fts.rank LIMIT ?`, fts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var results []RecordMatch
	for rows.Next() {
		var m RecordMatch
		if err := rows.Scan(&m.ID, &m.Text, &m.CreatedAt, &m.Rank); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// VerifySync returns the ids of exchanges whose search index entry is missing,
// duplicated, or still pending, plus ids of orphaned index entries. A healthy
// store returns an empty list.
func (s *Store) VerifySync() ([]string, error) {
	var desynced []string

	rows, err := s.db.Query(`
		SELECT e.id FROM exchanges e
		WHERE e.index_state != ?
		   OR (SELECT COUNT(*) FROM exchanges_fts f WHERE f.exchange_id = e.id) != 1
	`, IndexIndexed)
	if err != nil {
		return nil, fmt.Errorf("verify exchanges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		desynced = append(desynced, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orphans, err := s.db.Query(`
		SELECT f.exchange_id FROM exchanges_fts f
		WHERE NOT EXISTS (SELECT 1 FROM exchanges e WHERE e.id = f.exchange_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("verify index: %w", err)
	}
	defer orphans.Close()
	for orphans.Next() {
		var id string
		if err := orphans.Scan(&id); err != nil {
			return nil, err
		}
		desynced = append(desynced, id)
	}
	return desynced, orphans.Err()
}

// Reconcile re-derives the search index for every exchange that VerifySync
// would flag: pending rows get a fresh index entry, orphaned index entries are
// dropped. Returns the number of repaired entries. Safe to run at any time.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desynced, err := s.VerifySync()
	if err != nil {
		return 0, err
	}
	if len(desynced) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	repaired := 0
	for _, id := range desynced {
		if _, err := tx.ExecContext(ctx, `DELETE FROM exchanges_fts WHERE exchange_id = ?`, id); err != nil {
			return 0, fmt.Errorf("drop stale index for %s: %w", id, err)
		}

		var responseText, userNote string
		err := tx.QueryRowContext(ctx,
			`SELECT response_text, user_note FROM exchanges WHERE id = ?`, id,
		).Scan(&responseText, &userNote)
		if err == sql.ErrNoRows {
			// Orphaned index entry: the stale row is already gone.
			repaired++
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("load exchange %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exchanges_fts (exchange_id, response_text, user_note) VALUES (?, ?, ?)`,
			id, responseText, userNote,
		); err != nil {
			return 0, fmt.Errorf("reindex %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE exchanges SET index_state = ? WHERE id = ?`, IndexIndexed, id,
		); err != nil {
			return 0, fmt.Errorf("mark indexed %s: %w", id, err)
		}
		repaired++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return repaired, nil
}

// Stats returns aggregate counts for status reporting.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions); err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&st.Exchanges); err != nil {
		return st, fmt.Errorf("count exchanges: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return st, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM exchange_links`).Scan(&st.Links); err != nil {
		return st, fmt.Errorf("count links: %w", err)
	}
	return st, nil
}

// Now returns the store's canonical timestamp representation.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// sanitizeFTS turns free text into a safe FTS5 query: bare terms are quoted
// and OR-joined so punctuation in captured responses cannot break the match
// expression.
func sanitizeFTS(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isFTSWordRune(r)
	})
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > 24 {
		fields = fields[:24]
	}
	for i, f := range fields {
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " OR ")
}

func isFTSWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r >= 0x80:
		return true
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
