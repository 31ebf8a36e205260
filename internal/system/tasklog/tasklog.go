// Package tasklog keeps an SQLite audit log of finished tasks: what was
// asked, which model answered, how it ended and how long it took. The
// database lives next to the other gateway data and is independent of the
// in-memory history.
package tasklog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one finished task.
type Record struct {
	ID           int64  `json:"id"`
	RequestID    string `json:"requestId"`
	Module       string `json:"module"` // chat, analysis, voice
	Owner        string `json:"owner"`  // connection id, empty for HTTP callers
	Streaming    bool   `json:"streaming"`
	RequestBody  string `json:"requestBody"`
	ResponseBody string `json:"responseBody"`
	Status       string `json:"status"`
	ErrorKind    string `json:"errorKind"`
	ErrorMessage string `json:"errorMessage"`
	DurationMs   int64  `json:"durationMs"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	CreatedAt    string `json:"createdAt"`
}

// Store is the audit log database.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tasklog dir: %w", err)
	}
	s := &Store{dbPath: path}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	ddl := `
CREATE TABLE IF NOT EXISTS task_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL DEFAULT '',
  module TEXT NOT NULL DEFAULT '',
  owner TEXT NOT NULL DEFAULT '',
  streaming INTEGER NOT NULL DEFAULT 0,
  request_body TEXT NOT NULL DEFAULT '',
  response_body TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'completed',
  error_kind TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  provider TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create task_records table: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_task_records_created ON task_records(created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_task_records_request ON task_records(request_id);",
		"CREATE INDEX IF NOT EXISTS idx_task_records_module ON task_records(module);",
		"CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status);",
		"CREATE INDEX IF NOT EXISTS idx_task_records_provider ON task_records(provider);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}

	// Full text search over prompts, answers and errors.
	_, _ = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS task_records_fts USING fts5(
		request_body, response_body, error_message,
		content=task_records, content_rowid=id
	);`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS task_records_fts_ai AFTER INSERT ON task_records BEGIN
		INSERT INTO task_records_fts(rowid, request_body, response_body, error_message) VALUES (new.id, new.request_body, new.response_body, new.error_message);
	END;`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS task_records_fts_ad AFTER DELETE ON task_records BEGIN
		INSERT INTO task_records_fts(task_records_fts, rowid, request_body, response_body, error_message) VALUES ('delete', old.id, old.request_body, old.response_body, old.error_message);
	END;`)

	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open tasklog db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

const recordColumns = "id, request_id, module, owner, streaming, request_body, response_body, status, error_kind, error_message, duration_ms, provider, model, created_at"

// Log inserts rec and sets its ID.
func (s *Store) Log(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}

	result, err := db.Exec(
		`INSERT INTO task_records(request_id, module, owner, streaming, request_body, response_body, status, error_kind, error_message, duration_ms, provider, model, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RequestID, rec.Module, rec.Owner, rec.Streaming,
		rec.RequestBody, rec.ResponseBody, rec.Status, rec.ErrorKind, rec.ErrorMessage,
		rec.DurationMs, rec.Provider, rec.Model, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task record: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// Get returns one record, or nil when id is unknown.
func (s *Store) Get(id int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	return scanRecord(db.QueryRow("SELECT "+recordColumns+" FROM task_records WHERE id=?", id))
}

// QueryParams filters and pages Query.
type QueryParams struct {
	Module    string
	RequestID string
	Status    string
	Provider  string
	Search    string // full text
	Since     string // RFC3339, inclusive
	Until     string // RFC3339, inclusive
	SortBy    string // created_at (default), duration_ms, module, status, provider
	SortDesc  bool
	Limit     int
	Offset    int
}

// Query returns one page of records and the total number of matches.
func (s *Store) Query(p QueryParams) ([]Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, 0, err
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}

	var conditions []string
	var args []any
	for _, f := range []struct{ col, val string }{
		{"module", p.Module},
		{"request_id", p.RequestID},
		{"status", p.Status},
		{"provider", p.Provider},
	} {
		if f.val != "" {
			conditions = append(conditions, f.col+"=?")
			args = append(args, f.val)
		}
	}
	if p.Search != "" {
		conditions = append(conditions, "id IN (SELECT rowid FROM task_records_fts WHERE task_records_fts MATCH ?)")
		args = append(args, buildFTSQuery(p.Search))
	}
	if p.Since != "" {
		conditions = append(conditions, "created_at>=?")
		args = append(args, p.Since)
	}
	if p.Until != "" {
		conditions = append(conditions, "created_at<=?")
		args = append(args, p.Until)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM task_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task records: %w", err)
	}

	sortCol := "created_at"
	allowedSortCols := map[string]bool{
		"created_at": true, "duration_ms": true,
		"module": true, "status": true, "provider": true,
	}
	if allowedSortCols[p.SortBy] {
		sortCol = p.SortBy
	}
	sortDir := "DESC"
	if !p.SortDesc && p.SortBy != "" {
		sortDir = "ASC"
	}

	query := "SELECT " + recordColumns + " FROM task_records" + where + " ORDER BY " + sortCol + " " + sortDir + ", id " + sortDir + " LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Module, &r.Owner, &r.Streaming,
			&r.RequestBody, &r.ResponseBody, &r.Status, &r.ErrorKind, &r.ErrorMessage,
			&r.DurationMs, &r.Provider, &r.Model, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// Stats summarizes the log.
type Stats struct {
	TotalRecords   int            `json:"totalRecords"`
	ByModule       map[string]int `json:"byModule"`
	ByStatus       map[string]int `json:"byStatus"`
	ByProvider     map[string]int `json:"byProvider"`
	ByErrorKind    map[string]int `json:"byErrorKind"`
	AvgDurationMs  float64        `json:"avgDurationMs"`
	EarliestRecord string         `json:"earliestRecord"`
	LatestRecord   string         `json:"latestRecord"`
}

// GetStats aggregates the whole log.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByModule:    make(map[string]int),
		ByStatus:    make(map[string]int),
		ByProvider:  make(map[string]int),
		ByErrorKind: make(map[string]int),
	}

	_ = db.QueryRow("SELECT COUNT(*) FROM task_records").Scan(&st.TotalRecords)
	_ = db.QueryRow("SELECT COALESCE(AVG(duration_ms),0) FROM task_records WHERE duration_ms>0").Scan(&st.AvgDurationMs)
	_ = db.QueryRow("SELECT COALESCE(MIN(created_at),'') FROM task_records").Scan(&st.EarliestRecord)
	_ = db.QueryRow("SELECT COALESCE(MAX(created_at),'') FROM task_records").Scan(&st.LatestRecord)

	scanGroupBy(db, "SELECT module, COUNT(*) FROM task_records GROUP BY module", st.ByModule)
	scanGroupBy(db, "SELECT status, COUNT(*) FROM task_records GROUP BY status", st.ByStatus)
	scanGroupBy(db, "SELECT provider, COUNT(*) FROM task_records GROUP BY provider", st.ByProvider)
	scanGroupBy(db, "SELECT error_kind, COUNT(*) FROM task_records WHERE error_kind<>'' GROUP BY error_kind", st.ByErrorKind)

	return st, nil
}

// Cleanup deletes records older than maxAgeDays and keeps at most
// maxRecords of the newest. Zero disables either rule.
func (s *Store) Cleanup(maxAgeDays, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	var totalDeleted int64
	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UTC().Format(time.RFC3339Nano)
		result, err := db.Exec("DELETE FROM task_records WHERE created_at < ?", cutoff)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		totalDeleted += n
	}
	if maxRecords > 0 {
		result, err := db.Exec(
			"DELETE FROM task_records WHERE id NOT IN (SELECT id FROM task_records ORDER BY created_at DESC, id DESC LIMIT ?)",
			maxRecords,
		)
		if err != nil {
			return totalDeleted, err
		}
		n, _ := result.RowsAffected()
		totalDeleted += n
	}
	return totalDeleted, nil
}

// Clear deletes every record.
func (s *Store) Clear() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	result, err := db.Exec("DELETE FROM task_records")
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Count returns the number of records.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = db.QueryRow("SELECT COUNT(*) FROM task_records").Scan(&cnt)
	return cnt, err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DBPath returns the database file path.
func (s *Store) DBPath() string {
	return s.dbPath
}

func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.RequestID, &r.Module, &r.Owner, &r.Streaming,
		&r.RequestBody, &r.ResponseBody, &r.Status, &r.ErrorKind, &r.ErrorMessage,
		&r.DurationMs, &r.Provider, &r.Model, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func scanGroupBy(db *sql.DB, query string, target map[string]int) {
	rows, err := db.Query(query)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var cnt int
		if err := rows.Scan(&key, &cnt); err == nil {
			target[key] = cnt
		}
	}
}

func buildFTSQuery(input string) string {
	words := strings.Fields(input)
	if len(words) == 0 {
		return `""`
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}
