// Package capture persists flows and answers traffic queries
// (SPEC_FULL.md §4.10). Writes are serialized through a single-writer
// goroutine reading off a channel ("mailbox"); reads use their own
// pooled connections and see a consistent snapshot of everything
// committed before the query started.
package capture

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"github.com/relaywire/relaywire/internal/flow"
)

const schema = `
CREATE TABLE IF NOT EXISTS flows (
	id INTEGER PRIMARY KEY,
	start_ts INTEGER NOT NULL,
	end_ts INTEGER,
	client_addr TEXT,
	method TEXT,
	url TEXT,
	status INTEGER,
	req_headers TEXT,
	req_body_digest TEXT,
	req_body_inline BLOB,
	req_body_blob TEXT,
	resp_headers TEXT,
	resp_body_digest TEXT,
	resp_body_inline BLOB,
	resp_body_blob TEXT,
	scope_decision INTEGER,
	truncated INTEGER,
	upstream_protocol TEXT
);
CREATE INDEX IF NOT EXISTS idx_flows_method ON flows(method);
CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
CREATE INDEX IF NOT EXISTS idx_flows_start_ts ON flows(start_ts);
`

// Filter narrows a List query.
type Filter struct {
	Method        string
	StatusMin     int
	StatusMax     int
	Host          string
	URLSubstring  string
	StartAfter    time.Time
	StartBefore   time.Time
}

type writeRequest struct {
	flow *flow.Flow
	done chan error
}

// Store is the sqlite-backed capture store.
type Store struct {
	db               *sql.DB
	dir              string
	inlineThreshold  int
	writes           chan writeRequest
	stop             chan struct{}
}

// Open creates or opens the capture store rooted at dir
// (dir/flows.db, dir/blobs/<digest>). inlineThreshold bounds how large
// a body may be before it is written to an external blob (default 64
// KiB).
func Open(dir string, inlineThreshold int) (*Store, error) {
	if inlineThreshold <= 0 {
		inlineThreshold = 64 * 1024
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("capture: creating blob dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "flows.db"))
	if err != nil {
		return nil, fmt.Errorf("capture: opening database: %w", err)
	}
	// A single writer serializes append; many readers may run
	// concurrently against their own connections.
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture: applying schema: %w", err)
	}

	s := &Store{
		db:              db,
		dir:             dir,
		inlineThreshold: inlineThreshold,
		writes:          make(chan writeRequest, 64),
		stop:            make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	for {
		select {
		case req := <-s.writes:
			req.done <- s.appendNow(req.flow)
		case <-s.stop:
			return
		}
	}
}

// Close stops the writer goroutine and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	return s.db.Close()
}

// Append enqueues f for durable append. Append ordering is preserved
// across concurrent callers; a crash may lose the tail but never
// reorder (spec.md §4.10 durability).
func (s *Store) Append(ctx context.Context, f *flow.Flow) error {
	req := writeRequest{flow: f, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) appendNow(f *flow.Flow) error {
	reqHeaders, _ := json.Marshal(f.Request.Header)
	var respHeaders []byte
	var status int
	var respDigest uint64
	var respInline []byte
	var respBlob string
	if f.Response != nil {
		respHeaders, _ = json.Marshal(f.Response.Header)
		status = f.Response.StatusCode
		respDigest = f.Response.BodyDigest()
		respInline, respBlob = s.placeBody(f.Response.Body)
	}

	reqInline, reqBlob := s.placeBody(f.Request.Body)

	var endTS *int64
	if !f.EndTS.IsZero() {
		v := f.EndTS.UnixNano()
		endTS = &v
	}

	url := ""
	if f.Request.URL != nil {
		url = f.Request.URL.String()
	}

	_, err := s.db.Exec(`
		INSERT INTO flows (
			id, start_ts, end_ts, client_addr, method, url, status,
			req_headers, req_body_digest, req_body_inline, req_body_blob,
			resp_headers, resp_body_digest, resp_body_inline, resp_body_blob,
			scope_decision, truncated, upstream_protocol
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			end_ts=excluded.end_ts, status=excluded.status,
			resp_headers=excluded.resp_headers, resp_body_digest=excluded.resp_body_digest,
			resp_body_inline=excluded.resp_body_inline, resp_body_blob=excluded.resp_body_blob,
			truncated=excluded.truncated
	`,
		f.ID, f.StartTS.UnixNano(), endTS, f.ClientAddr, f.Request.Method, url, status,
		string(reqHeaders), fmt.Sprintf("%x", f.Request.BodyDigest()), reqInline, reqBlob,
		string(respHeaders), fmt.Sprintf("%x", respDigest), respInline, respBlob,
		int(f.ScopeDecision), boolToInt(f.Truncated), f.UpstreamProtocol,
	)
	if err != nil {
		return fmt.Errorf("capture: append flow %d: %w", f.ID, err)
	}
	return nil
}

// placeBody stores body inline if it is small enough, else writes it
// to dir/blobs/<digest> and returns the blob reference instead.
func (s *Store) placeBody(body []byte) (inline []byte, blobRef string) {
	if len(body) <= s.inlineThreshold {
		return body, ""
	}
	digest := xxhash.Sum64(body)
	name := hex.EncodeToString([]byte(fmt.Sprintf("%016x", digest)))
	path := filepath.Join(s.dir, "blobs", name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, body, 0o644)
	}
	return nil, name
}

// Record is a flow row as read back from the store.
type Record struct {
	ID              int64
	StartTS         time.Time
	EndTS           time.Time
	ClientAddr      string
	Method          string
	URL             string
	Status          int
	ReqBodyDigest   string
	RespBodyDigest  string
	ScopeDecision   int
	Truncated       bool
	UpstreamProto   string
}

// Get returns a single flow by id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, start_ts, end_ts, client_addr, method, url, status,
		req_body_digest, resp_body_digest, scope_decision, truncated, upstream_protocol
		FROM flows WHERE id = ?`, id)
	return scanRecord(row)
}

// List returns flows matching filter, most recent first, up to limit.
func (s *Store) List(ctx context.Context, filter Filter, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, start_ts, end_ts, client_addr, method, url, status,
		req_body_digest, resp_body_digest, scope_decision, truncated, upstream_protocol
		FROM flows WHERE 1=1`
	var args []any

	if filter.Method != "" {
		query += " AND method = ?"
		args = append(args, filter.Method)
	}
	if filter.StatusMin > 0 {
		query += " AND status >= ?"
		args = append(args, filter.StatusMin)
	}
	if filter.StatusMax > 0 {
		query += " AND status <= ?"
		args = append(args, filter.StatusMax)
	}
	if filter.Host != "" {
		query += " AND url LIKE ?"
		args = append(args, "%"+filter.Host+"%")
	}
	if filter.URLSubstring != "" {
		query += " AND url LIKE ?"
		args = append(args, "%"+filter.URLSubstring+"%")
	}
	if !filter.StartAfter.IsZero() {
		query += " AND start_ts >= ?"
		args = append(args, filter.StartAfter.UnixNano())
	}
	if !filter.StartBefore.IsZero() {
		query += " AND start_ts <= ?"
		args = append(args, filter.StartBefore.UnixNano())
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("capture: list query: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearAll deletes every stored flow and blob (spec.md §4.10
// "Traffic purge is a single clear_all() operation").
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM flows"); err != nil {
		return fmt.Errorf("capture: clear_all: %w", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil {
		return nil
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(s.dir, "blobs", e.Name()))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	return scanInto(row)
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (*Record, error) {
	var (
		r         Record
		startNS   int64
		endNS     sql.NullInt64
		status    sql.NullInt64
		truncated int
	)
	if err := s.Scan(&r.ID, &startNS, &endNS, &r.ClientAddr, &r.Method, &r.URL, &status,
		&r.ReqBodyDigest, &r.RespBodyDigest, &r.ScopeDecision, &truncated, &r.UpstreamProto); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("capture: scan row: %w", err)
	}
	r.StartTS = time.Unix(0, startNS)
	if endNS.Valid {
		r.EndTS = time.Unix(0, endNS.Int64)
	}
	if status.Valid {
		r.Status = int(status.Int64)
	}
	r.Truncated = truncated != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

