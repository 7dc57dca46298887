// Package container reads and writes time-frame container files. A container
// is a SQLite database with one row per (entry, record):
//
//	ctf_entries(entry INTEGER, name TEXT, payload BLOB)
//
// Record names are timeframe.HeaderRecord for the header and the detector
// name for detector payloads.
package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/ctfreader/internal/runtime/codec"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/timeframe"
)

const schema = `
CREATE TABLE IF NOT EXISTS ctf_entries (
	entry INTEGER NOT NULL,
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (entry, name)
)`

// Reader gives random access to the entries of one container.
type Reader struct {
	path    string
	db      *sql.DB
	entries int64
}

// Open opens a container read-only. A missing or unreadable file wraps
// ErrContainerOpen, a file without the entry table ErrContainerIndex and a
// container without entries ErrContainerEmpty.
func Open(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errs.ErrContainerOpen, path, err)
	}
	db, err := sql.Open("sqlite3", dsn(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", errs.ErrContainerOpen, path, err)
	}
	db.SetMaxOpenConns(1)

	r := &Reader{path: path, db: db}
	if err := r.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// dsn is the SQLite URI of path. The path is escaped so '?' and '#' in file
// names do not start the query or fragment.
func dsn(path, mode string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "mode=" + mode + "&_busy_timeout=5000",
	}
	return u.String()
}

func (r *Reader) init(ctx context.Context) error {
	var name string
	err := r.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'ctf_entries'`).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", errs.ErrContainerIndex, r.path)
	case err != nil:
		// not a database at all
		return fmt.Errorf("%w %s: %v", errs.ErrContainerOpen, r.path, err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT entry) FROM ctf_entries`).Scan(&r.entries); err != nil {
		return fmt.Errorf("%w %s: %v", errs.ErrContainerIndex, r.path, err)
	}
	if r.entries == 0 {
		return fmt.Errorf("%w: %s", errs.ErrContainerEmpty, r.path)
	}
	return nil
}

// Path of the opened file.
func (r *Reader) Path() string { return r.path }

// Entries is the number of entries, indexed 0..Entries()-1.
func (r *Reader) Entries() int64 { return r.entries }

// Read returns the record name of entry. ok is false when the record is absent.
func (r *Reader) Read(ctx context.Context, entry int64, name string) ([]byte, bool, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM ctf_entries WHERE entry = ? AND name = ?`, entry, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s entry %d of %s: %w", name, entry, r.path, err)
	}
	return payload, true, nil
}

// Header decodes the header record of entry.
func (r *Reader) Header(ctx context.Context, entry int64) (timeframe.Header, error) {
	raw, ok, err := r.Read(ctx, entry, timeframe.HeaderRecord)
	if err != nil {
		return timeframe.Header{}, err
	}
	if !ok {
		return timeframe.Header{}, fmt.Errorf("%w: entry %d of %s", errs.ErrMissingHeader, entry, r.path)
	}
	var h timeframe.Header
	if err := codec.Unmarshal(raw, &h); err != nil {
		return timeframe.Header{}, fmt.Errorf("%w: entry %d of %s: %v", errs.ErrMissingHeader, entry, r.path, err)
	}
	return h, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Writer produces containers. Entries get consecutive indices from 0.
type Writer struct {
	db   *sql.DB
	next int64
}

// Create opens path for writing, creating the entry table when needed.
// Appending to an existing container continues after its last entry.
func Create(ctx context.Context, path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize container schema: %w", err)
	}
	w := &Writer{db: db}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(entry) + 1, 0) FROM ctf_entries`).Scan(&w.next); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read container size: %w", err)
	}
	return w, nil
}

// Append writes one time frame. The header detector mask is set from the
// payloads supplied.
func (w *Writer) Append(ctx context.Context, h timeframe.Header, payloads map[timeframe.DetID][]byte) (int64, error) {
	h.Detectors = 0
	for det := range payloads {
		h.Detectors = h.Detectors.Set(det)
	}
	raw, err := codec.Marshal(h)
	if err != nil {
		return 0, fmt.Errorf("failed to encode header: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry := w.next
	insert := `INSERT INTO ctf_entries (entry, name, payload) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, entry, timeframe.HeaderRecord, raw); err != nil {
		return 0, fmt.Errorf("failed to insert header: %w", err)
	}
	for det, blob := range payloads {
		if blob == nil {
			blob = []byte{}
		}
		if _, err := tx.ExecContext(ctx, insert, entry, det.String(), blob); err != nil {
			return 0, fmt.Errorf("failed to insert %v payload: %w", det, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entry: %w", err)
	}
	w.next++
	return entry, nil
}

// AppendRaw writes a record under an arbitrary name, without a header. It
// exists to build malformed containers.
func (w *Writer) AppendRaw(ctx context.Context, entry int64, name string, payload []byte) error {
	_, err := w.db.ExecContext(ctx, `INSERT INTO ctf_entries (entry, name, payload) VALUES (?, ?, ?)`, entry, name, payload)
	if err == nil && entry >= w.next {
		w.next = entry + 1
	}
	return err
}

func (w *Writer) Close() error { return w.db.Close() }
