package relayd

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"sealchat/internal/protocol"
)

// maxLimit caps how many stored events one filter returns.
const maxLimit = 500

// Store keeps accepted events in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the event database at path.
// ":memory:" keeps everything in memory.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		kind INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		raw BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind_time ON events (kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_author ON events (pubkey, kind)`)
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("create events table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Replaceable reports whether only the newest event of kind per author
// is kept.
func Replaceable(kind int) bool {
	return kind == protocol.KindMetadata || (kind >= 10000 && kind < 20000)
}

// Save stores e. It reports false for duplicates and for replaceable
// events older than the one already held.
func (s *Store) Save(e *protocol.Event) (bool, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	if Replaceable(e.Kind) {
		var newest int64
		err := tx.QueryRow(`SELECT COALESCE(MAX(created_at), -1) FROM events WHERE pubkey = ? AND kind = ?`,
			e.PubKey, e.Kind).Scan(&newest)
		if err != nil {
			return false, err
		}
		if newest > e.CreatedAt {
			return false, nil
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE pubkey = ? AND kind = ? AND id != ?`,
			e.PubKey, e.Kind, e.ID); err != nil {
			return false, err
		}
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO events (id, pubkey, kind, created_at, raw) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.PubKey, e.Kind, e.CreatedAt, raw)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// Query returns stored events matching any filter, newest first per filter.
func (s *Store) Query(filters []protocol.Filter) ([]*protocol.Event, error) {
	var out []*protocol.Event
	seen := map[string]bool{}
	for _, f := range filters {
		events, err := s.query(f)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// query narrows by the indexed columns in SQL and finishes with
// Filter.Matches for the tag constraints.
func (s *Store) query(f protocol.Filter) ([]*protocol.Event, error) {
	var (
		where []string
		args  []any
	)
	in := func(col string, n int) string {
		return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}
	if len(f.IDs) > 0 {
		where = append(where, in("id", len(f.IDs)))
		for _, v := range f.IDs {
			args = append(args, v)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, in("kind", len(f.Kinds)))
		for _, v := range f.Kinds {
			args = append(args, v)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, in("pubkey", len(f.Authors)))
		for _, v := range f.Authors {
			args = append(args, v)
		}
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until)
	}
	q := "SELECT raw FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	limit := f.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	var out []*protocol.Event
	for rows.Next() && len(out) < limit {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e protocol.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warnf("skipping unreadable stored event: %v", err)
			continue
		}
		if f.Matches(&e) {
			out = append(out, &e)
		}
	}
	return out, rows.Err()
}
