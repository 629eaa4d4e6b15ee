package ledger

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmops/swarmops/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Index is a derived, rebuildable SQLite projection of the ledger used only
// to accelerate List's filtered queries over a large JSONL corpus. It is
// never authoritative: if it is missing or fails to open, List falls back
// to the in-memory linear scan in ledger.go.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) the SQLite index file at path and
// applies the schema migration.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open index: %w", err)
	}
	if _, err := db.Exec(migrationV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Rebuild truncates and repopulates the index from the ledger's current
// in-memory cache (itself reconstructed by replaying JSONL shards). This is
// the only write path: the index is never updated incrementally from
// individual Apply calls, to guarantee it can always be thrown away and
// regenerated from the source of truth.
func (idx *Index) Rebuild(l *Ledger) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM work_items"); err != nil {
		return err
	}

	l.mu.RLock()
	items := make([]*core.WorkItem, 0, len(l.cache))
	for _, item := range l.cache {
		items = append(items, item)
	}
	l.mu.RUnlock()

	stmt, err := tx.Prepare(`INSERT INTO work_items
		(id, type, role_id, parent_id, tag, status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		var started, completed interface{}
		if item.StartedAt != nil {
			started = item.StartedAt.Format(time.RFC3339Nano)
		}
		if item.CompletedAt != nil {
			completed = item.CompletedAt.Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(item.ID, item.Type, item.RoleID, item.ParentID, item.Tag,
			string(item.Status), item.CreatedAt.Format(time.RFC3339Nano), started, completed); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryIDs returns the ids of work items matching f, honoring offset/limit,
// for a caller (List) that will then hydrate from the ledger cache.
func (idx *Index) QueryIDs(f ListFilters) ([]string, error) {
	query := "SELECT id FROM work_items WHERE 1=1"
	var args []interface{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.RoleID != "" {
		query += " AND role_id = ?"
		args = append(args, f.RoleID)
	}
	if f.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, f.ParentID)
	}
	if f.Tag != "" {
		query += " AND tag = ?"
		args = append(args, f.Tag)
	}
	if f.Date != "" {
		query += " AND substr(created_at, 1, 10) = ?"
		args = append(args, f.Date)
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, err
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

// ListWithIndex serves List via the SQLite index when available, falling
// back to the ledger's linear scan on any index error — the index is a
// cache, never a dependency.
func (l *Ledger) ListWithIndex(idx *Index, f ListFilters) []*core.WorkItem {
	if idx == nil {
		return l.List(f)
	}
	ids, err := idx.QueryIDs(f)
	if err != nil {
		return l.List(f)
	}
	out := make([]*core.WorkItem, 0, len(ids))
	for _, id := range ids {
		if item := l.Get(id); item != nil {
			out = append(out, item)
		}
	}
	return out
}

// IndexPathOrDefault returns path if non-empty, else a sibling
// "index.sqlite" file next to the ledger directory.
func IndexPathOrDefault(ledgerDir, path string) string {
	if path != "" {
		return path
	}
	return ledgerDir + ".index.sqlite"
}
