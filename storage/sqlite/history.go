package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
)

// History returns the retained snapshots after seq, oldest first, at most
// limit of them (0 means no limit). The entry at the cursor is marked
// Current.
func (s *Store) History(ctx context.Context, since int64, limit int) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	cur, err := head(ctx, s.db)
	if err != nil {
		return nil, storageErr(err, opHistory)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, op, path, created_at
		FROM history
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, storageErr(err, opHistory)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var path sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Op, &path, &e.CreatedAt); err != nil {
			return nil, storageErr(err, opHistory)
		}
		e.Path = path.String
		e.Current = e.Seq == cur
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, opHistory)
	}
	return out, nil
}

// Cache returns the stored value of the named cache.
func (s *Store) Cache(ctx context.Context, name string) (any, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM caches WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(err, opCache)
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, false, storageErr(err, opCache)
	}
	return v, true, nil
}

// PutCache stores value as the named cache, replacing any previous value.
func (s *Store) PutCache(ctx context.Context, name string, value any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opCache, component, syncErrors.KindInvalid)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO caches (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, string(data), time.Now().UTC())
	return storageErr(err, opCache)
}

// CacheNames lists the stored caches in name order.
func (s *Store) CacheNames(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY name`)
	if err != nil {
		return nil, storageErr(err, opCache)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storageErr(err, opCache)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
