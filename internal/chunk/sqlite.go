package chunk

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - chunks and heads tables, ref_count column on chunks
// 2 - pins moved to per-owner pins and owners tables
const currentSchemaVersion = 2

// migrations[v] upgrades a database at version v to v+1, before the
// schema script runs.
var migrations = map[int]string{
	1: `ALTER TABLE chunks DROP COLUMN ref_count`,
}

// SQLite is a Backend on a single SQLite file in WAL mode.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite chunk database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if version > 0 {
		for v := version; v < currentSchemaVersion; v++ {
			if stmt, ok := migrations[v]; ok {
				if _, err := db.Exec(stmt); err != nil {
					return fmt.Errorf("migrate from version %d: %w", v, err)
				}
			}
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) GetChunk(ctx context.Context, d Digest) (Chunk, error) {
	var (
		payload, refs []byte
		refCount      int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, refs,
			(SELECT COALESCE(SUM(count), 0) FROM pins WHERE pins.digest = chunks.digest)
		FROM chunks WHERE digest = ?
	`, d[:]).Scan(&payload, &refs, &refCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk %s: %w", d.Short(), err)
	}
	rs, err := decodeRefs(refs)
	if err != nil {
		return Chunk{}, Corruptf(d, err, "bad refs column")
	}
	return Chunk{Digest: d, Payload: payload, Refs: rs, RefCount: refCount}, nil
}

func (s *SQLite) PutChunk(ctx context.Context, c Chunk, owner string, pins int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (digest, payload, refs) VALUES (?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, c.Digest[:], c.Payload, encodeRefs(c.Refs))
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	if err := addPin(ctx, tx, owner, c.Digest, pins); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) AddPins(ctx context.Context, owner string, delta map[Digest]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for d, n := range delta {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM chunks WHERE digest = ?)`, d[:]).Scan(&exists)
		if err != nil {
			return fmt.Errorf("adjust pins for %s: %w", d.Short(), err)
		}
		if !exists {
			continue
		}
		if err := addPin(ctx, tx, owner, d, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// addPin adjusts one pin count, deleting the row when it reaches zero.
func addPin(ctx context.Context, tx *sql.Tx, owner string, d Digest, delta int) error {
	switch {
	case delta > 0:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pins (owner, digest, count) VALUES (?, ?, ?)
			ON CONFLICT(owner, digest) DO UPDATE SET count = count + excluded.count
		`, owner, d[:], delta)
		if err != nil {
			return fmt.Errorf("pin %s: %w", d.Short(), err)
		}
	case delta < 0:
		// Delete first: once updated, the row no longer shows the old count.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pins WHERE owner = ? AND digest = ? AND count + ? <= 0`,
			owner, d[:], delta); err != nil {
			return fmt.Errorf("unpin %s: %w", d.Short(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pins SET count = count + ? WHERE owner = ? AND digest = ?`,
			delta, owner, d[:]); err != nil {
			return fmt.Errorf("unpin %s: %w", d.Short(), err)
		}
	}
	return nil
}

func (s *SQLite) RenewOwner(ctx context.Context, owner string, expiresMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (owner, expires_ms) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET expires_ms = excluded.expires_ms
	`, owner, expiresMs)
	if err != nil {
		return fmt.Errorf("renew owner %s: %w", owner, err)
	}
	return nil
}

func (s *SQLite) ReleaseOwner(ctx context.Context, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release owner %s: %w", owner, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM owners WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release owner %s: %w", owner, err)
	}
	return tx.Commit()
}

func (s *SQLite) ExpireOwners(ctx context.Context, nowMs int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM owners WHERE expires_ms < ?`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("expire owners: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire owners: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pins WHERE owner NOT IN (SELECT owner FROM owners)`); err != nil {
		return 0, fmt.Errorf("expire pins: %w", err)
	}
	return int(n), tx.Commit()
}

func (s *SQLite) GetHead(ctx context.Context, name string) (Digest, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM heads WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Digest{}, nil
	}
	if err != nil {
		return Digest{}, fmt.Errorf("get head %s: %w", name, err)
	}
	return FromBytes(raw)
}

func (s *SQLite) CompareAndSwapHead(ctx context.Context, name string, expected, next Digest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current Digest
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT digest FROM heads WHERE name = ?`, name).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read head: %w", err)
	default:
		if current, err = FromBytes(raw); err != nil {
			return err
		}
	}
	if current != expected {
		return ErrConflict
	}

	if next.IsZero() {
		_, err = tx.ExecContext(ctx, `DELETE FROM heads WHERE name = ?`, name)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO heads (name, digest) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET digest = excluded.digest
		`, name, next[:])
	}
	if err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ListHeads(ctx context.Context) (map[string]Digest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, digest FROM heads ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]Digest)
	for rows.Next() {
		var (
			name string
			raw  []byte
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		d, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		heads[name] = d
	}
	return heads, rows.Err()
}

func (s *SQLite) ForEachChunk(ctx context.Context, fn func(d Digest, refs []Digest, refCount int) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.digest, c.refs, COALESCE(p.total, 0)
		FROM chunks c
		LEFT JOIN (SELECT digest, SUM(count) AS total FROM pins GROUP BY digest) p
			ON p.digest = c.digest
	`)
	if err != nil {
		return fmt.Errorf("scan chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rawDigest, rawRefs []byte
			refCount           int
		)
		if err := rows.Scan(&rawDigest, &rawRefs, &refCount); err != nil {
			return fmt.Errorf("scan chunk row: %w", err)
		}
		d, err := FromBytes(rawDigest)
		if err != nil {
			return err
		}
		refs, err := decodeRefs(rawRefs)
		if err != nil {
			return Corruptf(d, err, "bad refs column")
		}
		if err := fn(d, refs, refCount); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLite) DeleteChunks(ctx context.Context, ds []Digest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE digest = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	unpin, err := tx.PrepareContext(ctx, `DELETE FROM pins WHERE digest = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer unpin.Close()

	for _, d := range ds {
		if _, err := stmt.ExecContext(ctx, d[:]); err != nil {
			return fmt.Errorf("delete chunk %s: %w", d.Short(), err)
		}
		if _, err := unpin.ExecContext(ctx, d[:]); err != nil {
			return fmt.Errorf("delete pins of %s: %w", d.Short(), err)
		}
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value. Used by tests.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
