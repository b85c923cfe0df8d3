// Package sourcemap resolves rendered elements to their authoring-time
// source locations. Entries are keyed by the element's data-oid when the
// selector carries one, otherwise by the selector text.
package sourcemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/canvasync/dbopen"
	"github.com/hazyhaar/canvasync/editor/message"
)

// Schema for the source_nodes table.
const Schema = `
CREATE TABLE IF NOT EXISTS source_nodes (
	key         TEXT NOT NULL,
	role        TEXT NOT NULL CHECK (role IN ('instance', 'root')),
	path        TEXT NOT NULL,
	start_line  INTEGER NOT NULL,
	start_col   INTEGER NOT NULL,
	end_line    INTEGER,
	end_col     INTEGER,
	component   TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (key, role)
);
`

// Store is the source-map database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the source-map database at path.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Key returns the lookup key for a selector: the oid of a
// `[data-oid="…"]` selector, or the selector itself.
func Key(selector string) string {
	sel := strings.TrimSpace(selector)
	if !strings.HasPrefix(sel, "[data-oid=") || !strings.HasSuffix(sel, "]") {
		return sel
	}
	v := strings.TrimSuffix(strings.TrimPrefix(sel, "[data-oid="), "]")
	if uq, err := strconv.Unquote(v); err == nil {
		return uq
	}
	return strings.Trim(v, `'"`)
}

// ResolveInstance returns the instance location of the element, or nil if
// the map has no entry for it.
func (s *Store) ResolveInstance(ctx context.Context, selector string) (*message.TemplateNode, error) {
	return s.resolve(ctx, Key(selector), message.RoleInstance)
}

// ResolveRoot returns the defining component's root location, or nil.
func (s *Store) ResolveRoot(ctx context.Context, selector string) (*message.TemplateNode, error) {
	return s.resolve(ctx, Key(selector), message.RoleRoot)
}

func (s *Store) resolve(ctx context.Context, key string, role message.TemplateRole) (*message.TemplateNode, error) {
	if key == "" {
		return nil, nil
	}
	n := &message.TemplateNode{Role: role}
	var endLine, endCol sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT path, start_line, start_col, end_line, end_col, component
		FROM source_nodes WHERE key = ? AND role = ?`, key, string(role),
	).Scan(&n.Path, &n.StartTag.Line, &n.StartTag.Column, &endLine, &endCol, &n.Component)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sourcemap: resolve %s %q: %w", role, key, err)
	}
	if endLine.Valid {
		n.EndTag = &message.Position{Line: int(endLine.Int64), Column: int(endCol.Int64)}
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Put inserts or replaces the entry for key and node.Role.
func (s *Store) Put(ctx context.Context, key string, node message.TemplateNode) error {
	return put(ctx, s.DB, key, node)
}

func put(ctx context.Context, db execer, key string, node message.TemplateNode) error {
	if key == "" {
		return errors.New("sourcemap: put: empty key")
	}
	if node.Role != message.RoleInstance && node.Role != message.RoleRoot {
		return fmt.Errorf("sourcemap: put %q: invalid role %q", key, node.Role)
	}
	var endLine, endCol sql.NullInt64
	if node.EndTag != nil {
		endLine = sql.NullInt64{Int64: int64(node.EndTag.Line), Valid: true}
		endCol = sql.NullInt64{Int64: int64(node.EndTag.Column), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO source_nodes (key, role, path, start_line, start_col, end_line, end_col, component, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(key, role) DO UPDATE SET
			path = excluded.path,
			start_line = excluded.start_line,
			start_col = excluded.start_col,
			end_line = excluded.end_line,
			end_col = excluded.end_col,
			component = excluded.component,
			updated_at = excluded.updated_at`,
		key, string(node.Role), node.Path, node.StartTag.Line, node.StartTag.Column,
		endLine, endCol, node.Component, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sourcemap: put %q: %w", key, err)
	}
	return nil
}

// Delete removes both entries for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM source_nodes WHERE key = ?`, key)
	return err
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_nodes`).Scan(&n)
	return n, err
}

// Import loads a JSON object mapping keys to source pairs, as produced by
// the build step that stamps data-oid attributes:
//
//	{"a1": {"instance": {...}, "root": {...}}}
//
// All entries are written in one transaction. It returns how many nodes
// were stored.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var in map[string]message.SourcePair
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return 0, fmt.Errorf("sourcemap: import: decode: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sourcemap: import: begin: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for key, pair := range in {
		for role, node := range map[message.TemplateRole]*message.TemplateNode{
			message.RoleInstance: pair.Instance,
			message.RoleRoot:     pair.Root,
		} {
			if node == nil {
				continue
			}
			node.Role = role
			if err := put(ctx, tx, key, *node); err != nil {
				return 0, err
			}
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sourcemap: import: commit: %w", err)
	}
	return n, nil
}
