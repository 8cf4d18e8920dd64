package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/plangraph/internal/codec"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

const (
	nodeColumns = `id, type, data, created_at, updated_at`
	edgeColumns = `id, from_id, to_id, type, properties, created_at`
)

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryCreateNode(ctx context.Context, db executor, n *model.Node) error {
	data, err := codec.Marshal(n.Data)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO nodes (id, type, data, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()), NOW())`,
		n.ID,
		string(n.Type),
		data,
		nullTime(n.CreatedAt),
	)
	return mapWriteErr(err, "node", n.ID)
}

func queryGetNode(ctx context.Context, db executor, id string) (*model.Node, error) {
	row := db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return n, err
}

func queryListNodes(ctx context.Context, db executor, filter model.NodeFilter) ([]*model.Node, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if len(filter.Type) > 0 {
		types := make([]string, len(filter.Type))
		for i, t := range filter.Type {
			types[i] = string(t)
		}
		whereClauses = append(whereClauses, "type = ANY("+nextArg()+")")
		args = append(args, pq.Array(types))
	}

	q := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(whereClauses) > 0 {
		q += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	q += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		q += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// queryUpdateNode merges fields into the stored document in one statement,
// so concurrent writers to different fields of a node never lose each
// other's values. Nil values are removed from the document.
func queryUpdateNode(ctx context.Context, db executor, id string, fields map[string]any) (*model.Node, error) {
	set, removed := splitRemoved(fields)
	patch, err := codec.Marshal(set)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		UPDATE nodes
		SET data = (data || $2::jsonb) - $3::text[], updated_at = NOW()
		WHERE id = $1
		RETURNING `+nodeColumns,
		id, patch, pq.Array(removed),
	)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return n, err
}

// queryDeleteNode removes a node. Its edges go with it through the
// foreign key cascade.
func queryDeleteNode(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "node", id)
}

func queryCreateEdge(ctx context.Context, db executor, e *model.Edge) error {
	props, err := marshalProps(e.Properties)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO edges (id, from_id, to_id, type, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		e.ID,
		e.From,
		e.To,
		string(e.Type),
		props,
		nullTime(e.CreatedAt),
	)
	return mapWriteErr(err, "edge", e.ID)
}

func queryGetEdge(ctx context.Context, db executor, id string) (*model.Edge, error) {
	row := db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = $1`, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edge %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

func queryGetEdges(ctx context.Context, db executor, nodeID string, types []model.EdgeType) ([]*model.Edge, error) {
	q := `SELECT ` + edgeColumns + ` FROM edges WHERE (from_id = $1 OR to_id = $1)`
	args := []any{nodeID}
	if len(types) > 0 {
		q += ` AND type = ANY($2)`
		args = append(args, pq.Array(edgeTypeStrings(types)))
	}
	return listEdges(ctx, db, q+` ORDER BY seq`, args...)
}

func queryListEdges(ctx context.Context, db executor, types []model.EdgeType) ([]*model.Edge, error) {
	q := `SELECT ` + edgeColumns + ` FROM edges`
	var args []any
	if len(types) > 0 {
		q += ` WHERE type = ANY($1)`
		args = append(args, pq.Array(edgeTypeStrings(types)))
	}
	return listEdges(ctx, db, q+` ORDER BY seq`, args...)
}

func listEdges(ctx context.Context, db executor, q string, args ...any) ([]*model.Edge, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryUpdateEdge(ctx context.Context, db executor, id string, props map[string]any) (*model.Edge, error) {
	set, removed := splitRemoved(props)
	patch, err := marshalProps(set)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		UPDATE edges
		SET properties = (properties || $2::jsonb) - $3::text[]
		WHERE id = $1
		RETURNING `+edgeColumns,
		id, patch, pq.Array(removed),
	)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edge %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

func queryDeleteEdge(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM edges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "edge", id)
}

func expectAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func mapWriteErr(err error, kind, id string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrConflict)
	}
	return err
}

// splitRemoved separates nil values, which delete a key, from the rest.
// The removed keys are sorted.
func splitRemoved(fields map[string]any) (map[string]any, []string) {
	set := make(map[string]any, len(fields))
	removed := []string{}
	for k, v := range fields {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		set[k] = v
	}
	slices.Sort(removed)
	return set, removed
}

func marshalProps(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal edge properties: %w", err)
	}
	return b, nil
}

func edgeTypeStrings(types []model.EdgeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
