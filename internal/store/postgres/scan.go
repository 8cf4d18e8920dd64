package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/codec"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanNode scans a single row into a model.Node. The row must contain
// columns in the order defined by nodeColumns. Structured fields of the
// data document are decoded on the way out.
func scanNode(row scannable) (*model.Node, error) {
	var (
		n    model.Node
		typ  string
		data []byte
	)
	if err := row.Scan(&n.ID, &typ, &data, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Type = model.NodeType(typ)

	decoded, err := codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	n.Data = decoded
	return &n, nil
}

// scanEdge scans a single row into a model.Edge in edgeColumns order.
func scanEdge(row scannable) (*model.Edge, error) {
	var (
		e     model.Edge
		typ   string
		props []byte
	)
	if err := row.Scan(&e.ID, &e.From, &e.To, &typ, &props, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = model.EdgeType(typ)

	if len(props) > 0 {
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return nil, fmt.Errorf("edge %s properties: %w", e.ID, err)
		}
	}
	if len(e.Properties) == 0 {
		e.Properties = nil
	}
	return &e, nil
}

// nullTime converts a time to sql.NullTime; the zero time is null.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
