package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// formatVersion is written in every export header.
const formatVersion = "1"

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Stats counts the records of an export or import.
type Stats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
	// Skipped counts imported records whose id already existed.
	Skipped int `json:"skipped,omitempty"`
}

// ExportJSONL writes every node and edge of the store as JSONL to w. Nodes
// and edges are each sorted by ID; nodes come first so an import can create
// edges against them.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) (Stats, error) {
	nodes, err := s.ListNodes(ctx, model.NodeFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("list nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})

	edges, err := s.ListEdges(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list edges: %w", err)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].ID < edges[j].ID
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:   formatVersion,
		Type:      "header",
		Timestamp: time.Now().UTC(),
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}); err != nil {
		return Stats{}, fmt.Errorf("encode header: %w", err)
	}

	for _, n := range nodes {
		if err := encodeRecord(enc, "node", n); err != nil {
			return Stats{}, fmt.Errorf("encode node %s: %w", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := encodeRecord(enc, "edge", e); err != nil {
			return Stats{}, fmt.Errorf("encode edge %s: %w", e.ID, err)
		}
	}

	return Stats{Nodes: len(nodes), Edges: len(edges)}, nil
}

func encodeRecord(enc *json.Encoder, typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return enc.Encode(record{Type: typ, Data: data})
}

// ImportJSONL restores an export into s inside one transaction. Records
// whose id already exists are skipped, so importing the same file twice is
// harmless. Unknown record types are ignored.
func ImportJSONL(ctx context.Context, s store.Store, r io.Reader) (Stats, error) {
	var st Stats
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		st = Stats{}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			if len(sc.Bytes()) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			switch rec.Type {
			case "header":
				var h header
				if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				if h.Version != formatVersion {
					return fmt.Errorf("unsupported export version %q", h.Version)
				}
			case "node":
				var n model.Node
				if err := json.Unmarshal(rec.Data, &n); err != nil {
					return fmt.Errorf("line %d: decode node: %w", line, err)
				}
				if err := tx.CreateNode(ctx, &n); err != nil {
					if !errors.Is(err, store.ErrConflict) {
						return fmt.Errorf("create node %s: %w", n.ID, err)
					}
					st.Skipped++
					continue
				}
				st.Nodes++
			case "edge":
				var e model.Edge
				if err := json.Unmarshal(rec.Data, &e); err != nil {
					return fmt.Errorf("line %d: decode edge: %w", line, err)
				}
				if err := tx.CreateEdge(ctx, &e); err != nil {
					if !errors.Is(err, store.ErrConflict) {
						return fmt.Errorf("create edge %s: %w", e.ID, err)
					}
					st.Skipped++
					continue
				}
				st.Edges++
			}
		}
		return sc.Err()
	})
	return st, err
}
