package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatMoney(v float64) string {
	if v < 0 {
		return "-$" + humanize.CommafWithDigits(-v, 2)
	}
	return "$" + humanize.CommafWithDigits(v, 2)
}

func formatHours(h float64) string {
	return humanize.FtoaWithDigits(h, 2) + "h"
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatValue renders one data value on a single line.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return humanize.FtoaWithDigits(v, 2)
	case bool:
		return fmt.Sprint(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func printNode(w io.Writer, n *model.Node) {
	fmt.Fprintf(w, "%-18s%s\n", "ID:", ui.RenderAccent(n.ID))
	fmt.Fprintf(w, "%-18s%s\n", "Type:", n.Type)
	if title := n.String(model.FieldTitle); title != "" {
		fmt.Fprintf(w, "%-18s%s\n", "Title:", title)
	}
	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		if k != model.FieldTitle {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-18s%s\n", k+":", formatValue(n.Data[k]))
	}
	fmt.Fprintf(w, "%-18s%s\n", "Created:", ui.RenderMuted(formatWhen(n.CreatedAt)))
	fmt.Fprintf(w, "%-18s%s\n", "Updated:", ui.RenderMuted(formatWhen(n.UpdatedAt)))
}

func printNodeList(nodes []*model.Node) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTITLE\tUPDATED")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Type, truncate(n.String(model.FieldTitle), 50), formatWhen(n.UpdatedAt))
	}
	w.Flush()
	fmt.Printf("\n%s nodes\n", humanize.Comma(int64(len(nodes))))
}
