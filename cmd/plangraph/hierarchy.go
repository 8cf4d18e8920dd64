package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/client"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

// withSession runs fn inside a fresh session and closes it afterwards.
func withSession(ctx context.Context, fn func(sid string) error) error {
	sid, err := planClient.OpenSession(ctx, "cli")
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	err = fn(sid)
	if cerr := planClient.CloseSession(ctx, sid); err == nil && cerr != nil {
		err = fmt.Errorf("closing session: %w", cerr)
	}
	return err
}

var treeCmd = &cobra.Command{
	Use:     "tree <id>",
	Short:   "Show the rollup hierarchy below a node",
	GroupID: "hierarchy",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		ctx := context.Background()

		root, err := planClient.GetNode(ctx, args[0])
		if err != nil {
			return err
		}
		t := &treeNode{Node: root}
		if err := expandTree(ctx, t, depth, map[string]bool{root.ID: true}); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(t)
		}
		printTree(os.Stdout, t)
		return nil
	},
}

type treeNode struct {
	Node     *model.Node `json:"node"`
	Children []*treeNode `json:"children,omitempty"`
}

func expandTree(ctx context.Context, t *treeNode, depth int, seen map[string]bool) error {
	if depth == 0 {
		return nil
	}
	rel, err := planClient.Hierarchy(ctx, t.Node.ID)
	if err != nil {
		return fmt.Errorf("hierarchy of %s: %w", t.Node.ID, err)
	}
	for _, id := range rel.ChildIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		child, err := planClient.GetNode(ctx, id)
		if err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		ct := &treeNode{Node: child}
		if err := expandTree(ctx, ct, depth-1, seen); err != nil {
			return err
		}
		t.Children = append(t.Children, ct)
	}
	return nil
}

func treeLine(n *model.Node) string {
	line := fmt.Sprintf("%s %s", ui.RenderAccent(n.ID), n.String(model.FieldTitle))
	if n.Bool(model.FieldIsRollup) {
		return line + ui.RenderMuted(fmt.Sprintf("  rollup %s, %s",
			formatValue(n.Float(model.FieldRollupEstimate)), formatMoney(n.Float(model.FieldRollupCost))))
	}
	if n.HasField(model.FieldOriginalEstimate) {
		return line + ui.RenderMuted("  estimate "+formatValue(n.Float(model.FieldOriginalEstimate)))
	}
	return line
}

func printTree(w io.Writer, t *treeNode) {
	fmt.Fprintln(w, treeLine(t.Node))
	printChildren(w, t.Children, "")
}

func printChildren(w io.Writer, children []*treeNode, prefix string) {
	for i, c := range children {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(children)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, treeLine(c.Node))
		printChildren(w, c.Children, childPrefix)
	}
}

var reparentCmd = &cobra.Command{
	Use:     "reparent <child-id> <parent-id>",
	Short:   "Attach a node under a new parent",
	GroupID: "hierarchy",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.SetParentRequest{ParentID: args[1]}
		if cmd.Flags().Changed("weight") {
			w, _ := cmd.Flags().GetFloat64("weight")
			req.Weight = &w
		}
		if cmd.Flags().Changed("no-rollup") {
			off, _ := cmd.Flags().GetBool("no-rollup")
			contributes := !off
			req.RollupContribution = &contributes
		}

		var ch *rollup.Change
		err := withSession(context.Background(), func(sid string) error {
			var err error
			ch, err = planClient.SetParent(context.Background(), sid, args[0], req)
			return err
		})
		if err != nil {
			return err
		}
		return printChange(ch)
	},
}

var unparentCmd = &cobra.Command{
	Use:     "unparent <child-id>",
	Short:   "Detach a node from its parent",
	GroupID: "hierarchy",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ch *rollup.Change
		err := withSession(context.Background(), func(sid string) error {
			var err error
			ch, err = planClient.RemoveParent(context.Background(), sid, args[0])
			return err
		})
		if err != nil {
			return err
		}
		return printChange(ch)
	},
}

func printChange(ch *rollup.Change) error {
	if jsonOutput {
		return printJSON(ch)
	}
	switch {
	case ch.ParentID != "" && ch.OldParentID != "":
		fmt.Printf("Moved %s from %s to %s\n", ch.ChildID, ch.OldParentID, ch.ParentID)
	case ch.ParentID != "":
		fmt.Printf("Attached %s to %s\n", ch.ChildID, ch.ParentID)
	case ch.OldParentID != "":
		fmt.Printf("Detached %s from %s\n", ch.ChildID, ch.OldParentID)
	default:
		fmt.Printf("%s has no parent\n", ch.ChildID)
	}
	for _, n := range ch.Updated {
		fmt.Printf("  updated %s\n", treeLine(n))
	}
	printWarnings(ch.Warnings)
	return nil
}

func printWarnings(ws []rollup.InconsistentReference) {
	for _, w := range ws {
		fmt.Println(ui.RenderWarn(fmt.Sprintf("  warning: %s", w.Error())))
	}
}

var recalcCmd = &cobra.Command{
	Use:     "recalc <id>",
	Short:   "Recompute a node's rollup and its ancestors'",
	GroupID: "hierarchy",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, _ := cmd.Flags().GetStringSlice("fields")

		var res *rollup.Result
		err := withSession(context.Background(), func(sid string) error {
			var err error
			res, err = planClient.Recalculate(context.Background(), sid, args[0], fields...)
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if !res.IsRollup {
			fmt.Printf("%s has no children\n", res.NodeID)
		} else {
			fmt.Printf("%s rollup estimate %s, cost %s over %d children\n",
				ui.RenderAccent(res.NodeID), formatValue(res.RollupEstimate), formatMoney(res.RollupCost), len(res.ChildIDs))
		}
		printWarnings(res.Warnings)
		return nil
	},
}

func init() {
	treeCmd.Flags().Int("depth", 5, "maximum depth to expand (-1 = unlimited)")

	reparentCmd.Flags().Float64("weight", 1, "edge weight")
	reparentCmd.Flags().Bool("no-rollup", false, "exclude the child from the parent's rollup")

	recalcCmd.Flags().StringSlice("fields", nil, "rollup fields to rewrite (default all)")
}
