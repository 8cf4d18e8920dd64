package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/client"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

var createCmd = &cobra.Command{
	Use:     "create <type> [title]",
	Short:   "Create a node",
	GroupID: "nodes",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("field")
		id, _ := cmd.Flags().GetString("id")

		data, err := parseFields(pairs)
		if err != nil {
			return err
		}
		if data == nil {
			data = map[string]any{}
		}
		if len(args) == 2 {
			data[model.FieldTitle] = args[1]
		}

		n, err := planClient.CreateNode(context.Background(), &client.CreateNodeRequest{
			ID:   id,
			Type: model.NodeType(args[0]),
			Data: data,
		})
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}
		if jsonOutput {
			return printJSON(n)
		}
		fmt.Printf("Created %s\n", ui.RenderAccent(n.ID))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	Short:   "Show a stored node",
	GroupID: "nodes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := planClient.GetNode(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(n)
		}
		printNode(os.Stdout, n)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List nodes",
	GroupID: "nodes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		types, _ := cmd.Flags().GetStringSlice("type")
		limit, _ := cmd.Flags().GetInt("limit")

		req := &client.ListNodesRequest{Limit: limit}
		for _, t := range types {
			req.Type = append(req.Type, model.NodeType(strings.TrimSpace(t)))
		}
		nodes, err := planClient.ListNodes(context.Background(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(nodes)
		}
		printNodeList(nodes)
		return nil
	},
}

// editCmd applies field changes through a short-lived session so they get
// the same derived-field reactions and rollup propagation as live edits.
// Closing the session writes the pending changes.
var editCmd = &cobra.Command{
	Use:     "edit <id>",
	Short:   "Edit node fields",
	GroupID: "nodes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("field")
		unset, _ := cmd.Flags().GetStringSlice("unset")

		changes, err := parseFields(pairs)
		if err != nil {
			return err
		}
		if changes == nil {
			changes = map[string]any{}
		}
		for _, k := range unset {
			changes[k] = nil
		}
		if len(changes) == 0 {
			return fmt.Errorf("nothing to change: pass -f key=value or --unset key")
		}

		ctx := context.Background()
		sid, err := planClient.OpenSession(ctx, "cli")
		if err != nil {
			return fmt.Errorf("opening session: %w", err)
		}
		view, err := planClient.Edit(ctx, sid, args[0], changes)
		if cerr := planClient.CloseSession(ctx, sid); err == nil && cerr != nil {
			err = fmt.Errorf("closing session: %w", cerr)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(view)
		}
		printNode(os.Stdout, view.Node)
		return nil
	},
}

func init() {
	createCmd.Flags().StringArrayP("field", "f", nil, "data field as key=value (repeatable; dotted keys nest)")
	createCmd.Flags().String("id", "", "node id (generated from the type when empty)")

	listCmd.Flags().StringSliceP("type", "t", nil, "filter by node type (repeatable)")
	listCmd.Flags().Int("limit", 0, "maximum number of nodes (0 = all)")

	editCmd.Flags().StringArrayP("field", "f", nil, "field change as key=value (repeatable)")
	editCmd.Flags().StringSlice("unset", nil, "fields to remove")
}
