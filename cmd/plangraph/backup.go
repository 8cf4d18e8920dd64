package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/config"
	plansync "github.com/alfredjeanlab/plangraph/internal/sync"
)

var exportCmd = &cobra.Command{
	Use:               "export [file]",
	Short:             "Write the stored graph as JSONL",
	GroupID:           "system",
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Offline() {
			return fmt.Errorf("export needs PLANGRAPH_DATABASE_URL")
		}
		st, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var w io.Writer = os.Stdout
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		bw := bufio.NewWriter(w)
		stats, err := plansync.ExportJSONL(context.Background(), st, bw)
		if err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d nodes and %d edges\n", stats.Nodes, stats.Edges)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:               "import <file>",
	Short:             "Load a JSONL export into the store",
	GroupID:           "system",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Offline() {
			return fmt.Errorf("import needs PLANGRAPH_DATABASE_URL")
		}
		st, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		stats, err := plansync.ImportJSONL(context.Background(), st, r)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		fmt.Printf("Imported %d nodes and %d edges (%d already present)\n", stats.Nodes, stats.Edges, stats.Skipped)
		return nil
	},
}
