package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/app"
	"github.com/lucaji/Shari/internal/tree"
)

var (
	flagListJSON bool
	flagListTree bool
	flagPurge    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reconcile the catalog with the documents folder once",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cataloged documents",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove empty directories from the documents folder",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	listCmd.Flags().BoolVar(&flagListJSON, "json", false, "output as JSON")
	listCmd.Flags().BoolVar(&flagListTree, "tree", false, "output as a directory tree")
	pruneCmd.Flags().BoolVar(&flagPurge, "cache", false, "also empty the caches folder")
	rootCmd.AddCommand(scanCmd, listCmd, pruneCmd)
}

// withApp opens the library without starting the watcher or server.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error("close library", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func runScan(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Scan(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d documents: %d added, %d removed, %d updated, %d moved (%s)\n",
			a.Catalog().MainContext().Len(), res.Added, res.Removed, res.Updated, res.Moved, res.Duration.Round(time.Millisecond))
		return nil
	})
}

func runList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app.App) error {
		records := a.Catalog().MainContext().Records()
		w := cmd.OutOrStdout()
		switch {
		case flagListJSON:
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		case flagListTree:
			printTree(w, tree.Build(records, nil), 0)
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LOCATION\tSIZE\tMODIFIED\tHANDLE")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Location, r.Size, r.ModTime.Local().Format("2006-01-02 15:04"), r.Handle)
		}
		return tw.Flush()
	})
}

func printTree(w io.Writer, n *tree.Node, depth int) {
	if depth > 0 {
		name := n.Name
		if n.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth-1), name)
	}
	for _, c := range n.Children {
		printTree(w, c, depth+1)
	}
}

func runPrune(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app.App) error {
		n, err := a.Paths().PruneEmptyDirectories()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d empty directories\n", n)
		if flagPurge {
			if err := a.Paths().PurgeCache(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "caches emptied")
		}
		return nil
	})
}
