package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/bdougie/viddedup/internal/config"
	"github.com/bdougie/viddedup/internal/models"
	"github.com/bdougie/viddedup/internal/storage"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "viddedup",
		Short:         "Detect duplicate videos by their content",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (YAML)")

	rootCmd.AddCommand(
		newIngestCmd(&configPath),
		newQueryCmd(&configPath),
		newRemoveCmd(&configPath),
		newListCmd(&configPath),
		newBuildCmd(&configPath),
		newInitDBCmd(&configPath),
	)
	return rootCmd
}

func sampleFlags(cmd *cobra.Command, opts *models.SampleOptions) {
	cmd.Flags().IntVar(&opts.Stride, "stride", 0, "Sample every Nth frame (default from config)")
	cmd.Flags().IntVar(&opts.Cap, "cap", 0, "Maximum frames to sample (default from config)")
}

func printDecision(w io.Writer, locator string, d models.Decision, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(struct {
			Locator string `json:"locator"`
			models.Decision
		}{locator, d})
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", locator, describe(d))
	return err
}

func newIngestCmd(configPath *string) *cobra.Command {
	var (
		opts   models.SampleOptions
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <video>...",
		Short: "Add videos to the store unless they duplicate a stored one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var failed int
			for _, loc := range args {
				d, err := a.processor.Ingest(ctx, loc, opts)
				if err != nil {
					a.logger.Error("ingest failed", "locator", loc, "error", err)
					failed++
					continue
				}
				if err := printDecision(cmd.OutOrStdout(), loc, d, asJSON); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d videos failed", failed, len(args))
			}
			return nil
		},
	}
	sampleFlags(cmd, &opts)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print decisions as JSON lines")
	return cmd
}

func newQueryCmd(configPath *string) *cobra.Command {
	var (
		opts   models.SampleOptions
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "query <video>",
		Short: "Classify a video without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			d, err := a.processor.Query(ctx, args[0], opts)
			if errors.Is(err, models.ErrEmptyStore) {
				fmt.Fprintln(cmd.ErrOrStderr(), "store is empty; nothing to compare against")
				return printDecision(cmd.OutOrStdout(), args[0], models.Unique(""), asJSON)
			}
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), args[0], d, asJSON)
		},
	}
	sampleFlags(cmd, &opts)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decision as JSON")
	return cmd
}

func newRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Delete stored records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			for _, id := range args {
				if err := a.processor.Remove(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return nil
		},
	}
}

func newListCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			return printRecords(cmd.OutOrStdout(), a.processor.Records(), a.processor.Excluded(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

type listedRecord struct {
	ID        string    `json:"id"`
	Locator   string    `json:"source_locator,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

func printRecords(w io.Writer, records []models.VideoRecord, excluded map[string]error, asJSON bool) error {
	rows := make([]listedRecord, 0, len(records)+len(excluded))
	for _, r := range records {
		rows = append(rows, listedRecord{ID: r.ID, Locator: r.SourceLocator, CreatedAt: r.CreatedAt, Status: "visible"})
	}
	hidden := make([]string, 0, len(excluded))
	for id := range excluded {
		hidden = append(hidden, id)
	}
	sort.Strings(hidden)
	for _, id := range hidden {
		rows = append(rows, listedRecord{ID: id, Status: "excluded", Reason: excluded[id].Error()})
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tLOCATOR")
	for _, r := range rows {
		created, detail := "-", r.Locator
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Format(time.RFC3339)
		}
		if r.Reason != "" {
			detail = r.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, created, r.Status, detail)
	}
	return tw.Flush()
}

// findVideos returns the files under dir matching pattern, sorted.
func findVideos(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(dir, filepath.FromSlash(m))
	}
	return paths, nil
}

func newBuildCmd(configPath *string) *cobra.Command {
	var (
		dir     string
		pattern string
		reset   bool
		opts    models.SampleOptions
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Ingest every video in a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths, err := findVideos(dir, pattern)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files in %s match %q", dir, pattern)
			}

			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if reset {
				n, err := a.processor.Reset(ctx)
				if err != nil {
					return err
				}
				a.logger.Info("store reset", "removed", n)
			}

			start := time.Now()
			results, buildErr := a.processor.Build(ctx, paths, opts)
			unique := 0
			for _, r := range results {
				if r.Err != nil {
					continue
				}
				if r.Decision.Kind == models.KindUnique {
					unique++
				}
				if err := printDecision(cmd.OutOrStdout(), r.Locator, r.Decision, asJSON); err != nil {
					return err
				}
			}
			a.logger.Info("build finished",
				"videos", len(paths),
				"stored", unique,
				"records", len(a.processor.Records()),
				"took", time.Since(start).Round(time.Millisecond))
			return buildErr
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory containing videos")
	cmd.Flags().StringVar(&pattern, "pattern", "**/*.{mp4,mkv,mov,avi,webm}", "Glob pattern relative to --dir")
	cmd.Flags().BoolVar(&reset, "reset", false, "Remove all stored records first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print decisions as JSON lines")
	sampleFlags(cmd, &opts)
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func newInitDBCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the PostgreSQL schema for the postgres backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := storage.InitSchema(cmd.Context(), postgresConfig(cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}
