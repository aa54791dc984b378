package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bissquit/trackbuffer/internal/app"
	"github.com/bissquit/trackbuffer/internal/buffer/segment"
	"github.com/bissquit/trackbuffer/internal/config"
	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/version"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	root := &cobra.Command{
		Use:          "trackbufferd",
		Short:        "Telemetry buffering daemon",
		Long:         "trackbufferd buffers logs and failed tracking requests on disk and delivers them to the collector with retries.",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newInspectCmd(fs))
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest API and the flush worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("config", os.Getenv("TRACKBUFFER_CONFIG"), "Path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(err, a.Shutdown(shutdownCtx))
}

func newInspectCmd(fs afero.Fs) *cobra.Command {
	inspect := &cobra.Command{Use: "inspect", Short: "Inspect buffered data on disk"}

	logs := &cobra.Command{
		Use:   "logs",
		Short: "List pending log segments without modifying them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			showEntries, _ := cmd.Flags().GetBool("entries")

			pending, err := segment.Inspect(fs, dir, segment.JSONCodec[domain.LogEntry]{})
			if err != nil {
				return fmt.Errorf("inspect %s: %w", dir, err)
			}
			return printSegments(cmd.OutOrStdout(), pending, showEntries)
		},
	}
	logs.Flags().String("dir", config.Default().LogBuffer.Dir, "Log segment directory")
	logs.Flags().Bool("entries", false, "Print every entry")

	inspect.AddCommand(logs)
	return inspect
}

func printSegments(out io.Writer, pending []segment.Pending[domain.LogEntry], showEntries bool) error {
	if len(pending) == 0 {
		_, err := fmt.Fprintln(out, "no pending segments")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSEALED\tENTRIES\tINVALID")
	total := 0
	for _, p := range pending {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\n", p.Name, p.Sealed, len(p.Entries), p.Invalid)
		total += len(p.Entries)
	}
	fmt.Fprintf(tw, "total\t\t%d\t\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}

	if !showEntries {
		return nil
	}
	for _, p := range pending {
		for _, e := range p.Entries {
			category := ""
			if e.Category != nil {
				category = " [" + string(*e.Category) + "]"
			}
			fmt.Fprintf(out, "%s %s%s %s\n", e.CreatedAt.Format(time.RFC3339), e.Level, category, e.Message)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
