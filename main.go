package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcmd "github.com/david-kiko/data/cmd"
	"github.com/david-kiko/data/kb"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand once the root command
// has loaded settings.
type cli struct {
	settings settings
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "schemarag",
		Short:        "Schema-graph retrieval for natural-language questions over a relational catalog",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(); err != nil {
				return err
			}
			s, err := loadSettingsFromEnv()
			if err != nil {
				return err
			}
			c.settings = s
			c.logger = newLogger(cmd.ErrOrStderr(), s.LogFormat)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	root.AddCommand(
		c.serveCmd(),
		c.rebuildCmd(),
		c.searchCmd(),
		c.pathsCmd(),
		c.buildsCmd(),
		c.importCmd(),
	)
	return root
}

// loadEnvFile reads SCHEMARAG_ENV_FILE when set, else an optional .env.
func loadEnvFile() error {
	if path := os.Getenv(envPrefix + "ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve search and rebuild over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			appCfg := appcmd.AppConfig{
				Address:           c.settings.HTTPAddr,
				ReadHeaderTimeout: 5 * time.Second,
				ShutdownTimeout:   10 * time.Second,
				BodyLimit:         c.settings.HTTPBodyLimit,
				RebuildInterval:   c.settings.RebuildInterval,
				RebuildOnStart:    c.settings.RebuildOnStart,
				Logger:            c.logger,
			}
			app := appcmd.NewApp(p, appCfg)
			if err := app.Start(); err != nil {
				return fmt.Errorf("start app: %w", err)
			}
			c.logger.Info("schemarag listening",
				"address", app.Address(),
				"collection", p.Config.Collection,
				"rebuild_interval", c.settings.RebuildInterval,
			)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
				defer cancel()
				if err := app.Stop(shutdownCtx); err != nil {
					c.logger.Error("shutdown error", "error", err)
				}
			}()

			return app.Wait()
		},
	}
}

func (c *cli) rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Extract paths, embed them and reload the vector collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := buildPipeline(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			report, err := p.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func (c *cli) searchCmd() *cobra.Command {
	var opts kb.RetrieveOptions
	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Retrieve and rerank join paths for a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPipeline(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			candidates, err := p.Search(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, cand := range candidates {
				if err := enc.Encode(cand); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.TopK, "top-k", 0, "number of results (defaults to the configured top_k)")
	cmd.Flags().StringVar(&opts.TableFilter, "table-filter", "", "keep only paths whose table path contains this substring")
	cmd.Flags().StringVar(&opts.PathFilter, "path-filter", "", "keep only paths whose text contains this substring")
	return cmd
}

func (c *cli) pathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths <table>",
		Short: "Print every path description anchored at a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPipeline(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			descs, err := p.Paths(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, d := range descs {
				fmt.Fprintln(cmd.OutOrStdout(), d.Text)
			}
			return nil
		},
	}
}

func (c *cli) buildsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List recent rebuilds of the collection, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be non-negative, got %d", limit)
			}
			p, err := buildPipeline(cmd.Context(), c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			builds, err := p.Builds(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, b := range builds {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tpaths=%d fragments=%d split=%d\n",
					b.BuildID, b.CompletedAt.Format(time.RFC3339), b.Paths, b.Fragments, b.SplitOrigins)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of builds to list")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Load tables and foreign keys from the MySQL catalog into the graph store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			catalog, err := openCatalog(ctx, c.settings)
			if err != nil {
				return err
			}
			defer catalog.Close()

			p, err := buildPipeline(ctx, c.settings, c.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			schema, err := p.Import(ctx, catalog)
			if err != nil {
				return err
			}
			c.logger.Info("schema imported",
				"tables", len(schema.Tables),
				"foreign_keys", len(schema.ForeignKeys),
			)
			return nil
		},
	}
}
