package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/fang"
	serveradapter "github.com/hylla/fieldsync/internal/adapters/server"
	servercommon "github.com/hylla/fieldsync/internal/adapters/server/common"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version stores a package-level helper value.
var version = "dev"

// serveCommandRunner starts the HTTP+MCP serve flow.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, newRootCommand(os.Stdout, os.Stderr), fang.WithVersion(version)); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes one command line without fang's styled error output.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// newRootCommand builds the command tree.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	opts := rootOptions{appName: "fieldsync", devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("FIELDSYNC_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("FIELDSYNC_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first store and sync engine for field inspection forms",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newPathsCommand(&opts),
		newServeCommand(&opts),
		newSyncCommand(&opts),
		newStatusCommand(&opts),
		newRetryCommand(&opts),
		newDiscardCommand(&opts),
		newRehydrateCommand(&opts),
		newSessionCommand(&opts),
	)
	return root
}

// withEngine opens the runtime for one command flow and closes it afterwards.
func withEngine(cmd *cobra.Command, opts *rootOptions, name string, fn func(context.Context, *engine) error) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx, *opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(context.Background()); closeErr != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: close runtime: %v\n", closeErr)
		}
	}()

	e.logger.Info("command flow start", "command", name)
	if err := fn(ctx, e); err != nil {
		e.logger.Error("command flow failed", "command", name, "err", err)
		return fmt.Errorf("run %s command: %w", name, err)
	}
	e.logger.Info("command flow complete", "command", name)
	return nil
}

func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data and database paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := resolvePaths(*opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(out, "profile: %s\n", paths.Profile)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(out, "blobs: %s\n", paths.BlobDir)
			return nil
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		httpBind    string
		apiEndpoint string
		mcpEndpoint string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync coordinator with the HTTP API and MCP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, "serve", func(ctx context.Context, e *engine) error {
				serverCfg := serveradapter.Config{
					HTTPBind:      firstNonEmpty(httpBind, e.cfg.Server.HTTPBind),
					APIEndpoint:   firstNonEmpty(apiEndpoint, e.cfg.Server.APIEndpoint),
					MCPEndpoint:   firstNonEmpty(mcpEndpoint, e.cfg.Server.MCPEndpoint),
					ServerName:    opts.appName,
					ServerVersion: version,
				}
				return runServe(ctx, e, serverCfg)
			})
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base endpoint (default from config)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (default from config)")
	return cmd
}

// runServe runs the coordinator, the connectivity prober and the HTTP server until one fails or ctx ends.
func runServe(ctx context.Context, e *engine, cfg serveradapter.Config) error {
	adapter := servercommon.NewAppServiceAdapter(e.svc)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.svc.Coordinator().Run(gctx)
	})
	if e.prober != nil {
		g.Go(func() error {
			return e.prober.Run(gctx)
		})
	}
	g.Go(func() error {
		// The server owns the lifetime of the background loops.
		defer cancel()
		e.logger.Info("http server starting", "bind", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
		return serveCommandRunner(gctx, cfg, serveradapter.Dependencies{
			Records: adapter,
			Sync:    adapter,
			Ready:   e.ready,
			Online:  e.online,
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the outbox once against the remote API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, "sync", func(ctx context.Context, e *engine) error {
				if !e.probe(ctx) {
					return app.ErrOffline
				}
				report, err := e.svc.SyncNow(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				renderDrain(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the drain report as JSON")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox depth, failed operations and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, opts, "status", func(ctx context.Context, e *engine) error {
				e.probe(ctx)
				report, err := e.svc.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					adapter := servercommon.NewAppServiceAdapter(e.svc)
					status, err := adapter.SyncStatus(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), status)
				}
				renderStatus(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <local-id>",
		Short: "Requeue the failed operations of one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, "retry", func(ctx context.Context, e *engine) error {
				n, err := e.svc.RetryFailed(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued %d operation(s) for %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <local-id>",
		Short: "Drop the failed operations of one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, "discard", func(ctx context.Context, e *engine) error {
				e.probe(ctx)
				res, err := e.svc.DiscardFailed(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "discarded %d operation(s) for %s\n", res.DiscardedOps, args[0])
				if len(res.Deleted) > 0 {
					_, _ = fmt.Fprintf(out, "removed locally: %s\n", strings.Join(res.Deleted, ", "))
				}
				if res.Refreshed {
					_, _ = fmt.Fprintln(out, "refreshed from server")
				}
				return nil
			})
		},
	}
}

func newRehydrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rehydrate <service-local-id>",
		Short: "Rebuild a purged service cache from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, "rehydrate", func(ctx context.Context, e *engine) error {
				if !e.probe(ctx) {
					return app.ErrOffline
				}
				result := e.svc.Rehydrate(ctx, args[0])
				if result.Err != nil {
					return result.Err
				}
				renderRehydrate(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func newSessionCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or change the signed-in session",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "login <user>",
			Short: "Record the signed-in user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd, opts, "login", func(ctx context.Context, e *engine) error {
					return e.svc.Login(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Clear the session and current service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withEngine(cmd, opts, "logout", func(ctx context.Context, e *engine) error {
					return e.svc.Logout(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "open <service-local-id>",
			Short: "Make a service current, rehydrating it if its cache was purged",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd, opts, "open", func(ctx context.Context, e *engine) error {
					e.probe(ctx)
					ready, err := e.svc.OpenService(ctx, args[0])
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "current service: %s\n", ready.Service.LocalID)
					if ready.Rehydrated != nil {
						renderRehydrate(cmd.OutOrStdout(), *ready.Rehydrated)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
