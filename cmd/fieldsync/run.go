package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/connectivity"
	"github.com/alexjbarnes/fieldsync/internal/inbox"
	"github.com/alexjbarnes/fieldsync/internal/mcpserver"
	"github.com/alexjbarnes/fieldsync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon until interrupted.

The daemon watches connectivity to the sync server and syncs on
reconnect, on a periodic timer, after local changes and when the server
announces changes from other devices. When INBOX_DIR is set, markdown
notes dropped there become records. When ENABLE_MCP is set, the engine
is exposed as MCP tools over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, a)
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	a.logger.Info("fieldsync starting",
		slog.String("version", Version),
		slog.String("device", a.engine.DeviceID()),
		slog.String("server", a.cfg.ServerURL),
		slog.Bool("inbox", a.cfg.InboxDir != ""),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Online() {
		g.Go(func() error {
			return ignoreCanceled(runMonitor(gctx, a))
		})
	} else {
		a.logger.Warn("SYNC_SERVER_URL not set, changes stay local")
	}

	if a.cfg.InboxDir != "" {
		g.Go(func() error {
			return ignoreCanceled(runInbox(gctx, a))
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a)
		})
	}

	return g.Wait()
}

func runMonitor(ctx context.Context, a *app) error {
	cfg := connectivity.Config{
		SyncInterval:  a.cfg.SyncInterval,
		ProbeInterval: a.cfg.ProbeInterval,
	}

	if a.cfg.EnablePush {
		cfg.Push = &connectivity.PushConfig{
			ServerURL: a.cfg.ServerURL,
			Token:     a.cfg.Token,
			DeviceID:  a.engine.DeviceID(),
		}
	}

	return connectivity.NewMonitor(a.engine, a.client, a.logger, cfg).Run(ctx)
}

func runInbox(ctx context.Context, a *app) error {
	in := inbox.New(a.cfg.InboxDir, a.engine, a.store, a.logger.With(slog.String("service", "inbox")))

	n, err := in.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning inbox: %w", err)
	}

	a.logger.Info("inbox scanned", slog.String("dir", in.Dir()), slog.Int("imported", n))

	return in.Watch(ctx)
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, a *app) error {
	keys, err := a.cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "fieldsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: a.cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       auth.NewKeys(keys),
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
