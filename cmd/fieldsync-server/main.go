package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/config"
	"github.com/alexjbarnes/fieldsync/internal/logging"
	"github.com/alexjbarnes/fieldsync/internal/syncserver"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fieldsync-server",
		Short:         "Reference sync server for fieldsync clients",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTokenCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logging.NewLogger(cfg.Environment))
		},
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	store, err := syncserver.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := syncserver.NewTokens([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     syncserver.NewServer(store, tokens, logger).Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: it would cut the long-lived push websockets.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting sync server",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("db", cfg.DBPath),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <device-id>",
		Short: "Print a bearer token for a device",
		Long: `Print a bearer token for a device. Configure the client with it as
SYNC_TOKEN and the same value as DEVICE_ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			tokens, err := syncserver.NewTokens([]byte(cfg.JWTSecret))
			if err != nil {
				return err
			}

			token, err := tokens.Issue(args[0], ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)

			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry")

	return cmd
}
