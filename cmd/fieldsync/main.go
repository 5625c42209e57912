package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexjbarnes/fieldsync/internal/config"
	"github.com/alexjbarnes/fieldsync/internal/engine"
	"github.com/alexjbarnes/fieldsync/internal/logging"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/transport"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Format  string
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first sync for research records",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level for one-shot commands")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))

	return cmd
}

// app is the state shared by every command: configuration, the local
// database and an engine over it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.State
	client *transport.Client
	engine *engine.Engine
}

// openApp loads configuration and opens the local state. Long-running
// commands log at the configured level; one-shot commands only log
// warnings unless --verbose is set.
func openApp(opts *rootOptions, stderr io.Writer, daemon bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var logger *slog.Logger
	if daemon {
		logger = logging.NewLogger(cfg.Environment)
	} else {
		logger = logging.NewLoggerTo(stderr, cfg.Environment, !opts.Verbose)
	}

	var store *state.State
	if cfg.StatePath != "" {
		store, err = state.LoadAt(cfg.StatePath)
	} else {
		store, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = store.DeviceID()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("reading device id: %w", err)
		}
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	// A nil interface, not a typed nil pointer, keeps the engine's
	// missing-server check working.
	var tr engine.Transport
	if cfg.Online() {
		a.client = transport.NewClient(cfg.ServerURL, cfg.Token, transport.NewHTTPClient(cfg.RequestTimeout))
		tr = a.client
	}

	a.engine = engine.New(store, tr, logger, engine.Config{
		DeviceID:      deviceID,
		BatchSize:     cfg.BatchSize,
		DedupWindow:   cfg.DedupWindow,
		BootstrapPull: cfg.BootstrapPull,
	})

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) requireServer() error {
	if !a.cfg.Online() {
		return fmt.Errorf("SYNC_SERVER_URL is required to sync")
	}

	return nil
}
