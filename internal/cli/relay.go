package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/relay"
	"github.com/roach88/secsync/internal/store"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr       string
	Database   string
	AutoCreate bool

	// ready is called with the bound address once the relay accepts
	// connections (for testing).
	ready func(net.Addr)
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the sync relay",
		Long: `Serve the websocket relay backed by a SQLite database.

The relay stores ciphertext only. It enforces snapshot lineage and update
clocks, and forwards snapshots, updates and ephemeral messages to the
other clients of a document.

Flags override the config file.

Examples:
  secsync relay --db ./relay.db --addr :8080
  secsync relay --config relay.yaml --auto-create`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.AutoCreate, "auto-create", false, "create unknown documents on first connect")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	cfg := opts.Config.Relay
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if cmd.Flags().Changed("auto-create") {
		cfg.AutoCreate = opts.AutoCreate
	}
	logger := opts.Logger

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	r := relay.New(st,
		relay.WithAutoCreate(cfg.AutoCreate),
		relay.WithSendBuffer(cfg.SendBuffer),
		relay.WithLogger(logger),
	)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.Info("relay listening", "addr", ln.Addr().String(), "auto_create", cfg.AutoCreate)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", ln.Addr())
	if opts.ready != nil {
		opts.ready(ln.Addr())
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "relay error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", "error", err)
	}
	r.Close()

	logger.Info("relay stopped gracefully")
	return nil
}
