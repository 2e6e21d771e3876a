package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lattice/internal/config"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/server"
	"github.com/roach88/lattice/internal/transport"
)

// SyncPath is where serve accepts websocket connections.
const SyncPath = "/sync"

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync server",
		Long: `Run the authoritative sync server.

Clients connect over a websocket at /sync; Prometheus metrics are served
at the configured metrics path. The server runs the row mutators putRow,
updateRow and deleteRow with "id" as primary key.

Examples:
  lattice serve --config lattice.yaml
  lattice serve --backend bolt --store server.db --listen :7070`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			if opts.Listen != "" {
				cfg.Listen = opts.Listen
			}
			return serve(cmd.Context(), cfg, opts.Logger(cmd.ErrOrStderr()), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", "", "listen address, overrides the config")
	return cmd
}

// serve runs the server until ctx ends or a component fails.
//
// The server loop and the HTTP listener run in one errgroup. When either
// stops, or ctx is cancelled, the server stops taking tasks and the HTTP
// server drains open requests for at most shutdownTimeout. Cancellation
// of ctx is a clean exit. Any other failure is returned, and the store
// is closed last so its pins are released after the server stopped.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, opts *ServeOptions) error {
	store, tree, err := opts.OpenTree(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.Open(ctx, tree, mutator.Rows("id"),
		server.WithConfig(cfg.Server.Config),
		server.WithAuthenticator(cfg.Server.Authenticator()),
		server.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "open server", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	httpSrv := &http.Server{
		Handler:           newMux(srv, cfg, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", ln.Addr().String(), "sync", SyncPath, "metrics", cfg.MetricsPath)
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		srv.Stop()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newMux(srv *server.Server, cfg config.Config, reg *prometheus.Registry, logger *slog.Logger) *http.ServeMux {
	settings := transport.DefaultSettings()
	settings.ReadTimeout = 3 * cfg.Server.PingInterval

	mux := http.NewServeMux()
	mux.Handle(SyncPath, transport.NewHandler(settings, func(ctx context.Context, c transport.Conn, r *http.Request) error {
		return srv.Serve(ctx, c)
	}, logger))
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
