package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/gradsim/internal/config"
	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/logging"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/remote"
	"github.com/roach88/gradsim/internal/store"
	"github.com/roach88/gradsim/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command. Non-empty flag values
// override the config file and environment.
type ServeOptions struct {
	*RootOptions
	ConfigPath  string
	Addr        string
	WSAddr      string
	MetricsAddr string
	Database    string
	TimingCSV   string

	// SessionIDs overrides the session id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	SessionIDs engine.SessionIDGenerator

	// Ready is called once every listener is bound (for testing).
	Ready func(ServeAddrs)
}

// ServeAddrs are the bound listener addresses. Empty when disabled.
type ServeAddrs struct {
	TCP     string
	WS      string
	Metrics string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept simulation sessions over TCP and websocket",
		Long: `Start the gradsim server.

Every connection is a session with its own simulation. Clients send
newline-delimited JSON commands (createSim, setSource, newPosition, step)
and receive the node state after every step.

Settings come from defaults, then the config file, then GRADSIM_*
environment variables, then flags.

Example:
  gradsim serve --addr 127.0.0.1:7700
  gradsim serve --config ./gradsim.yaml --db ./runs.db --metrics-addr :9100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "TCP listen address")
	cmd.Flags().StringVar(&opts.WSAddr, "ws-addr", "", "websocket listen address (path /ws)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (path /metrics)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for recording runs")
	cmd.Flags().StringVar(&opts.TimingCSV, "timing-csv", "", "path to CSV file for timing samples")

	return cmd
}

func loadServeConfig(opts *ServeOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.WSAddr != "" {
		cfg.Server.WSAddr = opts.WSAddr
	}
	if opts.MetricsAddr != "" {
		cfg.Server.MetricsAddr = opts.MetricsAddr
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.TimingCSV != "" {
		cfg.Telemetry.CSVPath = opts.TimingCSV
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(parentCtx context.Context, opts *ServeOptions, out, errOut io.Writer) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if !opts.Verbose {
		logFormat := "text"
		if opts.Format == "json" {
			logFormat = "json"
		}
		logging.Setup(cfg.Logging.Level, logFormat, errOut)
	}

	// Use the command's context if available (for testing)
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
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var sinks telemetry.Multi
	var st *store.Store
	if cfg.Store.Path != "" {
		slog.Info("opening database", "path", cfg.Store.Path)
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		sinks = append(sinks, st)
	}
	if cfg.Telemetry.CSVPath != "" {
		csvSink, err := telemetry.OpenCSVSink(cfg.Telemetry.CSVPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open timing CSV", err)
		}
		defer func() {
			if closeErr := csvSink.Close(); closeErr != nil {
				slog.Error("error closing timing CSV", "error", closeErr)
			}
		}()
		sinks = append(sinks, csvSink)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var engineOpts []engine.Option
	serverOpts := []remote.ServerOption{remote.WithServerMetrics(remote.NewMetrics(promReg))}
	if st != nil {
		serverOpts = append(serverOpts, remote.WithServerRecorder(st))
	}
	if len(sinks) > 0 {
		engineOpts = append(engineOpts, engine.WithSink(sinks))
		serverOpts = append(serverOpts, remote.WithServerTiming(sinks, telemetry.SystemClock{}))
	}
	if opts.SessionIDs != nil {
		serverOpts = append(serverOpts, remote.WithSessionIDs(opts.SessionIDs))
	}

	reg := registry.New(engineOpts...)
	defer reg.Close()
	srv := remote.NewServer(reg, cfg.Remote(), serverOpts...)

	tcpLn, wsLn, metricsLn, err := listenAll(ctx, cfg.Server)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	var addrs ServeAddrs
	g, gctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		addrs.TCP = tcpLn.Addr().String()
		g.Go(func() error { return srv.Serve(gctx, tcpLn) })
		fmt.Fprintf(out, "TCP sessions on %s\n", addrs.TCP)
	}
	if wsLn != nil {
		addrs.WS = wsLn.Addr().String()
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.WebSocketHandler(gctx))
		serveHTTP(gctx, g, wsLn, mux)
		fmt.Fprintf(out, "Websocket sessions on ws://%s/ws\n", addrs.WS)
	}
	if metricsLn != nil {
		addrs.Metrics = metricsLn.Addr().String()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		serveHTTP(gctx, g, metricsLn, mux)
		fmt.Fprintf(out, "Metrics on http://%s/metrics\n", addrs.Metrics)
	}
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	slog.Info("server starting", "tcp", addrs.TCP, "ws", addrs.WS, "metrics", addrs.Metrics, "db", cfg.Store.Path)
	if opts.Ready != nil {
		opts.Ready(addrs)
	}

	err = g.Wait()
	srv.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("server stopped gracefully", "live_engines", reg.Len())
	return nil
}

// listenAll binds every configured listener, or none: on failure the ones
// already bound are closed.
func listenAll(ctx context.Context, sc config.ServerConfig) (tcp, ws, metrics net.Listener, err error) {
	var lc net.ListenConfig
	var bound []net.Listener
	listen := func(addr string) net.Listener {
		if addr == "" || err != nil {
			return nil
		}
		var ln net.Listener
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err != nil {
			err = fmt.Errorf("listen on %s: %w", addr, err)
			return nil
		}
		bound = append(bound, ln)
		return ln
	}

	tcp = listen(sc.Addr)
	ws = listen(sc.WSAddr)
	metrics = listen(sc.MetricsAddr)
	if err != nil {
		for _, ln := range bound {
			_ = ln.Close()
		}
		return nil, nil, nil, err
	}
	return tcp, ws, metrics, nil
}

// serveHTTP runs an HTTP server on ln until ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, ln net.Listener, h http.Handler) {
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}
