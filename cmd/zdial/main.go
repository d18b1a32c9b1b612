// Command zdial dials a service over edge routers and either pipes stdin/stdout
// through the connection or forwards a local TCP port to it.
//
// It reads a TOML config (-config). Without -service it asks which of the
// configured services to dial.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/openziti/ziti-browzer-core-sub000/internal/config"
	"github.com/openziti/ziti-browzer-core-sub000/internal/dial"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tunnel"
	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "zdial.toml", "Path to the TOML config file")
	service := flag.String("service", "", "Service to dial (prompted when empty)")
	listen := flag.String("listen", "", "Forward this local TCP address instead of piping stdio, e.g. 127.0.0.1:8080")
	metrics := flag.String("metrics", "", "Serve Prometheus metrics on this address (overrides Metrics.Listen)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := util.SetLevel(cfg.Logging.Level); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		util.EnableDebug()
	}
	if *metrics != "" {
		cfg.Metrics.Listen = *metrics
	}

	// stdout carries the connection in pipe mode
	if *listen == "" {
		util.SetOutput(os.Stderr)
	} else {
		pterm.Info.Println(fmt.Sprintf("zdial v%s", version))
		pterm.Println()
	}

	dir := cfg.Directory()
	name := *service
	if name == "" {
		name = askService(dir.Names())
	}

	opts, err := cfg.DialOptions()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, dial.New(dir, opts), cfg, name, *listen, stdio{}); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
	util.LogInfo("closed")
}

// run serves the chosen mode through zc: the forwarder when listen is set,
// otherwise a single bridge over local. zc is closed before run returns.
func run(ctx context.Context, zc *dial.Context, cfg *config.Config, name, listen string, local io.ReadWriteCloser) error {
	defer func() {
		if err := zc.Close(); err != nil {
			util.LogWarning("close: %v", err)
		}
	}()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}
	if cfg.Logging.StatsInterval.Duration > 0 {
		util.StartStatsReporter(ctx, cfg.Logging.StatsInterval.Duration)
	}

	fwd := tunnel.NewForwarder(zc, name)
	if listen != "" {
		return runForwarder(ctx, fwd, listen)
	}
	return runPipe(ctx, fwd, local)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runForwarder bridges every accepted local socket to the service.
func runForwarder(ctx context.Context, fwd *tunnel.Forwarder, addr string) error {
	util.LogSuccess("forwarding %s to service %q", addr, fwd.Service())
	return errors.Wrap(fwd.ListenAndServe(ctx, addr), "forwarder failed")
}

// runPipe bridges local (stdin/stdout in the CLI) to the service.
func runPipe(ctx context.Context, fwd *tunnel.Forwarder, local io.ReadWriteCloser) error {
	return errors.Wrapf(fwd.Bridge(ctx, 0, local), "dial %q failed", fwd.Service())
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }

var _ io.ReadWriteCloser = stdio{}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// serveMetrics exposes the edge counters until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	reg := prometheus.NewRegistry()
	if err := util.RegisterMetrics(reg); err != nil {
		util.LogWarning("metrics disabled: %v", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogWarning("metrics server: %v", err)
	}
}

// askService prompts for one of the configured services.
func askService(names []string) string {
	switch len(names) {
	case 0:
		util.LogError("no services configured")
		os.Exit(1)
	case 1:
		return names[0]
	}

	name, _ := pterm.DefaultInteractiveSelect.
		WithOptions(names).
		WithDefaultText("Select a service").
		Show()
	pterm.Println()
	return name
}
