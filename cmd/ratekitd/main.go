// Command ratekitd is an HTTP gateway enforcing ratekit policies against a
// shared Redis store. Any number of replicas can run side by side.
//
// Usage:
//
//	ratekitd serve --config ratekit.yaml
//	ratekitd serve --addr :9090
//	ratekitd validate --config ratekit.yaml
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

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nhalm/ratekit"
	"github.com/nhalm/ratekit/internal/config"
	"github.com/nhalm/ratekit/metrics"
	"github.com/nhalm/ratekit/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and list policies."`

	Config   string `short:"c" help:"Path to config file." type:"path" env:"RATEKIT_CONFIG"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
}

// ServeCmd runs the gateway until SIGINT or SIGTERM.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides server.addr)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mp, err := metrics.NewPrometheusProvider(promReg)
	if err != nil {
		return err
	}
	defer mp.Shutdown(context.Background())

	collector, err := metrics.NewCollector(mp)
	if err != nil {
		return err
	}

	limiter := ratekit.NewLimiter(st, cfg.Registry(),
		ratekit.WithTimeout(cfg.Limiter.Timeout),
		ratekit.WithTracerProvider(tp),
		ratekit.WithObserver(ratekit.CanonlogObserver()),
		ratekit.WithObserver(collector),
		ratekit.WithObserver(ratekit.ObserverFunc(logDegraded)),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(limiter, cfg, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", cfg.Server.Addr, "store", cfg.Limiter.Store, "policies", cfg.Registry().Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ValidateCmd loads the configuration and prints the resolved policies.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	reg := cfg.Registry()
	for _, name := range reg.Names() {
		p, _ := reg.Lookup(name)
		fmt.Printf("%-24s %6d per %-8s fail-%s\n", p.Name, p.MaxRequests, p.Window, p.FailureMode)
	}
	return nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Limiter.Store {
	case config.StoreMemory:
		slog.Warn("using in-memory store; limits are not shared between replicas")
		return store.NewMemory(), nil
	default:
		return store.NewRedis(cfg.Redis)
	}
}

func logDegraded(ctx context.Context, ev ratekit.Event) {
	if ev.Kind != ratekit.EventDegraded {
		return
	}
	slog.WarnContext(ctx, "rate limit store unavailable", "policy", ev.Policy, "error", ev.Err)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ratekitd"),
		kong.Description("Distributed sliding-window rate limiting gateway"),
		kong.UsageOnError(),
	)

	slog.SetDefault(newLogger(cli.LogLevel))

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
