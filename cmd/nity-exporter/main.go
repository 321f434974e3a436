// nity-exporter scrapes the pinned per-CPU counters map plus the
// shared liveness cells and serves them as Prometheus metrics. Run it
// next to the loader when the agent's built-in endpoint is not enough
// (or the agent is down — which is exactly when the failsafe gauges
// matter).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Demians12/Continuity/internal/metrics"
	"github.com/Demians12/Continuity/internal/tables"
)

func main() {
	var (
		pinDir = flag.String("pin-dir", "/sys/fs/bpf/nity", "bpffs directory with the pinned maps")
		listen = flag.String("listen", ":9107", "address for /metrics")
	)
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := tables.OpenPinned(*pinDir)
	if err != nil {
		logger.Error("opening pinned maps", "pin_dir", *pinDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(store, logger))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		logger.Info("exporter listening", "addr", *listen, "pin_dir", *pinDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
}
