// nity-agent is the userspace control plane: it opens the pinned
// kernel maps, publishes the configured backend sets through the
// populate -> bump epoch -> flip protocol, writes the heartbeat the
// data plane watches, and serves an admin API plus Prometheus
// metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/agent"
	"github.com/Demians12/Continuity/internal/config"
	"github.com/Demians12/Continuity/internal/metrics"
	"github.com/Demians12/Continuity/internal/tables"
)

func main() {
	configPath := flag.String("config", "nity.yaml", "path to configuration file")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	routes, err := cfg.Routes()
	if err != nil {
		logger.Error("invalid routes", "error", err)
		os.Exit(1)
	}

	store, err := tables.OpenPinned(cfg.Maps.PinDir)
	if err != nil {
		logger.Error("opening pinned maps (is nity-loader running?)", "pin_dir", cfg.Maps.PinDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pub := agent.NewPublisher(store, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Heartbeat first: Apply refuses to flip while the data plane
	// would be in HOLD or FALLBACK.
	if err := pub.Heartbeat(); err != nil {
		logger.Error("heartbeat write", "error", err)
		os.Exit(1)
	}
	if err := pub.Apply(routes); err != nil {
		logger.Error("publishing backend sets", "error", err)
		os.Exit(1)
	}

	go func() {
		interval := time.Duration(cfg.Agent.HeartbeatIntervalMs) * time.Millisecond
		if err := pub.RunHeartbeat(ctx, interval); err != nil && ctx.Err() == nil {
			logger.Error("heartbeat loop", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(store, logger))
	go func() {
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("metrics listening", "addr", cfg.Agent.MetricsAddr)
		if err := http.ListenAndServe(cfg.Agent.MetricsAddr, m); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	go serveAdmin(cfg, store, pub, logger)

	logger.Info("agent running",
		"routes", len(routes),
		"pin_dir", cfg.Maps.PinDir,
		"heartbeat_ms", cfg.Agent.HeartbeatIntervalMs)
	<-ctx.Done()
	logger.Info("shutting down")
}

func serveAdmin(cfg *config.Config, store *tables.KernelStore, pub *agent.Publisher, logger *slog.Logger) {
	r := mux.NewRouter()

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		sums, err := store.CounterSums()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counters := make(map[string]uint64, abi.CounterMax)
		for id := abi.CounterID(0); id < abi.CounterMax; id++ {
			counters[id.String()] = sums[id]
		}
		writeJSON(w, map[string]any{
			"epoch":        store.Epoch(),
			"active_table": store.ActiveTable().String(),
			"counters":     counters,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, pub.Routes())
	}).Methods(http.MethodGet)

	r.HandleFunc("/apply", func(w http.ResponseWriter, _ *http.Request) {
		routes, err := cfg.Routes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := pub.Apply(routes); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"epoch": store.Epoch(), "active_table": store.ActiveTable().String()})
	}).Methods(http.MethodPost)

	r.HandleFunc("/admission", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			VIP   string `json:"vip"`
			Port  uint16 `json:"port"`
			Proto uint8  `json:"proto"`
			Mode  string `json:"mode"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var mode abi.AdmissionMode
		switch body.Mode {
		case "normal":
			mode = abi.AdmissionNormal
		case "soft":
			mode = abi.AdmissionSoft
		case "hard":
			mode = abi.AdmissionHard
		default:
			http.Error(w, "mode must be normal, soft or hard", http.StatusBadRequest)
			return
		}
		vip, err := parseIP4(body.VIP)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		proto := body.Proto
		if proto == 0 {
			proto = 6
		}
		if err := pub.SetAdmission(vip, body.Port, proto, mode); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	logger.Info("admin API listening", "addr", cfg.Agent.AdminAddr)
	if err := http.ListenAndServe(cfg.Agent.AdminAddr, r); err != nil {
		logger.Warn("admin server stopped", "error", err)
	}
}

func parseIP4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%q is not IPv4", s)
	}
	return abi.IP4(v4[0], v4[1], v4[2], v4[3]), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
