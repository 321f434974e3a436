// nity-sim drives the selection pipeline in-process: an in-memory
// table store, a simulated control agent publishing backend sets and
// heartbeats, and a pool of workers issuing synthetic connect() calls
// through the hook. It is the quickest way to watch the decision core
// behave under reshard churn and agent loss without loading anything
// into a kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/agent"
	"github.com/Demians12/Continuity/internal/conntrack"
	"github.com/Demians12/Continuity/internal/counters"
	"github.com/Demians12/Continuity/internal/dataplane"
	"github.com/Demians12/Continuity/internal/metrics"
	"github.com/Demians12/Continuity/internal/tables"
)

func main() {
	var (
		workers     = flag.Int("workers", 4, "concurrent connect() drivers")
		flows       = flag.Int("flows", 4096, "distinct synthetic flows")
		duration    = flag.Duration("duration", 10*time.Second, "how long to drive traffic")
		reshard     = flag.Duration("reshard-every", 2*time.Second, "agent reshard interval (0 disables)")
		dropAgent   = flag.Duration("drop-agent-after", 0, "stop heartbeats after this long (0 keeps the agent alive)")
		metricsAddr = flag.String("metrics-addr", "", "serve /metrics on this address (empty disables)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store := tables.NewMemStore()
	ct := conntrack.New(abi.MaxConntrackEntries)
	ctr := counters.New()
	pipe := dataplane.New(store, ct, ctr)
	pub := agent.NewPublisher(store, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(metrics.MemSource{Counters: ctr, Tables: store}, logger))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("metrics listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	routes := demoRoutes()
	if err := pub.Heartbeat(); err != nil {
		logger.Error("heartbeat", "error", err)
		os.Exit(1)
	}
	if err := pub.Apply(routes); err != nil {
		logger.Error("initial publish", "error", err)
		os.Exit(1)
	}

	var bg sync.WaitGroup

	// Agent heartbeat, optionally cut off mid-run to show the failsafe
	// path taking over.
	hbCtx := ctx
	if *dropAgent > 0 {
		var hbCancel context.CancelFunc
		hbCtx, hbCancel = context.WithTimeout(ctx, *dropAgent)
		defer hbCancel()
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		_ = pub.RunHeartbeat(hbCtx, 500*time.Millisecond)
		logger.Info("agent heartbeat stopped")
	}()

	// Reshard churn: rotate the backend list and republish.
	if *reshard > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			ticker := time.NewTicker(*reshard)
			defer ticker.Stop()
			gen := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					gen++
					rotated := rotateBackends(routes, gen)
					if err := pub.Apply(rotated); err != nil {
						logger.Warn("reshard skipped", "error", err)
					}
				}
			}
		}()
	}

	// Traffic drivers.
	var drivers sync.WaitGroup
	start := time.Now()
	for w := 0; w < *workers; w++ {
		drivers.Add(1)
		go func(w int) {
			defer drivers.Done()
			i := 0
			for ctx.Err() == nil {
				flow := uint32((w*1_000_003 + i) % *flows)
				ctx4 := dataplane.SockAddr{
					UserIP4:  abi.IP4(10, 0, 0, 1),
					UserPort: 80,
					Protocol: 6,
					Sk: &dataplane.Sock{
						SrcIP4:  abi.IP4(192, 168, byte(flow>>8), byte(flow)),
						SrcPort: 40000 + flow%20000,
					},
				}
				pipe.Connect4(&ctx4)
				i++
			}
		}(w)
	}
	drivers.Wait()
	cancel()
	bg.Wait()

	elapsed := time.Since(start)
	snap := ctr.Snapshot()
	total := snap[abi.CounterReqsTotal]
	logger.Info("run complete",
		"duration", elapsed.Round(time.Millisecond),
		"connects", total,
		"rate_per_sec", fmt.Sprintf("%.0f", float64(total)/elapsed.Seconds()),
		"epoch", store.Epoch(),
		"conntrack_entries", ct.Len())
	for id := abi.CounterID(0); id < abi.CounterMax; id++ {
		logger.Info("counter", "name", id.String(), "value", snap[id])
	}
}

func demoRoutes() []agent.Route {
	return []agent.Route{{
		VIP:   abi.IP4(10, 0, 0, 1),
		VPort: 80,
		Proto: 6,
		Backends: []abi.BackendID{
			{IP4: abi.IP4(10, 0, 1, 5), PortBE: 9000},
			{IP4: abi.IP4(10, 0, 1, 6), PortBE: 9000},
			{IP4: abi.IP4(10, 0, 1, 7), PortBE: 9000},
		},
		Fallback: []abi.BackendID{
			{IP4: abi.IP4(10, 0, 2, 1), PortBE: 9000},
		},
	}}
}

// rotateBackends shifts each route's backend list so every reshard
// genuinely moves slots between backends.
func rotateBackends(routes []agent.Route, gen int) []agent.Route {
	out := make([]agent.Route, len(routes))
	copy(out, routes)
	for i := range out {
		n := len(out[i].Backends)
		if n < 2 {
			continue
		}
		rotated := make([]abi.BackendID, n)
		for j := range rotated {
			rotated[j] = out[i].Backends[(j+gen)%n]
		}
		out[i].Backends = rotated
	}
	return out
}
