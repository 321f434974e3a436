// Package metrics exposes the data-plane counters and agent liveness
// to Prometheus. The counters are owned by the data plane and only
// read here, so the collector mirrors them as const metrics at scrape
// time instead of maintaining its own counter state.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/clock"
	"github.com/Demians12/Continuity/internal/failsafe"
)

// Source is what the collector scrapes: counter sums plus the shared
// single-cell state. KernelStore satisfies it directly; MemSource
// adapts the in-process counters and a MemStore.
type Source interface {
	CounterSums() ([abi.CounterMax]uint64, error)
	Epoch() uint64
	LastAgentSeenNS() uint64
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	source Source
	log    *slog.Logger
	now    func() uint64

	counterDescs [abi.CounterMax]*prometheus.Desc
	epochDesc    *prometheus.Desc
	hbAgeDesc    *prometheus.Desc
	modeDesc     *prometheus.Desc
}

// NewCollector builds a collector; register it on a prometheus
// registry to expose it.
func NewCollector(source Source, logger *slog.Logger) *Collector {
	c := &Collector{
		source: source,
		log:    logger,
		now:    clock.MonotonicNS,
		epochDesc: prometheus.NewDesc(
			"nity_epoch",
			"Current backend-set generation",
			nil, nil),
		hbAgeDesc: prometheus.NewDesc(
			"nity_agent_heartbeat_age_seconds",
			"Age of the control agent heartbeat",
			nil, nil),
		modeDesc: prometheus.NewDesc(
			"nity_failsafe_mode",
			"Failsafe mode derived from heartbeat age (0=NORMAL 1=HOLD 2=FALLBACK)",
			nil, nil),
	}
	for id := abi.CounterID(0); id < abi.CounterMax; id++ {
		c.counterDescs[id] = prometheus.NewDesc(
			"nity_"+id.String(),
			"Data-plane event counter "+id.String(),
			nil, nil)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counterDescs {
		ch <- d
	}
	ch <- c.epochDesc
	ch <- c.hbAgeDesc
	ch <- c.modeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	sums, err := c.source.CounterSums()
	if err != nil {
		c.log.Warn("counter scrape failed", "error", err)
	} else {
		for id := abi.CounterID(0); id < abi.CounterMax; id++ {
			ch <- prometheus.MustNewConstMetric(c.counterDescs[id], prometheus.CounterValue, float64(sums[id]))
		}
	}

	ch <- prometheus.MustNewConstMetric(c.epochDesc, prometheus.GaugeValue, float64(c.source.Epoch()))

	now := c.now()
	last := c.source.LastAgentSeenNS()
	age := float64(0)
	if last != 0 && now > last {
		age = float64(now-last) / 1e9
	} else if last == 0 {
		age = -1 // never seen
	}
	ch <- prometheus.MustNewConstMetric(c.hbAgeDesc, prometheus.GaugeValue, age)
	ch <- prometheus.MustNewConstMetric(c.modeDesc, prometheus.GaugeValue, float64(failsafe.Mode(now, last)))
}

// MemSource adapts the harness's in-process counters to a Source.
type MemSource struct {
	Counters interface {
		Snapshot() [abi.CounterMax]uint64
	}
	Tables interface {
		Epoch() uint64
		LastAgentSeenNS() uint64
	}
}

func (s MemSource) CounterSums() ([abi.CounterMax]uint64, error) {
	return s.Counters.Snapshot(), nil
}

func (s MemSource) Epoch() uint64           { return s.Tables.Epoch() }
func (s MemSource) LastAgentSeenNS() uint64 { return s.Tables.LastAgentSeenNS() }
