package diskio

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjjh89017/ezio/internal/cache"
	"github.com/tjjh89017/ezio/internal/logger"
)

const reportInterval = 30 * time.Second

// metrics publishes per-shard cache statistics and the pool gauge. Values
// are set from shard snapshots taken on the owning workers, never read
// from shard state directly.
type metrics struct {
	registry *prometheus.Registry

	entries    *prometheus.GaugeVec
	dirty      *prometheus.GaugeVec
	hits       *prometheus.GaugeVec
	misses     *prometheus.GaugeVec
	inserts    *prometheus.GaugeVec
	evictions  *prometheus.GaugeVec
	overAllocs *prometheus.GaugeVec

	poolUsage prometheus.Gauge
}

func newMetrics() *metrics {
	shardGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ezio",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, []string{"shard"})
	}

	m := &metrics{
		registry:   prometheus.NewRegistry(),
		entries:    shardGauge("entries", "Resident blocks per shard."),
		dirty:      shardGauge("dirty", "Dirty blocks per shard."),
		hits:       shardGauge("hits", "Cache hits per shard."),
		misses:     shardGauge("misses", "Cache misses per shard."),
		inserts:    shardGauge("inserts", "Cache inserts per shard."),
		evictions:  shardGauge("evictions", "Cache evictions per shard."),
		overAllocs: shardGauge("over_allocations", "Inserts past quota with no evictable block."),
		poolUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ezio",
			Subsystem: "pool",
			Name:      "buffers_in_use",
			Help:      "Live 16 KiB pool buffers.",
		}),
	}

	m.registry.MustRegister(m.entries, m.dirty, m.hits, m.misses, m.inserts, m.evictions, m.overAllocs, m.poolUsage)
	return m
}

func (m *metrics) observe(shard string, s cache.Stats) {
	m.entries.WithLabelValues(shard).Set(float64(s.Entries))
	m.dirty.WithLabelValues(shard).Set(float64(s.Dirty))
	m.hits.WithLabelValues(shard).Set(float64(s.Hits))
	m.misses.WithLabelValues(shard).Set(float64(s.Misses))
	m.inserts.WithLabelValues(shard).Set(float64(s.Inserts))
	m.evictions.WithLabelValues(shard).Set(float64(s.Evictions))
	m.overAllocs.WithLabelValues(shard).Set(float64(s.OverAllocations))
}

// reporter posts one snapshot task to each shard worker on every tick.
// Each task reads only its own shard and hands the copy out, so no shared
// state crosses threads.
type reporter struct {
	engine   *Engine
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

func newReporter(e *Engine, interval time.Duration) *reporter {
	r := &reporter{
		engine:   e,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go r.run()
	return r
}

func (r *reporter) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.snapshot()
		}
	}
}

func (r *reporter) snapshot() {
	e := r.engine

	e.metrics.poolUsage.Set(float64(e.pool.Usage()))

	for i, w := range e.workers {
		shard := e.cache.Shard(i)
		label := strconv.Itoa(i)
		w.post(func() {
			s := shard.Snapshot()
			logger.Infof("cache shard %s: %d/%d entries, %d dirty, %d hits, %d misses, %d evictions, %d over-allocations",
				label, s.Entries, s.MaxEntries, s.Dirty, s.Hits, s.Misses, s.Evictions, s.OverAllocations)
			e.metrics.observe(label, s)
		})
	}
}

func (r *reporter) stop() {
	close(r.stopCh)
	<-r.done
}
