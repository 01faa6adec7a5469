package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "corechain"

// daemonMetrics exports chain, mempool and peer state. Gauges are read from
// the daemon at scrape time; only events are counted here.
type daemonMetrics struct {
	registry *prometheus.Registry

	blocksRejected prometheus.Counter
	reorgs         prometheus.Counter
}

func newDaemonMetrics(d *Daemon) *daemonMetrics {
	m := &daemonMetrics{
		registry: prometheus.NewRegistry(),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_rejected_total",
			Help:      "Blocks refused by validation or fork choice",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reorgs_total",
			Help:      "Main chain reorganizations",
		}),
	}
	m.registry.MustRegister(m.blocksRejected, m.reorgs)

	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      name,
				Help:      help,
			},
			fn,
		))
	}

	gauge("chain_height", "Height of the best chain tip", func() float64 {
		return float64(d.chain.Height())
	})
	gauge("chain_total_work", "Cumulative work of the best chain", func() float64 {
		return float64(d.chain.TotalWork())
	})
	gauge("chain_tips", "Known chain tips including the best one", func() float64 {
		return float64(len(d.chain.Tips()))
	})
	gauge("chain_orphans", "Blocks waiting for their parent", func() float64 {
		return float64(d.chain.Orphans().Len())
	})
	gauge("chain_halted", "1 if the chain stopped after a storage failure", func() float64 {
		if d.chain.IsHalted() {
			return 1
		}
		return 0
	})
	gauge("mempool_transactions", "Transactions in the mempool", func() float64 {
		return float64(d.mempool.Size())
	})
	gauge("mempool_bytes", "Serialized size of the mempool", func() float64 {
		return float64(d.mempool.Stats().SizeBytes)
	})
	gauge("miner_hashrate", "Average hashes per second of the local miner", func() float64 {
		return d.miner.HashRate()
	})
	gauge("peers", "Connected peers", func() float64 {
		if d.node == nil {
			return 0
		}
		return float64(len(d.node.Peers()))
	})

	return m
}

func (m *daemonMetrics) blockRejected() {
	m.blocksRejected.Inc()
}

func (m *daemonMetrics) reorg() {
	m.reorgs.Inc()
}

// serveMetrics starts the HTTP exporter on addr. The returned server should
// be closed on shutdown.
func (m *daemonMetrics) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		dmonLog.Infof("Prometheus exporter listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			dmonLog.Errorf("Prometheus exporter failed: %v", err)
		}
	}()
	return srv
}
