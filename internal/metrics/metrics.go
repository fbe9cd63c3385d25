// Package metrics exposes the gateway's Prometheus collectors.
//
// Metrics:
//   - kimi_gateway_turns_total: finished turns by outcome and mode
//   - kimi_gateway_turn_duration_seconds: wall time of a turn
//   - kimi_gateway_deltas_total: content deltas relayed to clients
//   - kimi_gateway_upstream_bytes_total: chat stream bytes read
//   - kimi_gateway_frames_dropped_total: frames whose payload was not JSON
//   - kimi_gateway_resync_bytes_total: bytes skipped hunting for a frame marker
//   - kimi_gateway_access_token_refreshes_total: refresh exchanges by result
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/namikmesic/kimi-gateway/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kimi_gateway"

type Metrics struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	deltas        prometheus.Counter
	upstreamBytes prometheus.Counter
	framesDropped prometheus.Counter
	resyncBytes   prometheus.Counter
	refreshes     *prometheus.CounterVec
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by outcome and response mode.",
		}, []string{"outcome", "stream"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn, conversation setup included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stream"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Content deltas relayed to clients.",
		}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_total",
			Help:      "Bytes read from upstream chat streams.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Upstream frames discarded because the payload was not a JSON object.",
		}),
		resyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_bytes_total",
			Help:      "Upstream bytes skipped while searching for a frame marker.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_token_refreshes_total",
			Help:      "Refresh-to-access token exchanges by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.turns, m.turnDuration, m.deltas, m.upstreamBytes,
		m.framesDropped, m.resyncBytes, m.refreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Turn is what one finished turn contributes.
type Turn struct {
	Outcome   string
	Stream    bool
	Duration  time.Duration
	Deltas    int
	BytesRead int64
	Decoder   stream.DecoderStats
}

func (m *Metrics) ObserveTurn(t Turn) {
	mode := strconv.FormatBool(t.Stream)
	m.turns.WithLabelValues(t.Outcome, mode).Inc()
	m.turnDuration.WithLabelValues(mode).Observe(t.Duration.Seconds())
	m.deltas.Add(float64(t.Deltas))
	m.upstreamBytes.Add(float64(t.BytesRead))
	m.framesDropped.Add(float64(t.Decoder.Dropped))
	m.resyncBytes.Add(float64(t.Decoder.SkippedBytes))
}

// TokenRefresh fits credential.Cache.OnFetch.
func (m *Metrics) TokenRefresh(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// RegisterGauge exposes a value sampled at scrape time, such as the refresh
// token pool size or the write queue drop count.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
