// Package metrics exposes the server's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice"

type Metrics struct {
	Registry *prometheus.Registry

	TransportsCreated *prometheus.CounterVec
	TransportsEvicted *prometheus.CounterVec
	ConnectResults    *prometheus.CounterVec
	ConnectDuration   prometheus.Histogram
	ProducersCreated  prometheus.Counter
	ConsumersCreated  prometheus.Counter
	MuteOutcomes      *prometheus.CounterVec
	Cleanups          *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	SignalSockets     prometheus.Gauge
	SignalRequests    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TransportsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "created_total",
			Help: "Transports created, by direction.",
		}, []string{"direction"}),
		TransportsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "evicted_total",
			Help: "Transports closed because a newer one replaced them.",
		}, []string{"direction"}),
		ConnectResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connect_total",
			Help: "Transport connect attempts, by direction and result.",
		}, []string{"direction", "result"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connect_seconds",
			Help:    "Time spent in the ICE/DTLS handshake.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ProducersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "producers_created_total",
			Help: "Producers created.",
		}),
		ConsumersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "consumers_created_total",
			Help: "Consumers created.",
		}),
		MuteOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "mute_total",
			Help: "Mute and unmute requests, by operation and outcome.",
		}, []string{"op", "outcome"}),
		Cleanups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "cleanups_total",
			Help: "Session cleanups, by trigger.",
		}, []string{"reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "errors_total",
			Help: "Error responses, by code.",
		}, []string{"code"}),
		SignalSockets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signal", Name: "sockets",
			Help: "Open signaling sockets.",
		}),
		SignalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "requests_total",
			Help: "Signaling requests, by type.",
		}, []string{"type"}),
	}
}

// GaugeSource reports point-in-time sizes sampled on every scrape.
type GaugeSource struct {
	Slots     func() int
	Uploads   func() int
	Downloads func() int
	Producers func() int
	Channels  func() int
	Relays    func() int
	// RelayedPackets is a running total, exported as a counter.
	RelayedPackets func() uint64
}

func (m *Metrics) RegisterGauges(src GaugeSource) {
	f := promauto.With(m.Registry)
	add := func(subsystem, name, help string, fn func() int) {
		if fn == nil {
			return
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}
	add("registry", "slots", "Transport slots held.", src.Slots)
	add("registry", "uploads", "Live upload transports.", src.Uploads)
	add("registry", "downloads", "Live download transports.", src.Downloads)
	add("registry", "producers", "Live producers.", src.Producers)
	add("presence", "channels", "Channels with at least one socket.", src.Channels)
	add("sfu", "relays", "Running producer relays.", src.Relays)
	if src.RelayedPackets != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "relayed_packets_total",
			Help: "RTP packets written to consumers.",
		}, func() float64 { return float64(src.RelayedPackets()) })
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
