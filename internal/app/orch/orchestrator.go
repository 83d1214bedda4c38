// Package orch drives the media engine on behalf of signaling requests:
// capability exchange, transport lifecycle, publish/subscribe, mute and
// session cleanup. Every operation on one (channel, user) is serialised;
// different users never block each other.
package orch

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/voicerooms/internal/app/presence"
	"github.com/dkeye/voicerooms/internal/app/registry"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/metrics"
)

const DefaultConnectTimeout = 15 * time.Second

type Options struct {
	ConnectTimeout time.Duration
	// TransportRate and TransportBurst limit transport creation per user.
	// A zero rate disables limiting.
	TransportRate  rate.Limit
	TransportBurst int
	Policy         Policy
	Metrics        *metrics.Metrics
	Transports     registry.TransportStore
	Producers      registry.ProducerStore
}

type Orchestrator struct {
	Engine     core.MediaEngine
	Transports registry.TransportStore
	Producers  registry.ProducerStore
	Presence   *presence.Manager
	Policy     Policy
	Metrics    *metrics.Metrics

	connectTimeout time.Duration
	limiter        *RateLimiter
	locks          *registry.KeyedMutex
}

func New(engine core.MediaEngine, rooms *presence.Manager, opts Options) *Orchestrator {
	o := &Orchestrator{
		Engine:         engine,
		Transports:     opts.Transports,
		Producers:      opts.Producers,
		Presence:       rooms,
		Policy:         opts.Policy,
		Metrics:        opts.Metrics,
		connectTimeout: opts.ConnectTimeout,
		locks:          registry.NewKeyedMutex(),
	}
	if o.Producers == nil {
		o.Producers = registry.NewProducerStore()
	}
	if o.Transports == nil {
		o.Transports = registry.NewTransportStore(registry.WithProducers(o.Producers))
	}
	if o.Policy == nil {
		o.Policy = SimplePolicy{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.connectTimeout <= 0 {
		o.connectTimeout = DefaultConnectTimeout
	}
	if opts.TransportRate > 0 {
		o.limiter = NewRateLimiter(opts.TransportRate, opts.TransportBurst)
	}
	return o
}

// Gauges exposes registry and presence sizes for scraping.
func (o *Orchestrator) Gauges() metrics.GaugeSource {
	return metrics.GaugeSource{
		Slots:     func() int { return o.Transports.Stats().Slots },
		Uploads:   func() int { return o.Transports.Stats().Uploads },
		Downloads: func() int { return o.Transports.Stats().Downloads },
		Producers: o.Producers.Len,
		Channels:  func() int { return len(o.Presence.Channels()) },
	}
}

func (o *Orchestrator) countError(err error) {
	if err == nil {
		return
	}
	o.Metrics.Errors.WithLabelValues(string(core.AsError(err).Code)).Inc()
}
