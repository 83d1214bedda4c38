package orch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/app/registry"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func (o *Orchestrator) CreateUpload(ctx context.Context, s core.Session, ch domain.ChannelID) (core.TransportParams, error) {
	return o.createTransport(ctx, s, ch, domain.Upload)
}

func (o *Orchestrator) CreateDownload(ctx context.Context, s core.Session, ch domain.ChannelID) (core.TransportParams, error) {
	return o.createTransport(ctx, s, ch, domain.Download)
}

// createTransport installs a fresh transport for the caller, closing any
// transport the user held in that direction, in this or another channel.
func (o *Orchestrator) createTransport(ctx context.Context, s core.Session, ch domain.ChannelID, dir domain.Direction) (core.TransportParams, error) {
	user := s.User().ID
	if o.limiter != nil && !o.limiter.Allow(user) {
		o.countError(core.ErrRateLimited)
		return core.TransportParams{}, core.ErrRateLimited
	}
	key := registry.Key{Channel: ch, User: user}
	unlock := o.locks.Lock(key)

	t, err := o.Engine.CreateTransport(ctx, dir)
	if err != nil {
		unlock()
		o.countError(err)
		return core.TransportParams{}, err
	}
	h := registry.NewTransportHandle(key, s.ID(), t)
	evicted := o.Transports.Set(key, dir, h)
	o.Metrics.TransportsCreated.WithLabelValues(string(dir)).Inc()
	// A producer cannot outlive the upload transport it rides on.
	if dir == domain.Upload {
		o.dropProducer(key)
	}
	var elsewhere []registry.Key
	for _, old := range evicted {
		o.Metrics.TransportsEvicted.WithLabelValues(string(dir)).Inc()
		if old.Key != key {
			elsewhere = append(elsewhere, old.Key)
		}
	}
	unlock()

	for _, k := range elsewhere {
		o.releaseEvicted(k, dir)
	}

	log.Info().
		Str("module", "app.orch").
		Str("sid", string(s.ID())).
		Str("key", key.String()).
		Str("dir", string(dir)).
		Str("transport_id", t.ID()).
		Int("evicted", len(evicted)).
		Msg("transport created")
	return t.Params(), nil
}

// Connect completes the handshake of the user's transport for dir. When ch
// is non-empty it must match the channel the transport belongs to.
func (o *Orchestrator) Connect(ctx context.Context, user domain.UserID, ch domain.ChannelID, dir domain.Direction, sec core.SecurityParams) error {
	err := o.connect(ctx, user, ch, dir, sec)
	o.countError(err)
	return err
}

func (o *Orchestrator) connect(ctx context.Context, user domain.UserID, ch domain.ChannelID, dir domain.Direction, sec core.SecurityParams) error {
	if err := sec.Validate(); err != nil {
		return err
	}
	h, ok := o.Transports.Find(user, dir)
	if !ok || (ch != "" && h.Key.Channel != ch) {
		return core.ErrTransportNotFound
	}
	done, err := h.BeginConnect()
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	logger := log.With().
		Str("module", "app.orch").
		Str("key", h.Key.String()).
		Str("dir", string(dir)).
		Str("transport_id", h.ID()).
		Logger()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()
	err = h.Transport.Connect(cctx, sec)
	o.Metrics.ConnectDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		result := core.CodeConnectFailed
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result = core.CodeConnectTimeout
		}
		o.Metrics.ConnectResults.WithLabelValues(string(dir), string(result)).Inc()
		logger.Warn().Err(err).Str("result", string(result)).Msg("transport connect failed, closing")
		o.dropTransport(h, dir)
		return core.NewError(result, "transport connect", err)
	}
	if err := h.FinishConnect(); err != nil {
		// Replaced or cleaned up while the handshake ran.
		o.Metrics.ConnectResults.WithLabelValues(string(dir), "superseded").Inc()
		return err
	}
	o.Metrics.ConnectResults.WithLabelValues(string(dir), "ok").Inc()
	logger.Info().Dur("took", time.Since(start)).Msg("transport connected")
	return nil
}

// releaseEvicted tidies a slot in another channel whose transport was just
// displaced. It runs under that slot's own lock so it serialises with a
// publish in flight there.
func (o *Orchestrator) releaseEvicted(key registry.Key, dir domain.Direction) {
	unlock := o.locks.Lock(key)
	defer unlock()
	if dir == domain.Upload {
		// A new upload here already dropped the stale producer; anything
		// left rides on it.
		if _, ok := o.Transports.Get(key, domain.Upload); !ok {
			o.dropProducer(key)
		}
	}
	o.Transports.DeleteIfEmpty(key)
}

// dropProducer expects the key lock to be held.
func (o *Orchestrator) dropProducer(key registry.Key) {
	if p, ok := o.Producers.Remove(key); ok {
		log.Info().Str("module", "app.orch").Str("key", key.String()).
			Str("producer_id", p.ID()).Msg("producer dropped with its transport")
	}
}

// dropTransport removes h if it is still the installed handle, then
// releases it.
func (o *Orchestrator) dropTransport(h *registry.TransportHandle, dir domain.Direction) {
	unlock := o.locks.Lock(h.Key)
	if cur, ok := o.Transports.Get(h.Key, dir); ok && cur == h {
		o.Transports.Remove(h.Key, dir)
	}
	o.Transports.DeleteIfEmpty(h.Key)
	unlock()
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("transport_id", h.ID()).Msg("close failed transport")
	}
}
