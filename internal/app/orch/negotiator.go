package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/app/registry"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// Publish attaches the caller's media to their connected upload transport
// and announces it to the other participants of ch.
func (o *Orchestrator) Publish(ctx context.Context, s core.Session, ch domain.ChannelID, kind core.MediaKind, media core.MediaParams) (string, error) {
	id, err := o.publish(ctx, s, ch, kind, media)
	o.countError(err)
	return id, err
}

func (o *Orchestrator) publish(ctx context.Context, s core.Session, ch domain.ChannelID, kind core.MediaKind, media core.MediaParams) (string, error) {
	if err := media.Validate(); err != nil {
		return "", err
	}
	user := s.User().ID
	key := registry.Key{Channel: ch, User: user}

	unlock := o.locks.Lock(key)
	h, ok := o.Transports.Get(key, domain.Upload)
	if !ok || !h.Connected() {
		unlock()
		return "", core.ErrNoSendTransport
	}
	p, err := h.Transport.Produce(ctx, kind, media)
	if err != nil {
		unlock()
		return "", err
	}
	// A new upload in another channel can displace h while Produce runs
	// without taking this key's lock.
	if cur, ok := o.Transports.Get(key, domain.Upload); !ok || cur != h || !h.Connected() || p.Closed() {
		unlock()
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("producer_id", p.ID()).Msg("close stale producer")
		}
		return "", core.ErrNoSendTransport
	}
	replaced := o.Producers.Set(key, p)
	unlock()

	o.Metrics.ProducersCreated.Inc()
	ev := log.Info().Str("module", "app.orch").Str("key", key.String()).Str("producer_id", p.ID())
	if replaced != nil {
		ev = ev.Str("replaced", replaced.ID())
	}
	ev.Msg("producer published")

	o.announceProducer(ch, user, p.ID())
	return p.ID(), nil
}

func (o *Orchestrator) announceProducer(ch domain.ChannelID, user domain.UserID, producerID string) {
	frame, err := core.EncodeEvent(core.EventNewProducer, core.NewProducerEvent{
		ChannelID:      ch,
		ProducerUserID: user,
		ProducerID:     producerID,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("encode new-producer")
		return
	}
	res := o.Presence.BroadcastToOthers(ch, user, frame)
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case KickMember:
			log.Warn().Str("module", "app.orch").Str("sid", string(slow.ID())).
				Str("channel", string(ch)).Msg("kicking slow socket")
			slow.Signal().Close()
		case NoAction:
		}
	}
}

// Subscribe creates a consumer of publisher's producer on the caller's
// download transport. Nothing is registered beyond that transport.
func (o *Orchestrator) Subscribe(ctx context.Context, s core.Session, ch domain.ChannelID, publisher domain.UserID, caps core.Capabilities) (core.ConsumerDescriptor, error) {
	d, err := o.subscribe(ctx, s, ch, publisher, caps)
	o.countError(err)
	return d, err
}

func (o *Orchestrator) subscribe(ctx context.Context, s core.Session, ch domain.ChannelID, publisher domain.UserID, caps core.Capabilities) (core.ConsumerDescriptor, error) {
	p, ok := o.Producers.Get(registry.Key{Channel: ch, User: publisher})
	if !ok || p.Closed() {
		return core.ConsumerDescriptor{}, core.ErrProducerNotFound
	}
	if !o.Engine.CanConsume(p, caps) {
		return core.ConsumerDescriptor{}, core.ErrIncompatibleCapabilities
	}

	key := registry.Key{Channel: ch, User: s.User().ID}
	unlock := o.locks.Lock(key)
	defer unlock()

	h, ok := o.Transports.Get(key, domain.Download)
	if !ok || !h.Connected() {
		return core.ConsumerDescriptor{}, core.ErrNoRecvTransport
	}
	if h.HasConsumer(p.ID()) {
		return core.ConsumerDescriptor{}, core.ErrAlreadySubscribed
	}
	c, err := h.Transport.Consume(ctx, p, caps)
	if err != nil {
		return core.ConsumerDescriptor{}, err
	}
	if err := h.TrackConsumer(c); err != nil {
		_ = c.Close()
		return core.ConsumerDescriptor{}, err
	}

	o.Metrics.ConsumersCreated.Inc()
	log.Info().
		Str("module", "app.orch").
		Str("key", key.String()).
		Str("publisher", string(publisher)).
		Str("producer_id", p.ID()).
		Str("consumer_id", c.ID()).
		Msg("consumer created")
	return core.ConsumerDescriptor{
		ID:             c.ID(),
		ProducerID:     p.ID(),
		ProducerUserID: publisher,
		Kind:           c.Kind(),
		Media:          c.Media(),
	}, nil
}

func (o *Orchestrator) ListPublishers(ch domain.ChannelID) []core.PublisherInfo {
	return o.Producers.List(ch)
}
