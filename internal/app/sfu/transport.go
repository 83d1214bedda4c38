package sfu

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type transport struct {
	engine   *Engine
	api      *webrtc.API
	id       string
	dir      domain.Direction
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	mu        sync.Mutex
	closed    bool
	producers map[string]*producer
	consumers map[string]*consumer

	closeOnce sync.Once
	closeErr  error
}

func newTransport(ctx context.Context, e *Engine, api *webrtc.API, id string, dir domain.Direction) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers()})
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "ice gatherer", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, core.NewError(core.CodeInternal, "ice gather", err)
	}

	timer := time.NewTimer(e.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Warn().Str("module", "sfu").Str("transport_id", id).Msg("ice gathering timed out, using partial candidates")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, core.NewError(core.CodeInternal, "dtls transport", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, core.NewError(core.CodeInternal, "ice parameters", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, core.NewError(core.CodeInternal, "ice candidates", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, core.NewError(core.CodeInternal, "dtls parameters", err)
	}

	t := &transport{
		engine:   e,
		api:      api,
		id:       id,
		dir:      dir,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: core.TransportParams{
			ID:             id,
			ICEParameters:  toICEParameters(iceParams),
			ICECandidates:  toCandidates(candidates),
			DTLSParameters: toDTLSParameters(dtlsParams),
		},
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	log.Debug().Str("module", "sfu").Str("transport_id", id).Str("dir", string(dir)).
		Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (t *transport) ID() string                   { return t.id }
func (t *transport) Direction() domain.Direction  { return t.dir }
func (t *transport) Params() core.TransportParams { return t.params }

// Connect runs ICE (server side controlled) then DTLS. A cancelled ctx
// tears the transport down, which unblocks the handshake goroutine.
func (t *transport) Connect(ctx context.Context, sec core.SecurityParams) error {
	if err := sec.Validate(); err != nil {
		return err
	}
	remote, err := fromCandidates(sec.ICECandidates)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		if err := t.ice.SetRemoteCandidates(remote); err != nil {
			errc <- err
			return
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, fromICEParameters(sec.ICEParameters), &role); err != nil {
			errc <- err
			return
		}
		errc <- t.dtls.Start(fromDTLSParameters(sec.DTLSParameters))
	}()

	select {
	case err := <-errc:
		if err != nil {
			return core.NewError(core.CodeConnectFailed, "transport handshake", err)
		}
		log.Info().Str("module", "sfu").Str("transport_id", t.id).Str("dir", string(t.dir)).Msg("transport connected")
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

func (t *transport) Produce(_ context.Context, kind core.MediaKind, media core.MediaParams) (core.Producer, error) {
	if t.dir != domain.Upload {
		return nil, core.Invalid("produce on a download transport")
	}
	if kind != core.KindAudio {
		return nil, core.Invalid("only audio can be produced")
	}
	if err := media.Validate(); err != nil {
		return nil, err
	}
	codec, ok := findCodec(t.engine.codecs, media.Codecs[0])
	if !ok {
		return nil, core.NewError(core.CodeIncompatibleCapabilities, "codec not supported: "+media.Codecs[0].MimeType, nil)
	}

	receiver, err := t.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "rtp receiver", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(media.Encodings[0].SSRC),
			PayloadType: webrtc.PayloadType(media.Codecs[0].PayloadType),
		},
	}}})
	if err != nil {
		_ = receiver.Stop()
		return nil, core.NewError(core.CodeInternal, "rtp receive", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, core.ErrNoSendTransport
	}
	p := newProducer(t, kind, media, codec.RTPCodecCapability, receiver)
	t.producers[p.id] = p
	t.mu.Unlock()

	p.relay = t.engine.relays.StartRelay(t.engine.ctx, p.id, receiver.Track())
	log.Info().Str("module", "sfu").Str("transport_id", t.id).Str("producer_id", p.id).
		Uint32("ssrc", media.Encodings[0].SSRC).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(_ context.Context, cp core.Producer, _ core.Capabilities) (core.Consumer, error) {
	if t.dir != domain.Download {
		return nil, core.Invalid("consume on an upload transport")
	}
	src, ok := cp.(*producer)
	if !ok || src.Closed() {
		return nil, core.ErrProducerNotFound
	}

	track, err := webrtc.NewTrackLocalStaticRTP(src.codec, string(src.kind), src.id)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "local track", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "rtp sender", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, core.NewError(core.CodeInternal, "rtp send", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, core.ErrNoRecvTransport
	}
	c := newConsumer(t, src, sender, track, consumerMedia(src.codec, params))
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !t.engine.relays.AddSubscriber(src.id, c.out) {
		_ = c.Close()
		return nil, core.ErrProducerNotFound
	}
	go c.drainRTCP()
	log.Info().Str("module", "sfu").Str("transport_id", t.id).Str("consumer_id", c.id).
		Str("producer_id", src.id).Msg("consumer created")
	return c, nil
}

func (t *transport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		producers := make([]*producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()

		var err error
		for _, p := range producers {
			err = multierr.Append(err, p.Close())
		}
		for _, c := range consumers {
			err = multierr.Append(err, c.Close())
		}
		err = multierr.Combine(err, t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
		t.closeErr = err
		log.Debug().Str("module", "sfu").Str("transport_id", t.id).Str("dir", string(t.dir)).Msg("transport closed")
	})
	return t.closeErr
}
