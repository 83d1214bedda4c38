// Package sfu implements core.MediaEngine on top of pion's ORTC API:
// one ICE+DTLS transport per direction, an RTP receiver per producer and
// an RTP sender per consumer, with packets fanned out by a Relay.
package sfu

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type Config struct {
	// UDPPort, when non-zero, multiplexes every transport over one socket.
	UDPPort int
	// PortMin and PortMax bound ephemeral ports when UDPPort is zero.
	PortMin uint16
	PortMax uint16
	// AnnouncedIPs replace host candidate addresses (public IP behind NAT).
	AnnouncedIPs    []string
	ICEServers      []string
	IncludeLoopback bool
	GatherTimeout   time.Duration
}

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// DefaultCodecs is the audio codec set the engine registers and advertises.
func DefaultCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: webrtc.TypeRTCPFBTransportCC}},
		},
		PayloadType: 111,
	}}
}

type Engine struct {
	cfg    Config
	codecs []webrtc.RTPCodecParameters

	startMu sync.Mutex
	api     atomic.Pointer[webrtc.API]
	mux     io.Closer

	relays *RelayManager
	ctx    context.Context
	cancel context.CancelFunc
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config) *Engine {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		codecs: DefaultCodecs(),
		relays: NewRelayManager(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start builds the pion API. Until it returns nil every operation fails
// with core.ErrEngineNotReady. Calling it again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.api.Load() != nil {
		return nil
	}

	m := &webrtc.MediaEngine{}
	for _, c := range e.codecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register header extension: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	factory := LoggerFactory{}
	se := webrtc.SettingEngine{LoggerFactory: factory}
	se.SetIncludeLoopbackCandidate(e.cfg.IncludeLoopback)
	if len(e.cfg.AnnouncedIPs) > 0 {
		se.SetNAT1To1IPs(e.cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}
	if e.cfg.UDPPort > 0 {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", e.cfg.UDPPort))
		if err != nil {
			return fmt.Errorf("listen udp %d: %w", e.cfg.UDPPort, err)
		}
		mux := webrtc.NewICEUDPMux(factory.NewLogger("ice-mux"), conn)
		se.SetICEUDPMux(mux)
		e.mux = mux
	} else if e.cfg.PortMin > 0 && e.cfg.PortMax >= e.cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(e.cfg.PortMin, e.cfg.PortMax); err != nil {
			return fmt.Errorf("udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)
	e.api.Store(api)
	log.Info().
		Str("module", "sfu").
		Int("udp_port", e.cfg.UDPPort).
		Strs("announced_ips", e.cfg.AnnouncedIPs).
		Msg("media engine started")
	return nil
}

func (e *Engine) Ready() bool { return e.api.Load() != nil }

func (e *Engine) Capabilities() (core.Capabilities, error) {
	if !e.Ready() {
		return core.Capabilities{}, core.ErrEngineNotReady
	}
	caps := core.Capabilities{
		Codecs:           make([]core.CodecCapability, 0, len(e.codecs)),
		HeaderExtensions: []core.HeaderExtension{{Kind: core.KindAudio, URI: audioLevelURI}},
	}
	for _, c := range e.codecs {
		caps.Codecs = append(caps.Codecs, toCodecCapability(core.KindAudio, c))
	}
	return caps, nil
}

func (e *Engine) CreateTransport(ctx context.Context, dir domain.Direction) (core.Transport, error) {
	api := e.api.Load()
	if api == nil {
		return nil, core.ErrEngineNotReady
	}
	if !dir.Valid() {
		return nil, core.Invalid("unknown transport direction")
	}
	return newTransport(ctx, e, api, uuid.NewString(), dir)
}

func (e *Engine) CanConsume(p core.Producer, caps core.Capabilities) bool {
	media := p.Media()
	if len(media.Codecs) == 0 {
		return false
	}
	if _, ok := findCodec(e.codecs, media.Codecs[0]); !ok {
		return false
	}
	return caps.Supports(media.Codecs[0])
}

type Stats struct {
	Relays    int
	Forwarded uint64
}

func (e *Engine) Stats() Stats {
	return Stats{Relays: e.relays.Len(), Forwarded: e.relays.Forwarded()}
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}

// Close stops every relay and releases the shared UDP socket.
func (e *Engine) Close() error {
	e.cancel()
	e.relays.StopAll()
	if e.mux != nil {
		return e.mux.Close()
	}
	return nil
}
