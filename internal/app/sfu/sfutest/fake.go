// Package sfutest provides an in-memory core.MediaEngine for tests.
package sfutest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

var ErrClosed = errors.New("sfutest: closed")

// OpusCapabilities is the capability set the fake engine advertises.
func OpusCapabilities() core.Capabilities {
	return core.Capabilities{Codecs: []core.CodecCapability{{
		Kind:                 core.KindAudio,
		MimeType:             "audio/opus",
		ClockRate:            48000,
		Channels:             2,
		SDPFmtpLine:          "minptime=10;useinbandfec=1",
		PreferredPayloadType: 111,
	}}}
}

// OpusMedia returns publish parameters for an opus stream with ssrc.
func OpusMedia(ssrc uint32) core.MediaParams {
	return core.MediaParams{
		Codecs:    []core.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []core.Encoding{{SSRC: ssrc}},
	}
}

// Security returns syntactically valid client handshake parameters.
func Security() core.SecurityParams {
	return core.SecurityParams{
		ICEParameters:  core.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		DTLSParameters: core.DTLSParameters{Role: "client", Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}},
	}
}

type Engine struct {
	ready atomic.Bool
	seq   atomic.Int64

	mu         sync.Mutex
	transports []*Transport

	// ConnectHook, when set, runs inside every Connect call.
	ConnectHook func(ctx context.Context, t *Transport) error
	// ProduceHook, when set, runs inside every Produce call before the
	// producer exists.
	ProduceHook func(ctx context.Context, t *Transport) error
	// CreateErr, when set, fails CreateTransport.
	CreateErr error
}

func NewEngine() *Engine {
	e := &Engine{}
	e.ready.Store(true)
	return e
}

func (e *Engine) SetReady(v bool) { e.ready.Store(v) }

func (e *Engine) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) Capabilities() (core.Capabilities, error) {
	if !e.ready.Load() {
		return core.Capabilities{}, core.ErrEngineNotReady
	}
	return OpusCapabilities(), nil
}

func (e *Engine) CreateTransport(ctx context.Context, dir domain.Direction) (core.Transport, error) {
	if !e.ready.Load() {
		return nil, core.ErrEngineNotReady
	}
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transport{engine: e, id: e.next("t"), dir: dir}
	e.mu.Lock()
	e.transports = append(e.transports, t)
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) CanConsume(p core.Producer, caps core.Capabilities) bool {
	media := p.Media()
	if len(media.Codecs) == 0 {
		return false
	}
	return caps.Supports(media.Codecs[0])
}

// Transports returns every transport created so far.
func (e *Engine) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Transport(nil), e.transports...)
}

// Open counts transports that have not been closed.
func (e *Engine) Open() int {
	n := 0
	for _, t := range e.Transports() {
		if !t.Closed() {
			n++
		}
	}
	return n
}

type Transport struct {
	engine *Engine
	id     string
	dir    domain.Direction

	closed       atomic.Bool
	connectCalls atomic.Int32

	mu        sync.Mutex
	consumers []*Consumer
	producers []*Producer
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }
func (t *Transport) Closed() bool                { return t.closed.Load() }
func (t *Transport) ConnectCalls() int           { return int(t.connectCalls.Load()) }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:             t.id,
		ICEParameters:  core.ICEParameters{UsernameFragment: "srv-" + t.id, Password: "secret"},
		ICECandidates:  []core.ICECandidate{{Foundation: "1", Priority: 1, Address: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DTLSParameters: core.DTLSParameters{Role: "auto", Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}}},
	}
}

func (t *Transport) Connect(ctx context.Context, _ core.SecurityParams) error {
	t.connectCalls.Add(1)
	if t.closed.Load() {
		return ErrClosed
	}
	if hook := t.engine.ConnectHook; hook != nil {
		return hook(ctx, t)
	}
	return ctx.Err()
}

func (t *Transport) Produce(ctx context.Context, kind core.MediaKind, media core.MediaParams) (core.Producer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.dir != domain.Upload {
		return nil, errors.New("sfutest: produce on download transport")
	}
	if hook := t.engine.ProduceHook; hook != nil {
		if err := hook(ctx, t); err != nil {
			return nil, err
		}
	}
	p := &Producer{id: t.engine.next("p"), kind: kind, media: media}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, p core.Producer, _ core.Capabilities) (core.Consumer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.dir != domain.Download {
		return nil, errors.New("sfutest: consume on upload transport")
	}
	c := &Consumer{id: t.engine.next("c"), producerID: p.ID(), kind: p.Kind(), media: p.Media()}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.producers...)
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.producers {
		_ = p.Close()
	}
	for _, c := range t.consumers {
		_ = c.Close()
	}
	return nil
}

type Producer struct {
	id     string
	kind   core.MediaKind
	media  core.MediaParams
	paused atomic.Bool
	closed atomic.Bool
}

// NewProducer builds a standalone producer, useful for registry tests.
func NewProducer(id string) *Producer {
	return &Producer{id: id, kind: core.KindAudio, media: OpusMedia(1)}
}

func (p *Producer) ID() string              { return p.id }
func (p *Producer) Kind() core.MediaKind    { return p.kind }
func (p *Producer) Media() core.MediaParams { return p.media }
func (p *Producer) Paused() bool            { return p.paused.Load() }
func (p *Producer) Closed() bool            { return p.closed.Load() }

func (p *Producer) Pause() error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.paused.Store(false)
	return nil
}

func (p *Producer) Close() error {
	p.closed.Store(true)
	return nil
}

type Consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	media      core.MediaParams
	closed     atomic.Bool
}

func (c *Consumer) ID() string              { return c.id }
func (c *Consumer) ProducerID() string      { return c.producerID }
func (c *Consumer) Kind() core.MediaKind    { return c.kind }
func (c *Consumer) Media() core.MediaParams { return c.media }
func (c *Consumer) Closed() bool            { return c.closed.Load() }

func (c *Consumer) Close() error {
	c.closed.Store(true)
	return nil
}

// NewTransport builds a standalone transport bound to e.
func (e *Engine) NewTransport(dir domain.Direction) *Transport {
	t, _ := e.CreateTransport(context.Background(), dir)
	return t.(*Transport)
}
