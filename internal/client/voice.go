package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type JoinState string

const (
	StateIdle    JoinState = "idle"
	StateJoining JoinState = "joining"
	StateJoined  JoinState = "joined"
	StateFailed  JoinState = "failed"
)

const (
	eventJoin  = "join"
	eventDone  = "done"
	eventFail  = "fail"
	eventReset = "reset"
)

const (
	typeCapabilities  = "voice:get-rtp-capabilities"
	typeCreateUpload  = "voice:create-transport"
	typeCreateRecv    = "voice:create-recv-transport"
	typeConnectUpload = "voice:connect-transport"
	typeConnectRecv   = "voice:connect-recv-transport"
	typeProduce       = "voice:produce"
	typeConsume       = "voice:consume"
	typeGetProducers  = "voice:get-producers"
	typeMute          = "voice:mute"
	typeUnmute        = "voice:unmute"
	typeJoin          = "voice:join"
	typeJoinStart     = "voice:join-start"
	typeLeave         = "voice:leave"
	typeGetUsers      = "voice:get-users"
	typeLeaveObserver = "voice:leave-observer"
	typeWhoAmI        = "whoami"
)

// Retry bounds for ENGINE_NOT_READY.
var (
	capabilityAttempts = 5
	capabilityBackoff  = 200 * time.Millisecond
)

func newJoinFSM(ch domain.ChannelID) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventJoin, Src: []string{string(StateIdle), string(StateFailed)}, Dst: string(StateJoining)},
			{Name: eventDone, Src: []string{string(StateJoining)}, Dst: string(StateJoined)},
			{Name: eventFail, Src: []string{string(StateJoining)}, Dst: string(StateFailed)},
			{Name: eventReset, Src: []string{
				string(StateJoining), string(StateJoined), string(StateFailed),
			}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("module", "client").Str("channel", string(ch)).
					Str("from", e.Src).Str("to", e.Dst).Msg("join state")
			},
		},
	)
}

type channelState struct {
	fsm        *fsm.FSM
	producerID string
	// attempt increments on every join so late events from an abandoned
	// attempt are ignored.
	attempt int
}

type Voice struct {
	conn   *Conn
	device Device

	mu       sync.Mutex
	self     domain.UserID
	channels map[domain.ChannelID]*channelState
}

func NewVoice(conn *Conn, device Device) *Voice {
	v := &Voice{
		conn:     conn,
		device:   device,
		channels: make(map[domain.ChannelID]*channelState),
	}
	conn.On(core.EventNewProducer, v.onNewProducer)
	return v
}

func (v *Voice) state(ch domain.ChannelID) *channelState {
	st, ok := v.channels[ch]
	if !ok {
		st = &channelState{fsm: newJoinFSM(ch)}
		v.channels[ch] = st
	}
	return st
}

func (v *Voice) State(ch domain.ChannelID) JoinState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return JoinState(v.state(ch).fsm.Current())
}

// ProducerID is the local producer published in ch, if joined.
func (v *Voice) ProducerID(ch domain.ChannelID) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state(ch).producerID
}

type channelReq struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// Join runs the full join sequence. A second Join while joining or joined
// returns nil immediately. On failure local media is released and the
// server is asked to clean up before the error is returned.
func (v *Voice) Join(ctx context.Context, ch domain.ChannelID) error {
	v.mu.Lock()
	st := v.state(ch)
	if err := st.fsm.Event(context.Background(), eventJoin); err != nil {
		v.mu.Unlock()
		var inv fsm.InvalidEventError
		if errors.As(err, &inv) {
			return nil
		}
		return err
	}
	st.attempt++
	attempt := st.attempt
	v.mu.Unlock()

	producerID, err := v.join(ctx, ch)

	v.mu.Lock()
	// A Leave during the attempt has already cleaned up and reset the state.
	stale := st.attempt != attempt || JoinState(st.fsm.Current()) != StateJoining
	if !stale && err == nil {
		st.producerID = producerID
		_ = st.fsm.Event(context.Background(), eventDone)
	}
	v.mu.Unlock()
	if stale || err == nil {
		return err
	}

	v.device.Close()
	lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if lerr := v.conn.Call(lctx, typeLeave, channelReq{ChannelID: ch}, nil); lerr != nil {
		log.Warn().Err(lerr).Str("module", "client").Str("channel", string(ch)).Msg("server cleanup after failed join")
	}
	cancel()

	v.mu.Lock()
	if st.attempt == attempt {
		_ = st.fsm.Event(context.Background(), eventFail)
	}
	v.mu.Unlock()
	return err
}

func (v *Voice) join(ctx context.Context, ch domain.ChannelID) (string, error) {
	req := channelReq{ChannelID: ch}
	if err := v.whoami(ctx); err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	if err := v.conn.Call(ctx, typeJoinStart, req, nil); err != nil {
		return "", fmt.Errorf("join-start: %w", err)
	}

	caps, err := v.capabilities(ctx)
	if err != nil {
		return "", fmt.Errorf("capabilities: %w", err)
	}
	if err := v.device.Load(caps); err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}

	if err := v.openTransport(ctx, ch, domain.Upload); err != nil {
		return "", err
	}
	if err := v.openTransport(ctx, ch, domain.Download); err != nil {
		return "", err
	}

	kind, media, err := v.device.StartAudio(ctx)
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}
	var produced struct {
		ProducerID string `json:"producerId"`
	}
	err = v.conn.Call(ctx, typeProduce, struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Kind      core.MediaKind   `json:"kind"`
		Media     core.MediaParams `json:"rtpParameters"`
	}{ch, kind, media}, &produced)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	if err := v.conn.Call(ctx, typeJoin, req, nil); err != nil {
		return "", fmt.Errorf("join: %w", err)
	}

	var list struct {
		Producers []core.PublisherInfo `json:"producers"`
	}
	if err := v.conn.Call(ctx, typeGetProducers, req, &list); err != nil {
		return "", fmt.Errorf("get-producers: %w", err)
	}
	for _, p := range list.Producers {
		if err := v.consume(ctx, ch, p.UserID); err != nil && !errors.Is(err, core.ErrAlreadySubscribed) {
			return "", fmt.Errorf("consume %s: %w", p.UserID, err)
		}
	}
	return produced.ProducerID, nil
}

func (v *Voice) whoami(ctx context.Context) error {
	v.mu.Lock()
	known := v.self != ""
	v.mu.Unlock()
	if known {
		return nil
	}
	var who struct {
		User domain.User `json:"user"`
	}
	if err := v.conn.Call(ctx, typeWhoAmI, nil, &who); err != nil {
		return err
	}
	v.mu.Lock()
	v.self = who.User.ID
	v.mu.Unlock()
	return nil
}

// capabilities retries while the engine reports not-ready.
func (v *Voice) capabilities(ctx context.Context) (core.Capabilities, error) {
	var caps core.Capabilities
	delay := capabilityBackoff
	var err error
	for i := 0; i < capabilityAttempts; i++ {
		err = v.conn.Call(ctx, typeCapabilities, nil, &caps)
		if err == nil {
			return caps, nil
		}
		if e := core.AsError(err); !e.Retryable() {
			return caps, err
		}
		select {
		case <-ctx.Done():
			return caps, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return caps, err
}

func (v *Voice) openTransport(ctx context.Context, ch domain.ChannelID, dir domain.Direction) error {
	create, connect := typeCreateUpload, typeConnectUpload
	if dir == domain.Download {
		create, connect = typeCreateRecv, typeConnectRecv
	}
	var params core.TransportParams
	if err := v.conn.Call(ctx, create, channelReq{ChannelID: ch}, &params); err != nil {
		return fmt.Errorf("%s: %w", create, err)
	}
	sec, err := v.device.OpenTransport(ctx, dir, params)
	if err != nil {
		return fmt.Errorf("open %s transport: %w", dir, err)
	}
	err = v.conn.Call(ctx, connect, struct {
		ChannelID domain.ChannelID    `json:"channelId"`
		Security  core.SecurityParams `json:"security"`
	}{ch, sec}, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", connect, err)
	}
	return nil
}

func (v *Voice) consume(ctx context.Context, ch domain.ChannelID, publisher domain.UserID) error {
	v.mu.Lock()
	self := v.self
	v.mu.Unlock()
	if publisher == self {
		return nil
	}
	var desc core.ConsumerDescriptor
	err := v.conn.Call(ctx, typeConsume, struct {
		ChannelID      domain.ChannelID  `json:"channelId"`
		ProducerUserID domain.UserID     `json:"producerUserId"`
		Capabilities   core.Capabilities `json:"rtpCapabilities"`
	}{ch, publisher, v.device.Capabilities()}, &desc)
	if err != nil {
		return err
	}
	return v.device.Play(desc)
}

// onNewProducer runs on the read loop, so the subscribe is moved off it.
func (v *Voice) onNewProducer(data json.RawMessage) {
	var ev core.NewProducerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	v.mu.Lock()
	st, ok := v.channels[ev.ChannelID]
	joined := ok && JoinState(st.fsm.Current()) == StateJoined
	v.mu.Unlock()
	if !joined {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := v.consume(ctx, ev.ChannelID, ev.ProducerUserID)
		if err != nil && !errors.Is(err, core.ErrAlreadySubscribed) {
			log.Warn().Err(err).Str("module", "client").Str("channel", string(ev.ChannelID)).
				Str("publisher", string(ev.ProducerUserID)).Msg("consume new producer")
		}
	}()
}

// Leave releases local media and asks the server to clean up, from any
// state. It always ends in idle.
func (v *Voice) Leave(ctx context.Context, ch domain.ChannelID) error {
	v.mu.Lock()
	st := v.state(ch)
	if JoinState(st.fsm.Current()) == StateIdle {
		v.mu.Unlock()
		return nil
	}
	st.attempt++
	st.producerID = ""
	_ = st.fsm.Event(context.Background(), eventReset)
	v.mu.Unlock()

	v.device.Close()
	return v.conn.Call(ctx, typeLeave, channelReq{ChannelID: ch}, nil)
}

func (v *Voice) Mute(ch domain.ChannelID) error   { return v.setMuted(ch, typeMute) }
func (v *Voice) Unmute(ch domain.ChannelID) error { return v.setMuted(ch, typeUnmute) }

func (v *Voice) setMuted(ch domain.ChannelID, typ string) error {
	id := v.ProducerID(ch)
	if id == "" {
		return nil
	}
	return v.conn.Send(typ, struct {
		ProducerID string `json:"producerId"`
	}{id})
}

// Watch joins the observer group of ch and calls fn with every roster.
func (v *Voice) Watch(ctx context.Context, ch domain.ChannelID, fn func(core.RosterEvent)) error {
	v.conn.On(core.EventUsersUpdated, func(data json.RawMessage) {
		var ev core.RosterEvent
		if json.Unmarshal(data, &ev) == nil && ev.ChannelID == ch {
			fn(ev)
		}
	})
	return v.conn.Call(ctx, typeGetUsers, channelReq{ChannelID: ch}, nil)
}

func (v *Voice) Unwatch(ctx context.Context, ch domain.ChannelID) error {
	return v.conn.Call(ctx, typeLeaveObserver, channelReq{ChannelID: ch}, nil)
}
