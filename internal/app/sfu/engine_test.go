package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func TestEngineNotReadyUntilStarted(t *testing.T) {
	e := NewEngine(Config{})
	defer e.Close()

	_, err := e.Capabilities()
	assert.ErrorIs(t, err, core.ErrEngineNotReady)
	_, err = e.CreateTransport(context.Background(), domain.Upload)
	assert.ErrorIs(t, err, core.ErrEngineNotReady)
	assert.False(t, e.Ready())

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Ready())

	caps, err := e.Capabilities()
	require.NoError(t, err)
	require.Len(t, caps.Codecs, 1)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, uint8(111), caps.Codecs[0].PreferredPayloadType)
}

func TestEngineCanConsume(t *testing.T) {
	e := NewEngine(Config{})
	defer e.Close()

	p := sfutest.NewProducer("p1")
	assert.True(t, e.CanConsume(p, sfutest.OpusCapabilities()))
	assert.False(t, e.CanConsume(p, core.Capabilities{}))
}

func TestEngineCreatesTransportParameters(t *testing.T) {
	if testing.Short() {
		t.Skip("gathers ICE candidates on local interfaces")
	}
	e := NewEngine(Config{IncludeLoopback: true, GatherTimeout: 2 * time.Second})
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))

	tr, err := e.CreateTransport(context.Background(), domain.Download)
	require.NoError(t, err)
	defer tr.Close()

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.NotEmpty(t, params.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, params.ICEParameters.Password)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)

	_, err = tr.Produce(context.Background(), core.KindAudio, sfutest.OpusMedia(1))
	assert.ErrorIs(t, err, &core.Error{Code: core.CodeBadRequest})
	assert.NoError(t, tr.Close())
}
