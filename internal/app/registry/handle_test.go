package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func TestHandleConnectStateMachine(t *testing.T) {
	e := sfutest.NewEngine()
	h, _ := newHandle(e, Key{Channel: "c", User: "u"}, domain.Upload)
	assert.Equal(t, StateUninitialized, h.State())

	done, err := h.BeginConnect()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateConnecting, h.State())

	_, err = h.BeginConnect()
	assert.ErrorIs(t, err, core.ErrAlreadyConnecting)

	require.NoError(t, h.FinishConnect())
	assert.True(t, h.Connected())

	done, err = h.BeginConnect()
	require.NoError(t, err)
	assert.True(t, done, "connected transport short-circuits")
}

func TestHandleClosedDuringHandshake(t *testing.T) {
	e := sfutest.NewEngine()
	h, tr := newHandle(e, Key{Channel: "c", User: "u"}, domain.Download)

	_, err := h.BeginConnect()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.True(t, tr.Closed())

	assert.ErrorIs(t, h.FinishConnect(), core.ErrTransportNotFound)
	_, err = h.BeginConnect()
	assert.ErrorIs(t, err, core.ErrTransportNotFound)
	assert.NoError(t, h.Close(), "close is idempotent")
}

func TestHandleTracksConsumers(t *testing.T) {
	e := sfutest.NewEngine()
	h, tr := newHandle(e, Key{Channel: "c", User: "u"}, domain.Download)
	p := sfutest.NewProducer("p-1")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c1, err := tr.Consume(ctx, p, sfutest.OpusCapabilities())
	require.NoError(t, err)
	require.NoError(t, h.TrackConsumer(c1))
	assert.True(t, h.HasConsumer("p-1"))

	c2, err := tr.Consume(ctx, p, sfutest.OpusCapabilities())
	require.NoError(t, err)
	assert.ErrorIs(t, h.TrackConsumer(c2), core.ErrAlreadySubscribed)
}
