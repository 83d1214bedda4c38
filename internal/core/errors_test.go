package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewError(CodeTransportNotFound, "no send transport for u1", nil)
	wrapped := fmt.Errorf("connect: %w", err)

	assert.ErrorIs(t, wrapped, ErrTransportNotFound)
	assert.NotErrorIs(t, wrapped, ErrProducerNotFound)
}

func TestErrorClasses(t *testing.T) {
	assert.Equal(t, ClassNotReady, ErrEngineNotReady.Class())
	assert.True(t, ErrEngineNotReady.Retryable())
	assert.Equal(t, ClassNotFound, ErrProducerNotFound.Class())
	assert.Equal(t, ClassConflict, ErrAlreadyConnecting.Class())
	assert.Equal(t, ClassMismatch, ErrIncompatibleCapabilities.Class())
	assert.False(t, ErrTransportNotFound.Retryable())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	plain := errors.New("boom")
	e := AsError(plain)
	assert.Equal(t, CodeInternal, e.Code)
	assert.ErrorIs(t, e, plain)

	assert.Same(t, ErrNoRecvTransport, AsError(fmt.Errorf("x: %w", ErrNoRecvTransport)))
}

func TestCapabilitiesSupports(t *testing.T) {
	caps := Capabilities{Codecs: []CodecCapability{
		{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}
	assert.True(t, caps.Supports(CodecParameters{MimeType: "audio/OPUS", ClockRate: 48000, Channels: 2}))
	assert.True(t, caps.Supports(CodecParameters{MimeType: "audio/opus", ClockRate: 48000}))
	assert.False(t, caps.Supports(CodecParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 1}))
	assert.False(t, caps.Supports(CodecParameters{MimeType: "audio/PCMU", ClockRate: 8000}))
}
