package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/core"
)

func TestProducerSetReplaces(t *testing.T) {
	store := NewProducerStore()
	key := Key{Channel: "c1", User: "alice"}
	p1 := sfutest.NewProducer("p-1")
	p2 := sfutest.NewProducer("p-2")

	assert.Nil(t, store.Set(key, p1))
	replaced := store.Set(key, p2)

	assert.Same(t, p1, replaced)
	assert.True(t, p1.Closed())
	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Same(t, p2, got)
	assert.Equal(t, 1, store.Len())

	_, _, ok = store.FindByID("p-1")
	assert.False(t, ok)
	assert.True(t, store.RecentlyClosed("p-1"))
}

func TestProducerGetAbsentIsNotAnError(t *testing.T) {
	store := NewProducerStore()
	p, ok := store.Get(Key{Channel: "c", User: "muted"})
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestProducerRemoveIdempotent(t *testing.T) {
	store := NewProducerStore()
	key := Key{Channel: "c1", User: "bob"}
	p := sfutest.NewProducer("p-9")
	store.Set(key, p)

	_, ok := store.Remove(key)
	assert.True(t, ok)
	assert.True(t, p.Closed())

	_, ok = store.Remove(key)
	assert.False(t, ok)
	assert.Empty(t, store.List("c1"))
}

func TestProducerListAndFind(t *testing.T) {
	store := NewProducerStore()
	store.Set(Key{Channel: "c1", User: "zed"}, sfutest.NewProducer("p-z"))
	store.Set(Key{Channel: "c1", User: "amy"}, sfutest.NewProducer("p-a"))
	store.Set(Key{Channel: "c2", User: "amy"}, sfutest.NewProducer("p-other"))

	assert.Equal(t, []core.PublisherInfo{
		{UserID: "amy", ProducerID: "p-a"},
		{UserID: "zed", ProducerID: "p-z"},
	}, store.List("c1"))

	key, p, ok := store.FindByID("p-other")
	require.True(t, ok)
	assert.Equal(t, Key{Channel: "c2", User: "amy"}, key)
	assert.Equal(t, "p-other", p.ID())
	assert.False(t, store.RecentlyClosed("p-other"))
}
