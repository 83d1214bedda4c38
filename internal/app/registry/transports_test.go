package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/domain"
)

func newHandle(e *sfutest.Engine, key Key, dir domain.Direction) (*TransportHandle, *sfutest.Transport) {
	t := e.NewTransport(dir)
	return NewTransportHandle(key, "sock-1", t), t
}

func TestSetReplacesAndClosesPrevious(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	key := Key{Channel: "c1", User: "alice"}

	h1, t1 := newHandle(e, key, domain.Upload)
	assert.Empty(t, store.Set(key, domain.Upload, h1))

	h2, t2 := newHandle(e, key, domain.Upload)
	evicted := store.Set(key, domain.Upload, h2)

	require.Len(t, evicted, 1)
	assert.Same(t, h1, evicted[0])
	assert.True(t, t1.Closed())
	assert.Equal(t, StateClosed, h1.State())
	assert.False(t, t2.Closed())

	got, ok := store.Get(key, domain.Upload)
	require.True(t, ok)
	assert.Same(t, h2, got)
	assert.Equal(t, 1, store.Stats().Uploads)
}

func TestSetEvictsSameUserInOtherChannel(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	k1 := Key{Channel: "c1", User: "alice"}
	k2 := Key{Channel: "c2", User: "alice"}

	h1, t1 := newHandle(e, k1, domain.Upload)
	store.Set(k1, domain.Upload, h1)
	h2, _ := newHandle(e, k2, domain.Upload)
	evicted := store.Set(k2, domain.Upload, h2)

	require.Len(t, evicted, 1)
	assert.True(t, t1.Closed())
	_, ok := store.Get(k1, domain.Upload)
	assert.False(t, ok)

	found, ok := store.Find("alice", domain.Upload)
	require.True(t, ok)
	assert.Same(t, h2, found)
}

func TestDirectionsAreIndependent(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	key := Key{Channel: "c1", User: "bob"}

	up, _ := newHandle(e, key, domain.Upload)
	down, tDown := newHandle(e, key, domain.Download)
	store.Set(key, domain.Upload, up)
	store.Set(key, domain.Download, down)

	up2, _ := newHandle(e, key, domain.Upload)
	store.Set(key, domain.Upload, up2)

	assert.False(t, tDown.Closed())
	slot, ok := store.Lookup(key)
	require.True(t, ok)
	assert.Same(t, up2, slot.Upload)
	assert.Same(t, down, slot.Download)
}

func TestFindUnknownUser(t *testing.T) {
	store := NewTransportStore()
	_, ok := store.Find("nobody", domain.Download)
	assert.False(t, ok)
}

func TestRemoveAndDeleteIfEmpty(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	key := Key{Channel: "c1", User: "carol"}
	store.GetOrCreate(key, "sock-9")

	h, _ := newHandle(e, key, domain.Download)
	store.Set(key, domain.Download, h)
	assert.False(t, store.DeleteIfEmpty(key))

	removed, ok := store.Remove(key, domain.Download)
	require.True(t, ok)
	assert.Same(t, h, removed)
	assert.Equal(t, StateClosed, h.State())

	_, ok = store.Remove(key, domain.Download)
	assert.False(t, ok, "second remove is a no-op")

	_, ok = store.Find("carol", domain.Download)
	assert.False(t, ok, "index entry dropped with the transport")

	assert.True(t, store.DeleteIfEmpty(key))
	_, ok = store.Lookup(key)
	assert.False(t, ok)
}

func TestKeysOwnedBy(t *testing.T) {
	store := NewTransportStore()
	store.GetOrCreate(Key{Channel: "c2", User: "u"}, "s1")
	store.GetOrCreate(Key{Channel: "c1", User: "u"}, "s1")
	store.GetOrCreate(Key{Channel: "c1", User: "v"}, "s2")

	keys := store.KeysOwnedBy("s1")
	assert.Equal(t, []Key{{Channel: "c1", User: "u"}, {Channel: "c2", User: "u"}}, keys)
}

func TestConcurrentSetKeepsOneTransportPerDirection(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	km := NewKeyedMutex()
	key := Key{Channel: "c1", User: "dave"}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			h, _ := newHandle(e, key, domain.Upload)
			store.Set(key, domain.Upload, h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Stats().Uploads)
	assert.Equal(t, 1, e.Open())
	assert.Equal(t, 0, km.held())
}

func TestDeleteIfEmptyKeepsSlotWithProducer(t *testing.T) {
	producers := NewProducerStore()
	store := NewTransportStore(WithProducers(producers))
	key := Key{Channel: "c1", User: "erin"}
	store.GetOrCreate(key, "sock-1")
	producers.Set(key, sfutest.NewProducer("p-1"))

	assert.False(t, store.DeleteIfEmpty(key))
	_, ok := store.Lookup(key)
	assert.True(t, ok)

	producers.Remove(key)
	assert.True(t, store.DeleteIfEmpty(key))
}

func TestCrossChannelSetClosesDisplacedBeforeReturning(t *testing.T) {
	e := sfutest.NewEngine()
	store := NewTransportStore()
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		key := Key{Channel: domain.ChannelID(fmt.Sprintf("c%d", i%4)), User: "frank"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			h, _ := newHandle(e, key, domain.Upload)
			store.Set(key, domain.Upload, h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Stats().Uploads)
	assert.Equal(t, 1, e.Open(), "every displaced transport is closed once Set returns")
	h, ok := store.Find("frank", domain.Upload)
	require.True(t, ok)
	assert.False(t, h.Transport.(*sfutest.Transport).Closed())
}
