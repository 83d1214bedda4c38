package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.TransportsCreated.WithLabelValues("send").Inc()
	m.TransportsCreated.WithLabelValues("send").Inc()
	m.MuteOutcomes.WithLabelValues("mute", "already-gone").Inc()

	slots := 3
	m.RegisterGauges(GaugeSource{Slots: func() int { return slots }})

	body := scrape(t, m)
	assert.Contains(t, body, "voice_registry_slots 3")
	assert.Contains(t, body, `voice_transport_created_total{direction="send"} 2`)
	assert.Contains(t, body, `voice_media_mute_total{op="mute",outcome="already-gone"} 1`)
	assert.NotContains(t, body, "voice_sfu_relays", "nil sources are not registered")
	assert.NotContains(t, body, "voice_sfu_relayed_packets_total")
}

func TestRelayedPacketsIsCounter(t *testing.T) {
	m := New()
	var sent uint64 = 41
	m.RegisterGauges(GaugeSource{RelayedPackets: func() uint64 { return sent }})
	sent++

	body := scrape(t, m)
	assert.Contains(t, body, "# TYPE voice_sfu_relayed_packets_total counter")
	assert.Contains(t, body, "voice_sfu_relayed_packets_total 42")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ProducersCreated.Inc()
	assert.Contains(t, scrape(t, a), "voice_media_producers_created_total 1")
	assert.Contains(t, scrape(t, b), "voice_media_producers_created_total 0")
}
