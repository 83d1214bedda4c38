package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

type MuteOutcome string

const (
	MuteApplied MuteOutcome = "applied"
	// MuteAlreadyGone: the producer existed but has been closed.
	MuteAlreadyGone MuteOutcome = "already-gone"
	MuteUnknown     MuteOutcome = "unknown"
	// MuteForbidden: the caller does not own the producer.
	MuteForbidden MuteOutcome = "forbidden"
)

type MuteResult struct {
	ProducerID string
	Outcome    MuteOutcome
	Err        error
}

// Mute pauses the caller's producer. It never fails the request; the
// outcome is logged and counted.
func (o *Orchestrator) Mute(s core.Session, producerID string) MuteResult {
	return o.setPaused(s, producerID, true)
}

func (o *Orchestrator) Unmute(s core.Session, producerID string) MuteResult {
	return o.setPaused(s, producerID, false)
}

func (o *Orchestrator) setPaused(s core.Session, producerID string, paused bool) MuteResult {
	op := "unmute"
	if paused {
		op = "mute"
	}
	res := MuteResult{ProducerID: producerID}

	key, p, ok := o.Producers.FindByID(producerID)
	switch {
	case !ok && o.Producers.RecentlyClosed(producerID):
		res.Outcome = MuteAlreadyGone
	case !ok:
		res.Outcome = MuteUnknown
	case key.User != s.User().ID:
		res.Outcome = MuteForbidden
	default:
		if paused {
			res.Err = p.Pause()
		} else {
			res.Err = p.Resume()
		}
		res.Outcome = MuteApplied
		if res.Err != nil {
			res.Outcome = MuteAlreadyGone
		}
	}

	o.Metrics.MuteOutcomes.WithLabelValues(op, string(res.Outcome)).Inc()
	ev := log.Info()
	if res.Outcome != MuteApplied {
		ev = log.Warn()
	}
	ev.Str("module", "app.orch").
		Str("op", op).
		Str("sid", string(s.ID())).
		Str("producer_id", producerID).
		Str("outcome", string(res.Outcome)).
		Err(res.Err).
		Msg("mute state change")
	return res
}
