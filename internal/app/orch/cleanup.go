package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicerooms/internal/app/registry"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

const cleanupParallelism = 8

// Cleanup releases everything the user holds in ch: producer first, then
// both transports, then the empty slot. It is idempotent. Close errors are
// combined and logged; they never reach other users.
func (o *Orchestrator) Cleanup(_ context.Context, ch domain.ChannelID, user domain.UserID) error {
	return o.cleanup(registry.Key{Channel: ch, User: user}, "")
}

// cleanup skips the slot when owner is set and no longer owns it.
func (o *Orchestrator) cleanup(key registry.Key, owner core.SessionID) error {
	unlock := o.locks.Lock(key)
	defer unlock()

	if owner != "" {
		if slot, ok := o.Transports.Lookup(key); !ok || slot.Owner != owner {
			return nil
		}
	}

	var err error
	if p, ok := o.Producers.Remove(key); ok {
		log.Debug().Str("module", "app.orch").Str("key", key.String()).Str("producer_id", p.ID()).Msg("cleanup producer")
	}
	for _, dir := range []domain.Direction{domain.Upload, domain.Download} {
		if h, ok := o.Transports.Remove(key, dir); ok {
			err = multierr.Append(err, h.Close())
		}
	}
	o.Transports.DeleteIfEmpty(key)

	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("key", key.String()).Msg("cleanup finished with errors")
	}
	return err
}

// JoinStart is the self-heal cleanup a client requests at the start of
// every join attempt.
func (o *Orchestrator) JoinStart(ctx context.Context, s core.Session, ch domain.ChannelID) error {
	o.Metrics.Cleanups.WithLabelValues("join-start").Inc()
	return o.Cleanup(ctx, ch, s.User().ID)
}

// Join makes the socket a participant and broadcasts the new roster.
func (o *Orchestrator) Join(s core.Session, ch domain.ChannelID) []domain.User {
	return o.Presence.JoinActive(ch, s)
}

// Leave releases media first, then leaves the active group and
// broadcasts the roster without the caller.
func (o *Orchestrator) Leave(ctx context.Context, s core.Session, ch domain.ChannelID) ([]domain.User, error) {
	o.Metrics.Cleanups.WithLabelValues("leave").Inc()
	err := o.Cleanup(ctx, ch, s.User().ID)
	return o.Presence.LeaveActive(ch, s.ID()), err
}

// CleanupSocket handles an abrupt disconnect: the socket leaves every
// group and every slot it created is cleaned up, across channels in
// parallel. Slots since taken over by another socket are left alone.
func (o *Orchestrator) CleanupSocket(_ context.Context, sid core.SessionID) error {
	o.Metrics.Cleanups.WithLabelValues("disconnect").Inc()
	channels := o.Presence.DropSocket(sid)
	keys := o.Transports.KeysOwnedBy(sid)

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	g.SetLimit(cleanupParallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := o.cleanup(key, sid); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Str("module", "app.orch").
		Str("sid", string(sid)).
		Int("channels_left", len(channels)).
		Int("slots_cleaned", len(keys)).
		Msg("socket cleaned up")
	return errs
}
