package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	router "github.com/dkeye/voicerooms/internal/adapters/http"
	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/app/presence"
	"github.com/dkeye/voicerooms/internal/app/sfu"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	loader := config.NewLoader(config.DefaultFile())
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	loader.Watch(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("level", next.Level().String()).Msg("log level updated")
	})

	if cfg.Secret == "" {
		cfg.Secret = uuid.NewString()
		log.Warn().Msg("no session secret configured, sessions will not survive a restart")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	engine := sfu.NewEngine(sfu.Config{
		UDPPort:         cfg.RTC.UDPPort,
		PortMin:         cfg.RTC.PortMin,
		PortMax:         cfg.RTC.PortMax,
		AnnouncedIPs:    cfg.RTC.AnnouncedIPs,
		ICEServers:      cfg.RTC.ICEServers,
		IncludeLoopback: cfg.RTC.IncludeLoopback,
		GatherTimeout:   cfg.RTC.GatherTimeout,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start media engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn().Err(err).Msg("media engine close")
		}
	}()

	m := metrics.New()
	o := orch.New(engine, presence.NewManager(), orch.Options{
		ConnectTimeout: cfg.RTC.ConnectTimeout,
		TransportRate:  rate.Limit(cfg.Limits.TransportRate),
		TransportBurst: cfg.Limits.TransportBurst,
		Metrics:        m,
	})
	gauges := o.Gauges()
	gauges.Relays = func() int { return engine.Stats().Relays }
	gauges.RelayedPackets = func() uint64 { return engine.Stats().Forwarded }
	m.RegisterGauges(gauges)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, o),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}
