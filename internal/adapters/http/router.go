package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/voicerooms/internal/adapters/signal"
	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if _, err := o.Engine.Capabilities(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "engine not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(o.Metrics.Handler()))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})

	api := r.Group("/api")
	api.Use(sessions.Sessions(sessionCookie, store))
	api.Use(AuthMiddleware([]byte(cfg.JWTSecret), cfg.DevAuth))

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		MessageRate:    rate.Limit(cfg.Limits.SignalRate),
		MessageBurst:   cfg.Limits.SignalBurst,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.Request.RemoteAddr).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	voice := api.Group("/voice", RequireUser())
	voice.GET("/capabilities", func(c *gin.Context) {
		caps, err := o.Capabilities()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, caps)
	})
	voice.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": o.Presence.Channels()})
	})
	voice.GET("/channels/:id", func(c *gin.Context) {
		ch, err := domain.ParseChannelID(c.Param("id"))
		if err != nil {
			writeError(c, core.NewError(core.CodeBadRequest, "invalid channel id", err))
			return
		}
		info, _ := o.Presence.Snapshot(ch)
		info.ID = ch
		c.JSON(http.StatusOK, gin.H{
			"channel":   info,
			"producers": o.ListPublishers(ch),
		})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Bool("dev_auth", cfg.DevAuth).Msg("router setup")
	return r
}

var classStatus = map[core.ErrorClass]int{
	core.ClassNotReady: http.StatusServiceUnavailable,
	core.ClassNotFound: http.StatusNotFound,
	core.ClassConflict: http.StatusConflict,
	core.ClassMismatch: http.StatusUnprocessableEntity,
	core.ClassInvalid:  http.StatusBadRequest,
}

func writeError(c *gin.Context, err error) {
	e := core.AsError(err)
	status, ok := classStatus[e.Class()]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": gin.H{"code": e.Code, "class": e.Class(), "message": e.Message}})
}
