// voicectl joins channels as an observer and prints every roster update.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/voicerooms/internal/adapters/http"
	"github.com/dkeye/voicerooms/internal/client"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func main() {
	var (
		url      = pflag.StringP("url", "u", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
		token    = pflag.StringP("token", "t", "", "JWT sent as the token cookie")
		secret   = pflag.String("jwt-secret", os.Getenv("VOICE_JWT_SECRET"), "mint a token with this secret when --token is empty")
		userID   = pflag.String("user", "voicectl", "user id for a minted token")
		channels = pflag.StringSliceP("channel", "c", nil, "channel ids to watch (repeatable)")
		verbose  = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if len(*channels) == 0 {
		fmt.Fprintln(os.Stderr, "at least one --channel is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tok := *token
	if tok == "" && *secret != "" {
		u, err := domain.NewUser(*userID, "", "")
		if err != nil {
			log.Fatal().Err(err).Msg("invalid user")
		}
		if tok, err = router.SignToken([]byte(*secret), *u, time.Hour); err != nil {
			log.Fatal().Err(err).Msg("mint token")
		}
	}
	header := http.Header{}
	if tok != "" {
		header.Set("Cookie", router.TokenCookie+"="+tok)
	}

	conn, err := client.Dial(ctx, *url, header)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("dial")
	}
	defer conn.Close()
	v := client.NewVoice(conn, nil)

	for _, raw := range *channels {
		ch, err := domain.ParseChannelID(raw)
		if err != nil {
			log.Fatal().Err(err).Str("channel", raw).Msg("invalid channel")
		}
		if err := v.Watch(ctx, ch, printRoster); err != nil {
			log.Fatal().Err(err).Str("channel", raw).Msg("watch")
		}
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		log.Warn().Msg("server closed the connection")
	}
}

func printRoster(ev core.RosterEvent) {
	names := make([]string, 0, len(ev.Users))
	for _, u := range ev.Users {
		names = append(names, u.Username)
	}
	fmt.Printf("%s %s [%d] %s\n", time.Now().Format(time.TimeOnly), ev.ChannelID, len(names), strings.Join(names, ", "))
}
