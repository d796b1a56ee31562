// Command server runs the C45 blackjack arena: it loads configuration,
// wires up the identity registry and lobby manager, and accepts
// connections until interrupted. It is grounded on the original server's
// main() (original_source/server/src/main.c), reworked around
// config.Load, a zerolog logger, and an errgroup-coordinated Server.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/felipecs/card45/internal/config"
	"github.com/felipecs/card45/internal/identity"
	"github.com/felipecs/card45/internal/lobby"
	"github.com/felipecs/card45/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var warnings []string
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	cfg, err := config.Load("config.txt", flags, os.Args[1:], func(msg string) { warnings = append(warnings, msg) })
	// config.Load runs godotenv.Load() before returning, so C45_LOG_LEVEL
	// from a local .env is already in the environment by the time the
	// logger is built.
	log := newLogger()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	log.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Int("lobbies", cfg.LobbyCount).Msg("configuration resolved")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var eg errgroup.Group
	registry := identity.New()
	lobbies := lobby.NewManager(cfg.LobbyCount, registry, &eg, log)
	srv := server.New(cfg, log, registry, lobbies, &eg)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return 1
	}
	return 0
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("C45_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
}
