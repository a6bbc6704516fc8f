package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"codyx/collab/internal/config"
	"codyx/collab/internal/history"
	"codyx/collab/internal/logging"
	"codyx/collab/internal/presence"
	"codyx/collab/internal/relay"
	"codyx/collab/internal/search"
	"codyx/collab/internal/store"
	"codyx/collab/internal/transport"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	ctx := context.Background()

	deps := relay.Deps{}
	if cfg.RelaySecret != "" {
		deps.Secret = []byte(cfg.RelaySecret)
	} else {
		log.Warn().Msg("CODYX_RELAY_SECRET not set, websocket joins are unauthenticated")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisTransport, err := transport.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisTransport.Close()
		deps.Transport = redisTransport
		deps.Presence = presence.NewRedisStore(redisTransport.Client(), cfg.PresenceTTL)
		log.Info().Msg("using redis for topics and presence")
	} else {
		deps.Transport = transport.NewHub()
		deps.Presence = presence.NewMemoryStore(cfg.PresenceTTL)
		log.Info().Msg("using in-memory hub for topics")
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir))
		if err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		if len(applied) > 0 {
			log.Info().Strs("versions", applied).Msg("migrations applied")
		}
		deps.Store = store.NewPostgresStore(db)

		var meili *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
			defer meili.Close()
		}
		deps.Search = newSearch(meili, search.NewPgFTS(db), log)
	}

	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create history dir")
		}
		deps.History = history.New(cfg.HistoryDir)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.New(deps, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// newSearch avoids handing the service a typed nil *Meili.
func newSearch(meili *search.Meili, pgfts *search.PgFTS, log zerolog.Logger) *search.Service {
	if meili == nil {
		return search.NewService(nil, pgfts, log)
	}
	return search.NewService(meili, pgfts, log)
}
