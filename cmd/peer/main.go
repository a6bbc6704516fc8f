package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codyx/collab/internal/archive"
	"codyx/collab/internal/auth"
	"codyx/collab/internal/channel"
	"codyx/collab/internal/config"
	"codyx/collab/internal/history"
	"codyx/collab/internal/logging"
	"codyx/collab/internal/notebook"
	"codyx/collab/internal/peer"
	"codyx/collab/internal/protocol"
	"codyx/collab/internal/search"
	"codyx/collab/internal/store"
	"codyx/collab/internal/textsync"
	"codyx/collab/internal/textsync/crdt"
	"codyx/collab/internal/transport"
	"codyx/collab/internal/util"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slug := strings.TrimSpace(cfg.Notebook)
	if slug == "" {
		log.Fatal().Msg("CODYX_NOTEBOOK is required")
	}
	mode, err := textsync.ParseMode(cfg.TextMode)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid text mode")
	}
	clientID := util.NewClientID()
	log = log.With().Str("client", clientID).Str("peer", cfg.PeerName).Logger()

	var tr transport.Transport
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisTransport, err := transport.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisTransport.Close()
		tr = redisTransport
	} else {
		ws := transport.NewWebsocket(cfg.RelayURL, clientID)
		if cfg.RelaySecret != "" {
			secret := []byte(cfg.RelaySecret)
			ws.WithToken(func() (string, error) { return auth.PeerToken(secret, cfg.PeerName, time.Hour) })
		}
		tr = ws
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if _, err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	pg := store.NewPostgresStore(db)
	nb, err := pg.EnsureNotebook(ctx, slug, slug)
	if err != nil {
		log.Fatal().Err(err).Msg("notebook lookup failed")
	}
	log = log.With().Str("notebook", nb.ID).Logger()

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		index = meili
	}
	searchSvc := search.NewService(index, search.NewPgFTS(db), log)
	defer searchSvc.Wait()

	var snapshots crdt.SnapshotStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		arch, err := archive.New(archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("archive config invalid")
		}
		if err := arch.EnsureBucket(ctx); err != nil {
			log.Fatal().Err(err).Msg("archive bucket unavailable")
		}
		snapshots = arch
	}

	var mirrors *peer.Mirrors
	sess := channel.New(tr, protocol.NotebookTopic(nb.ID), clientID, cfg.Session(), log)
	sess.OnStateChange(func(s channel.State) {
		log.Info().Str("state", s.String()).Msg("notebook channel")
	})
	coord := notebook.New(sess, notebook.WithIndex(pg, searchSvc), notebook.Options{
		NotebookID:     nb.ID,
		ResponseJitter: cfg.ResponseJitter,
		Text: notebook.TextOptions{
			Mode:         mode,
			Transport:    tr,
			Session:      cfg.Session(),
			UserID:       cfg.PeerName,
			Debounce:     cfg.Debounce,
			SeedTimeout:  cfg.SeedTimeout,
			Snapshots:    snapshots,
			SnapshotEach: cfg.SnapshotEvery,
			Changed:      func(cellID, text string) { mirrors.Changed(cellID, text) },
		},
	}, notebook.Events{
		CellsChanged: func(cells []notebook.Cell) { mirrors.Notify(cells) },
		Notice: func(n protocol.CellSync) {
			log.Debug().Str("action", n.Action).Str("cell", n.CellID).Msg("peer notice")
		},
	}, log)
	mirrors = peer.NewMirrors(coord, cfg.Debounce, log)

	if err := coord.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("load cells failed")
	}
	if err := searchSvc.ReindexNotebook(coord.Cells()); err != nil {
		log.Warn().Err(err).Msg("reindex failed")
	}
	mirrors.Notify(coord.Cells())
	go mirrors.Run(ctx)
	sess.Start(ctx)

	var hist *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create history dir")
		}
		hist = history.New(cfg.HistoryDir)
	}
	checkpoint := func(message string) {
		if hist == nil {
			return
		}
		commit, created, err := hist.Checkpoint(nb.ID, coord.Cells(), cfg.PeerName, message)
		if err != nil {
			log.Warn().Err(err).Msg("checkpoint failed")
			return
		}
		if created {
			log.Info().Str("commit", commit.Hash).Msg("checkpoint written")
		}
	}

	log.Info().Str("mode", mode.String()).Msg("peer running")
	every := cfg.Checkpoint
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			checkpoint("")
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mirrors.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("mirror flush failed")
	}
	checkpoint("Shutdown checkpoint")
	coord.Close()
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Msg("session close failed")
	}
}
