// Command publisher runs the channel publishing pipeline: the HTTP
// operational API, the scheduler/worker loop, and the maintenance side-task
// (reaper + ledger pruning), all sharing one SQLite store and, when
// configured, one Redis-backed rate-limit window.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-publisher-backend/internal/catalog"
	"github.com/tbourn/go-publisher-backend/internal/config"
	httpapi "github.com/tbourn/go-publisher-backend/internal/http"
	"github.com/tbourn/go-publisher-backend/internal/observability"
	"github.com/tbourn/go-publisher-backend/internal/publish"
	"github.com/tbourn/go-publisher-backend/internal/ratelimit"
	"github.com/tbourn/go-publisher-backend/internal/repo"
	"github.com/tbourn/go-publisher-backend/internal/services"
	"github.com/tbourn/go-publisher-backend/internal/shadowban"
	"github.com/tbourn/go-publisher-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unreachable at startup, limiters will degrade to process-local windows")
		}
		cancel()
		rdb = client
		defer client.Close()
	}

	catalogLim := ratelimit.New(rdb, "catalog-fetch", cfg.CatalogRate.Limit, cfg.CatalogRate.Window)
	publishLim := ratelimit.New(rdb, "publish-channel", cfg.PublishRate.Limit, cfg.PublishRate.Window)

	queueSvc := services.NewQueueService(db, cfg.DedupLookback)
	breaker := shadowban.New(db, cfg.ShadowBan)

	var source services.CatalogSource
	if cfg.CatalogURL != "" {
		source = catalog.New(cfg.CatalogURL, cfg.CatalogFetchTimeout)
	} else {
		log.Warn().Msg("no catalog url configured, discovery disabled")
	}

	var publisher services.Publisher
	if cfg.TelegramToken != "" && cfg.ChannelID != 0 {
		tg, err := publish.NewTelegram(cfg.TelegramToken, cfg.ChannelID)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram publisher setup failed")
		}
		publisher = tg
	} else {
		log.Warn().Msg("no telegram credentials configured, publish loop disabled")
	}

	sched := services.NewScheduler(db, queueSvc, source, publisher, breaker, catalogLim, publishLim, cfg)
	if publisher != nil {
		go sched.Run(ctx)
	}
	go sched.RunMaintenance(ctx)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Queue:     queueSvc,
		Scheduler: sched,
		History:   &services.HistoryService{DB: db},
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("publisher stopped")
}
