package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"legend/api/internal/app"
	"legend/api/internal/broadcast"
	"legend/api/internal/config"
	"legend/api/internal/death"
	"legend/api/internal/deathlock"
	"legend/api/internal/evidence"
	"legend/api/internal/export"
	"legend/api/internal/notify"
	"legend/api/internal/review"
	"legend/api/internal/search"
	"legend/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var locker deathlock.Locker
	switch cfg.LockBackend {
	case "postgres":
		logger.Info().Msg("using postgres advisory table for death locks")
		locker = deathlock.NewPostgresLocker(db)
	default:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		logger.Info().Msg("using redis for death locks")
		locker = deathlock.NewRedisLocker(client)
	}

	var minioClient *minio.Client
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioClient, err = minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("minio client failed")
		}
	} else {
		logger.Warn().Msg("no evidence store configured, declarations with evidence will be rejected")
	}
	gate := evidence.NewGate(minioClient, cfg.MinioBucket, 0)

	policy, err := review.LoadPolicy(cfg.ReviewPolicyPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ReviewPolicyPath).Msg("review policy failed")
	}
	checker := review.NewChecker(policy)

	notifier := notify.NewService(notify.Config{
		Host:         cfg.SMTPHost,
		Port:         cfg.SMTPPort,
		Username:     cfg.SMTPUsername,
		Password:     cfg.SMTPPassword,
		From:         cfg.SMTPFrom,
		FromName:     cfg.SMTPFromName,
		AdminEmail:   cfg.AdminEmail,
		BaseURL:      cfg.BaseURL,
		TokenSecret:  []byte(cfg.TokenSecret),
		QuickLinkTTL: cfg.QuickLinkTTL,
	})
	if !notifier.IsConfigured() {
		logger.Warn().Msg("smtp not configured, broadcasts and alerts will fail until it is")
	}

	broadcastPolicy, err := broadcast.LoadPolicy(cfg.BroadcastPolicyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid broadcast policy")
	}
	engine := broadcast.NewEngine(broadcast.Config{
		Scopes:      broadcastPolicy.BroadcastScopes(),
		MaxAttempts: broadcastPolicy.MaxAttempts,
		BaseBackoff: broadcastPolicy.BaseBackoff(),
	}, dataStore, notifier, locker, logger)

	quorum, err := death.ParseQuorumPolicy(cfg.QuorumKind, cfg.QuorumValue)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid quorum policy")
	}
	deaths := death.New(death.Config{
		Quorum:           quorum,
		QuorumWindow:     time.Duration(cfg.QuorumWindowDays) * 24 * time.Hour,
		LockTTL:          cfg.LockTTL,
		RejectedLookback: cfg.RejectedLookback,
	}, dataStore, locker, gate, checker, engine, notifier, logger)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	searchService.ReindexAllFromPG(ctx)

	exportService := export.NewService(dataStore)

	httpServer := app.NewHTTPServer(deaths, engine, dataStore, searchService, exportService, []byte(cfg.TokenSecret), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Background sweep: expire elapsed quorum windows and refresh the
	// search index from the audit trail.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				swept, err := deaths.SweepQuorumDeadlines(sweepCtx)
				if err != nil {
					logger.Error().Err(err).Msg("quorum sweep failed")
				} else if swept > 0 {
					logger.Info().Int("swept", swept).Msg("quorum sweep")
				}
				searchService.ReindexAllFromPG(sweepCtx)
			}
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("legend api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
