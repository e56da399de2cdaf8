package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"biolinq.io/internal/audit"
	"biolinq.io/internal/config"
	"biolinq.io/internal/httpapi"
	"biolinq.io/internal/identity"
	"biolinq.io/internal/mailer"
	"biolinq.io/internal/obs"
	"biolinq.io/internal/ratelimit"
	"biolinq.io/internal/store/pg"
	"biolinq.io/internal/store/redisstore"
	"biolinq.io/internal/tier"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	log, err := obs.NewLogger(obs.LogConfig{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer log.Sync()
	audit.SetLogger(log)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	cipher, err := identity.NewAESCipher(cfg.SecretsKey)
	if err != nil {
		log.Fatal("secrets cipher", zap.Error(err))
	}
	issuer, err := identity.NewIssuer(cfg.JWTSecret, "biolinq", cfg.AccessTokenTTL, cfg.RefreshTokenTTL, store.RefreshTokens())
	if err != nil {
		log.Fatal("token issuer", zap.Error(err))
	}

	accounts := store.Accounts()
	rels := store.Relationships()
	backup := store.BackupCodes()

	mfa := identity.NewMfaManager(redisstore.NewMfaSessionStore(rdb), accounts, backup,
		mailer.NewLogSender(log), cipher, log, cfg.MFASessionTTL, cfg.MFAMaxAttempts, cfg.MFAResendCoolOff)
	resolver := identity.NewResolver(accounts, rels, store.SeatPacks(), log)
	engine := tier.NewEngine(accounts, rels, store.Resources(), resolver, rdb, log)
	svc := identity.NewService(accounts, backup, issuer, mfa, resolver, cipher, log, "BioLinq")

	authLimiter := ratelimit.New(rdb, cfg.AuthRateWindow, cfg.AuthRateMax)
	abuse := ratelimit.NewAbuseTracker(rdb, 10*time.Minute, 3, 30*time.Minute)

	probe := httpapi.ReadyProbe{
		DB:    store.Ping,
		Redis: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	api, err := httpapi.New(svc, resolver, engine, authLimiter, abuse, probe, log, version)
	if err != nil {
		log.Fatal("api", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting biolinq-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
