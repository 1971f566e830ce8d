/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command oversight-service runs the oversight core as a standalone
// HTTP process: config load, dependency wiring, migration, and the
// Request Manager's background timer-consumer loop.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jordigilh/oversight/internal/config"
	"github.com/jordigilh/oversight/pkg/audit"
	"github.com/jordigilh/oversight/pkg/await"
	"github.com/jordigilh/oversight/pkg/channel"
	"github.com/jordigilh/oversight/pkg/channel/webhook"
	"github.com/jordigilh/oversight/pkg/checkpoint"
	"github.com/jordigilh/oversight/pkg/clock"
	"github.com/jordigilh/oversight/pkg/delivery"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/metrics"
	"github.com/jordigilh/oversight/pkg/oversight"
	sharederrors "github.com/jordigilh/oversight/pkg/shared/errors"
	"github.com/jordigilh/oversight/pkg/token"
	"github.com/jordigilh/oversight/pkg/verify"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the oversight-service YAML config")
	migrationsDir := flag.String("migrations", "migrations", "path to the goose migrations directory")
	registryPath := flag.String("identity-registry", "identity-registry.json", "path to the static identity registry file")
	signingKeyHex := flag.String("issuer-key", os.Getenv("OVERSIGHT_ISSUER_KEY"), "hex-encoded Ed25519 private key for the override token issuer")
	webhookSecretHex := flag.String("webhook-secret", os.Getenv("OVERSIGHT_WEBHOOK_SECRET"), "hex-encoded HMAC secret for the webhook channel adapter")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(cfg, sugar, *migrationsDir, *registryPath, *signingKeyHex, *webhookSecretHex); err != nil {
		sugar.Fatalw("oversight-service exited with error", "error", err)
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.SugaredLogger, migrationsDir, registryPath, signingKeyHex, webhookSecretHex string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		return sharederrors.FailedToWithDetails("connect to database", "main", "postgres", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := goose.SetDialect("postgres"); err != nil {
		return sharederrors.FailedTo("set goose dialect", err)
	}
	if err := goose.Up(db.DB, migrationsDir); err != nil {
		return sharederrors.FailedToWithDetails("run database migrations", "main", migrationsDir, err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()

	registry, err := NewStaticRegistry(registryPath)
	if err != nil {
		return sharederrors.FailedToWithDetails("load identity registry", "main", registryPath, err)
	}
	keyResolver := verify.NewCachingResolver(registry, redisClient, cfg.Oversight.PublicKeyCacheTTL)

	signingKey, err := hex.DecodeString(signingKeyHex)
	if err != nil {
		return sharederrors.FailedTo("decode issuer signing key", err)
	}
	signer, err := token.NewEd25519Signer(ed25519.PrivateKey(signingKey))
	if err != nil {
		return sharederrors.FailedTo("construct issuer signer", err)
	}
	tokenIssuer := token.NewIssuer(redisClient, signer, cfg.Oversight.TokenTTL)

	checkpointStore := checkpoint.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)
	chain := audit.NewChainer(auditStore, logger, cfg.Oversight.AuditBufferLimit)

	webhookSecret, err := hex.DecodeString(webhookSecretHex)
	if err != nil {
		return sharederrors.FailedTo("decode webhook hmac secret", err)
	}
	channelRegistry := channel.NewRegistry()
	if err := channelRegistry.Register(webhook.New(&http.Client{Timeout: 10 * time.Second}, registry, webhookSecret)); err != nil {
		return sharederrors.FailedToWithDetails("register channel adapter", "main", "webhook", err)
	}

	deliveryStore := delivery.NewPostgresStore(db)
	onExhausted := func(ctx context.Context, attempt domain.DeliveryAttempt) {
		chain.Emit(attempt.RequestID, domain.AuditEventNotificationSent, "system", "delivery-log", map[string]interface{}{
			"tier_index": attempt.TierIndex,
			"recipient":  attempt.Recipient,
			"exhausted":  true,
		}, time.Now())
	}
	deliveryLog := delivery.NewLog(channelRegistry, deliveryStore, cfg.Oversight.DeliveryRetrySchedule, logger, onExhausted)

	fires := make(chan clock.Fire, 256)
	wheel := clock.NewWheel(fires)
	clockSource := clock.NewSource(clock.SystemConsensusSource{}, cfg.Oversight.ConsensusClockRequired)

	bus := await.NewBus()

	manager := oversight.NewManager(
		clockSource,
		wheel,
		fires,
		checkpointStore,
		keyResolver,
		deliveryLog,
		deliveryStore,
		chain,
		tokenIssuer,
		bus,
		oversight.Config{TierTimeoutMin: cfg.Oversight.TierTimeoutMin, TierTimeoutMax: cfg.Oversight.TierTimeoutMax, MaxTiers: cfg.Oversight.MaxTiers},
		logger,
		nil,
	)

	if err := manager.Recover(ctx); err != nil {
		logger.Errorw("recovery failed", "error", err)
	}

	go manager.Run(ctx)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: NewServer(manager, logger).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("oversight-service listening", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http server shutdown error", "error", err)
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Errorw("metrics server shutdown error", "error", err)
	}
	return nil
}
