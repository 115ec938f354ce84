package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"propflow/assignment"
	"propflow/audit"
	"propflow/auth"
	"propflow/cache"
	"propflow/config"
	"propflow/db"
	"propflow/dispute"
	"propflow/httpapi"
	"propflow/logging"
	"propflow/offer"
	"propflow/otp"
	"propflow/property"
	"propflow/reservation"
	"propflow/visit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.Environment)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	emitter := audit.NewEmitter()
	outbox := audit.NewOutbox()

	codes := otp.NewService(pool, otp.NewRepository(), cfg.OTP.TTL, cfg.OTP.MaxAttempts)
	lockout := auth.NewRedisLockout(redisClient, cfg.Security.LockoutThreshold, cfg.Security.LockoutWindow)
	authService := auth.NewService(pool, auth.NewRepository(pool), auth.NewSessionStore(pool), lockout, codes, emitter, outbox, cfg.Security.JWTSecret, cfg.Security.JWTTTL)

	propertyRepo := property.NewRepository(pool)
	assignmentRepo := assignment.NewRepository(pool)
	propertyService := property.NewService(pool, propertyRepo, assignmentRepo, emitter, outbox)

	assignmentService := assignment.NewService(pool, assignmentRepo, propertyRepo, emitter, outbox)

	visitRepo := visit.NewRepository(pool)
	visitService := visit.NewService(pool, visitRepo, propertyRepo, codes, emitter, outbox, cfg.Visit.ProximityRadiusMeters)

	reservationRepo := reservation.NewRepository(pool)
	reservationService := reservation.NewService(pool, reservationRepo, propertyRepo, emitter, outbox, cfg.Reservation.HoldWindow)

	offerService := offer.NewService(pool, offer.NewRepository(pool), propertyRepo, visitRepo, reservationService, emitter, outbox)

	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), dispute.NewPartyChecker(pool), emitter, outbox)

	sweeper := reservation.NewSweeper(pool, reservationRepo, propertyRepo, emitter, outbox, logger)
	if err := sweeper.Start(cfg.Reservation.SweepSchedule); err != nil {
		logger.Fatal().Err(err).Msg("sweeper start failed")
	}

	handlerSet := httpapi.NewHandlerSet(logger, pool, authService, propertyService, assignmentService, visitService, offerService, reservationService, disputeService)
	httpServer := httpapi.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, sweeper, pool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *httpapi.HTTPServer, sweeper *reservation.Sweeper, pool *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	sweeper.Stop()
	pool.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
