// Command msab is the control-plane process for the audio conferencing
// service: it authenticates WebSocket connections, brokers media session
// setup against the media engine, arbitrates seat state, relays external
// business-backend events, and drains the durable gift queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/eventrelay"
	"github.com/flylive/msab/internal/v1/fanout"
	"github.com/flylive/msab/internal/v1/giftbuffer"
	"github.com/flylive/msab/internal/v1/handlers"
	"github.com/flylive/msab/internal/v1/health"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/mediaengine"
	"github.com/flylive/msab/internal/v1/middleware"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/roomregistry"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/server"
	"github.com/flylive/msab/internal/v1/usersocket"
	"github.com/flylive/msab/internal/v1/workerpool"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownDeadline = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisSvc *bus.Service
	if cfg.RedisEnabled {
		redisSvc, err = bus.NewService(cfg.RedisAddr(), cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			os.Exit(1)
		}
	}

	engine, err := mediaengine.NewGRPCEngine(cfg.MediaEngineAddr)
	if err != nil {
		logging.Error(ctx, "failed to connect to media engine", zap.Error(err))
		os.Exit(1)
	}

	pool, err := workerpool.New(ctx, engine, runtime.NumCPU())
	if err != nil {
		logging.Error(ctx, "failed to create media worker pool", zap.Error(err))
		os.Exit(1)
	}

	var revocation *bus.RevocationChecker
	if redisSvc != nil {
		revocation = bus.NewRevocationChecker(redisSvc)
	}
	var validator server.TokenValidator
	if os.Getenv("SKIP_AUTH") == "true" && cfg.GoEnv != "production" {
		logging.Warn(ctx, "authentication DISABLED for development, do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(cfg.JWTSecret, time.Duration(cfg.JWTMaxAgeSeconds)*time.Second, revocation)
		if err != nil {
			logging.Error(ctx, "failed to build token validator", zap.Error(err))
			os.Exit(1)
		}
		validator = v
	}

	seats := seat.NewRepository(redisSvc)
	laravelClient := laravel.New(cfg.LaravelAPIURL, cfg.LaravelInternalKey, time.Duration(cfg.LaravelAPITimeoutMs)*time.Millisecond)
	sockets := usersocket.New(redisSvc)
	clients := clientregistry.NewRegistry()

	rooms := roomregistry.New(redisSvc, pool, engine, seats, laravelClient,
		cfg.MaxListenersPerDistributionRouter, cfg.MaxActiveSpeakersForwarded, cfg.DefaultSeatCount)

	fanoutSvc := fanout.New(clients, sockets, redisSvc)
	rooms.SetBroadcaster(fanoutSvc)
	go fanoutSvc.Relay(ctx)

	pool.OnDeath(rooms.RunOnWorkerDied(func(roomID string) int {
		state, err := rooms.GetState(context.Background(), roomID)
		if err != nil || state == nil || state.SeatCount <= 0 {
			return cfg.DefaultSeatCount
		}
		return state.SeatCount
	}))
	go pool.RunHealthChecks(ctx, 5*time.Second)
	go rooms.RunAutoClose(ctx, time.Minute, 30*time.Minute, func(roomID string) int {
		state, err := rooms.GetState(context.Background(), roomID)
		if err != nil || state == nil || state.SeatCount <= 0 {
			return cfg.DefaultSeatCount
		}
		return state.SeatCount
	})

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisSvc.Client())
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	gifts := giftbuffer.New(redisSvc, laravelClient, fanoutSvc, cfg.GiftBufferFlushInterval, cfg.GiftMaxRetries)
	giftCtx, stopGifts := context.WithCancel(context.Background())
	giftsDone := make(chan struct{})
	go func() {
		defer close(giftsDone)
		gifts.Run(giftCtx)
	}()

	if cfg.EventsEnabled && redisSvc != nil && redisSvc.Client() != nil {
		relay := eventrelay.New(redisSvc.Client(), cfg.EventsChannel, fanoutSvc)
		go relay.Run(ctx)
	}

	deps := &handlers.Deps{
		Clients:          clients,
		Rooms:            rooms,
		Seats:            seats,
		Gifts:            gifts,
		Sockets:          sockets,
		Fanout:           fanoutSvc,
		Laravel:          laravelClient,
		RateLimiter:      rateLimiter,
		DefaultSeatCount: cfg.DefaultSeatCount,
		InviteExpiry:     time.Duration(cfg.InviteExpirySeconds) * time.Second,
	}
	h := handlers.New(deps)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("CORS_ORIGINS", []string{"http://localhost:3000"})
	gateway := server.New(validator, rateLimiter, clients, sockets, fanoutSvc, h, allowedOrigins)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	healthHandler := health.NewHandler(redisSvc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/hub/:roomId", gateway.ServeWs)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "msab control plane starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutdown signal received, draining")

	// Hard deadline: if any close call below hangs, force the exit rather
	// than leaving a half-dead process behind.
	time.AfterFunc(shutdownDeadline, func() {
		logging.Error(context.Background(), "shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	// Stop accepting new connections before tearing down anything else.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "http server shutdown error", zap.Error(err))
	}

	// Stop the gift flush loop; it performs one final flush as it exits.
	// The auto-close and health-check loops already stopped when ctx (their
	// shared parent) was canceled above.
	stopGifts()
	select {
	case <-giftsDone:
	case <-time.After(10 * time.Second):
		logging.Warn(shutdownCtx, "gift buffer final flush timed out")
	}

	// Close every media-engine worker, then the shared Redis connection.
	if err := pool.Close(); err != nil {
		logging.Error(shutdownCtx, "failed to close worker pool", zap.Error(err))
	}
	if err := redisSvc.Close(); err != nil {
		logging.Error(shutdownCtx, "failed to close redis", zap.Error(err))
	}

	logging.Info(context.Background(), "shutdown complete")
}
