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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/api"
	"github.com/roomline/msgcache/internal/cache"
	"github.com/roomline/msgcache/internal/db"
	"github.com/roomline/msgcache/internal/engine"
	"github.com/roomline/msgcache/internal/events"
	"github.com/roomline/msgcache/internal/sweeper"
	"github.com/roomline/msgcache/pkg/config"
	"github.com/roomline/msgcache/pkg/logging"
	"github.com/roomline/msgcache/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting msgcache API server")

	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisCache.Close()

	durable := db.NewMessageRepository(db.NewRepository(database.DB))
	opts := cache.OptionsFromConfig(&cfg.Cache)
	messages := cache.NewMessageCache(redisCache.Client(), opts)
	pinned := cache.NewPinnedCache(redisCache.Client(), opts)
	reactions := cache.NewReactionCache(redisCache.Client(), opts)

	hub := events.NewHub(originChecker(cfg.Server.CORSOrigins))
	defer hub.Close()
	publishers := events.Multi{hub}

	if cfg.Kafka.Enabled {
		producer, err := events.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			logger.Fatal("Failed to connect to Kafka", zap.Error(err))
		}
		dispatcher := events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, events.KafkaOptionsFromConfig(&cfg.Kafka))
		defer func() {
			if err := dispatcher.Close(); err != nil {
				logger.Error("Error closing Kafka dispatcher", zap.Error(err))
			}
		}()
		publishers = append(publishers, dispatcher)
		logger.Info("Kafka fan-out enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	reader := engine.NewReader(durable, messages, pinned, reactions, engine.ReaderConfig{
		DefaultPageSize: cfg.Cache.DefaultPageSize,
		MaxPageSize:     cfg.Cache.MaxPageSize,
	})
	coordinator := engine.NewCoordinator(durable, messages, pinned, reactions,
		engine.WithPublisher(publishers),
		engine.WithReservedNames(engine.NewNameSet(cfg.Chat.ReservedNames)),
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.Cache.PinSweepInterval > 0 {
		pinSweeper := sweeper.New(durable, coordinator, cfg.Cache.PinSweepInterval, cfg.Cache.PinSweepBatch)
		go func() {
			if err := pinSweeper.Run(sweepCtx); err != nil && err != context.Canceled {
				logger.Error("Pin sweeper stopped", zap.Error(err))
			}
		}()
	}

	gin.SetMode(logging.GinLevel(cfg.Logging.Level))
	router := gin.New()
	router.Use(gin.Recovery())

	routerOpts := []api.RouterOption{
		api.WithHealthCheck("database", database),
		api.WithRoomStreamer(hub),
	}
	if redisCache != nil {
		routerOpts = append(routerOpts, api.WithHealthCheck("cache", redisCache))
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.PrometheusEnabled {
		routerOpts = append(routerOpts, api.WithMetrics())
	}
	api.NewRouter(reader, coordinator, routerOpts...).SetupRoutes(router, cfg.Server.CORSOrigins)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopSweep()
	// Websocket connections are hijacked and not tracked by Shutdown
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// originChecker accepts websocket upgrades from the configured CORS origins.
// Without any, the upgrader's same-origin check applies.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
