package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/api/chat"
	"github.com/roomline/msgcache/pkg/logging"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RoomStreamer serves the websocket feed of a room
type RoomStreamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, roomID string)
}

// Router sets up API routes
type Router struct {
	handler  *JSONRPCHandler
	chat     *chat.API
	streamer RoomStreamer
	checks   map[string]HealthChecker
	metrics  bool
	logger   *zap.Logger
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithHealthCheck adds a dependency to /health. Cache checks are reported
// but never fail the endpoint.
func WithHealthCheck(name string, check HealthChecker) RouterOption {
	return func(r *Router) { r.checks[name] = check }
}

// WithRoomStreamer enables /ws/rooms/:room
func WithRoomStreamer(s RoomStreamer) RouterOption {
	return func(r *Router) { r.streamer = s }
}

// WithMetrics exposes the Prometheus registry on /metrics
func WithMetrics() RouterOption {
	return func(r *Router) { r.metrics = true }
}

// NewRouter creates a new API router
func NewRouter(reader chat.Reader, writer chat.Writer, opts ...RouterOption) *Router {
	router := &Router{
		handler: NewJSONRPCHandler(),
		chat:    chat.NewAPI(reader, writer),
		checks:  make(map[string]HealthChecker),
		logger:  logging.WithComponent("api-router"),
	}
	for _, opt := range opts {
		opt(router)
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine, corsOrigins []string) {
	if len(corsOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     corsOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)

	engine.POST("/", r.handler.Handle)

	if r.streamer != nil {
		engine.GET("/ws/rooms/:room", r.streamHandler)
	}
	if r.metrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// registerMethods registers all API methods
func (r *Router) registerMethods() {
	// Reads
	r.handler.RegisterMethod("chat.get_page", r.chat.GetPage)
	r.handler.RegisterMethod("chat.get_pinned", r.chat.GetPinned)
	r.handler.RegisterMethod("chat.get_reactions", r.chat.GetReactions)
	r.handler.RegisterMethod("chat.batch_get_reactions", r.chat.BatchGetReactions)
	r.handler.RegisterMethod("chat.room_stats", r.chat.RoomStats)

	// Write notifications
	r.handler.RegisterMethod("chat.notify_created", r.chat.NotifyCreated)
	r.handler.RegisterMethod("chat.notify_deleted", r.chat.NotifyDeleted)
	r.handler.RegisterMethod("chat.notify_edited", r.chat.NotifyEdited)
	r.handler.RegisterMethod("chat.notify_pinned", r.chat.NotifyPinned)
	r.handler.RegisterMethod("chat.notify_unpinned", r.chat.NotifyUnpinned)
	r.handler.RegisterMethod("chat.set_reactions", r.chat.SetReactions)

	// Operations
	r.handler.RegisterMethod("chat.clear_room_cache", r.chat.ClearRoomCache)

	r.logger.Debug("Registered JSON-RPC methods", zap.Int("count", r.handler.Methods()))
}

// healthHandler handles health check requests. Only the durable store is
// critical: the engine keeps serving with the cache down.
func (r *Router) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{}
	for name, check := range r.checks {
		if err := check.Health(ctx); err != nil {
			components[name] = err.Error()
			if name == "database" {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		components[name] = "OK"
	}

	overall := "OK"
	if status != http.StatusOK {
		overall = "DEGRADED"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "msgcache-api",
		"components": components,
	})
}

func (r *Router) streamHandler(c *gin.Context) {
	r.streamer.ServeWS(c.Writer, c.Request, c.Param("room"))
}
