// Package api exposes the HTTP surface: account endpoints, room
// management, code execution, and operational endpoints. All responses
// share one envelope: {success, data} or {success, error, code}.
package api

import (
	"context"
	"net/http"
	"time"

	"codehive/internal/auth"
	"codehive/internal/collab"
	"codehive/internal/db"
	"codehive/internal/execution"
	"codehive/internal/metrics"
	"codehive/internal/middleware"
	"codehive/internal/rooms"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server holds the handler dependencies.
type Server struct {
	db          *gorm.DB
	redis       *db.RedisClient
	authSvc     *auth.Service
	rooms       *rooms.Store
	coordinator *execution.Coordinator
	hub         *collab.Hub
}

// NewServer wires the API server. hub may be nil when the gateway runs
// without the realtime fabric (admin tooling, tests).
func NewServer(database *gorm.DB, redis *db.RedisClient, authSvc *auth.Service, roomStore *rooms.Store, coordinator *execution.Coordinator, hub *collab.Hub) *Server {
	return &Server{
		db:          database,
		redis:       redis,
		authSvc:     authSvc,
		rooms:       roomStore,
		coordinator: coordinator,
		hub:         hub,
	}
}

// Router builds the gin engine with the full middleware chain and all
// routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS())
	router.Use(middleware.Security())
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/health", s.Health)
	router.GET("/metrics", metrics.PrometheusHandler())
	if s.hub != nil {
		router.GET("/ws", s.hub.HandleWS)
	}

	authGroup := router.Group("/api/auth")
	authGroup.Use(middleware.AuthRateLimit())
	{
		authGroup.POST("/register", s.Register)
		authGroup.POST("/login", s.Login)
	}

	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.RateLimit())
	{
		apiGroup.GET("/code/languages", s.Languages)

		protected := apiGroup.Group("")
		protected.Use(middleware.RequireAuth(s.authSvc))
		{
			protected.GET("/rooms", s.ListRooms)
			protected.POST("/rooms", s.CreateRoom)
			protected.POST("/rooms/join", s.JoinRoom)
			protected.POST("/rooms/:id/leave", s.LeaveRoom)
			protected.PUT("/rooms/:id", s.UpdateRoom)
			protected.DELETE("/rooms/:id", s.DeleteRoom)

			protected.POST("/code/execute", s.Execute)
			protected.GET("/code/history/:roomId", s.History)
		}
	}

	return router
}

// Health reports liveness plus per-subsystem status. Any unreachable
// dependency turns the response into a 503 so load balancers stop
// routing until it recovers.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "connected"
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbStatus = "unreachable"
		status = "degraded"
	}

	redisStatus := "connected"
	if s.redis == nil {
		redisStatus = "not configured"
	} else if err := s.redis.Ping(ctx); err != nil {
		redisStatus = "unreachable"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"database": dbStatus,
		"redis":    redisStatus,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
