// Package http serves the gateway: REST endpoints, the websocket endpoint
// and the SSE chat stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sightline/sightline/internal/application/analysis"
	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/application/intake"
	"github.com/sightline/sightline/internal/application/voice"
	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway"
	"github.com/sightline/sightline/internal/infrastructure/storage"
	"github.com/sightline/sightline/internal/security"
	"github.com/sightline/sightline/internal/system/tasklog"
)

const maxMultipartMemory = 32 << 20

// Deps are the services the server exposes.
type Deps struct {
	Config      *config.Cache
	Catalog     *model.Catalog
	Hub         *gateway.Hub
	Dispatcher  *dispatch.Dispatcher
	Normalizer  *intake.Normalizer
	Analyzer    *analysis.Analyzer
	Voice       *voice.Pipeline // nil disables /process_voice
	Screenshots *storage.Dir
	Audio       *storage.Dir
	Uploads     *storage.Dir
	TaskLog     *tasklog.Store // nil disables /api/tasks
	LogBuffer   *LogBuffer
	Logger      *slog.Logger
	Version     string
}

// Server is the gateway HTTP server.
type Server struct {
	Deps
	router    *gin.Engine
	logger    *slog.Logger
	limiter   *security.SlidingWindowLimiter
	guard     *security.TokenGuard
	startedAt time.Time
}

// NewServer builds the router and binds the websocket callbacks of the hub.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	cfg := d.Config.Get()
	router := gin.New()
	router.MaxMultipartMemory = maxMultipartMemory
	router.Use(gin.Recovery())

	s := &Server{
		Deps:      d,
		router:    router,
		logger:    d.Logger.With("component", "http"),
		limiter:   security.NewSlidingWindowLimiter(cfg.Gateway.RateLimit.Requests, cfg.Gateway.RateLimit.Window.Std()),
		guard:     security.NewTokenGuard(func() string { return d.Config.Get().Gateway.Auth.Token }),
		startedAt: time.Now(),
	}
	router.Use(loggerMiddleware(s.logger), s.corsMiddleware())

	d.Hub.Handle(gateway.Options{
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
		OnMessage:    s.onMessage,
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api_info", s.handleAPIInfo)
	s.router.GET("/screenshots/:name", s.serveFile(s.Screenshots))
	s.router.GET("/static/tts/:name", s.serveFile(s.Audio))

	guarded := s.router.Group("/")
	guarded.Use(s.rateLimitMiddleware(), s.authMiddleware())
	{
		guarded.GET("/ws", s.handleWebSocket)

		guarded.GET("/api/status", s.handleStatus)
		guarded.GET("/api/available_models", s.handleAvailableModels)
		guarded.GET("/api/history", s.handleHistory)
		guarded.GET("/api/logs", s.handleLogs)
		guarded.GET("/api/tasks", s.handleTasks)
		guarded.DELETE("/api/tasks/:id", s.handleCancelTask)

		guarded.POST("/chat", s.handleChat)
		guarded.POST("/chat_with_file", s.handleChatWithFile)
		guarded.POST("/chat/stream", s.handleChatStream)

		guarded.POST("/upload_raw", s.handleUploadRaw)
		guarded.POST("/upload_screenshot", s.handleUploadScreenshot)
		guarded.POST("/crop_image", s.handleCropImage)
		guarded.POST("/process_voice", s.handleProcessVoice)
		guarded.POST("/request_screenshot", s.handleRequestScreenshot)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Config.Get().Addr()
	s.logger.Info("starting HTTP server", "address", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("gateway failed to start: %w\n  -> Is another Sightline instance running on %s?", err, addr)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case err := <-listenErr:
		return fmt.Errorf("gateway runtime error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	s.Hub.Shutdown()
	return srv.Shutdown(shutdownCtx)
}

// defaultTarget is what a request naming neither model nor provider gets.
func (s *Server) defaultTarget() (model.ResolvedTarget, error) {
	return s.Dispatcher.Resolve("", "")
}

// sinkFor routes HTTP-submitted results to the named socket, or to every
// client when none is named.
func (s *Server) sinkFor(socketID string) dispatch.Emitter {
	if socketID == "" {
		return s.Hub.Broadcast()
	}
	return s.Hub.Target(socketID)
}
