package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/cache"
	"github.com/san-kum/gate-counter/server/config"
	"github.com/san-kum/gate-counter/server/detector"
	"github.com/san-kum/gate-counter/server/handlers"
	"github.com/san-kum/gate-counter/server/middleware"
	"github.com/san-kum/gate-counter/server/processor"
	"github.com/san-kum/gate-counter/server/sink"
	"github.com/san-kum/gate-counter/server/store"
)

type Server struct {
	router         *gin.Engine
	logger         *zap.Logger
	frameProcessor *processor.FrameProcessor
	detector       *detector.Client
	cache          cache.Cache
	store          *store.Store
	publisher      *sink.KafkaPublisher
	hub            *handlers.Hub
	rateLimiter    *middleware.RateLimiter
	config         *config.Config

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal("Failed to load .env file: ", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests first so no frame arrives after the
	// processor has drained.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapConfig.Level = level

	return zapConfig.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger: logger,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cache:  cache.NewMemoryCache(cfg.Processor.CacheSize, cfg.Processor.CacheCleanup, logger),
		hub:    handlers.NewHub(logger),
	}

	recorders := []processor.CrossingRecorder{s.hub}

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open crossing store: %w", err)
		}
		s.store = st
		recorders = append(recorders, st)
	}

	if cfg.Kafka.Enabled {
		publisher, err := sink.NewKafkaPublisher(cfg.Kafka.KafkaConfig, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.publisher = publisher
		recorders = append(recorders, publisher)
	}

	frameProcessor, err := processor.NewFrameProcessor(cfg.ProcessorConfig(), s.cache, logger, recorders...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create frame processor: %w", err)
	}
	s.frameProcessor = frameProcessor

	// A nil *detector.Client must not become a non-nil handlers.Detector.
	var det handlers.Detector
	if cfg.Detector.Enabled {
		s.detector = detector.NewClient(cfg.Detector.BaseURL, cfg.ClientConfig(), logger)
		det = s.detector
	}

	var crossings handlers.CrossingLog
	if s.store != nil {
		crossings = s.store
	}

	s.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	wsHandler := handlers.NewWebSocketHandler(frameProcessor, s.hub, cfg.Security.AllowedOrigins, logger)
	streamHandler := handlers.NewStreamHandler(frameProcessor, det, crossings, logger)

	s.setupRoutes(router, wsHandler, streamHandler, authMiddleware)
	s.router = router

	s.running = true
	go s.runBackground()

	return s, nil
}

func (s *Server) healthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if s.store != nil {
		checks["store"] = s.store.Ping
	}
	if s.detector != nil {
		checks["detector"] = s.detector.HealthCheck
	}
	return checks
}

func (s *Server) setupRoutes(router *gin.Engine, wsHandler *handlers.WebSocketHandler, streamHandler *handlers.StreamHandler, auth *middleware.AuthMiddleware) {
	health := middleware.HealthCheck(s.healthChecks())
	router.GET("/health", health)

	router.GET("/ws", s.rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/health", health)

		limited := api.Group("/")
		limited.Use(s.rateLimiter.RateLimit())
		{
			limited.POST("/frames", streamHandler.SubmitFrame)
			limited.POST("/streams/:id/frames", streamHandler.SubmitFrame)
			// Detection is the expensive path; give it a tighter bucket.
			limited.POST("/streams/:id/analyze-frame",
				s.rateLimiter.RateLimitWithConfig(float64(s.config.Security.RateLimitRPS)/4, s.config.Security.RateLimitBurst/4+1),
				streamHandler.AnalyzeFrame)

			limited.GET("/streams", streamHandler.ListStreams)
			limited.GET("/streams/:id/counts", streamHandler.GetCounts)
			limited.GET("/streams/:id/tracks", streamHandler.GetTracks)
			limited.GET("/streams/:id/config", streamHandler.GetConfig)
			limited.GET("/streams/:id/crossings", streamHandler.ListCrossings)
			limited.GET("/streams/:id/totals", streamHandler.GetTotals)
			limited.GET("/stats", streamHandler.GetStats)
		}

		admin := api.Group("/admin")
		if len(s.config.Security.AdminIPs) > 0 {
			admin.Use(middleware.IPWhitelist(s.config.Security.AdminIPs))
		}
		admin.Use(auth.RequireAuth())
		admin.Use(auth.RequireRole(middleware.RoleAdmin))
		{
			admin.POST("/streams/:id/reset", streamHandler.ResetStream)
			admin.PUT("/streams/:id/config", streamHandler.UpdateConfig)
			admin.GET("/stats", s.adminStats)
		}
	}
}

// adminStats reports the plumbing around the counters.
func (s *Server) adminStats(c *gin.Context) {
	stats := gin.H{
		"hub":        s.hub.Stats(),
		"rate_limit": s.rateLimiter.GetGlobalStats(),
	}
	if s.publisher != nil {
		stats["kafka"] = s.publisher.Stats()
	}
	if s.store != nil {
		if version, dirty, err := s.store.Version(); err == nil {
			stats["store"] = gin.H{"schema_version": version, "dirty": dirty}
		}
	}
	c.JSON(http.StatusOK, stats)
}

// runBackground drives video capture and crossing retention until Close.
func (s *Server) runBackground() {
	defer close(s.done)

	var captureDone chan struct{}
	if s.config.Capture.Enabled {
		captureDone = make(chan struct{})
		go func() {
			defer close(captureDone)
			if err := detector.StartCapture(s.ctx, s.config.CaptureConfig(), s.frameProcessor, s.logger); err != nil {
				s.logger.Error("Capture stopped", zap.Error(err))
			}
		}()
	}

	if s.store != nil && s.config.Store.Retention > 0 {
		s.pruneCrossings()
	}

	<-s.ctx.Done()
	if captureDone != nil {
		<-captureDone
	}
}

func (s *Server) pruneCrossings() {
	interval := s.config.Store.Retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-s.config.Store.Retention)
		deleted, err := s.store.DeleteBefore(s.ctx, cutoff)
		switch {
		case err != nil && s.ctx.Err() == nil:
			s.logger.Error("Failed to prune crossings", zap.Error(err))
		case deleted > 0:
			s.logger.Info("Pruned crossings",
				zap.Int64("deleted", deleted),
				zap.Time("cutoff", cutoff))
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops background work, drains the processor, then releases the
// recorders it was writing to.
func (s *Server) Close() {
	s.cancel()
	if s.running {
		<-s.done
	}

	if s.frameProcessor != nil {
		if err := s.frameProcessor.Shutdown(); err != nil {
			s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Shutdown()
	}
	if s.detector != nil {
		s.detector.Close()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close crossing store", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
}
