// Package server exposes a tile pipeline over HTTP: PNG tiles, health,
// Prometheus metrics, viewport updates and a websocket stream of tile
// events for repainting clients.
package server

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/LavishGent/tilepipe/internal/cache"
	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/pipeline"
	"github.com/LavishGent/tilepipe/internal/rescale"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

const defaultTileTimeout = 10 * time.Second

// Pipeline is the part of pipeline.ProviderArray the server drives.
type Pipeline interface {
	RequestTile(idx tile.Index) image.Image
	Contains(idx tile.Index) bool
	Cache() *cache.TileCache
	Source() tile.Source
	AddListener(fn pipeline.Listener)
	SetVisibleArea(area tile.Area)
	RescaleCache(ctx context.Context, newZoom, oldZoom int, area tile.Area) rescale.Stats
	Maintenance(ctx context.Context) bool
	Health(ctx context.Context) types.HealthMetrics
}

// Options configures a Server.
type Options struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves one pipeline.
type Server struct {
	pipeline    Pipeline
	cfg         config.ServerConfig
	engine      *gin.Engine
	hub         *Hub
	waiters     *waiters
	validate    *validator.Validate
	logger      *slog.Logger
	httpServer  *http.Server
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	tileTimeout time.Duration
}

// New builds the router and subscribes to the pipeline's tile events.
func New(p Pipeline, cfg config.ServerConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pipeline:    p,
		cfg:         cfg,
		hub:         NewHub(logger),
		waiters:     newWaiters(),
		validate:    validator.New(),
		logger:      logger,
		baseCtx:     ctx,
		cancelBase:  cancel,
		tileTimeout: cfg.TileTimeout,
	}
	if s.tileTimeout <= 0 {
		s.tileTimeout = defaultTileTimeout
	}
	p.AddListener(s.onEvent)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/tiles/:z/:x/:y", s.handleTile)
	r.GET("/health", s.handleHealth)
	r.GET("/events", s.handleEvents)
	r.POST("/viewport", s.handleViewport)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the event stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("Starting tile server", "address", s.cfg.Address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains HTTP requests, closes websocket clients and cancels
// pre-cache sweeps started by viewport updates.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// onEvent fans tile events out to waiting tile requests and to the hub.
func (s *Server) onEvent(ev pipeline.Event) {
	s.waiters.notify(ev)
	s.hub.Broadcast(ev)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", time.Since(start),
			"size", c.Writer.Size(),
		)
	}
}
