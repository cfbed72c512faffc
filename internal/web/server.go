// Package web hosts the browser chat UI: an embedded page, a websocket per
// browser session and a few JSON endpoints.
package web

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ChatUI/internal/backend"
	"ChatUI/internal/cache"
	"ChatUI/internal/chatbot"
	"ChatUI/internal/config"
	"ChatUI/internal/render"
	"ChatUI/internal/session"
	"ChatUI/internal/store"
	"ChatUI/internal/telemetry"
)

//go:embed static
var staticFS embed.FS

var pageTemplate = template.Must(template.ParseFS(staticFS, "static/index.html"))

// Ledger is the turn ledger as seen by the server
type Ledger interface {
	chatbot.Recorder
	Summary(ctx context.Context) ([]store.ModelSummary, error)
}

// Deps are the collaborators shared by all sessions
type Deps struct {
	Client      backend.Client
	Models      *cache.ModelCache
	Ledger      Ledger // optional
	Provider    *telemetry.Provider
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

// Server is the HTTP and websocket server of the chat UI
type Server struct {
	cfg      *config.Config
	deps     Deps
	echo     *echo.Echo
	sessions *session.Registry
	renderer *render.Renderer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// Cancelled on shutdown to close every websocket
	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

// NewServer creates the server and registers its routes
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Provider == nil {
		deps.Provider = telemetry.Disabled()
	}
	if deps.Models == nil {
		deps.Models = cache.NewModelCache(cfg.ModelsCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		echo:     e,
		sessions: session.NewRegistry(),
		renderer: render.New(),
		logger:   deps.Logger,
		baseCtx:  baseCtx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The UI is served from the same process; allow local tooling too
				return true
			},
		},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))

	e.GET("/", s.handleIndex)
	e.GET("/ws", s.handleWebSocket)
	e.GET("/api/models", s.handleModels)
	e.GET("/api/stats", s.handleStats)
	e.GET("/health", s.handleHealth)

	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on the configured listen address until Shutdown
func (s *Server) Start() error {
	s.logger.Info("server starting", "listen", s.cfg.Listen, "backend", s.deps.Client.Name(), "backend_url", s.cfg.BackendURL)
	err := s.echo.Start(s.cfg.Listen)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, then closes every websocket. Cycles in
// flight are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// SessionCount returns the number of connected browser sessions
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// modelsKey identifies the backend in the model cache
func (s *Server) modelsKey() string {
	return cache.GenerateCacheKey(s.deps.Client.Name(), s.cfg.BackendURL)
}

func (s *Server) listModels(ctx context.Context) ([]string, error) {
	return s.deps.Models.Fetch(ctx, s.modelsKey(), s.deps.Client.ListModels)
}

type pageData struct {
	Backend    string
	BackendURL string
	Model      string
	Stream     bool
}

// handleIndex serves the chat page
func (s *Server) handleIndex(c echo.Context) error {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, pageData{
		Backend:    s.deps.Client.Name(),
		BackendURL: s.cfg.BackendURL,
		Model:      s.cfg.Model,
		Stream:     s.cfg.Stream,
	})
	if err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

// handleModels lists the models of the backend
func (s *Server) handleModels(c echo.Context) error {
	models, err := s.listModels(c.Request().Context())
	if err != nil {
		s.logger.Warn("failed to list models", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"backend": s.deps.Client.Name(),
		"default": s.cfg.Model,
		"models":  models,
	})
}

// handleStats returns the turn ledger summary
func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Ledger == nil {
		return c.JSON(http.StatusOK, map[string]any{"enabled": false})
	}
	summary, err := s.deps.Ledger.Summary(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read stats"})
	}
	if summary == nil {
		summary = []store.ModelSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"enabled": true,
		"models":  summary,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"backend":  s.deps.Client.Name(),
		"sessions": s.sessions.Count(),
	})
}
