package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/shellhost/api/handlers"
	"github.com/remote-agent-terminal/shellhost/internal/command"
	"github.com/remote-agent-terminal/shellhost/internal/config"
	"github.com/remote-agent-terminal/shellhost/internal/db"
	"github.com/remote-agent-terminal/shellhost/internal/metrics"
	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/pty"
	"github.com/remote-agent-terminal/shellhost/internal/repository"
	"github.com/remote-agent-terminal/shellhost/internal/session"
	"github.com/remote-agent-terminal/shellhost/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type serveCmd struct {
	Config config.Config `opts:"mode=embedded"`
}

func (s *serveCmd) Run() error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	log := s.Config.Logger()

	srv, err := newServer(s.Config, log, pty.NewNative())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.run(ctx)
}

// server wires the session manager to the HTTP API and the event bus.
type server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	db      *sql.DB
	bus     *ws.Bus
	manager *session.Manager
	router  *gin.Engine
}

func newServer(cfg config.Config, log *slog.Logger, provider pty.Provider) (*server, error) {
	s := &server{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
	}

	var history *repository.HistoryRepository
	if cfg.DB != "" {
		conn, err := db.Open(cfg.DB)
		if err != nil {
			return nil, err
		}
		s.db = conn
		history = repository.NewHistoryRepository(conn)
		n, err := history.MarkOrphaned(context.Background())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to mark orphaned shells: %w", err)
		}
		if n > 0 {
			log.Info("marked shells from a previous run as orphaned", "count", n)
		}
	}

	s.bus = ws.NewBus(ws.Config{
		Logger:         log,
		Metrics:        s.metrics,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	mcfg := session.Config{
		Provider:       provider,
		Sink:           s.bus,
		Logger:         log,
		Metrics:        s.metrics,
		IDScheme:       session.IDScheme(cfg.IDScheme),
		Shell:          cfg.Shell,
		DefaultSize:    model.Size{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)},
		Dir:            cfg.Dir,
		ReadBufferSize: cfg.ReadBuffer,
		ScrollbackSize: cfg.Scrollback,
		RecordDir:      cfg.RecordDir,
		MaxSessions:    cfg.MaxSessions,
	}
	// a nil *HistoryRepository must not become a non-nil interface
	var lister handlers.HistoryLister
	if history != nil {
		mcfg.History = history
		lister = history
	}
	manager, err := session.NewManager(mcfg)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.manager = manager

	dispatcher := command.NewDispatcher(manager, s.metrics, log)
	s.bus.SetInvoker(dispatcher)
	s.bus.SetReplaySource(manager)

	if cfg.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), corsMiddleware(cfg.AllowedOrigins))
	handlers.RegisterSystemRoutes(r, manager, s.metrics)
	api := r.Group("/api")
	{
		handlers.NewShellHandler(manager, dispatcher, lister).RegisterRoutes(api)
		handlers.NewEventsHandler(s.bus).RegisterRoutes(api)
	}
	s.router = r
	return s, nil
}

func (s *server) Handler() http.Handler {
	return s.router
}

// run serves until ctx is done, then closes every shell and the bus.
func (s *server) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Listen, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		s.log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", "err", err)
	}
	return errors.Join(serveErr, s.shutdown(shutdownCtx))
}

// shutdown closes every shell, then the bus and the history store.
func (s *server) shutdown(ctx context.Context) error {
	err := s.manager.Shutdown(ctx)
	s.bus.Close()
	s.closeDB()
	return err
}

func (s *server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn("failed to close database", "err", err)
	}
	s.db = nil
}

// requestLogger logs each request at debug level, failures at warn.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start).Round(time.Microsecond),
		}
		if len(c.Errors) > 0 {
			log.Warn("request failed", append(attrs, "err", c.Errors.String())...)
			return
		}
		log.Debug("request", attrs...)
	}
}

// corsMiddleware allows the configured origins, or any origin when
// none are configured or "*" is listed.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	anyOrigin := len(allowed) == 0 || set["*"]

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case anyOrigin:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
