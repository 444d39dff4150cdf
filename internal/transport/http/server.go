package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"talon/internal/logger"

	"github.com/gin-gonic/gin"
)

// EngineController starts and stops the background loop group.
type EngineController interface {
	StartEngine() error
	StopEngine() error
	EngineRunning() bool
}

// Server exposes the engine's status and control surface to the UI layer.
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr     string
	Engine   EngineController
	Status   StatusSource
	Poller   ResyncSource
	Risk     RiskEventSource
	Accounts AccountSource
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Status == nil {
		return nil, errors.New("api server requires engine and status sources")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8086"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{engine: cfg.Engine, status: cfg.Status, poller: cfg.Poller, risk: cfg.Risk, accounts: cfg.Accounts}
	api := router.Group("/api")
	{
		api.GET("/status", h.getStatus)
		api.GET("/strategies/:id/risk-events", h.getRiskEvents)
		api.GET("/accounts/:id/summary", h.getAccountSummary)
		api.POST("/executions/:id/resync", h.resyncExecution)
		api.POST("/engine/start", h.startEngine)
		api.POST("/engine/stop", h.stopEngine)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
