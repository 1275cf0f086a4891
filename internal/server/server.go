package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/tideline/internal/config"
	"github.com/ifuryst/tideline/internal/content"
	"github.com/ifuryst/tideline/internal/dispatcher"
	"github.com/ifuryst/tideline/internal/monitoring"
	"github.com/ifuryst/tideline/internal/store"
	"github.com/ifuryst/tideline/internal/workflow"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Store      *store.Store
	Monitoring *monitoring.Service
	Dispatcher *dispatcher.Dispatcher
	Janitor    *monitoring.Janitor
	Workflow   *workflow.Service

	// Scope for work started by requests that must outlive the request,
	// such as manual dispatcher passes. Cancelled on Shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return newServer(cfg, db, logger)
}

func newServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	// Initialize services
	_, lease, _ := cfg.Dispatcher.Durations()
	st := store.New(db, lease)
	mon := monitoring.NewService(db, logger)

	repo, err := content.NewRepository(&cfg.Content, logger)
	if err != nil {
		return nil, err
	}
	executor := content.NewExecutor(repo, logger)
	disp := dispatcher.New(&cfg.Dispatcher, st, executor, mon, logger)

	cleanupEvery, retention := cfg.Monitoring.Durations()
	janitor := monitoring.NewJanitor(mon, logger, cleanupEvery, retention)

	wf := workflow.NewService(st, disp, executor, mon, cfg.Dispatcher.MaxAttempts, logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	srv := &Server{
		Config:     cfg,
		DB:         db,
		Router:     gin.New(),
		Logger:     logger,
		Store:      st,
		Monitoring: mon,
		Dispatcher: disp,
		Janitor:    janitor,
		Workflow:   wf,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	srv.Server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized",
		zap.String("database", cfg.Database.Type),
		zap.String("content_repository", repo.Name()),
		zap.Bool("dispatcher_enabled", cfg.Dispatcher.IsEnabled()))

	return srv, nil
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handleHealth)

	api := s.Router.Group("/api/v1")
	{
		wf := api.Group("/workflow")
		{
			wf.POST("/bulk-schedule", s.handleBulkSchedule)
			wf.GET("/scheduled", s.handleListScheduled)
			wf.GET("/scheduled/:id", s.handleGetScheduled)
			wf.DELETE("/scheduled/:id", s.handleCancelScheduled)
			wf.POST("/run-pending", s.handleRunPending)
			wf.GET("/validate", s.handleValidate)
			wf.GET("/stats", s.handleStats)
			wf.GET("/errors", s.handleErrors)
		}
	}
}

// Start launches the background loops and then serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Dispatcher.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start dispatcher")
	}
	s.Janitor.Start(ctx)

	s.Logger.Info("Starting HTTP server", zap.String("addr", s.Server.Addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Interrupt manual passes, then stop background loops so no pass starts during shutdown.
	s.cancelBase()
	s.Dispatcher.Stop()
	s.Janitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return s.Close()
}

// Close releases the database connection pool.
func (s *Server) Close() error {
	s.cancelBase()
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
