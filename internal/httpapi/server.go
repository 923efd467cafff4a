// Package httpapi exposes a read-only status API for the supervisor and
// local tooling. It never mutates state; all writes go through the chat
// front end.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/common/config"
	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/httpmw"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/store"
)

// Server is the status API HTTP server.
type Server struct {
	store  *store.Store
	logger *logger.Logger
	http   *http.Server
}

// New creates a Server bound to the configured host and port.
func New(st *store.Store, cfg config.ServerConfig, log *logger.Logger) *Server {
	s := &Server{
		store:  st,
		logger: log.WithFields(zap.String("component", "status-api")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "status-api"))
	router.Use(httpmw.OtelTracing("status-api"))

	router.GET("/health", s.health)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.GET("/sessions/:id/jobs", s.listSessionJobs)
		v1.GET("/approvals", s.listApprovals)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Start serves until Shutdown. It returns on listener failure.
func (s *Server) Start() error {
	s.logger.Info("status API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessionJobs(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	jobs, err := s.store.ListJobsBySession(c.Request.Context(), sessionID, 50)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

func (s *Server) listApprovals(c *gin.Context) {
	approvals, err := s.store.ListPendingApprovals(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals, "total": len(approvals)})
}

func (s *Server) fail(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("request failed", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("status API request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}
