// Package server exposes the bisection engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/DominicWuest/tagscepter/internal/metrics"
	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Server is the control surface of an engine: a REST API, a websocket per task for live updates, and the metrics endpoint
type Server struct {
	engine   *tagscepter.Engine
	gatherer prometheus.Gatherer

	log *logrus.Logger

	router *gin.Engine
	srv    *http.Server

	done     chan struct{} // Closed on shutdown, ending all websocket streams
	doneOnce sync.Once
}

// NewServer creates the server of an engine. gatherer may be nil, in which case no metrics are served
func NewServer(engine *tagscepter.Engine, gatherer prometheus.Gatherer, log *logrus.Logger) *Server {
	if log == nil {
		// Mute logger
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	s := &Server{
		engine:   engine,
		gatherer: gatherer,
		log:      log,
		done:     make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	router.POST("/tasks", s.postTask)
	router.GET("/tasks", s.getTasks)
	router.GET("/tasks/:taskId", s.getTask)
	router.GET("/tasks/:taskId/candidates", s.getCandidates)
	router.POST("/tasks/:taskId/pause", s.postPause)
	router.POST("/tasks/:taskId/resume", s.postResume)
	router.GET("/tasks/:taskId/updates", s.getUpdates)
	router.POST("/tasks/:taskId/iterations/:iterationId/candidates/:tagId/dispatch", s.postDispatch)

	router.POST("/builds/:buildId/feedback", s.postFeedback)
	router.POST("/builds/:buildId/status", s.postStatus)
	router.POST("/builds/:buildId/cancel", s.postCancel)
	router.POST("/webhooks/:service/:externalId", s.postWebhook)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.HandlerFor(s.gatherer)))
	}
	return router
}

// Handler returns the handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the passed address and serves requests in the background
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on %s", addr), err)
	}
	s.srv = &http.Server{Handler: s.router}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Server stopped unexpectedly - %v", err)
		}
	}()
	s.log.Infof("Listening on %s", addr)
	return nil
}

// Shutdown ends all websocket streams and gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("Handled request")
	}
}
