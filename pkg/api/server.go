// Package api is the HTTP face of the operation surface: one dispatch
// endpoint, liveness, and Prometheus metrics. Domain behavior lives behind
// the ops dispatcher; this layer moves credentials from headers into the
// request and picks an HTTP status for the envelope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CIRWEL/unitares/pkg/ops"
)

// Server hosts the operation dispatch endpoint.
type Server struct {
	dispatcher *ops.Dispatcher
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. The metrics handler is optional; nil skips
// the /metrics route.
func NewServer(dispatcher *ops.Dispatcher, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{dispatcher: dispatcher}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	engine.GET("/healthz", s.healthzHandler)
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	engine.POST("/api/v1/op/:name", s.opHandler)

	s.engine = engine
	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests and for embedding the surface into
// a larger mux.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP on addr until Shutdown or a listener failure.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
