package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CIRWEL/unitares/pkg/ops"
)

// healthzHandler serves liveness through the same path as the health_check
// operation, so the transport and the operation surface cannot disagree
// about what healthy means. The body is the bare component report, not the
// dispatch envelope.
func (s *Server) healthzHandler(c *gin.Context) {
	resp := s.dispatcher.Dispatch(c.Request.Context(), &ops.Request{Op: "health_check"})
	if !resp.OK {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	status := http.StatusOK
	if health, ok := resp.Result.(map[string]any); ok && health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp.Result)
}
