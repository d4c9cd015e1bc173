package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/ops"
)

// opRequest is the body of POST /api/v1/op/:name. An empty body is a valid
// zero-argument invocation.
type opRequest struct {
	Args map[string]any `json:"args"`
}

// opHandler runs one operation through the dispatcher. Credentials come
// from headers, the argument bundle from the body, and the response is
// always the dispatch envelope.
func (s *Server) opHandler(c *gin.Context) {
	var body opRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, &ops.Response{
				Error:     "request body must be a JSON object with an optional args object",
				ErrorCode: models.ErrCodeBadInput,
			})
			return
		}
	}

	req := &ops.Request{Op: c.Param("name"), Args: body.Args}
	credentialsFrom(c, req)

	resp := s.dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(httpStatus(resp), resp)
}
