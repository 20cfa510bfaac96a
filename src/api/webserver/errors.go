package webserver

import (
	"errors"
	"io"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/x402"
)

// respondError renders err as the uniform {error, status, message} envelope.
func respondError(c *gin.Context, err error) {
	e := x402.AsError(err)
	if e.Status >= 500 {
		log.Printf("webserver: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(e.Status, e.Body())
}

// bindJSON decodes the request body into dst. An empty body is allowed when
// optional is set.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	respondError(c, x402.BadRequest("invalid request body: %v", err))
	return false
}
