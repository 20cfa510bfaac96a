package webserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stake-plus/moltswarm/src/x402"
)

// AdminMiddleware requires a bearer token signed with secret and carrying
// role=admin. An empty secret leaves the routes open.
func AdminMiddleware(secret []byte) gin.HandlerFunc {
	if len(secret) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			respondError(c, x402.NewError(http.StatusUnauthorized, "missing bearer token"))
			return
		}
		tok, err := jwt.Parse(h[7:], func(t *jwt.Token) (interface{}, error) { return secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !tok.Valid {
			respondError(c, x402.NewError(http.StatusUnauthorized, "invalid token"))
			return
		}
		claims := tok.Claims.(jwt.MapClaims)
		if role, _ := claims["role"].(string); role != "admin" {
			respondError(c, x402.Unauthorized("admin role required"))
			return
		}
		c.Set("admin", claims["sub"])
		c.Next()
	}
}

// IssueAdminToken signs an admin token for subject.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": "admin",
		"exp":  time.Now().Add(ttl).Unix(),
	}).SignedString(secret)
}
