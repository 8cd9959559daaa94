package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/suPer8Hu/upscale-tracker/internal/auth"
	"github.com/suPer8Hu/upscale-tracker/internal/common"
)

const (
	OperatorKey  = "operator"
	RequestIDKey = "request_id"

	requestIDHeader = "X-Request-ID"
)

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"path", c.Request.URL.Path,
					"request_id", c.GetString(RequestIDKey),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// AuthRequired accepts "Authorization: Bearer <jwt>". EventSource clients
// cannot set headers, so the token may also come as ?token=.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		claims, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(OperatorKey, claims.Subject)
		c.Next()
	}
}
