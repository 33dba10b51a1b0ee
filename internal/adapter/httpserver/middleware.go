package httpserver

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const secretHeader = "X-Manager-Secret"

func authMiddleware(secret string) gin.HandlerFunc {
	expected := strings.TrimSpace(secret)

	return func(c *gin.Context) {
		if expected == "" || subtle.ConstantTimeCompare([]byte(c.GetHeader(secretHeader)), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response{
				Ok:    false,
				Error: "unauthorized",
			})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("http request",
			"method", method, "path", path,
			"status", c.Writer.Status(), "latency", time.Since(start).String(),
		)
	}
}
