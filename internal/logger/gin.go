package logger

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware logs every request once it has been served.
func GinMiddleware(log Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []Field{
			String("method", c.Request.Method),
			String("path", c.FullPath()),
			Int("status", c.Writer.Status()),
			Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
