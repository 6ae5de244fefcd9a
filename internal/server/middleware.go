package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-ID"

// AccessLog propagates the request correlation id and logs every request except
// metric scrapes.
func AccessLog(base *zap.Logger) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	base = base.Named("http")
	return func(c *gin.Context) {
		ctx := requestcontext.WithCorrelationID(c.Request.Context(), c.GetHeader(HeaderRequestID))
		ctx, cid := requestcontext.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, cid)

		start := time.Now()
		c.Next()

		if c.FullPath() == "/metrics" {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		log := logger.WithContext(ctx, base)
		if c.Writer.Status() >= 500 {
			log.Warn("http.request", fields...)
			return
		}
		log.Debug("http.request", fields...)
	}
}
