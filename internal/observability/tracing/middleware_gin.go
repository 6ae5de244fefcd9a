package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// untracedRoutes are scraped or probed every few seconds.
var untracedRoutes = map[string]struct{}{
	"/metrics": {},
	"/healthz": {},
}

// GinMiddleware opens a server span per ops request, continuing any inbound trace.
func GinMiddleware() gin.HandlerFunc {
	tracer := Tracer("http")
	return func(c *gin.Context) {
		if _, skip := untracedRoutes[c.FullPath()]; skip {
			c.Next()
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if cid := requestcontext.CorrelationIDFromContext(c.Request.Context()); cid != "" {
			span.SetAttributes(attribute.String("correlation_id", cid))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
