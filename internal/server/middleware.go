package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/depotsync/pkg/log"
	"github.com/smallbiznis/depotsync/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestMiddleware attaches a correlation id and a server span to each
// request and logs it on completion.
func RequestMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("depotsync/http")
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if cid := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); cid != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, cid)
		}
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Header("X-Correlation-Id", cid)

		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}

		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "request error")
		}
		span.End()

		if route == "/metrics" || route == "/health" {
			return
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		logger := log.L(c.Request.Context())
		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				fields = append(fields, zap.Error(lastErr.Err))
			}
			logger.Error("http_request", fields...)
			return
		}
		logger.Info("http_request", fields...)
	}
}
