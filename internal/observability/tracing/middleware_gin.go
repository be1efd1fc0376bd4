package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const TraceIDHeader = "X-Trace-Id"

var untracedPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// GinMiddleware starts a server span per request and, once the handler
// chain is done, copies the request id and the listed gin context keys
// onto it.
func GinMiddleware(service string, contextKeys ...string) []gin.HandlerFunc {
	start := otelgin.Middleware(service, otelgin.WithFilter(func(r *http.Request) bool {
		_, skip := untracedPaths[r.URL.Path]
		return !skip
	}))
	return []gin.HandlerFunc{start, annotate(contextKeys)}
}

func annotate(contextKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.SpanContext().IsValid() {
			c.Next()
			return
		}
		c.Header(TraceIDHeader, span.SpanContext().TraceID().String())

		c.Next()

		attrs := make([]attribute.KeyValue, 0, len(contextKeys)+1)
		if requestID := obscontext.RequestIDFromContext(c.Request.Context()); requestID != "" {
			attrs = append(attrs, attribute.String("request_id", requestID))
		}
		for _, key := range contextKeys {
			if v := c.GetString(key); v != "" {
				attrs = append(attrs, attribute.String("tokenledger."+key, v))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if c.Writer.Status() >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
		}
	}
}
