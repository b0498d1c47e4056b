package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/gymledger/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID = "X-Request-Id"
	ctxRequestID    = "request_id"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier returns (error_type, error_code) for the last handler error.
	ErrorClassifier func(err error) (string, string)
	// Quiet routes are logged at debug level, e.g. /metrics and /health.
	Quiet []string
}

// GinMiddleware assigns a request id and writes one http_request entry per
// request once the handler chain has finished.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(cfg.Quiet))
	for _, route := range cfg.Quiet {
		quiet[route] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
			zap.String("client_ip", c.ClientIP()),
		}
		if kiosk := strings.TrimSpace(c.GetHeader("X-Kiosk-Id")); kiosk != "" {
			fields = append(fields, zap.String("kiosk_id", kiosk))
		}

		errorType := ""
		if last := c.Errors.Last(); last != nil {
			code := ""
			if cfg.ErrorClassifier != nil {
				errorType, code = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", code))
			if cfg.Debug && status >= http.StatusInternalServerError {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		_, isQuiet := quiet[route]
		level := requestLevel(status, errorType, isQuiet)
		if ce := FromContext(c.Request.Context()).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(ctxRequestID, requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

func requestLevel(status int, errorType string, quiet bool) zapcore.Level {
	switch {
	case quiet:
		return zapcore.DebugLevel
	case status == http.StatusServiceUnavailable:
		return zapcore.WarnLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status == http.StatusTooManyRequests, errorType == "validation_error":
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
