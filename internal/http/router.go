package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stream son los endpoints del transporte SSE del protocolo.
type Stream struct {
	SSEPath     string
	MessagePath string
	SSE         http.Handler
	Message     http.Handler
}

// NewRouter configura el router de Gin con middlewares, salud y el transporte SSE.
// Si jwtSecret no esta vacio, los endpoints del protocolo exigen un bearer token firmado.
func NewRouter(logger *zap.Logger, health *HealthHandler, stream Stream, jwtSecret string) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/healthz", health.Health)

	protocol := r.Group("")
	if jwtSecret != "" {
		protocol.Use(JWTAuthMiddleware([]byte(jwtSecret)))
	}
	protocol.GET(stream.SSEPath, gin.WrapH(stream.SSE))
	protocol.POST(stream.MessagePath, gin.WrapH(stream.Message))

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if sub, ok := AuthSubject(c); ok {
			fields = append(fields, zap.String("subject", sub))
		}
		logger.Info("request", fields...)
	}
}
