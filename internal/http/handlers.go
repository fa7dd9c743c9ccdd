package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCounter expone cuantas sesiones estan vivas.
type SessionCounter interface {
	Len() int
}

// HealthHandler responde el estado del proceso.
type HealthHandler struct {
	sessions SessionCounter
	version  string
	started  time.Time
	now      func() time.Time
}

func NewHealthHandler(sessions SessionCounter, version string) *HealthHandler {
	return &HealthHandler{sessions: sessions, version: version, started: time.Now(), now: time.Now}
}

// Health maneja GET /healthz.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        h.version,
		"sessions":       h.sessions.Len(),
		"uptime_seconds": int64(h.now().Sub(h.started).Seconds()),
	})
}
