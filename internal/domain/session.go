package domain

import "time"

// SessionInfo es la vista de una sesion que puede cruzar la frontera del protocolo.
// Nunca incluye el token del upstream.
type SessionInfo struct {
	ID         string    `json:"session_id"`
	Username   string    `json:"username,omitempty"`
	Host       string    `json:"host"`
	Default    bool      `json:"auto_authenticated"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at"`
}
