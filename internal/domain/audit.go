package domain

import "time"

// AuditEntry registra una operacion mutante ejecutada contra el upstream.
type AuditEntry struct {
	ID           string       `json:"id"`
	Operation    string       `json:"operation"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   int64        `json:"resource_id,omitempty"`
	Session      string       `json:"session"`
	Outcome      string       `json:"outcome"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

const (
	AuditOutcomeOK    = "ok"
	AuditOutcomeError = "error"
)
