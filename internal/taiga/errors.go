package taiga

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"taiga-bridge/internal/domain"
)

const maxErrorBody = 2048

// classifyTransportError separa timeouts, cancelaciones y fallos de conexion.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTimeout, err, "upstream request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindInternal, err, "upstream request canceled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.WrapError(domain.KindTimeout, err, "upstream request timed out")
	}
	return domain.WrapError(domain.KindUnreachable, err, "upstream unreachable")
}

// statusError traduce un status HTTP >= 400 a la taxonomia del bridge.
func statusError(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody] + "..."
	}
	detail := upstreamDetail(body)

	switch {
	case status == http.StatusTooManyRequests:
		return &domain.Error{Kind: domain.KindRateLimited, Message: "upstream rate limit exceeded", Status: status, Body: snippet}
	case status >= 500:
		return &domain.Error{Kind: domain.KindUnreachable, Message: "upstream unavailable", Status: status, Body: snippet}
	}

	e := &domain.Error{Kind: domain.KindUpstreamRejected, Message: "upstream rejected request", Status: status, Body: snippet}
	if detail != "" {
		e.Message = "upstream rejected request: " + detail
	}
	if status == http.StatusConflict || status == http.StatusPreconditionFailed || isVersionComplaint(body) {
		e.Conflict = true
		e.Message = "version conflict: the resource was modified concurrently, fetch it again and retry"
	}
	return e
}

// upstreamDetail extrae "_error_message" o "detail" del cuerpo JSON de Taiga.
func upstreamDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"_error_message", "detail"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// isVersionComplaint detecta el 400 que Taiga devuelve ante un version desactualizado.
func isVersionComplaint(body []byte) bool {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	_, ok := payload["version"]
	return ok
}

func isUnauthorized(err error) bool {
	var e *domain.Error
	return errors.As(err, &e) && e.Kind == domain.KindUpstreamRejected && e.Status == http.StatusUnauthorized
}
