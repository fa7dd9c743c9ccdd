package service

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/session"
)

func (d *Dispatcher) sessionOperations() []Operation {
	declaredSession := Param{
		Name:        "session_id",
		Kind:        ParamString,
		Description: "Session id to act on. Omit (or pass \"default\") for the default session.",
	}
	return []Operation{
		{
			Name:        "login",
			Description: "Authenticates against Taiga and returns a new session_id. Missing values fall back to the configured credentials and host.",
			Verb:        VerbSession, Sessionless: true,
			Params: []Param{
				{Name: "username", Kind: ParamString, Description: "Taiga username or email."},
				{Name: "password", Kind: ParamString, Description: "Taiga password."},
				{Name: "host", Kind: ParamString, Description: "Taiga base URL, e.g. https://api.taiga.io."},
			},
			run: d.login,
		},
		{
			Name:        "logout",
			Description: "Destroys a session.",
			Verb:        VerbSession, Sessionless: true,
			Params: []Param{declaredSession},
			run:    d.logout,
		},
		{
			Name:        "session_status",
			Description: "Reports whether a session is active and its token is still accepted by Taiga.",
			Verb:        VerbSession, Sessionless: true,
			Params: []Param{declaredSession},
			run:    d.sessionStatus,
		},
		{
			Name:        "get_default_session",
			Description: "Returns the default session created from the configured credentials, authenticating if needed.",
			Verb:        VerbSession, Sessionless: true,
			run: d.defaultSession,
		},
	}
}

func (d *Dispatcher) login(ctx context.Context, c *call) (any, error) {
	sess, err := d.resolver.Login(ctx, c.args.String("username"), c.args.String("password"), c.args.String("host"))
	if err != nil {
		return nil, err
	}
	c.session = sess
	d.logger.Info("session created",
		zap.String("session", session.Fingerprint(sess.ID)),
		zap.String("host", sess.Host),
	)
	info := sess.Info()
	return map[string]any{
		"status":     "authenticated",
		"session_id": info.ID,
		"username":   info.Username,
		"host":       info.Host,
		"expires_at": info.ExpiresAt,
	}, nil
}

func (d *Dispatcher) logout(ctx context.Context, c *call) (any, error) {
	id, removed, err := d.resolver.Logout(ctx, c.args.String("session_id"))
	if err != nil {
		return nil, err
	}
	status := "logged_out"
	if !removed {
		status = "session_not_found"
	}
	return map[string]any{"status": status, "session_id": id}, nil
}

func (d *Dispatcher) sessionStatus(ctx context.Context, c *call) (any, error) {
	id, sess, err := d.resolver.Lookup(c.args.String("session_id"))
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		return inactive(id, "expired"), nil
	case errors.Is(err, domain.ErrSessionNotFound):
		return inactive(id, "not_found"), nil
	case err != nil:
		return nil, err
	}

	if _, err := sess.Client.Me(ctx); err != nil {
		var typed *domain.Error
		if errors.As(err, &typed) && (typed.Status == http.StatusUnauthorized || typed.Status == http.StatusForbidden) {
			d.resolver.Forget(id)
			return inactive(id, "token_invalid"), nil
		}
		d.logger.Warn("session check failed",
			zap.String("session", session.Fingerprint(id)),
			zap.String("error_type", string(domain.KindOf(err))),
		)
		return map[string]any{"status": "error", "reason": "check_failed", "session_id": id, "error_type": domain.KindOf(err)}, nil
	}
	return active(sess.Info()), nil
}

func (d *Dispatcher) defaultSession(ctx context.Context, c *call) (any, error) {
	sess, err := d.resolver.Resolve(ctx, session.DefaultAlias)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return active(sess.Info()), nil
}

func active(info domain.SessionInfo) map[string]any {
	return map[string]any{
		"status":             "active",
		"session_id":         info.ID,
		"username":           info.Username,
		"host":               info.Host,
		"auto_authenticated": info.Default,
		"created_at":         info.CreatedAt,
		"last_access":        info.LastAccess,
		"expires_at":         info.ExpiresAt,
	}
}

func inactive(id, reason string) map[string]any {
	return map[string]any{"status": "inactive", "reason": reason, "session_id": id}
}
