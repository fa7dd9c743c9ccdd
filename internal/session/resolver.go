package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"taiga-bridge/internal/config"
	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/taiga"
)

// DefaultAlias es el id que los clientes pueden usar para referirse a la sesion por defecto.
const DefaultAlias = "default"

// defaultLoginTimeout acota el login compartido de la sesion por defecto.
const defaultLoginTimeout = 2 * time.Minute

// Authenticator hace login contra el upstream.
type Authenticator interface {
	Login(ctx context.Context, hostURL, username, password string) (*taiga.Client, error)
}

// Resolver decide que sesion atiende cada llamada y administra la sesion por defecto.
type Resolver struct {
	store  *Store
	auth   Authenticator
	vault  *config.Vault
	logger *zap.Logger

	group     singleflight.Group
	mu        sync.Mutex
	defaultID string
}

func NewResolver(store *Store, auth Authenticator, vault *config.Vault, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, auth: auth, vault: vault, logger: logger}
}

func isDefault(declared string) bool {
	return declared == "" || declared == DefaultAlias
}

// Resolve devuelve la sesion declarada o, si no hay, la sesion por defecto
// (haciendo login con las credenciales configuradas cuando falta o expiro).
func (r *Resolver) Resolve(ctx context.Context, declared string) (Session, error) {
	declared = strings.TrimSpace(declared)
	if !isDefault(declared) {
		return r.store.Get(declared)
	}

	if sess, ok := r.currentDefault(); ok {
		return sess, nil
	}

	creds, ok := r.vault.AutoCredentials()
	if !ok {
		return Session{}, domain.NewError(domain.KindAuthenticationRequired,
			"no session_id provided and no default session available: set TAIGA_USERNAME/TAIGA_PASSWORD or call login")
	}

	// el login compartido no depende del ctx de quien lo inicio: cada caller espera con el suyo
	ch := r.group.DoChan(DefaultAlias, func() (any, error) {
		if sess, ok := r.currentDefault(); ok {
			return sess, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultLoginTimeout)
		defer cancel()
		client, err := r.auth.Login(loginCtx, creds.Host, creds.Username, creds.Password)
		if err != nil {
			return Session{}, err
		}
		id, err := r.store.Create(client, Meta{Username: creds.Username, Host: displayHost(creds.Host), Default: true})
		if err != nil {
			return Session{}, err
		}
		r.mu.Lock()
		r.defaultID = id
		r.mu.Unlock()
		r.logger.Info("default session established", zap.String("session", Fingerprint(id)), zap.Object("credentials", creds))
		return r.store.Get(id)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
	if res.Err != nil {
		r.logger.Warn("auto-authentication failed", zap.String("error", r.vault.Redact(res.Err.Error())))
		return Session{}, res.Err
	}
	if res.Shared {
		r.logger.Debug("default session login shared with concurrent caller")
	}
	return res.Val.(Session), nil
}

// currentDefault devuelve la sesion por defecto si sigue siendo valida y la olvida si no.
func (r *Resolver) currentDefault() (Session, bool) {
	r.mu.Lock()
	id := r.defaultID
	r.mu.Unlock()
	if id == "" {
		return Session{}, false
	}
	sess, err := r.store.Get(id)
	if err == nil {
		return sess, true
	}
	if errors.Is(err, domain.ErrSessionExpired) || errors.Is(err, domain.ErrSessionNotFound) {
		r.mu.Lock()
		if r.defaultID == id {
			r.defaultID = ""
		}
		r.mu.Unlock()
	}
	return Session{}, false
}

// Login crea una sesion explicita; los parametros vacios toman los valores configurados.
func (r *Resolver) Login(ctx context.Context, username, password, host string) (Session, error) {
	creds, _ := r.vault.AutoCredentials()
	if host = strings.TrimSpace(host); host == "" {
		host = r.vault.Host()
	}
	if username = strings.TrimSpace(username); username == "" {
		username = creds.Username
	}
	if password == "" {
		password = creds.Password
	}
	if host == "" {
		return Session{}, domain.NewError(domain.KindValidation, "host URL required: set TAIGA_API_URL or provide host")
	}
	if username == "" || password == "" {
		return Session{}, domain.NewError(domain.KindValidation, "credentials required: set TAIGA_USERNAME/TAIGA_PASSWORD or provide username and password")
	}

	client, err := r.auth.Login(ctx, host, username, password)
	if err != nil {
		return Session{}, err
	}
	id, err := r.store.Create(client, Meta{Username: username, Host: displayHost(host)})
	if err != nil {
		return Session{}, err
	}
	return r.store.Peek(id)
}

// Lookup resuelve el id declarado (o el alias por defecto) sin renovar ni autenticar.
func (r *Resolver) Lookup(declared string) (string, Session, error) {
	id, err := r.actualID(declared)
	if err != nil {
		return "", Session{}, err
	}
	sess, err := r.store.Peek(id)
	return id, sess, err
}

// Logout destruye la sesion declarada; informa si existia.
func (r *Resolver) Logout(_ context.Context, declared string) (string, bool, error) {
	id, err := r.actualID(declared)
	if err != nil {
		return "", false, err
	}
	removed := r.store.Remove(id)
	r.mu.Lock()
	if r.defaultID == id {
		r.defaultID = ""
	}
	r.mu.Unlock()
	return id, removed, nil
}

// Forget elimina una sesion cuyo token el upstream ya no acepta.
func (r *Resolver) Forget(id string) {
	r.store.Remove(id)
	r.mu.Lock()
	if r.defaultID == id {
		r.defaultID = ""
	}
	r.mu.Unlock()
}

func (r *Resolver) actualID(declared string) (string, error) {
	declared = strings.TrimSpace(declared)
	if !isDefault(declared) {
		return declared, nil
	}
	r.mu.Lock()
	id := r.defaultID
	r.mu.Unlock()
	if id == "" {
		return "", domain.NewError(domain.KindAuthenticationRequired,
			"no session_id provided and no default session available: set TAIGA_USERNAME/TAIGA_PASSWORD or call login")
	}
	return id, nil
}

func displayHost(host string) string {
	if base, err := taiga.NormalizeBaseURL(host); err == nil {
		return base
	}
	return host
}

// DefaultSessionID devuelve el id de la sesion por defecto si esta vigente.
func (r *Resolver) DefaultSessionID() (string, bool) {
	r.mu.Lock()
	id := r.defaultID
	r.mu.Unlock()
	if id == "" {
		return "", false
	}
	if _, err := r.store.Peek(id); err != nil {
		return "", false
	}
	return id, true
}

// Bootstrap intenta la auto-autenticacion al arrancar; el fallo se registra y no es fatal.
func (r *Resolver) Bootstrap(ctx context.Context) {
	if _, ok := r.vault.AutoCredentials(); !ok {
		r.logger.Info("auto-authentication disabled: TAIGA_USERNAME/TAIGA_PASSWORD not set")
		return
	}
	if _, err := r.Resolve(ctx, ""); err != nil {
		r.logger.Warn("startup auto-authentication failed, will retry on first call",
			zap.String("error_type", string(domain.KindOf(err))))
	}
}
