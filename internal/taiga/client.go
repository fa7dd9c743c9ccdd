package taiga

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"taiga-bridge/internal/domain"
)

// User es el usuario autenticado devuelto por auth y users/me.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type authResponse struct {
	User
	AuthToken string `json:"auth_token"`
	Refresh   string `json:"refresh"`
}

// Connector autentica contra cualquier host registrado en Hosts.
type Connector struct {
	hosts  *Hosts
	logger *zap.Logger
}

func NewConnector(hosts *Hosts, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{hosts: hosts, logger: logger}
}

// Login hace POST auth y devuelve un Client ligado al host.
func (c *Connector) Login(ctx context.Context, hostURL, username, password string) (*Client, error) {
	host, err := c.hosts.Get(hostURL)
	if err != nil {
		return nil, err
	}

	req := NewRequest(http.MethodPost, "auth")
	req.Idempotent = true
	req.Body = map[string]string{"type": "normal", "username": username, "password": password}

	resp, err := host.Do(ctx, req)
	if err != nil {
		var e *domain.Error
		if errors.As(err, &e) && e.Kind == domain.KindUpstreamRejected &&
			(e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized) {
			return nil, domain.NewError(domain.KindAuthentication, "login rejected by %s: invalid username or password", host.BaseURL())
		}
		return nil, err
	}

	var auth authResponse
	if err := json.Unmarshal(resp.Body, &auth); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "decode auth response")
	}
	if auth.AuthToken == "" {
		return nil, domain.NewError(domain.KindAuthentication, "login response from %s carried no token", host.BaseURL())
	}

	client := &Client{
		host:   host,
		logger: c.logger,
		now:    time.Now,
		user:   auth.User,
	}
	client.setTokens(auth.AuthToken, auth.Refresh)
	c.logger.Info("taiga login ok", zap.String("upstream", host.BaseURL()), zap.Int64("user_id", auth.ID))
	return client, nil
}

// Client es una sesion autenticada contra un host de Taiga. Solo cambia al refrescar el token.
type Client struct {
	host   *Host
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	refresh   string
	expiresAt time.Time
	user      User

	refreshMu sync.Mutex
}

// BaseURL devuelve el host al que esta ligado el cliente.
func (c *Client) BaseURL() string { return c.host.BaseURL() }

// User devuelve el usuario con el que se hizo login.
func (c *Client) User() User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) setTokens(token, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if refresh != "" {
		c.refresh = refresh
	}
	c.expiresAt, _ = tokenExpiry(token)
}

func (c *Client) tokens() (token, refresh string, expiresAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.refresh, c.expiresAt
}

// Request es la llamada generica; query y body son opcionales, out puede ser nil.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req := NewRequest(method, path)
	req.Query = query
	req.Body = body
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req *Request, out any) error {
	token, refresh, expiresAt := c.tokens()
	if refresh != "" && !expiresAt.IsZero() && c.now().Add(refreshSkew).After(expiresAt) {
		if err := c.refreshToken(ctx, token); err != nil {
			c.logger.Warn("proactive token refresh failed", zap.Error(err))
		} else {
			token, _, _ = c.tokens()
		}
	}

	req.Token = token
	resp, err := c.host.Do(ctx, req)
	if err != nil && isUnauthorized(err) && refresh != "" {
		if rerr := c.refreshToken(ctx, token); rerr != nil {
			c.logger.Warn("token refresh after 401 failed", zap.Error(rerr))
			return err
		}
		replay := *req
		replay.Token, _, _ = c.tokens()
		resp, err = c.host.Do(ctx, &replay)
	}
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return domain.WrapError(domain.KindInternal, err, "decode %s %s response", req.Method, req.Path)
	}
	return nil
}

// refreshToken cambia el token via auth/refresh salvo que otra llamada ya lo haya hecho.
func (c *Client) refreshToken(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, refresh, _ := c.tokens()
	if current != stale {
		return nil
	}
	if refresh == "" {
		return domain.NewError(domain.KindAuthentication, "session has no refresh token")
	}

	req := NewRequest(http.MethodPost, "auth/refresh")
	req.Idempotent = true
	req.Body = map[string]string{"refresh": refresh}
	resp, err := c.host.Do(ctx, req)
	if err != nil {
		return err
	}
	var auth authResponse
	if err := json.Unmarshal(resp.Body, &auth); err != nil {
		return domain.WrapError(domain.KindInternal, err, "decode refresh response")
	}
	if auth.AuthToken == "" {
		return domain.NewError(domain.KindAuthentication, "refresh response carried no token")
	}
	c.setTokens(auth.AuthToken, auth.Refresh)
	c.logger.Debug("taiga token refreshed", zap.String("upstream", c.host.BaseURL()))
	return nil
}

// Me devuelve el usuario dueno del token actual.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	if err := c.Request(ctx, http.MethodGet, "users/me", nil, nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}
