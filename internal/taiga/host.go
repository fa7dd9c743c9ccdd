package taiga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"taiga-bridge/internal/domain"
)

const (
	apiPrefix       = "/api/v1"
	maxResponseBody = 16 << 20
	defaultMaxHosts = 16
)

// HostOptions configura el acceso compartido a un host del upstream.
type HostOptions struct {
	RequestTimeout time.Duration
	MaxConnections int
	MaxIdle        int
	RateLimit      int
	Retry          RetryConfig
	// MaxHosts limita el registro; al llenarse se descarta el host pedido hace mas tiempo.
	MaxHosts int
}

// Host agrupa los recursos compartidos por todas las sesiones que apuntan al mismo
// upstream: pool de conexiones, slots de conexion y limitador.
type Host struct {
	baseURL string
	client  *http.Client
	slots   *semaphore.Weighted
	handler Handler
	logger  *zap.Logger

	// lastUsed es el tick de Hosts del ultimo Get; se protege con Hosts.mu.
	lastUsed uint64
}

// BaseURL devuelve la URL normalizada terminada en /api/v1.
func (h *Host) BaseURL() string { return h.baseURL }

// Do ejecuta req a traves del pipeline de policies del host.
func (h *Host) Do(ctx context.Context, req *Request) (*Response, error) {
	return h.handler(ctx, req)
}

// send es el handler terminal: adquiere un slot, ejecuta el HTTP y lee el cuerpo.
func (h *Host) send(ctx context.Context, req *Request) (*Response, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, classifyTransportError(ctx.Err())
		}
		saturated := domain.WrapError(domain.KindTimeout, err, "connection pool saturated")
		saturated.Final = true
		return nil, saturated
	}
	defer h.slots.Release(1)

	httpReq, err := h.buildRequest(ctx, req)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "build upstream request")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (h *Host) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target := h.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	return httpReq, nil
}

// Hosts es el registro de hosts del upstream, uno por base URL normalizada.
type Hosts struct {
	mu      sync.Mutex
	hosts   map[string]*Host
	tick    uint64
	opts    HostOptions
	limiter RateLimiter
	logger  *zap.Logger
}

// HostsOption ajusta el registro de hosts.
type HostsOption func(*Hosts)

// WithRateLimiter reemplaza el limitador en memoria (por ejemplo por RedisLimiter).
func WithRateLimiter(l RateLimiter) HostsOption {
	return func(h *Hosts) {
		if l != nil {
			h.limiter = l
		}
	}
}

func NewHosts(opts HostOptions, logger *zap.Logger, options ...HostsOption) *Hosts {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.MaxIdle < 0 || opts.MaxIdle > opts.MaxConnections {
		opts.MaxIdle = opts.MaxConnections
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = defaultMaxHosts
	}
	h := &Hosts{
		hosts:   make(map[string]*Host),
		opts:    opts,
		limiter: NewMemoryLimiter(opts.RateLimit),
		logger:  logger,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Get devuelve (creando si hace falta) el Host para rawURL.
func (h *Hosts) Get(rawURL string) (*Host, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if host, ok := h.hosts[base]; ok {
		h.tick++
		host.lastUsed = h.tick
		return host, nil
	}
	if len(h.hosts) >= h.opts.MaxHosts {
		h.evictOldestLocked()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: h.opts.RequestTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxConnsPerHost:       h.opts.MaxConnections,
		MaxIdleConns:          h.opts.MaxIdle,
		MaxIdleConnsPerHost:   h.opts.MaxIdle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: h.opts.RequestTimeout,
	}
	host := &Host{
		baseURL: base,
		client:  &http.Client{Transport: transport},
		slots:   semaphore.NewWeighted(int64(h.opts.MaxConnections)),
		logger:  h.logger.With(zap.String("upstream", base)),
	}
	h.tick++
	host.lastUsed = h.tick
	host.handler = Chain(host.send,
		Retry(h.opts.Retry, host.logger),
		RateLimit(h.limiter, hostKey(base), h.opts.RateLimit),
		Timeout(h.opts.RequestTimeout),
	)
	h.hosts[base] = host
	h.logger.Info("upstream host registered", zap.String("upstream", base))
	return host, nil
}

// evictOldestLocked saca del registro el host pedido hace mas tiempo. Los clientes que
// ya lo tienen siguen funcionando; un login nuevo contra esa URL lo vuelve a registrar.
func (h *Hosts) evictOldestLocked() {
	var oldest *Host
	for _, host := range h.hosts {
		if oldest == nil || host.lastUsed < oldest.lastUsed {
			oldest = host
		}
	}
	if oldest == nil {
		return
	}
	delete(h.hosts, oldest.baseURL)
	oldest.client.CloseIdleConnections()
	if f, ok := h.limiter.(interface{ Forget(string) }); ok && !h.sharesKeyLocked(hostKey(oldest.baseURL)) {
		f.Forget(hostKey(oldest.baseURL))
	}
	h.logger.Info("upstream host evicted", zap.String("upstream", oldest.baseURL), zap.Int("max_hosts", h.opts.MaxHosts))
}

func (h *Hosts) sharesKeyLocked(key string) bool {
	for base := range h.hosts {
		if hostKey(base) == key {
			return true
		}
	}
	return false
}

// Len devuelve cuantos hosts hay registrados.
func (h *Hosts) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hosts)
}

// CloseIdle cierra las conexiones ociosas de todos los hosts.
func (h *Hosts) CloseIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, host := range h.hosts {
		host.client.CloseIdleConnections()
	}
}

// NormalizeBaseURL valida rawURL y garantiza el sufijo /api/v1.
func NormalizeBaseURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", domain.NewError(domain.KindValidation, "taiga host URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", domain.NewError(domain.KindValidation, "invalid taiga host URL %q", rawURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(u.Path, apiPrefix) {
		u.Path += apiPrefix
	}
	return u.String(), nil
}

func hostKey(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	return u.Host
}
