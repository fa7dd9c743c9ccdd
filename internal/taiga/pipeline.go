package taiga

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"taiga-bridge/internal/domain"
)

// Request es una llamada al upstream, relativa a la base /api/v1.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
	Token  string
	// Idempotent habilita el reintento aunque RetryNonIdempotent sea false.
	Idempotent bool
}

// NewRequest marca como idempotentes GET, HEAD, PUT y DELETE.
func NewRequest(method, path string) *Request {
	idempotent := false
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		idempotent = true
	}
	return &Request{Method: method, Path: path, Idempotent: idempotent}
}

// Response es la respuesta del upstream con el cuerpo ya leido.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Handler ejecuta una Request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Policy envuelve un Handler con un comportamiento transversal.
type Policy func(next Handler) Handler

// Chain compone las policies alrededor de terminal; la primera es la mas externa.
func Chain(terminal Handler, policies ...Policy) Handler {
	h := terminal
	for i := len(policies) - 1; i >= 0; i-- {
		h = policies[i](h)
	}
	return h
}

// RetryConfig configura el reintento con backoff exponencial.
type RetryConfig struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	RetryNonIdempotent bool
}

// Retry reintenta fallos transitorios (conexion, timeout, 5xx, 429) con backoff y jitter.
func Retry(cfg RetryConfig, logger *zap.Logger) Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 20 * cfg.InitialInterval
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if cfg.MaxAttempts <= 1 || (!req.Idempotent && !cfg.RetryNonIdempotent) {
				return next(ctx, req)
			}

			expBackoff := backoff.NewExponentialBackOff()
			expBackoff.InitialInterval = cfg.InitialInterval
			expBackoff.MaxInterval = cfg.MaxInterval
			expBackoff.Reset()

			attempt := 0
			operation := func() (*Response, error) {
				attempt++
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				if domain.IsTransient(err) {
					logger.Debug("upstream attempt failed",
						zap.String("method", req.Method),
						zap.String("path", req.Path),
						zap.Int("attempt", attempt),
						zap.Error(err),
					)
					return nil, err
				}
				return nil, backoff.Permanent(err)
			}

			resp, err := backoff.Retry(ctx, operation,
				backoff.WithBackOff(expBackoff),
				backoff.WithMaxTries(uint(cfg.MaxAttempts)), // #nosec G115 -- validated positive
				backoff.WithNotify(func(_ error, d time.Duration) {
					logger.Debug("retrying upstream request", zap.String("path", req.Path), zap.Duration("backoff", d))
				}),
			)
			if err != nil {
				var perm *backoff.PermanentError
				if errors.As(err, &perm) {
					err = perm.Unwrap()
				}
				var typed *domain.Error
				if !errors.As(err, &typed) {
					err = classifyTransportError(err)
				}
				return nil, err
			}
			return resp, nil
		}
	}
}

// RateLimit falla rapido con RateLimited cuando el limitador rechaza la llamada.
func RateLimit(limiter RateLimiter, key string, perMinute int) Policy {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if limiter != nil && !limiter.Allow(ctx, key) {
				return nil, domain.NewError(domain.KindRateLimited,
					"rate limit of %d requests per minute exceeded for %s", perMinute, key)
			}
			return next(ctx, req)
		}
	}
}

// Timeout acota cada intento.
func Timeout(d time.Duration) Policy {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
