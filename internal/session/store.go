package session

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/taiga"
)

const shardCount = 32

// Session liga un id opaco a un cliente autenticado del upstream.
// El token vive dentro de Client y nunca sale del store.
type Session struct {
	ID         string
	Client     *taiga.Client
	Username   string
	Host       string
	Default    bool
	CreatedAt  time.Time
	LastAccess time.Time
	Expiry     time.Duration
}

// Info es la vista serializable de la sesion.
func (s Session) Info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:         s.ID,
		Username:   s.Username,
		Host:       s.Host,
		Default:    s.Default,
		CreatedAt:  s.CreatedAt,
		LastAccess: s.LastAccess,
		ExpiresAt:  s.LastAccess.Add(s.Expiry),
	}
}

func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.LastAccess) > s.Expiry
}

// Meta son los datos descriptivos que acompanan a un cliente al crear la sesion.
type Meta struct {
	Username string
	Host     string
	Default  bool
}

type shard struct {
	mu    sync.Mutex
	items map[string]*Session
}

// Store guarda las sesiones en shards independientes; cada lock cubre solo la mutacion del mapa.
type Store struct {
	shards [shardCount]shard
	expiry time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option ajusta el Store.
type Option func(*Store)

// WithClock reemplaza time.Now, para tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore crea un store con expiracion deslizante expiry.
func NewStore(expiry time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if expiry <= 0 {
		expiry = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{expiry: expiry, now: time.Now, logger: logger}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return &s.shards[xxhash.Sum64String(id)%shardCount]
}

// Create genera un id UUIDv4 y registra la sesion.
func (s *Store) Create(client *taiga.Client, meta Meta) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", domain.WrapError(domain.KindInternal, err, "generate session id")
	}
	id := u.String()
	now := s.now()
	sess := &Session{
		ID:         id,
		Client:     client,
		Username:   meta.Username,
		Host:       meta.Host,
		Default:    meta.Default,
		CreatedAt:  now,
		LastAccess: now,
		Expiry:     s.expiry,
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.items[id] = sess
	sh.mu.Unlock()

	s.logger.Info("session created", zap.String("session", Fingerprint(id)), zap.Bool("default", meta.Default))
	return id, nil
}

// Get devuelve la sesion y renueva su ultimo acceso.
func (s *Store) Get(id string) (Session, error) {
	return s.lookup(id, true)
}

// Peek es Get sin renovar el ultimo acceso.
func (s *Store) Peek(id string) (Session, error) {
	return s.lookup(id, false)
}

func (s *Store) lookup(id string, touch bool) (Session, error) {
	if id == "" {
		return Session{}, domain.NewError(domain.KindSessionNotFound, "session id is empty")
	}
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.Lock()
	sess, ok := sh.items[id]
	if !ok {
		sh.mu.Unlock()
		return Session{}, domain.NewError(domain.KindSessionNotFound, "session %s not found, please login again", Fingerprint(id))
	}
	if sess.expired(now) {
		delete(sh.items, id)
		sh.mu.Unlock()
		s.logger.Info("session expired on access", zap.String("session", Fingerprint(id)))
		return Session{}, domain.NewError(domain.KindSessionExpired, "session %s expired, please login again", Fingerprint(id))
	}
	if touch {
		sess.LastAccess = now
	}
	out := *sess
	sh.mu.Unlock()
	return out, nil
}

// Remove es idempotente; informa si la sesion existia.
func (s *Store) Remove(id string) bool {
	if id == "" {
		return false
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.items[id]
	delete(sh.items, id)
	sh.mu.Unlock()
	if ok {
		s.logger.Info("session removed", zap.String("session", Fingerprint(id)))
	}
	return ok
}

// Sweep elimina todas las sesiones vencidas y devuelve cuantas quito.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sess := range sh.items {
			if sess.expired(now) {
				delete(sh.items, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.logger.Info("expired sessions swept", zap.Int("removed", removed))
	}
	return removed
}

// Run barre cada interval hasta que ctx se cancele.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Clear destruye todas las sesiones; se usa al apagar.
func (s *Store) Clear() int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		removed += len(sh.items)
		sh.items = make(map[string]*Session)
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Fingerprint identifica una sesion en logs sin revelar su id.
func Fingerprint(id string) string {
	if id == "" {
		return "none"
	}
	sum := blake2b.Sum256([]byte(id))
	return "sess_" + hex.EncodeToString(sum[:6])
}
