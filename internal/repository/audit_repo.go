package repository

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taiga-bridge/internal/domain"
)

// AuditRepository persiste el registro de operaciones mutantes.
type AuditRepository interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

const auditSchema = `
	CREATE TABLE IF NOT EXISTS bridge_audit (
		id            UUID PRIMARY KEY,
		operation     TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   BIGINT,
		session       TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		error_kind    TEXT,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS bridge_audit_created_at_idx ON bridge_audit (created_at DESC);
`

type PgAuditRepository struct {
	pool *pgxpool.Pool
}

func NewPgAuditRepository(pool *pgxpool.Pool) *PgAuditRepository {
	return &PgAuditRepository{pool: pool}
}

// EnsureSchema crea la tabla de auditoria si no existe.
func (r *PgAuditRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, auditSchema)
	return err
}

func (r *PgAuditRepository) Record(ctx context.Context, entry domain.AuditEntry) error {
	const query = `
		INSERT INTO bridge_audit (id, operation, resource_type, resource_id, session, outcome, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var resourceID *int64
	if entry.ResourceID != 0 {
		resourceID = &entry.ResourceID
	}
	var errorKind *string
	if entry.ErrorKind != "" {
		k := string(entry.ErrorKind)
		errorKind = &k
	}
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.Operation,
		string(entry.ResourceType),
		resourceID,
		entry.Session,
		entry.Outcome,
		errorKind,
		entry.CreatedAt,
	)
	return err
}

func (r *PgAuditRepository) ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, operation, resource_type, resource_id, session, outcome, error_kind, created_at
		FROM bridge_audit
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e            domain.AuditEntry
			resourceType string
			resourceID   *int64
			errorKind    *string
		)
		if err := rows.Scan(&e.ID, &e.Operation, &resourceType, &resourceID, &e.Session, &e.Outcome, &errorKind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResourceType = domain.ResourceType(resourceType)
		if resourceID != nil {
			e.ResourceID = *resourceID
		}
		if errorKind != nil {
			e.ErrorKind = domain.ErrorKind(*errorKind)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryAuditRepository guarda las entradas en memoria; se usa sin DATABASE_URL.
type MemoryAuditRepository struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	max     int
}

func NewMemoryAuditRepository(max int) *MemoryAuditRepository {
	if max <= 0 {
		max = 1000
	}
	return &MemoryAuditRepository{max: max}
}

func (r *MemoryAuditRepository) Record(_ context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	return nil
}

func (r *MemoryAuditRepository) ListRecent(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]domain.AuditEntry, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}
