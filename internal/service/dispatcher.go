package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taiga-bridge/internal/config"
	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/repository"
	"taiga-bridge/internal/session"
	"taiga-bridge/internal/taiga"
)

const auditTimeout = 2 * time.Second

// Verb es la accion que una operacion ejecuta sobre su tipo de recurso.
type Verb string

const (
	VerbList       Verb = "list"
	VerbGet        Verb = "get"
	VerbCreate     Verb = "create"
	VerbUpdate     Verb = "update"
	VerbDelete     Verb = "delete"
	VerbAssign     Verb = "assign"
	VerbUnassign   Verb = "unassign"
	VerbLink       Verb = "link"
	VerbInvite     Verb = "invite"
	VerbAttributes Verb = "attributes"
	VerbSession    Verb = "session"
)

// Operation es una entrada del catalogo expuesto por el protocolo.
type Operation struct {
	Name        string
	Description string
	Resource    domain.ResourceType
	Verb        Verb
	Params      []Param
	// Mutating marca las operaciones que se registran en la auditoria.
	Mutating bool
	// Shaped indica que acepta verbosity y su resultado se proyecta.
	Shaped bool
	// Sessionless no resuelve sesion antes de ejecutar; declara su propio session_id si lo usa.
	Sessionless bool

	run func(ctx context.Context, c *call) (any, error)
}

// call es el estado de una invocacion en curso.
type call struct {
	op        *Operation
	args      Args
	session   session.Session
	client    *taiga.Client
	verbosity domain.Verbosity
	// resourceID alimenta la auditoria.
	resourceID int64
}

// Dispatcher traduce operaciones del protocolo a llamadas del cliente de Taiga.
type Dispatcher struct {
	resolver *session.Resolver
	vault    *config.Vault
	audit    repository.AuditRepository
	logger   *zap.Logger
	ops      map[string]*Operation
	now      func() time.Time
}

func NewDispatcher(resolver *session.Resolver, vault *config.Vault, audit repository.AuditRepository, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		resolver: resolver,
		vault:    vault,
		audit:    audit,
		logger:   logger,
		ops:      make(map[string]*Operation),
		now:      time.Now,
	}
	for _, op := range d.catalog() {
		op.Params = withCommonParams(op)
		d.ops[op.Name] = &op
	}
	return d
}

var sessionParam = Param{
	Name:        "session_id",
	Kind:        ParamString,
	Description: "Session id returned by login. Omit (or pass \"default\") to use the default session.",
}

func withCommonParams(op Operation) []Param {
	params := append([]Param(nil), op.Params...)
	if !op.Sessionless {
		params = append(params, sessionParam)
	}
	if op.Shaped {
		params = append(params, Param{
			Name:        "verbosity",
			Kind:        ParamString,
			Description: "Response detail: minimal, standard (default) or full.",
			Enum:        []string{string(domain.VerbosityMinimal), string(domain.VerbosityStandard), string(domain.VerbosityFull)},
		})
	}
	return params
}

// Operations devuelve el catalogo ordenado por nombre.
func (d *Dispatcher) Operations() []Operation {
	out := make([]Operation, 0, len(d.ops))
	for _, op := range d.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch valida, resuelve la sesion, ejecuta y proyecta. Los errores devueltos son
// siempre *domain.Error con el mensaje ya redactado.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, raw map[string]any) (any, error) {
	start := d.now()
	secrets := loginSecrets(name, raw)

	op, ok := d.ops[name]
	if !ok {
		return nil, d.sanitize(domain.NewError(domain.KindValidation, "unknown operation %q", name), secrets)
	}

	c, err := d.prepare(ctx, op, raw)
	if err != nil {
		d.logFailure(op, "", err, secrets)
		return nil, d.sanitize(err, secrets)
	}

	result, err := op.run(ctx, c)
	if op.Mutating {
		d.record(ctx, c, err)
	}
	if err != nil {
		d.logFailure(op, c.session.ID, err, secrets)
		return nil, d.sanitize(err, secrets)
	}
	if op.Shaped {
		result = Shape(op.Resource, c.verbosity, result)
	}

	d.logger.Debug("operation completed",
		zap.String("operation", op.Name),
		zap.String("session", session.Fingerprint(c.session.ID)),
		zap.Duration("elapsed", d.now().Sub(start)),
	)
	return result, nil
}

func (d *Dispatcher) prepare(ctx context.Context, op *Operation, raw map[string]any) (*call, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	args, err := validateArgs(op.Name, op.Params, raw)
	if err != nil {
		return nil, err
	}
	c := &call{op: op, args: args, verbosity: domain.VerbosityStandard}
	if op.Shaped {
		if c.verbosity, err = domain.ParseVerbosity(args.String("verbosity")); err != nil {
			return nil, err
		}
	}
	if op.Sessionless {
		return c, nil
	}
	sess, err := d.resolver.Resolve(ctx, args.String("session_id"))
	if err != nil {
		return nil, err
	}
	c.session = sess
	c.client = sess.Client
	return c, nil
}

// record escribe la auditoria; un fallo se registra en el log y no afecta a la llamada.
func (d *Dispatcher) record(ctx context.Context, c *call, opErr error) {
	if d.audit == nil {
		return
	}
	entry := domain.AuditEntry{
		ID:           uuid.NewString(),
		Operation:    c.op.Name,
		ResourceType: c.op.Resource,
		ResourceID:   c.resourceID,
		Session:      session.Fingerprint(c.session.ID),
		Outcome:      domain.AuditOutcomeOK,
		CreatedAt:    d.now().UTC(),
	}
	if opErr != nil {
		entry.Outcome = domain.AuditOutcomeError
		entry.ErrorKind = domain.KindOf(opErr)
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := d.audit.Record(auditCtx, entry); err != nil {
		d.logger.Error("audit record failed", zap.String("operation", c.op.Name), zap.Error(err))
	}
}

// RecentAudit devuelve las ultimas entradas de auditoria, la mas nueva primero.
func (d *Dispatcher) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if d.audit == nil {
		return nil, nil
	}
	entries, err := d.audit.ListRecent(ctx, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read audit log")
	}
	return entries, nil
}

func (d *Dispatcher) logFailure(op *Operation, sessionID string, err error, secrets []string) {
	d.logger.Warn("operation failed",
		zap.String("operation", op.Name),
		zap.String("session", session.Fingerprint(sessionID)),
		zap.String("error_type", string(domain.KindOf(err))),
		zap.String("error", d.redact(err.Error(), secrets)),
	)
}

// sanitize convierte cualquier error en un *domain.Error sin causa interna y con el mensaje redactado.
func (d *Dispatcher) sanitize(err error, secrets []string) *domain.Error {
	out := &domain.Error{Kind: domain.KindInternal}
	var typed *domain.Error
	if errors.As(err, &typed) {
		out.Kind = typed.Kind
		out.Status = typed.Status
		out.Conflict = typed.Conflict
		msg := typed.Message
		if msg == "" {
			msg = string(typed.Kind)
		}
		if typed.Err != nil {
			msg += ": " + typed.Err.Error()
		}
		out.Message = d.redact(msg, secrets)
		return out
	}
	out.Message = d.redact("internal error: "+err.Error(), secrets)
	return out
}

func (d *Dispatcher) redact(msg string, secrets []string) string {
	msg = d.vault.Redact(msg)
	return config.RedactValues(msg, secrets...)
}

// loginSecrets devuelve las credenciales explicitas de un login para redactarlas.
func loginSecrets(name string, raw map[string]any) []string {
	if name != "login" {
		return nil
	}
	var out []string
	for _, k := range []string{"username", "password"} {
		if s, ok := raw[k].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ErrorObject es el error estandar que cruza la frontera del protocolo.
type ErrorObject struct {
	Status         string           `json:"status"`
	ErrorType      domain.ErrorKind `json:"error_type"`
	Message        string           `json:"message"`
	UpstreamStatus int              `json:"upstream_status,omitempty"`
	Conflict       bool             `json:"conflict,omitempty"`
}

// NewErrorObject construye el error estandar; err debe venir de Dispatch.
func NewErrorObject(err error) ErrorObject {
	obj := ErrorObject{Status: "error", ErrorType: domain.KindInternal, Message: "internal error"}
	var typed *domain.Error
	if errors.As(err, &typed) {
		obj.ErrorType = typed.Kind
		obj.Message = typed.Message
		obj.UpstreamStatus = typed.Status
		obj.Conflict = typed.Conflict
	}
	return obj
}
