// Package ops is the operation surface: a single table of named operations
// dispatched through a fixed middleware pipeline. The pipeline recovers
// panics, validates arguments against the operation's schema, binds the
// caller's identity, enforces per-(agent, class) rate limits and the per-op
// timeout, and folds every outcome into the {ok, result | error} envelope.
// Handlers hold the domain wiring; nothing in here knows about transport.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/config"
	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/observe"
	"github.com/CIRWEL/unitares/pkg/recovery"
	"github.com/CIRWEL/unitares/pkg/registry"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Rate-limit classes. Every budgeted operation belongs to exactly one; an
// empty class skips the middleware check (consolidated operations budget
// their write actions inside the handler instead).
const (
	ClassUpdates   = "updates"
	ClassKnowledge = "knowledge"
	ClassDialectic = "dialectic"
	ClassAdmin     = "admin"
)

// Per-operation deadline defaults. Integration work gets the long budget,
// everything else the default.
const (
	DefaultTimeout = 30 * time.Second
	UpdateTimeout  = 60 * time.Second
)

// Param describes one argument of an operation for schema validation and
// the describe_operation output.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Call is what a handler receives: validated arguments, the bound identity
// (nil for unauthenticated operations) and whether the operator token was
// presented.
type Call struct {
	Args  Args
	Agent *models.Identity
	Admin bool
	// Fingerprint is the transport-derived identity hint, consumed by onboard.
	Fingerprint string
	// apiKey is the raw key the caller presented, kept for proof-of-possession
	// checks (rotate_key). Never placed in Args or results.
	apiKey string
}

// AgentUUID is the bound identity's uuid, or "" when none is bound.
func (c *Call) AgentUUID() string {
	if c.Agent == nil {
		return ""
	}
	return c.Agent.UUID
}

// TargetUUID resolves which agent a call addresses: the agent_uuid argument
// when present, otherwise the bound identity. Write handlers see the
// argument already rewritten to the bound identity by the pipeline.
func (c *Call) TargetUUID() (string, error) {
	target, err := c.Args.OptString("agent_uuid")
	if err != nil {
		return "", err
	}
	if target != "" {
		return target, nil
	}
	if c.Agent != nil {
		return c.Agent.UUID, nil
	}
	return "", missing("agent_uuid")
}

// RequireAgent returns the bound identity, or AUTHENTICATION_REQUIRED when
// the pipeline admitted the call on the operator token alone. Actions that
// act as the caller need a real author.
func (c *Call) RequireAgent() (*models.Identity, error) {
	if c.Agent == nil {
		return nil, models.NewError(models.ErrCodeAuthRequired,
			"this action acts as the caller and needs an onboarded identity").
			WithRecovery("onboard")
	}
	return c.Agent, nil
}

// WriteTarget resolves the agent a consolidated write action lands on: the
// bound identity, or the explicit agent_uuid argument when the operator
// token was presented.
func (c *Call) WriteTarget(op string) (string, error) {
	supplied, err := c.Args.OptString("agent_uuid")
	if err != nil {
		return "", err
	}
	if c.Admin && supplied != "" {
		return supplied, nil
	}
	if c.Agent == nil {
		return "", missing("agent_uuid")
	}
	if supplied != "" && supplied != c.Agent.UUID {
		slog.Debug("Write target rewritten to bound identity",
			"op", op,
			"supplied", supplied,
			"bound", c.Agent.UUID)
	}
	return c.Agent.UUID, nil
}

// Actor is the audit actor for this call: the bound identity, or the
// literal "operator" for token-only calls.
func (c *Call) Actor() string {
	if c.Agent != nil {
		return c.Agent.UUID
	}
	if c.Admin {
		return "operator"
	}
	return ""
}

// HandlerFunc executes one operation.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Operation is one row of the dispatch table.
type Operation struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Class       string        `json:"class,omitempty"`
	Timeout     time.Duration `json:"-"`
	// Write marks operations that mutate agent-owned data; the pipeline
	// pins their agent_uuid argument to the bound identity.
	Write bool `json:"write,omitempty"`
	// Auth marks operations that need a bound identity.
	Auth bool `json:"auth,omitempty"`
	// Admin marks operations gated on the operator token.
	Admin   bool        `json:"admin,omitempty"`
	Params  []Param     `json:"params,omitempty"`
	Handler HandlerFunc `json:"-"`
}

// Request is one transport-agnostic invocation. Credentials ride outside
// Args so handlers never see raw keys.
type Request struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`

	SessionKey  string `json:"-"`
	APIKey      string `json:"-"`
	AgentUUID   string `json:"-"`
	AdminToken  string `json:"-"`
	Fingerprint string `json:"-"`
}

// Response is the uniform envelope every dispatch returns.
type Response struct {
	OK        bool             `json:"ok"`
	Result    any              `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode models.ErrorCode `json:"error_code,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	Recovery  []string         `json:"recovery,omitempty"`
}

// Deps are the domain services the handlers dispatch into.
type Deps struct {
	Store     store.Store
	Cache     *cache.Cache
	Locks     locks.Locker
	Registry  *registry.Resolver
	Engine    *dynamics.Engine
	Dialectic *dialectic.Machine
	Notes     *notes.Service
	Observer  *observe.Service
	Tracker   *recovery.Tracker
	Audit     *audit.Recorder
	Metrics   *metrics.Metrics
}

// Config tunes the pipeline.
type Config struct {
	// AdminToken gates operator operations. Empty disables them entirely.
	AdminToken string
	// RateLimits supplies the per-class budgets and the shared window.
	RateLimits config.RateLimitConfig
	// KnowledgeRetention is the default retention for manual note cleanup.
	KnowledgeRetention time.Duration
}

// Dispatcher owns the operation table and runs the pipeline.
type Dispatcher struct {
	deps  Deps
	cfg   Config
	table map[string]*Operation
	names []string
}

// aliases maps legacy operation names onto their canonical rows. The alias
// is accepted on the wire; validation, budgets and metrics all use the
// canonical name.
var aliases = map[string]string{
	"request_dialectic_review": "request_review",
	"get_state":                "get_metrics",
	"health":                   "health_check",
}

func New(deps Deps, cfg Config) *Dispatcher {
	d := &Dispatcher{deps: deps, cfg: cfg}
	d.table = d.operations()
	d.names = make([]string, 0, len(d.table))
	for name := range d.table {
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

// Dispatch runs one request through the pipeline. It never returns an
// error; every failure is folded into the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	started := time.Now()

	name := req.Op
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	op, ok := d.table[name]
	if !ok {
		return failure(models.NewError(models.ErrCodeResourceNotFound,
			"unknown operation %q", req.Op).
			WithRecovery("list_operations"))
	}

	resp := d.run(ctx, op, req)

	if d.deps.Metrics != nil {
		var code string
		if !resp.OK {
			code = string(resp.ErrorCode)
		}
		d.deps.Metrics.RecordOperation(name, code, time.Since(started))
		if resp.ErrorCode == models.ErrCodeContention {
			d.deps.Metrics.RecordLockContention()
		}
	}
	return resp
}

// Operations returns the table rows in name order, for list_operations.
func (d *Dispatcher) Operations() []*Operation {
	out := make([]*Operation, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, d.table[name])
	}
	return out
}

// Lookup resolves a name or alias to its table row.
func (d *Dispatcher) Lookup(name string) (*Operation, bool) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	op, ok := d.table[name]
	return op, ok
}

func (d *Dispatcher) run(ctx context.Context, op *Operation, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Operation panicked",
				"op", op.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			resp = failure(models.NewError(models.ErrCodeInternal,
				"operation %s failed unexpectedly", op.Name))
		}
	}()

	args := Args(req.Args)
	if args == nil {
		args = Args{}
	}
	if err := validateArgs(op, args); err != nil {
		return failure(err)
	}

	call := &Call{Args: args, Fingerprint: req.Fingerprint, apiKey: req.APIKey}

	// The operator token is verified whenever presented so consolidated
	// handlers can widen their own actions; admin-only operations refuse
	// to run without it.
	if req.AdminToken != "" || op.Admin {
		ok, err := d.verifyAdmin(req.AdminToken)
		if err != nil && op.Admin {
			return failure(err)
		}
		call.Admin = ok
	}

	if op.Auth {
		switch {
		case req.SessionKey == "" && req.APIKey == "" && req.AgentUUID == "":
			// A verified operator token substitutes for a bound identity;
			// handlers that need an author still refuse a nil agent.
			if !call.Admin {
				return failure(models.NewError(models.ErrCodeAuthRequired,
					"operation requires a session key or an agent_uuid and api_key pair").
					WithRecovery("onboard"))
			}
		default:
			identity, err := d.bind(ctx, req)
			if err != nil {
				return failure(err)
			}
			call.Agent = identity
		}
	}

	// Write-ownership: a write always lands on the bound identity. A
	// disagreeing agent_uuid argument is rewritten, not rejected; operators
	// keep their explicit target.
	if op.Write && call.Agent != nil && !call.Admin {
		if supplied, ok := args["agent_uuid"].(string); ok && supplied != "" && supplied != call.Agent.UUID {
			slog.Debug("Write target rewritten to bound identity",
				"op", op.Name,
				"supplied", supplied,
				"bound", call.Agent.UUID)
			args["agent_uuid"] = call.Agent.UUID
		}
	}

	if op.Class != "" {
		subject := call.AgentUUID()
		if subject == "" && call.Admin {
			subject = "operator"
		}
		if err := d.allow(ctx, subject, op.Class); err != nil {
			return failure(err)
		}
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := op.Handler(opCtx, call)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && opCtx.Err() != nil {
			return failure(models.NewError(models.ErrCodeTimeout,
				"operation %s exceeded its %s budget", op.Name, timeout).
				WithRecovery("retry with a smaller request"))
		}
		return failure(err)
	}
	return &Response{OK: true, Result: result}
}

// bind maps the request's credentials to exactly one identity. Only the
// session-key and explicit uuid+key paths are accepted here; everything
// else goes through onboard, which owns identity creation and the
// ambiguous-candidate contract.
func (d *Dispatcher) bind(ctx context.Context, req *Request) (*models.Identity, error) {
	res, err := d.deps.Registry.Resolve(ctx, &models.ResolveRequest{
		AgentUUID:  req.AgentUUID,
		APIKey:     req.APIKey,
		SessionKey: req.SessionKey,
	})
	if err != nil {
		return nil, err
	}
	return res.Identity, nil
}

// allow charges one call against the (agent, class) budget. Calls with no
// bound agent (operator operations) are not budgeted.
func (d *Dispatcher) allow(ctx context.Context, agentUUID, class string) error {
	if agentUUID == "" || d.deps.Cache == nil {
		return nil
	}
	limit := d.cfg.RateLimits.Limit(class)
	if limit <= 0 {
		return nil
	}
	window := d.cfg.RateLimits.Window
	if window <= 0 {
		window = time.Hour
	}
	if d.deps.Cache.Allow(ctx, agentUUID, class, limit, window) {
		return nil
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordRateLimited(class)
	}
	return models.NewError(models.ErrCodeRateLimited,
		"%s budget of %d per %s exhausted", class, limit, window).
		WithDetails(map[string]any{"class": class, "limit": limit, "window": window.String()}).
		WithRecovery("wait for the window to roll over")
}

// verifyAdmin checks the presented operator token in constant time. A
// deployment with no token configured has no operator surface at all.
func (d *Dispatcher) verifyAdmin(presented string) (bool, error) {
	if d.cfg.AdminToken == "" {
		return false, models.NewError(models.ErrCodePermissionDenied,
			"operator operations are disabled on this deployment").
			WithRecovery("set ADMIN_TOKEN and restart")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(d.cfg.AdminToken)) != 1 {
		return false, models.NewError(models.ErrCodePermissionDenied,
			"operator token does not match")
	}
	return true, nil
}

// requireAdmin guards handler-level operator actions inside consolidated
// operations.
func requireAdmin(call *Call, action string) error {
	if call.Admin {
		return nil
	}
	return models.NewError(models.ErrCodePermissionDenied,
		"action %q requires the operator token", action)
}

func validateArgs(op *Operation, args Args) error {
	for _, p := range op.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return models.NewError(models.ErrCodeMissingParameter,
					"%s requires parameter %q", op.Name, p.Name).
					WithDetails(map[string]any{"parameter": p.Name, "type": p.Type})
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return wrongType(p.Name, p.Type, v)
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := asFloat(v)
		return ok
	case "integer":
		f, ok := asFloat(v)
		return ok && f == float64(int64(f))
	case "array":
		switch v.(type) {
		case []any, []float64, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func failure(err error) *Response {
	e := models.AsError(err)
	return &Response{
		OK:        false,
		Error:     e.Message,
		ErrorCode: e.Code,
		Details:   e.Details,
		Recovery:  e.Recovery,
	}
}
