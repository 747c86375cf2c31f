// Package dispatch resolves connector deployments into sessions and runs
// tool invocations through rate limiting, policy, execution and evidence.
package dispatch

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bturcanu/toolmesh/pkg/config"
	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/policy"
	"github.com/bturcanu/toolmesh/pkg/tool"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownDeployment is also returned for deployments owned by another
	// tenant.
	ErrUnknownDeployment = errors.New("dispatch: unknown deployment")
	ErrUnknownTool       = errors.New("dispatch: tool not offered for this target")
	ErrRateLimited       = errors.New("dispatch: rate limit exceeded")
	// ErrEvidence means a tool ran but its record could not be persisted.
	ErrEvidence = errors.New("dispatch: evidence recording failed")
)

// Recorder persists invocation records; *evidence.Logger implements it.
type Recorder interface {
	Record(ctx context.Context, rec *types.InvocationRecord) error
	CheckIdempotency(ctx context.Context, tenantID, key string) (*types.InvokeResponse, error)
}

// DictionaryStore persists merged dictionary paths; *dictionary.Store
// implements it.
type DictionaryStore interface {
	Load(ctx context.Context, deploymentID string, prefix []string) ([]dictionary.Path, error)
	Replace(ctx context.Context, deploymentID string, prefix []string, paths []dictionary.Path) error
	SetDescription(ctx context.Context, deploymentID string, segments []string, description string) error
}

type Dispatcher struct {
	registry        *connectors.Registry
	deployments     map[string]config.Deployment
	encryptionKey   string
	policy          policy.Evaluator
	evidence        Recorder
	dictionary      DictionaryStore
	limiter         *tenantLimiter
	validateTargets bool
	checkParallel   int
	log             *slog.Logger
	tel             *telemetry
	now             func() time.Time
}

type Option func(*Dispatcher)

// WithEncryptionKey sets the key deployment secrets are decrypted with.
func WithEncryptionKey(key string) Option {
	return func(d *Dispatcher) { d.encryptionKey = key }
}

func WithPolicy(p policy.Evaluator) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithEvidence(r Recorder) Option {
	return func(d *Dispatcher) { d.evidence = r }
}

func WithDictionaryStore(s DictionaryStore) Option {
	return func(d *Dispatcher) { d.dictionary = s }
}

// WithRateLimit sets the per-tenant invocation rate; 0 disables it.
func WithRateLimit(perSecond int) Option {
	return func(d *Dispatcher) { d.limiter.perSecond = perSecond }
}

// WithTargetValidation controls whether targets are checked against the
// connector's live options before tools are built. On by default.
func WithTargetValidation(on bool) Option {
	return func(d *Dispatcher) { d.validateTargets = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New builds a Dispatcher over deployments. Every deployment must name a
// registered connector. Without WithPolicy every invocation is denied.
func New(reg *connectors.Registry, deployments []config.Deployment, opts ...Option) (*Dispatcher, error) {
	limiter, err := newTenantLimiter(100)
	if err != nil {
		return nil, fmt.Errorf("dispatch.New limiter: %w", err)
	}
	tel, err := newTelemetry()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		registry:        reg,
		deployments:     make(map[string]config.Deployment, len(deployments)),
		policy:          policy.Static{Decision: types.DecisionDeny, Reason: "no policy configured"},
		evidence:        discard{},
		limiter:         limiter,
		validateTargets: true,
		checkParallel:   8,
		log:             slog.Default(),
		tel:             tel,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}

	var errs []error
	for _, dep := range deployments {
		if _, err := reg.Get(dep.Connector); err != nil {
			errs = append(errs, fmt.Errorf("deployment %s: %w", dep.ID, err))
			continue
		}
		if _, dup := d.deployments[dep.ID]; dup {
			errs = append(errs, fmt.Errorf("deployment %s: duplicate id", dep.ID))
			continue
		}
		d.deployments[dep.ID] = dep
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dispatch.New: %w", err)
	}
	return d, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Deployments and sessions
// ──────────────────────────────────────────────────────────────────────────────

// Deployments lists the tenant's deployments sorted by id.
func (d *Dispatcher) Deployments(tenantID string) []types.DeploymentInfo {
	var out []types.DeploymentInfo
	for _, dep := range d.deployments {
		if dep.Tenant == tenantID {
			out = append(out, types.DeploymentInfo{ID: dep.ID, TenantID: dep.Tenant, Connector: dep.Connector})
		}
	}
	slices.SortFunc(out, func(a, b types.DeploymentInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (d *Dispatcher) deployment(tenantID, deploymentID string) (config.Deployment, error) {
	dep, ok := d.deployments[deploymentID]
	if !ok || dep.Tenant != tenantID {
		return config.Deployment{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
	}
	return dep, nil
}

// session returns an initialized session for one request. Sessions are not
// reused because the user token may differ between calls.
func (d *Dispatcher) session(ctx context.Context, tenantID, deploymentID, userToken string) (connectors.Session, config.Deployment, error) {
	dep, err := d.deployment(tenantID, deploymentID)
	if err != nil {
		return nil, dep, err
	}
	reg, err := d.registry.Get(dep.Connector)
	if err != nil {
		return nil, dep, err
	}
	sess, err := reg.NewSession(dep.Config, d.log.With("deployment_id", dep.ID))
	if err != nil {
		return nil, dep, err
	}
	if err := sess.Initialize(ctx, d.encryptionKey, userToken); err != nil {
		return nil, dep, fmt.Errorf("dispatch initialize %s: %w", dep.ID, err)
	}
	return sess, dep, nil
}

func (d *Dispatcher) available(ctx context.Context, tenantID, deploymentID, userToken string) (connectors.Session, config.Deployment, error) {
	sess, dep, err := d.session(ctx, tenantID, deploymentID, userToken)
	if err != nil {
		return nil, dep, err
	}
	if !sess.Available() {
		return nil, dep, fmt.Errorf("%w: %s", connectors.ErrUnavailable, dep.ID)
	}
	return sess, dep, nil
}

// tools builds the tools for target, validating it first when enabled.
func (d *Dispatcher) tools(ctx context.Context, sess connectors.Session, target json.RawMessage) ([]*tool.Tool, error) {
	if d.validateTargets && len(target) > 0 && string(target) != "null" {
		opts, err := sess.QueryTargetOptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch target options: %w", err)
		}
		var sel connectors.Selection
		if err := json.Unmarshal(target, &sel); err != nil {
			return nil, &connectors.TargetError{Reason: "target must map dimensions to lists of values"}
		}
		if err := opts.Validate(sel); err != nil {
			return nil, err
		}
	}
	return sess.Tools(ctx, target, nil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Discovery
// ──────────────────────────────────────────────────────────────────────────────

// ListTools returns the declarations of the tools a target unlocks.
func (d *Dispatcher) ListTools(ctx context.Context, tenantID, deploymentID string, req types.ToolsRequest) (*types.ToolsResponse, error) {
	sess, dep, err := d.available(ctx, tenantID, deploymentID, req.UserToken)
	if err != nil {
		return nil, err
	}
	tools, err := d.tools(ctx, sess, req.Target)
	if err != nil {
		return nil, err
	}
	decls := make([]tool.Declaration, len(tools))
	for i, t := range tools {
		decls[i] = t.Declaration()
	}
	return &types.ToolsResponse{DeploymentID: dep.ID, Connector: dep.Connector, Tools: decls}, nil
}

// TargetOptions lists the values each target dimension accepts.
func (d *Dispatcher) TargetOptions(ctx context.Context, tenantID, deploymentID, userToken string) (*connectors.QueryTargetOptions, error) {
	sess, _, err := d.available(ctx, tenantID, deploymentID, userToken)
	if err != nil {
		return nil, err
	}
	return sess.QueryTargetOptions(ctx)
}

// CheckConnection checks the deployment. A deployment without usable
// credentials reports false rather than an error.
func (d *Dispatcher) CheckConnection(ctx context.Context, tenantID, deploymentID, userToken string) (bool, error) {
	sess, _, err := d.session(ctx, tenantID, deploymentID, userToken)
	if err != nil {
		return false, err
	}
	return sess.CheckConnection(ctx), nil
}

// CheckAll checks every deployment of the tenant concurrently.
func (d *Dispatcher) CheckAll(ctx context.Context, tenantID string) (map[string]bool, error) {
	deps := d.Deployments(tenantID)
	var (
		mu  sync.Mutex
		out = make(map[string]bool, len(deps))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.checkParallel)
	for _, dep := range deps {
		g.Go(func() error {
			ok, err := d.CheckConnection(gctx, tenantID, dep.ID, "")
			if err != nil {
				d.log.WarnContext(gctx, "connection check failed", "deployment_id", dep.ID, "error", err)
			}
			mu.Lock()
			out[dep.ID] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeDictionary reconciles the deployment's stored dictionary under prefix
// with what the connector discovers now, and saves the result.
func (d *Dispatcher) MergeDictionary(ctx context.Context, tenantID, deploymentID string, req types.DictionaryRequest) (*types.DictionaryResponse, error) {
	if d.dictionary == nil {
		return nil, fmt.Errorf("%w: no dictionary store configured", connectors.ErrNotSupported)
	}
	sess, dep, err := d.available(ctx, tenantID, deploymentID, req.UserToken)
	if err != nil {
		return nil, err
	}
	existing, err := d.dictionary.Load(ctx, dep.ID, req.PathPrefix)
	if err != nil {
		return nil, err
	}
	merged, err := sess.MergeDataDictionary(ctx, existing, req.PathPrefix)
	if err != nil {
		return nil, err
	}
	if err := d.dictionary.Replace(ctx, dep.ID, req.PathPrefix, merged); err != nil {
		return nil, err
	}
	d.log.InfoContext(ctx, "dictionary merged",
		"deployment_id", dep.ID,
		"prefix", dictionary.Path{Segments: req.PathPrefix}.String(),
		"existing", len(existing),
		"merged", len(merged),
	)
	return &types.DictionaryResponse{DeploymentID: dep.ID, Paths: merged}, nil
}

// DescribePath sets the human description of a merged dictionary path. Later
// merges keep it as long as the path is still discovered.
func (d *Dispatcher) DescribePath(ctx context.Context, tenantID, deploymentID string, req types.DescribePathRequest) error {
	if d.dictionary == nil {
		return fmt.Errorf("%w: no dictionary store configured", connectors.ErrNotSupported)
	}
	dep, err := d.deployment(tenantID, deploymentID)
	if err != nil {
		return err
	}
	return d.dictionary.SetDescription(ctx, dep.ID, req.Segments, req.Description)
}

// ──────────────────────────────────────────────────────────────────────────────
// Invocation
// ──────────────────────────────────────────────────────────────────────────────

// Invoke runs one tool. req must already be normalized. The response is
// non-nil whenever an event was recorded, including when the tool itself
// failed; the tool's error is returned alongside it unchanged. A replay of a
// failed execution returns the recorded response with a *ReplayedFailure.
func (d *Dispatcher) Invoke(ctx context.Context, deploymentID, toolName string, req *types.InvokeRequest) (*types.InvokeResponse, error) {
	if _, err := d.deployment(req.TenantID, deploymentID); err != nil {
		return nil, err
	}
	if !d.limiter.Allow(req.TenantID) {
		return nil, ErrRateLimited
	}

	prior, err := d.evidence.CheckIdempotency(ctx, req.TenantID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("dispatch.Invoke idempotency: %w", err)
	}
	if prior != nil {
		if prior.Status != "" && prior.Status != types.StatusSuccess {
			return prior, &ReplayedFailure{EventID: prior.EventID, Status: prior.Status, Message: prior.Error}
		}
		return prior, nil
	}

	sess, dep, err := d.available(ctx, req.TenantID, deploymentID, req.UserToken)
	if err != nil {
		return nil, err
	}
	tools, err := d.tools(ctx, sess, req.Target)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(tools, func(t *tool.Tool) bool { return t.Name() == toolName })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	t := tools[idx]

	ctx, span := d.tel.tracer.Start(ctx, "dispatch.Invoke", trace.WithAttributes(
		attribute.String("toolmesh.tenant", req.TenantID),
		attribute.String("toolmesh.deployment", dep.ID),
		attribute.String("toolmesh.connector", dep.Connector),
		attribute.String("toolmesh.tool", toolName),
	))
	defer span.End()

	rec := &types.InvocationRecord{
		EventID:    uuid.NewString(),
		Request:    req.Payload(dep.ID, dep.Connector, toolName),
		ReceivedAt: d.now(),
	}
	span.SetAttributes(attribute.String("toolmesh.event_id", rec.EventID))

	result := d.evaluate(ctx, rec.Request)
	rec.Decision = result.Decision
	rec.PolicyResult = result
	resp := &types.InvokeResponse{EventID: rec.EventID, Decision: result.Decision, Reason: result.Reason}

	if result.Decision != types.DecisionAllow {
		d.tel.denied(ctx, dep.Connector, toolName)
		span.SetStatus(codes.Error, "denied by policy")
		if err := d.evidence.Record(ctx, rec); err != nil {
			d.log.ErrorContext(ctx, "evidence record failed", "event_id", rec.EventID, "error", err)
		}
		return resp, nil
	}

	start := time.Now()
	out, execErr := t.ExecuteJSON(ctx, req.Args)
	took := time.Since(start)

	exec := &types.ExecutionResult{
		Status:     types.StatusFor(tool.KindOf(execErr)),
		DurationMS: took.Milliseconds(),
	}
	if execErr != nil {
		exec.Error = execErr.Error()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, exec.Status)
	} else {
		resp.Output = out
		if exec.OutputJSON, err = json.Marshal(out); err != nil {
			d.log.ErrorContext(ctx, "output marshal failed", "event_id", rec.EventID, "error", err)
			exec.OutputJSON = nil
		}
	}
	rec.ExecutionResult = exec
	resp.Status = exec.Status
	d.tel.executed(ctx, dep.Connector, toolName, exec.Status, took)

	if err := d.evidence.Record(ctx, rec); err != nil {
		return resp, fmt.Errorf("%w: %w", ErrEvidence, err)
	}
	return resp, execErr
}

// evaluate asks the policy engine and fails closed on any error.
func (d *Dispatcher) evaluate(ctx context.Context, payload types.InvocationPayload) *types.PolicyResult {
	result, err := d.policy.Evaluate(ctx, types.PolicyInput{
		Invocation:  payload,
		Environment: types.PolicyEnvironment{Timestamp: d.now()},
	})
	if err != nil {
		d.log.ErrorContext(ctx, "policy evaluation failed", "error", err)
		return &types.PolicyResult{Decision: types.DecisionDeny, Reason: "policy evaluation failed"}
	}
	if result.Decision != types.DecisionAllow && result.Decision != types.DecisionDeny {
		d.log.ErrorContext(ctx, "unrecognized policy decision, defaulting to deny", "decision", string(result.Decision))
		return &types.PolicyResult{Decision: types.DecisionDeny, Reason: "unrecognized policy decision"}
	}
	return result
}

// ReplayedFailure is returned with a replayed response whose original
// execution failed.
type ReplayedFailure struct {
	EventID string
	Status  string
	Message string
}

func (e *ReplayedFailure) Error() string {
	return fmt.Sprintf("replayed %s (event %s): %s", e.Status, e.EventID, e.Message)
}

type discard struct{}

func (discard) Record(context.Context, *types.InvocationRecord) error { return nil }

func (discard) CheckIdempotency(context.Context, string, string) (*types.InvokeResponse, error) {
	return nil, nil
}
