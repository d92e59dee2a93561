package policy

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/policy/cache"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// PDE is the policy decision engine. It never returns an error to callers:
// every failure mode collapses to a deny outcome, audited before return.
type PDE struct {
	cfg     config.PolicyConfig
	engine  Engine
	cache   *cache.Cache[Outcome]
	emitter *audit.Emitter
	log     *slog.Logger

	// version is the currently loaded policy version. Cached outcomes pinned
	// to any other version are treated as misses.
	version atomic.Value
}

// New creates a decision engine backed by the given rule engine client.
func New(cfg config.PolicyConfig, engine Engine, emitter *audit.Emitter, log *slog.Logger) (*PDE, error) {
	c, err := cache.New[Outcome](cfg.CacheMaxEntries)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid decision cache size", err)
	}
	p := &PDE{
		cfg:     cfg,
		engine:  engine,
		cache:   c,
		emitter: emitter,
		log:     log,
	}
	p.version.Store("")
	return p, nil
}

// PolicyVersion returns the currently loaded policy version.
func (p *PDE) PolicyVersion() string {
	return p.version.Load().(string)
}

// SetPolicyVersion records a policy reload. Cache entries computed under the
// previous version become misses and are purged lazily on lookup.
func (p *PDE) SetPolicyVersion(version string) {
	old := p.PolicyVersion()
	if version == old {
		return
	}
	p.version.Store(version)
	p.log.Info("policy version changed", "from", old, "to", version)
}

// observeVersion adopts the version reported by an engine response, so a
// reload behind the engine invalidates the cache without an explicit signal.
func (p *PDE) observeVersion(version string) {
	if version != "" && version != p.PolicyVersion() {
		p.SetPolicyVersion(version)
	}
}

// Decide answers whether the input's principal may perform the action. The
// returned cache status is HIT or MISS; skipCache forces a fresh engine
// evaluation while still populating the cache from its result.
func (p *PDE) Decide(ctx context.Context, in Input, skipCache bool) (Outcome, string) {
	canonical, err := Canonicalize(in)
	if err != nil {
		out := deny(ReasonInvalidInput)
		p.record(ctx, audit.EventKindPolicyDeny, in, "", out, CacheMiss)
		return out, CacheMiss
	}
	fingerprint := Fingerprint(canonical)

	if !skipCache {
		if out, ok := p.cache.Get(fingerprint, p.PolicyVersion()); ok {
			kind := audit.EventKindPolicyDeny
			if out.Allowed() {
				kind = audit.EventKindPolicyAllow
			}
			p.record(ctx, kind, canonical, fingerprint, out, CacheHit)
			return out, CacheHit
		}
	}

	out, kind := p.evaluate(ctx, canonical, fingerprint)
	p.record(ctx, kind, canonical, fingerprint, out, CacheMiss)
	return out, CacheMiss
}

// evaluate asks the rule engine, coalescing concurrent misses for the same
// fingerprint into one call. Successful outcomes are cached with a TTL from
// the resource's sensitivity tier; failures are never cached.
func (p *PDE) evaluate(ctx context.Context, canonical Input, fingerprint string) (Outcome, string) {
	out, err := p.cache.Single(fingerprint, func() (Outcome, error) {
		o, err := p.engine.Evaluate(ctx, canonical)
		if err != nil {
			return Outcome{}, err
		}
		p.observeVersion(o.PolicyVersion)
		p.cache.Put(fingerprint, p.PolicyVersion(), o, p.ttlFor(canonical, o))
		return o, nil
	})
	if err == nil {
		kind := audit.EventKindPolicyDeny
		if out.Allowed() {
			kind = audit.EventKindPolicyAllow
		}
		return out, kind
	}

	switch {
	case isEngineTimeout(err):
		p.log.Warn("rule engine timed out, failing closed", "error", err)
		return deny(ReasonEngineTimeout), audit.EventKindPolicyDeny
	case errors.IsUpstreamUnavailable(err):
		// An unreachable engine surfaces the same deny reason as a timeout:
		// callers see one "engine did not answer" signal either way.
		p.log.Warn("rule engine unreachable, failing closed", "error", err)
		return deny(ReasonEngineTimeout), audit.EventKindPolicyDeny
	default:
		p.log.Error("rule engine returned malformed response, failing closed", "error", err)
		return deny(ReasonMalformedResponse), audit.EventKindPolicyError
	}
}

// ttlFor selects the cache TTL: denies age out fastest so remediations take
// effect quickly, then high-sensitivity resources, then the rest.
func (p *PDE) ttlFor(canonical Input, out Outcome) time.Duration {
	switch {
	case !out.Allowed():
		return p.cfg.CacheTTLDeny
	case canonical.Resource.Sensitivity == SensitivityHigh:
		return p.cfg.CacheTTLHigh
	default:
		return p.cfg.CacheTTLLow
	}
}

// record emits the decision's audit event. The event is handed to the
// emitter before Decide returns, so no decision is observable by the caller
// without its audit trail at least being queued.
func (p *PDE) record(ctx context.Context, kind string, in Input, fingerprint string, out Outcome, cacheStatus string) {
	outcome := audit.OutcomeDenied
	switch {
	case out.Allowed():
		outcome = audit.OutcomeSuccess
	case kind == audit.EventKindPolicyError:
		outcome = audit.OutcomeFailure
	}

	resource := in.Resource.Type
	if in.Resource.ID != "" {
		resource += "/" + in.Resource.ID
	}

	event := audit.NewEvent(kind, "policy", outcome).
		WithPrincipal(in.Principal.ID).
		WithAction(in.Action).
		WithResource(resource).
		WithAttribute("decision", out.Decision).
		WithAttribute("cache", cacheStatus).
		WithAttribute("evaluation_ms", strconv.FormatInt(out.EvaluationMS, 10))
	if fingerprint != "" {
		event.WithAttribute("fingerprint", fingerprint)
	}
	if out.Reason != "" {
		event.WithAttribute("reason", out.Reason)
	}
	if out.PolicyVersion != "" {
		event.WithAttribute("policy_version", out.PolicyVersion)
	}
	if ip := in.Context["source_ip"]; ip != "" {
		event.WithSourceIP(ip)
	}

	telemetry.PolicyDecisions.WithLabelValues(out.Decision, cacheStatus).Inc()
	p.emitter.Emit(ctx, event)
}
