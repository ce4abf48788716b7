package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jefflaplante/cascade/internal/mathutil"
	"github.com/jefflaplante/cascade/pkg/events"
	"github.com/jefflaplante/cascade/pkg/guardrails"
	"github.com/jefflaplante/cascade/pkg/profiles"
	"github.com/jefflaplante/cascade/pkg/tokens"
)

// Agent is the engine facade: one configured cascade serving any number
// of concurrent requests. All state behind it is either immutable after
// construction or request-local, except the usage tracker and whatever
// collaborators the config wires in, which synchronise themselves.
type Agent struct {
	cfg        CascadeConfig
	registry   *Registry
	classifier *Classifier
	validator  *Validator
	counter    *tokens.Counter
	usage      *UsageTracker
	logger     *zap.Logger
}

// NewAgent validates the config, fills defaults, and assembles the
// engine. Configuration faults are reported here, not at request time.
func NewAgent(cfg CascadeConfig) (*Agent, error) {
	if len(cfg.Models) == 0 {
		return nil, &ConfigError{Field: "models", Reason: "at least one model is required"}
	}
	for i, m := range cfg.Models {
		if m.Model == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("models[%d].model", i), Reason: "model name is required"}
		}
		if m.Client == nil {
			return nil, &ConfigError{Field: fmt.Sprintf("models[%d].client", i), Reason: "provider client is required"}
		}
	}
	if cfg.Budget.MaxPerRequest < 0 {
		return nil, &ConfigError{Field: "budget.max_per_request", Reason: "must not be negative"}
	}
	if cfg.PerModelTimeout < 0 || cfg.RequestTimeout < 0 {
		return nil, &ConfigError{Field: "timeouts", Reason: "must not be negative"}
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Quality.Floor == 0 && len(cfg.Quality.TierThresholds) == 0 {
		cfg.Quality = DefaultQualityPolicy()
	}
	if cfg.Quality.Weights == (QualityWeights{}) {
		cfg.Quality.Weights = DefaultQualityPolicy().Weights
	}

	counter, err := tokens.NewCounter(cfg.Verifier().Model)
	if err != nil {
		// Word-ratio estimates take over; accounting is marked estimated.
		cfg.Logger.Debug("no tokenizer for verifier model",
			zap.String("model", cfg.Verifier().Model), zap.Error(err))
		counter = nil
	}

	a := &Agent{
		cfg:        cfg,
		registry:   cfg.Registry,
		classifier: NewClassifier(),
		validator:  NewValidator(cfg.Quality, cfg.Embedder, cfg.EnableCaching, cfg.Logger),
		counter:    counter,
		usage:      NewUsageTracker(),
		logger:     cfg.Logger,
	}

	if len(cfg.Models) > 1 {
		dp, _ := a.registry.PricingFor(cfg.Drafter())
		vp, _ := a.registry.PricingFor(cfg.Verifier())
		if vp.InputPerMToken > 0 && dp.InputPerMToken > vp.InputPerMToken {
			a.logger.Warn("drafter priced above verifier; the cascade cannot save cost",
				zap.String("drafter", cfg.Drafter().Model),
				zap.String("verifier", cfg.Verifier().Model))
		}
	}
	return a, nil
}

// Run executes one request to completion. On failure the result may be
// non-nil: it then carries the partial accounting populated up to the
// failure point, so a paid-for draft is still attributed.
func (a *Agent) Run(ctx context.Context, messages []ChatMessage, opts RequestOptions) (*CascadeResult, error) {
	p, err := a.prepare(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	defer p.cancel()

	result, err := p.ctl.execute(p.ctx, p.in)
	a.finish(p, result, err)
	return result, err
}

// Stream executes one request as a live event stream. The channel is
// closed after exactly one terminal event: complete, or error. Routing,
// guardrail, and admission failures are returned here instead, before
// any stream exists.
func (a *Agent) Stream(ctx context.Context, messages []ChatMessage, opts RequestOptions) (<-chan StreamEvent, error) {
	p, err := a.prepare(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	for _, desc := range a.streamTiers(p.decision.Route) {
		if !a.registry.FeaturesFor(desc).Has(FeatureStreaming) {
			p.cancel()
			return nil, &FeatureError{Feature: FeatureStreaming, Model: desc.Model}
		}
	}

	out := make(chan StreamEvent, streamBufSize)
	go func() {
		defer p.cancel()
		p.ctl.executeStream(p.ctx, p.in, out, func(result *CascadeResult, err error) {
			a.finish(p, result, err)
		})
	}()
	return out, nil
}

// streamTiers lists the models a route may put on the wire.
func (a *Agent) streamTiers(route Route) []ModelDescriptor {
	switch route {
	case RouteDirectDrafter:
		return []ModelDescriptor{a.cfg.Drafter()}
	case RouteDirectVerifier:
		return []ModelDescriptor{a.cfg.Verifier()}
	default:
		return []ModelDescriptor{a.cfg.Drafter(), a.cfg.Verifier()}
	}
}

// CheckAdmission reports whether a request bearing this profile would
// be admitted now at the estimated cost. Nothing is recorded; callers
// use it to fail fast before assembling a request.
func (a *Agent) CheckAdmission(profile *profiles.Profile, estimatedCost float64) error {
	identity := ""
	if profile != nil {
		identity = profile.Identity
	}
	limits, err := a.cfg.Profiles.Resolve(a.userProfile(identity), a.cfg.Workflow, profile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return a.cfg.Admission.CheckAdmit(identity, limits, estimatedCost)
}

// Usage returns a point-in-time snapshot of per-model usage and cascade
// outcomes since construction or the last ResetUsage.
func (a *Agent) Usage() UsageSnapshot { return a.usage.GetSnapshot() }

// UsageMap renders the usage snapshot as loose key/values. Its shape
// matches events.SnapshotFunc for wiring a periodic reporter.
func (a *Agent) UsageMap() map[string]any { return a.usage.SnapshotMap() }

// ResetUsage clears usage accounting.
func (a *Agent) ResetUsage() { a.usage.Reset() }

// prepared is the per-request state Run and Stream share: the routed
// inputs, the controller to run them on, and the hooks finish needs.
type prepared struct {
	ctx       context.Context
	cancel    context.CancelFunc
	start     time.Time
	requestID string
	identity  string
	decision  RouteDecision
	metadata  map[string]string
	trace     *traceRecorder
	emitter   *events.Emitter
	in        execInputs
	ctl       *controller
}

// prepare runs everything that precedes the first provider call:
// profile resolution, guardrails, complexity and tool-risk tagging,
// admission, routing, and deadline assembly. Rejections come back as
// errors before any spend occurs; the matching events are emitted here.
func (a *Agent) prepare(ctx context.Context, messages []ChatMessage, opts RequestOptions) (*prepared, error) {
	if len(messages) == 0 {
		return nil, &ConfigError{Field: "messages", Reason: "conversation is empty"}
	}

	identity := opts.Identity
	if identity == "" && opts.Profile != nil {
		identity = opts.Profile.Identity
	}
	requestID := uuid.NewString()
	emitter := events.NewEmitter(a.cfg.Bus, requestID, identity)

	var trace *traceRecorder
	if opts.Trace {
		trace = &traceRecorder{}
	}

	limits, err := a.cfg.Profiles.Resolve(a.userProfile(identity), a.cfg.Workflow, opts.Profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	msgs, rejection := a.applyGuardrails(messages, limits, emitter, trace)
	if rejection != nil {
		return nil, rejection
	}

	complexity := a.classifier.Classify(msgs)
	trace.add("classifier", "complexity", complexity.Level.String())

	risks := ClassifyTools(opts.Tools)
	if len(opts.Tools) > 0 {
		verifier := a.cfg.Verifier()
		if !a.registry.FeaturesFor(verifier).Has(FeatureTools) {
			return nil, &FeatureError{Feature: FeatureTools, Model: verifier.Model}
		}
	}

	req := &ChatRequest{
		Messages:    msgs,
		Tools:       opts.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Extra:       opts.Extra,
	}
	if opts.MaxSteps > 0 {
		if req.Extra == nil {
			req.Extra = map[string]any{}
		}
		req.Extra["max_steps"] = opts.MaxSteps
	}

	drafter, verifier := a.cfg.Drafter(), a.cfg.Verifier()
	drafterPricing, _ := a.registry.PricingFor(drafter)
	verifierPricing, _ := a.registry.PricingFor(verifier)

	estCost := estimateRequestCost(a.counter, req, drafterPricing, verifierPricing, opts.MaxTokens)
	if err := a.cfg.Admission.CheckAdmit(identity, limits, estCost); err != nil {
		kind := ErrorKind(err)
		a.cfg.Metrics.ObserveAdmissionRejection(kind)
		emitter.Emit(events.Event{
			Type:      events.EventAdmissionRejected,
			Component: "admission",
			Reason:    kind,
			ErrorKind: kind,
			ErrorMsg:  err.Error(),
		})
		return nil, err
	}
	emitter.Emit(events.Event{Type: events.EventRequestAdmitted, Component: "admission"})
	trace.add("admission", "admitted", identity)

	validator := a.validator
	if policy, changed := adjustPolicy(a.cfg.Quality, limits); changed {
		validator = validator.WithPolicy(policy)
		trace.add("profiles", "quality_adjusted", fmt.Sprintf("floor=%.2f", policy.Floor))
	}

	decision := decideRoute(routeInputs{
		forceDirect:     opts.ForceDirect,
		singleModel:     len(a.cfg.Models) == 1,
		complexity:      complexity.Level,
		policy:          a.cfg.Routing,
		toolsWanted:     len(opts.Tools) > 0,
		drafterCaps:     a.registry.FeaturesFor(drafter),
		drafterAllowed:  limits.ModelAllowed(drafter.Model),
		verifierAllowed: limits.ModelAllowed(verifier.Model),
	})
	trace.add("prerouter", "route", decision.Route.String())
	emitter.Emit(events.Event{
		Type:       events.EventRouteDecided,
		Component:  "prerouter",
		Route:      decision.Route.String(),
		Reason:     decision.Reason,
		Complexity: complexity.Level.String(),
		Score:      complexity.Score,
	})
	if decision.Route == RouteReject {
		return nil, &ConfigError{Field: "profile.preferred_models", Reason: decision.Reason}
	}

	reqCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d := requestDeadline(a.cfg.RequestTimeout, opts.timeout(), limits.Latency); d > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, d)
	}

	cfg := &a.cfg
	if pm := time.Duration(limits.Latency.PerModelMs) * time.Millisecond; pm > 0 &&
		(cfg.PerModelTimeout == 0 || pm < cfg.PerModelTimeout) {
		tightened := a.cfg
		tightened.PerModelTimeout = pm
		cfg = &tightened
	}

	return &prepared{
		ctx:       reqCtx,
		cancel:    cancel,
		start:     time.Now(),
		requestID: requestID,
		identity:  identity,
		decision:  decision,
		metadata:  opts.Metadata,
		trace:     trace,
		emitter:   emitter,
		in: execInputs{
			req:        req,
			prompt:     lastUserContent(msgs),
			decision:   decision,
			complexity: complexity,
			risks:      risks,
			validator:  validator,
			emitter:    emitter,
			trace:      trace,
		},
		ctl: &controller{cfg: cfg, registry: a.registry, counter: a.counter, logger: a.logger},
	}, nil
}

// applyGuardrails redacts PII from user turns, then moderates the
// redacted text, so findings and downstream validation both reference
// exactly what providers would see. Moderation hits reject the request.
func (a *Agent) applyGuardrails(messages []ChatMessage, limits profiles.Limits, emitter *events.Emitter, trace *traceRecorder) ([]ChatMessage, error) {
	if a.cfg.Guardrails == nil || (!limits.PIIDetection && !limits.ContentModeration) {
		return messages, nil
	}

	msgs := make([]ChatMessage, len(messages))
	copy(msgs, messages)

	var modFindings []guardrails.Finding
	piiCount := 0
	for i := range msgs {
		if msgs[i].Role != RoleUser || msgs[i].Content == "" {
			continue
		}
		text := msgs[i].Content
		if limits.PIIDetection {
			redacted, found := a.cfg.Guardrails.Redact(text)
			piiCount += len(found)
			text = redacted
		}
		if limits.ContentModeration {
			modFindings = append(modFindings, a.cfg.Guardrails.Moderate(text)...)
		}
		msgs[i].Content = text
	}

	if piiCount > 0 {
		trace.add("guardrails", "pii_redacted", fmt.Sprintf("%d finding(s)", piiCount))
		emitter.Emit(events.Event{
			Type:      events.EventGuardrailFlagged,
			Component: "guardrails",
			Reason:    "pii_redacted",
			Metadata:  map[string]any{"findings": piiCount},
		})
	}
	if len(modFindings) > 0 {
		kinds := findingKinds(modFindings)
		trace.add("guardrails", "rejected", kinds)
		emitter.Emit(events.Event{
			Type:      events.EventGuardrailFlagged,
			Component: "guardrails",
			Reason:    kinds,
			ErrorKind: KindGuardrail,
		})
		for _, k := range strings.Split(kinds, ",") {
			a.cfg.Metrics.ObserveGuardrailRejection(k)
		}
		return nil, &GuardrailError{Findings: modFindings}
	}
	return msgs, nil
}

// finish is the single accounting exit for both Run and Stream: it
// stamps the result, records spend against admission and the usage
// tracker, updates metrics, and emits the terminal event. It runs
// exactly once per prepared request.
func (a *Agent) finish(p *prepared, result *CascadeResult, err error) {
	latencyMs := time.Since(p.start).Milliseconds()

	if result != nil {
		result.RequestID = p.requestID
		result.Latency.TotalMs = latencyMs
		if p.trace != nil {
			result.Trace = p.trace.list()
		}

		drafter, verifier := a.cfg.Drafter(), a.cfg.Verifier()
		if result.DraftUsage != nil {
			a.usage.RecordCall(drafter.Provider, drafter.Model, *result.DraftUsage, result.Cost.DraftCost, result.Latency.DraftMs)
			a.cfg.Metrics.ObserveCost(drafter.Model, "drafter", result.Cost.DraftCost)
		}
		if result.VerifierUsage != nil {
			a.usage.RecordCall(verifier.Provider, verifier.Model, *result.VerifierUsage, result.Cost.VerifierCost, result.Latency.VerifierMs)
			a.cfg.Metrics.ObserveCost(verifier.Model, "verifier", result.Cost.VerifierCost)
		}
		if result.Verdict != nil {
			a.cfg.Metrics.ObserveDraftDecision(result.DraftAccepted)
		}
		a.usage.RecordOutcome(result)
		a.cfg.Admission.RecordRequest(p.identity, result.Cost.TotalCost)
	}

	if err != nil {
		kind := ErrorKind(err)
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Model != "" {
			a.usage.RecordError(a.providerOf(pe.Model), pe.Model)
		}
		model, cost := "", 0.0
		if result != nil {
			model = result.ModelUsed
			cost = result.Cost.TotalCost
		}
		a.cfg.Metrics.ObserveRequest(p.decision.Route.String(), model, "error", float64(latencyMs))
		p.emitter.Emit(events.Event{
			Type:      events.EventRequestFailed,
			Component: "agent",
			Route:     p.decision.Route.String(),
			ErrorKind: kind,
			ErrorMsg:  err.Error(),
			CostUSD:   cost,
			LatencyMs: float64(latencyMs),
			Metadata:  eventMeta(p.metadata),
		})
		a.logger.Warn("request failed",
			zap.String("request_id", p.requestID),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	a.cfg.Metrics.ObserveRequest(p.decision.Route.String(), result.ModelUsed, "ok", float64(latencyMs))
	p.emitter.Emit(events.Event{
		Type:      events.EventRequestCompleted,
		Component: "agent",
		Route:     p.decision.Route.String(),
		Model:     result.ModelUsed,
		CostUSD:   result.Cost.TotalCost,
		LatencyMs: float64(latencyMs),
		Metadata:  eventMeta(p.metadata),
	})
	a.logger.Debug("request completed",
		zap.String("request_id", p.requestID),
		zap.String("model", result.ModelUsed),
		zap.Bool("draft_accepted", result.DraftAccepted),
		zap.Float64("cost_usd", result.Cost.TotalCost),
		zap.Int64("latency_ms", latencyMs))
}

func (a *Agent) userProfile(identity string) *profiles.Profile {
	if identity == "" {
		return nil
	}
	return a.cfg.UserProfiles[identity]
}

func (a *Agent) providerOf(model string) string {
	for _, m := range a.cfg.Models {
		if m.Model == model {
			return m.Provider
		}
	}
	return ""
}

// adjustPolicy layers profile quality preferences onto the base policy.
// MinQuality sets a floor no threshold may dip under; optimization
// weights shift every threshold by up to ±0.1 toward quality or cost.
// The base policy's threshold map is never mutated.
func adjustPolicy(base QualityPolicy, limits profiles.Limits) (QualityPolicy, bool) {
	changed := false
	tiers := base.TierThresholds
	copied := false
	set := func(k Complexity, v float64) {
		if !copied {
			next := make(map[Complexity]float64, len(tiers))
			for kk, vv := range tiers {
				next[kk] = vv
			}
			tiers = next
			copied = true
		}
		tiers[k] = v
		changed = true
	}

	if limits.MinQuality != nil && *limits.MinQuality > 0 {
		minQ := *limits.MinQuality
		if minQ > base.Floor {
			base.Floor = minQ
			changed = true
		}
		for k, v := range base.TierThresholds {
			if v < minQ {
				set(k, minQ)
			}
		}
	}

	if w := limits.Weights; w != (profiles.OptimizationWeights{}) {
		delta := (w.Quality - w.Cost) * 0.1
		if delta > 0.1 {
			delta = 0.1
		} else if delta < -0.1 {
			delta = -0.1
		}
		if delta != 0 {
			base.Floor = mathutil.ClampUnit(base.Floor + delta)
			for k, v := range tiers {
				set(k, mathutil.ClampUnit(v+delta))
			}
			changed = true
		}
	}

	base.TierThresholds = tiers
	return base, changed
}

// requestDeadline picks the tightest of the configured, per-request,
// and profile deadlines. Zero means none apply.
func requestDeadline(configured, requested time.Duration, caps profiles.LatencyCaps) time.Duration {
	d := configured
	tighten := func(c time.Duration) {
		if c > 0 && (d == 0 || c < d) {
			d = c
		}
	}
	tighten(requested)
	tighten(time.Duration(caps.TotalMs) * time.Millisecond)
	return d
}

// lastUserContent returns the newest user turn's text, the anchor for
// complexity-aware validation and semantic similarity.
func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

// eventMeta lifts caller correlation metadata into the event payload
// shape. Nil in, nil out, so empty requests stay allocation-free.
func eventMeta(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// findingKinds renders a deduplicated, comma-joined list of finding
// kinds for events and logs.
func findingKinds(findings []guardrails.Finding) string {
	seen := map[string]bool{}
	var kinds []string
	for _, f := range findings {
		k := string(f.Kind)
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return strings.Join(kinds, ",")
}
