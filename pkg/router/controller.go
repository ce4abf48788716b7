package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jefflaplante/cascade/pkg/admission"
	"github.com/jefflaplante/cascade/pkg/events"
	"github.com/jefflaplante/cascade/pkg/tokens"
)

// traceRecorder collects the per-request decision trace. Nil-safe: a
// nil recorder drops entries.
type traceRecorder struct {
	mu      sync.Mutex
	seq     uint64
	entries []TraceEntry
}

func (t *traceRecorder) add(component, action, detail string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.entries = append(t.entries, TraceEntry{
		Seq:       t.seq,
		Component: component,
		Action:    action,
		Detail:    detail,
		At:        time.Now(),
	})
}

func (t *traceRecorder) list() []TraceEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEntry{}, t.entries...)
}

// controller executes a routed request against the model tiers. It
// makes at most two provider calls per request: one draft, one verify.
type controller struct {
	cfg      *CascadeConfig
	registry *Registry
	counter  *tokens.Counter
	logger   *zap.Logger
}

// callResult is one provider call's outcome.
type callResult struct {
	resp      *ChatResponse
	usage     UsageCounts
	latencyMs int64
}

// execInputs is the routed work handed to the controller. The validator
// travels with the request because profile overrides adjust its policy
// per caller.
type execInputs struct {
	req        *ChatRequest
	prompt     string
	decision   RouteDecision
	complexity ComplexityScore
	risks      RiskTable
	validator  *Validator
	emitter    *events.Emitter
	trace      *traceRecorder
}

// execute runs the decided route to completion. On error the returned
// result may be non-nil: it then carries partial accounting (a paid-for
// draft) that the caller still records.
func (c *controller) execute(ctx context.Context, in execInputs) (*CascadeResult, error) {
	switch in.decision.Route {
	case RouteDirectVerifier:
		return c.runDirect(ctx, in, c.cfg.Verifier())
	case RouteDirectDrafter:
		return c.runDirect(ctx, in, c.cfg.Drafter())
	default:
		if c.cfg.Speculative {
			return c.runCascadeSpeculative(ctx, in)
		}
		return c.runCascade(ctx, in)
	}
}

// runDirect serves the request from a single tier.
func (c *controller) runDirect(ctx context.Context, in execInputs, desc ModelDescriptor) (*CascadeResult, error) {
	start := time.Now()
	in.trace.add("controller", "direct", desc.Model)

	call, err := c.callModel(ctx, desc, in.req, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
	if err != nil {
		return nil, err
	}

	result := &CascadeResult{
		Content:         call.resp.Content,
		ToolCalls:       call.resp.ToolCalls,
		ModelUsed:       desc.Model,
		RoutingStrategy: StrategyDirect,
		Complexity:      in.complexity,
	}

	pricing := c.pricingFor(desc, in.emitter)
	served := call.usage
	isVerifier := desc.Model == c.cfg.Verifier().Model && desc.Provider == c.cfg.Verifier().Provider
	if isVerifier {
		result.VerifierUsage = &served
		result.Cost = buildCostBreakdown(costInputs{
			verifierUsage: &served,
			verifPricing:  pricing,
		})
		result.Latency = LatencyBreakdown{VerifierMs: call.latencyMs}
	} else {
		// Direct drafter: the served draft stands in for the verifier run
		// it avoided.
		result.DraftAccepted = true
		result.DraftUsage = &served
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:    &served,
			draftPricing:  pricing,
			verifPricing:  c.pricingFor(c.cfg.Verifier(), in.emitter),
			draftAccepted: true,
		})
		result.Latency = LatencyBreakdown{DraftMs: call.latencyMs}
	}
	result.Latency.TotalMs = time.Since(start).Milliseconds()
	return result, nil
}

// runCascade drafts, validates, and escalates on rejection.
func (c *controller) runCascade(ctx context.Context, in execInputs) (*CascadeResult, error) {
	start := time.Now()
	drafter := c.cfg.Drafter()
	verifier := c.cfg.Verifier()

	in.trace.add("controller", "draft", drafter.Model)
	draft, draftErr := c.callModel(ctx, drafter, in.req, in.emitter, events.EventDraftStarted, events.EventDraftCompleted)

	result := &CascadeResult{
		RoutingStrategy: StrategyCascade,
		Complexity:      in.complexity,
	}

	if draftErr != nil {
		// A failed draft silently escalates; only caller-visible context
		// errors surface. The cascade exists to save money, not to add a
		// failure mode.
		if !c.escalatableError(ctx, draftErr) {
			return nil, draftErr
		}
		c.logger.Warn("drafter failed, escalating",
			zap.String("model", drafter.Model),
			zap.Error(draftErr))
		in.trace.add("controller", "escalate", "drafter error: "+draftErr.Error())
		in.emitter.Emit(events.Event{
			Type:      events.EventEscalation,
			Component: "controller",
			FromModel: drafter.Model,
			ToModel:   verifier.Model,
			Reason:    "drafter_error",
			ErrorKind: ErrorKind(draftErr),
		})
		result.Cascaded = true
		verify, verifyErr := c.callModel(ctx, verifier, in.req, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
		if verifyErr != nil {
			return nil, verifyErr
		}
		c.fillFromVerifier(result, in, verify, nil, start)
		return result, nil
	}

	verdict := in.validator.Validate(ctx, ValidateInput{
		Prompt:            in.prompt,
		Response:          draft.resp,
		Complexity:        in.complexity.Level,
		Risks:             in.risks,
		ThresholdOverride: drafter.QualityThreshold,
	})
	result.Verdict = &verdict
	in.trace.add("validator", "verdict", string(verdict.Reason))
	in.emitter.Emit(events.Event{
		Type:      events.EventDraftValidated,
		Component: "validator",
		Model:     drafter.Model,
		Decision:  decisionLabel(verdict.Passed),
		Reason:    string(verdict.Reason),
		Score:     verdict.Score,
	})

	if verdict.Passed {
		draftUsage := draft.usage
		result.Content = draft.resp.Content
		result.ToolCalls = draft.resp.ToolCalls
		result.ModelUsed = drafter.Model
		result.DraftAccepted = true
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:    &draftUsage,
			draftPricing:  c.pricingFor(drafter, in.emitter),
			verifPricing:  c.pricingFor(verifier, in.emitter),
			draftAccepted: true,
		})
		result.Latency = LatencyBreakdown{
			DraftMs: draft.latencyMs,
			TotalMs: time.Since(start).Milliseconds(),
		}
		return result, nil
	}

	// Escalation. The draft is sunk cost from here on.
	result.Cascaded = true
	in.emitter.Emit(events.Event{
		Type:      events.EventEscalation,
		Component: "controller",
		FromModel: drafter.Model,
		ToModel:   verifier.Model,
		Reason:    string(verdict.Reason),
		Score:     verdict.Score,
	})

	if err := c.checkBudget(in, draft); err != nil {
		// Draft spend is already sunk; hand it back for accounting.
		draftUsage := draft.usage
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:   &draftUsage,
			draftPricing: c.pricingFor(drafter, in.emitter),
			verifPricing: c.pricingFor(verifier, in.emitter),
		})
		result.Latency = LatencyBreakdown{
			DraftMs:           draft.latencyMs,
			CascadeOverheadMs: draft.latencyMs,
			TotalMs:           time.Since(start).Milliseconds(),
		}
		return result, err
	}

	in.trace.add("controller", "escalate", verifier.Model)
	verify, verifyErr := c.callModel(ctx, verifier, in.req, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
	if verifyErr != nil {
		draftUsage := draft.usage
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:   &draftUsage,
			draftPricing: c.pricingFor(drafter, in.emitter),
			verifPricing: c.pricingFor(verifier, in.emitter),
		})
		result.Latency = LatencyBreakdown{
			DraftMs:           draft.latencyMs,
			CascadeOverheadMs: draft.latencyMs,
			TotalMs:           time.Since(start).Milliseconds(),
		}
		return result, verifyErr
	}

	c.fillFromVerifier(result, in, verify, draft, start)
	return result, nil
}

// runCascadeSpeculative overlaps the verifier with draft validation:
// the verifier launches as soon as the draft lands and is cancelled if
// the draft is accepted. Observable results match sequential mode.
func (c *controller) runCascadeSpeculative(ctx context.Context, in execInputs) (*CascadeResult, error) {
	start := time.Now()
	drafter := c.cfg.Drafter()
	verifier := c.cfg.Verifier()

	in.trace.add("controller", "draft", drafter.Model)
	draft, draftErr := c.callModel(ctx, drafter, in.req, in.emitter, events.EventDraftStarted, events.EventDraftCompleted)
	if draftErr != nil {
		// Same silent-escalation contract as sequential mode; nothing to
		// overlap with when the draft never arrived.
		if !c.escalatableError(ctx, draftErr) {
			return nil, draftErr
		}
		return c.runCascade(ctx, in)
	}

	// Escalating past the budget is not allowed, so a request that
	// cannot afford the verifier validates sequentially instead.
	if err := c.checkBudget(in, draft); err != nil {
		return c.resumeSequential(ctx, in, draft, start)
	}

	specCtx, cancelSpec := context.WithCancel(ctx)
	defer cancelSpec()
	g, gctx := errgroup.WithContext(specCtx)
	var specCall *callResult
	var specErr error
	g.Go(func() error {
		// Errors are inspected after Wait; returning them here would tear
		// down the group context for nothing.
		specCall, specErr = c.callModel(gctx, verifier, in.req, nil, "", "")
		return nil
	})

	verdict := in.validator.Validate(ctx, ValidateInput{
		Prompt:            in.prompt,
		Response:          draft.resp,
		Complexity:        in.complexity.Level,
		Risks:             in.risks,
		ThresholdOverride: drafter.QualityThreshold,
	})
	result := &CascadeResult{
		RoutingStrategy: StrategyCascade,
		Complexity:      in.complexity,
		Verdict:         &verdict,
	}
	in.trace.add("validator", "verdict", string(verdict.Reason))
	in.emitter.Emit(events.Event{
		Type:      events.EventDraftValidated,
		Component: "validator",
		Model:     drafter.Model,
		Decision:  decisionLabel(verdict.Passed),
		Reason:    string(verdict.Reason),
		Score:     verdict.Score,
	})

	if verdict.Passed {
		// Discard the speculative call entirely: no usage, no cost, no
		// events. The upstream bill for cancelled partial output is the
		// price of turning this mode on.
		cancelSpec()
		_ = g.Wait()
		draftUsage := draft.usage
		result.Content = draft.resp.Content
		result.ToolCalls = draft.resp.ToolCalls
		result.ModelUsed = drafter.Model
		result.DraftAccepted = true
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:    &draftUsage,
			draftPricing:  c.pricingFor(drafter, in.emitter),
			verifPricing:  c.pricingFor(verifier, in.emitter),
			draftAccepted: true,
		})
		result.Latency = LatencyBreakdown{
			DraftMs: draft.latencyMs,
			TotalMs: time.Since(start).Milliseconds(),
		}
		return result, nil
	}

	result.Cascaded = true
	in.emitter.Emit(events.Event{
		Type:      events.EventEscalation,
		Component: "controller",
		FromModel: drafter.Model,
		ToModel:   verifier.Model,
		Reason:    string(verdict.Reason),
		Score:     verdict.Score,
	})
	_ = g.Wait()
	if specErr != nil {
		draftUsage := draft.usage
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:   &draftUsage,
			draftPricing: c.pricingFor(drafter, in.emitter),
			verifPricing: c.pricingFor(verifier, in.emitter),
		})
		result.Latency = LatencyBreakdown{
			DraftMs:           draft.latencyMs,
			CascadeOverheadMs: draft.latencyMs,
			TotalMs:           time.Since(start).Milliseconds(),
		}
		return result, specErr
	}
	c.fillFromVerifier(result, in, specCall, draft, start)
	return result, nil
}

// resumeSequential finishes a cascade whose speculative launch was
// skipped: validate the draft and surface the budget error on rejection.
func (c *controller) resumeSequential(ctx context.Context, in execInputs, draft *callResult, start time.Time) (*CascadeResult, error) {
	drafter := c.cfg.Drafter()
	verifier := c.cfg.Verifier()
	verdict := in.validator.Validate(ctx, ValidateInput{
		Prompt:            in.prompt,
		Response:          draft.resp,
		Complexity:        in.complexity.Level,
		Risks:             in.risks,
		ThresholdOverride: drafter.QualityThreshold,
	})
	result := &CascadeResult{
		RoutingStrategy: StrategyCascade,
		Complexity:      in.complexity,
		Verdict:         &verdict,
	}
	draftUsage := draft.usage
	if verdict.Passed {
		result.Content = draft.resp.Content
		result.ToolCalls = draft.resp.ToolCalls
		result.ModelUsed = drafter.Model
		result.DraftAccepted = true
		result.DraftUsage = &draftUsage
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:    &draftUsage,
			draftPricing:  c.pricingFor(drafter, in.emitter),
			verifPricing:  c.pricingFor(verifier, in.emitter),
			draftAccepted: true,
		})
		result.Latency = LatencyBreakdown{DraftMs: draft.latencyMs, TotalMs: time.Since(start).Milliseconds()}
		return result, nil
	}
	result.Cascaded = true
	result.DraftUsage = &draftUsage
	result.Cost = buildCostBreakdown(costInputs{
		draftUsage:   &draftUsage,
		draftPricing: c.pricingFor(drafter, in.emitter),
		verifPricing: c.pricingFor(verifier, in.emitter),
	})
	result.Latency = LatencyBreakdown{
		DraftMs:           draft.latencyMs,
		CascadeOverheadMs: draft.latencyMs,
		TotalMs:           time.Since(start).Milliseconds(),
	}
	return result, c.checkBudget(in, draft)
}

// fillFromVerifier completes a result with the verifier's response.
// draft is nil when the drafter errored (its tokens cost nothing).
func (c *controller) fillFromVerifier(result *CascadeResult, in execInputs, verify *callResult, draft *callResult, start time.Time) {
	verifier := c.cfg.Verifier()
	verifUsage := verify.usage
	result.Content = verify.resp.Content
	result.ToolCalls = verify.resp.ToolCalls
	result.ModelUsed = verifier.Model
	result.VerifierUsage = &verifUsage

	ci := costInputs{
		verifierUsage: &verifUsage,
		verifPricing:  c.pricingFor(verifier, in.emitter),
	}
	lat := LatencyBreakdown{VerifierMs: verify.latencyMs}
	if draft != nil {
		draftUsage := draft.usage
		result.DraftUsage = &draftUsage
		ci.draftUsage = &draftUsage
		ci.draftPricing = c.pricingFor(c.cfg.Drafter(), in.emitter)
		lat.DraftMs = draft.latencyMs
		lat.CascadeOverheadMs = draft.latencyMs
	}
	result.Cost = buildCostBreakdown(ci)
	lat.TotalMs = time.Since(start).Milliseconds()
	result.Latency = lat
}

// checkBudget rejects escalation when draft spend plus the projected
// verifier call would exceed the per-request cap.
func (c *controller) checkBudget(in execInputs, draft *callResult) error {
	limit := c.cfg.Budget.MaxPerRequest
	if limit <= 0 {
		return nil
	}
	drafter := c.cfg.Drafter()
	verifier := c.cfg.Verifier()
	spent := CalculateCost(c.pricingFor(drafter, nil), draft.usage)
	projected := spent + estimateRequestCost(c.counter, in.req,
		ModelPricing{}, c.pricingFor(verifier, nil), in.req.MaxTokens)
	if projected > limit {
		return &admission.BudgetExceededError{BudgetUSD: limit, SpentUSD: spent}
	}
	return nil
}

// callModel runs one provider call under the per-model timeout, remaps
// the request for the target, and normalises errors and usage.
func (c *controller) callModel(ctx context.Context, desc ModelDescriptor, req *ChatRequest, emitter *events.Emitter, startEvent, doneEvent events.EventType) (*callResult, error) {
	remapped, err := c.registry.Remap(desc, req)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.PerModelTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.PerModelTimeout)
		defer cancel()
	}

	if startEvent != "" {
		emitter.Emit(events.Event{
			Type:      startEvent,
			Component: "controller",
			Model:     desc.Model,
			Provider:  desc.Provider,
		})
	}

	start := time.Now()
	resp, err := desc.Client.Chat(callCtx, remapped)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, c.normalizeCallError(ctx, callCtx, desc, err)
	}

	usage := resp.Usage
	if usage.Total() == 0 && (resp.Content != "" || len(resp.ToolCalls) > 0) {
		usage = estimateUsage(c.counter, remapped, resp.Content)
	}

	if doneEvent != "" {
		emitter.Emit(events.Event{
			Type:      doneEvent,
			Component: "controller",
			Model:     desc.Model,
			Provider:  desc.Provider,
			LatencyMs: float64(latency),
		})
	}
	return &callResult{resp: resp, usage: usage, latencyMs: latency}, nil
}

// normalizeCallError maps a provider failure onto the engine's error
// model. Parent-context failures win: a caller cancel or an exhausted
// request deadline must not be mistaken for a flaky provider.
func (c *controller) normalizeCallError(parent, callCtx context.Context, desc ModelDescriptor, err error) error {
	if cerr := ctxError(parent); cerr != nil {
		return cerr
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return &ProviderError{Kind: ProviderErrTimeout, Model: desc.Model, Message: "per-model deadline exceeded"}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe == nil {
			// A client signalled failure with a typed-nil error; never
			// dereference it.
			return &ProviderError{Kind: ProviderErrServer, Model: desc.Model, Message: "provider reported an error without one"}
		}
		if pe.Model == "" {
			pe.Model = desc.Model
		}
		return pe
	}
	if err == nil {
		return &ProviderError{Kind: ProviderErrServer, Model: desc.Model, Message: "provider reported an error without one"}
	}
	return &ProviderError{Kind: ProviderErrServer, Model: desc.Model, Message: err.Error()}
}

// escalatableError reports whether a drafter failure may be absorbed by
// escalation. Caller-visible context endings surface instead.
func (c *controller) escalatableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConfig) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// pricingFor resolves pricing and surfaces unknown models once per call
// site via the event stream.
func (c *controller) pricingFor(desc ModelDescriptor, emitter *events.Emitter) ModelPricing {
	pricing, ok := c.registry.PricingFor(desc)
	if !ok && emitter != nil {
		emitter.Emit(events.Event{
			Type:      events.EventPricingUnknown,
			Component: "registry",
			Model:     desc.Model,
			Provider:  desc.Provider,
			Reason:    "model not in catalog; costing at zero",
		})
	}
	return pricing
}

func decisionLabel(passed bool) string {
	if passed {
		return "accepted"
	}
	return "rejected"
}
