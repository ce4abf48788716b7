package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jefflaplante/cascade/pkg/admission"
	"github.com/jefflaplante/cascade/pkg/events"
)

func twoTierConfig(drafter, verifier *MockProvider) *CascadeConfig {
	return &CascadeConfig{
		Models: []ModelDescriptor{
			{Provider: "openai", Model: "gpt-4o-mini", Client: drafter},
			{Provider: "openai", Model: "gpt-4o", Client: verifier},
		},
	}
}

func newTestController(cfg *CascadeConfig) *controller {
	return &controller{cfg: cfg, registry: NewRegistry(), logger: zap.NewNop()}
}

// cascadeInputs builds routed work for one user prompt with the default
// quality policy and no tools.
func cascadeInputs(prompt string, level Complexity) execInputs {
	return execInputs{
		req:        &ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: prompt}}},
		prompt:     prompt,
		decision:   RouteDecision{Route: RouteCascade, Reason: "default cascade"},
		complexity: ComplexityScore{Level: level},
		validator:  NewValidator(DefaultQualityPolicy(), nil, false, nil),
	}
}

// --- cascade execution tests ---

func TestController_AcceptedDraftEndsCascade(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("Paris is the capital of France.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("What is the capital of France?", ComplexityTrivial))
	require.NoError(t, err)

	assert.True(t, result.DraftAccepted)
	assert.False(t, result.Cascaded)
	assert.Equal(t, "gpt-4o-mini", result.ModelUsed)
	assert.Equal(t, StrategyCascade, result.RoutingStrategy)
	assert.Equal(t, "Paris is the capital of France.", result.Content)
	require.NotNil(t, result.Verdict)
	assert.Equal(t, ReasonOK, result.Verdict.Reason)

	// The verifier was never touched, in calls or in cost.
	assert.Equal(t, 1, drafter.GetCallCount())
	assert.Equal(t, 0, verifier.GetCallCount())
	require.NotNil(t, result.DraftUsage)
	assert.Nil(t, result.VerifierUsage)
	assert.Equal(t, 0.0, result.Cost.VerifierCost)
	assert.Greater(t, result.Cost.SavedAmount, 0.0)
}

func TestController_RejectedDraftEscalates(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)
	verifier.AddResponse("Byzantine consensus needs 3f+1 replicas to tolerate f faults.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.NoError(t, err)

	assert.True(t, result.Cascaded)
	assert.False(t, result.DraftAccepted)
	assert.Equal(t, "gpt-4o", result.ModelUsed)
	assert.Contains(t, result.Content, "Byzantine")
	require.NotNil(t, result.Verdict)
	assert.Equal(t, ReasonRefusal, result.Verdict.Reason)

	assert.Equal(t, 1, drafter.GetCallCount())
	assert.Equal(t, 1, verifier.GetCallCount())
	require.NotNil(t, result.DraftUsage)
	require.NotNil(t, result.VerifierUsage)

	// The wasted draft shows up as negative savings and as overhead.
	assert.InDelta(t, result.Cost.DraftCost+result.Cost.VerifierCost, result.Cost.TotalCost, 1e-12)
	assert.InDelta(t, -result.Cost.DraftCost, result.Cost.SavedAmount, 1e-12)
	assert.Equal(t, result.Latency.DraftMs, result.Latency.CascadeOverheadMs)
}

func TestController_HighRiskToolForcesEscalation(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("", []ToolCall{{ID: "t1", Name: "delete_user", Args: map[string]any{"id": "u42"}}})
	verifier.AddResponse("Deleting a user is irreversible; confirm the account first.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	in := cascadeInputs("remove user u42", ComplexityTrivial)
	in.req.Tools = []ToolSpec{{Name: "delete_user"}, {Name: "get_weather"}}
	in.risks = ClassifyTools(in.req.Tools)

	result, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	require.NotNil(t, result.Verdict)
	assert.Equal(t, ReasonHighRiskTool, result.Verdict.Reason)
	assert.True(t, result.Cascaded)
	assert.Equal(t, "gpt-4o", result.ModelUsed)
	assert.Equal(t, 1, verifier.GetCallCount())
}

func TestController_LowRiskToolDraftAccepted(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("", []ToolCall{{ID: "t1", Name: "get_weather", Args: map[string]any{"city": "Oslo"}}})
	ctl := newTestController(twoTierConfig(drafter, verifier))

	in := cascadeInputs("forecast for Oslo", ComplexitySimple)
	in.req.Tools = []ToolSpec{{Name: "get_weather"}}
	in.risks = ClassifyTools(in.req.Tools)

	result, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, result.DraftAccepted)
	assert.Equal(t, ReasonEmptyToolOnly, result.Verdict.Reason)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "get_weather", result.ToolCalls[0].Name)
	assert.Equal(t, 0, verifier.GetCallCount())
}

func TestController_DirectVerifier(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	verifier.AddResponse("Full answer from the capable tier.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	in := cascadeInputs("Design a protocol", ComplexityHard)
	in.decision = RouteDecision{Route: RouteDirectVerifier, Reason: "hard prompt skips drafter"}

	result, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, result.RoutingStrategy)
	assert.Equal(t, "gpt-4o", result.ModelUsed)
	assert.False(t, result.Cascaded)
	assert.False(t, result.DraftAccepted)
	assert.Nil(t, result.Verdict) // no draft was judged
	assert.Nil(t, result.DraftUsage)
	require.NotNil(t, result.VerifierUsage)
	assert.Equal(t, 0, drafter.GetCallCount())
	assert.Equal(t, 1, verifier.GetCallCount())

	// Verifier-only is its own counterfactual.
	assert.InDelta(t, 0.0, result.Cost.SavedAmount, 1e-12)
}

func TestController_DirectDrafter(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("Hello! How can I help?", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	in := cascadeInputs("hey", ComplexityTrivial)
	in.decision = RouteDecision{Route: RouteDirectDrafter, Reason: "trivial prompt served by drafter"}

	result, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, result.RoutingStrategy)
	assert.Equal(t, "gpt-4o-mini", result.ModelUsed)
	assert.True(t, result.DraftAccepted)
	assert.Nil(t, result.Verdict)
	assert.Equal(t, 0, verifier.GetCallCount())
	assert.Greater(t, result.Cost.SavedAmount, 0.0)
}

// --- failure handling tests ---

func TestController_DrafterErrorSilentlyEscalates(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddErrorResponse(&ProviderError{Kind: ProviderErrServer, Message: "upstream 500"})
	verifier.AddResponse("Recovered by the verifier.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.NoError(t, err)

	assert.True(t, result.Cascaded)
	assert.Equal(t, "gpt-4o", result.ModelUsed)
	assert.Nil(t, result.Verdict)
	assert.Nil(t, result.DraftUsage) // failed call produced no billable tokens
	assert.InDelta(t, 0.0, result.Cost.SavedAmount, 1e-12)
}

func TestController_VerifierErrorReturnsPartialResult(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)
	verifier.AddErrorResponse(&ProviderError{Kind: ProviderErrServer, Message: "upstream 500"})
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProviderErrServer, pe.Kind)
	assert.Equal(t, "gpt-4o", pe.Model)

	// The draft was paid for; the partial result carries its accounting.
	require.NotNil(t, result)
	require.NotNil(t, result.DraftUsage)
	assert.Greater(t, result.Cost.DraftCost, 0.0)
	assert.Empty(t, result.Content)
	assert.Equal(t, result.Latency.DraftMs, result.Latency.CascadeOverheadMs)
}

func TestController_CancelledDrafterSurfaces(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddErrorResponse(&ProviderError{Kind: ProviderErrCancelled, Message: "caller hung up"})
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, verifier.GetCallCount())
}

func TestController_ParentCancellationWins(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	ctl := newTestController(twoTierConfig(drafter, verifier))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := ctl.execute(ctx, cascadeInputs("Explain consensus", ComplexityModerate))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, KindCancelled, ErrorKind(err))
	assert.Equal(t, 0, verifier.GetCallCount())
}

func TestController_PerModelTimeoutEscalates(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.SetLatency(200 * time.Millisecond)
	drafter.AddResponse("too late to matter", nil)
	verifier.AddResponse("Served within its own deadline.", nil)

	cfg := twoTierConfig(drafter, verifier)
	cfg.PerModelTimeout = 20 * time.Millisecond
	ctl := newTestController(cfg)

	// The drafter deadline is per call, not per request: the verifier
	// gets a fresh one and rescues the request.
	verifier.SetLatency(0)
	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.NoError(t, err)
	assert.True(t, result.Cascaded)
	assert.Equal(t, "gpt-4o", result.ModelUsed)
}

func TestController_BudgetAbortsEscalation(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)

	cfg := twoTierConfig(drafter, verifier)
	cfg.Budget.MaxPerRequest = 0.000001
	ctl := newTestController(cfg)

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.Error(t, err)

	var be *admission.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0.000001, be.BudgetUSD)
	assert.Equal(t, KindBudgetExceeded, ErrorKind(err))

	// No verifier call was made, and the sunk draft is accounted.
	assert.Equal(t, 0, verifier.GetCallCount())
	require.NotNil(t, result)
	require.NotNil(t, result.DraftUsage)
	assert.Greater(t, result.Cost.DraftCost, 0.0)
}

func TestController_BudgetAllowsAcceptedDraft(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("Paris is the capital of France.", nil)

	cfg := twoTierConfig(drafter, verifier)
	cfg.Budget.MaxPerRequest = 0.000001 // cheaper than any verifier call
	ctl := newTestController(cfg)

	// An accepted draft never reaches the budget gate.
	result, err := ctl.execute(context.Background(), cascadeInputs("What is the capital of France?", ComplexityTrivial))
	require.NoError(t, err)
	assert.True(t, result.DraftAccepted)
}

// --- speculative mode tests ---

func TestController_SpeculativeMatchesSequentialOnEscalation(t *testing.T) {
	run := func(speculative bool) *CascadeResult {
		drafter := NewMockProvider("openai")
		verifier := NewMockProvider("openai")
		drafter.AddResponse("idk", nil)
		verifier.AddResponse("Byzantine consensus needs 3f+1 replicas.", nil)
		cfg := twoTierConfig(drafter, verifier)
		cfg.Speculative = speculative
		ctl := newTestController(cfg)

		result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
		require.NoError(t, err)
		assert.LessOrEqual(t, drafter.GetCallCount()+verifier.GetCallCount(), 2)
		return result
	}

	seq := run(false)
	spec := run(true)

	assert.Equal(t, seq.Content, spec.Content)
	assert.Equal(t, seq.ModelUsed, spec.ModelUsed)
	assert.Equal(t, seq.Cascaded, spec.Cascaded)
	assert.Equal(t, seq.DraftAccepted, spec.DraftAccepted)
	assert.Equal(t, seq.Verdict.Reason, spec.Verdict.Reason)
	assert.InDelta(t, seq.Cost.TotalCost, spec.Cost.TotalCost, 1e-12)
	assert.InDelta(t, seq.Cost.SavedAmount, spec.Cost.SavedAmount, 1e-12)
}

func TestController_SpeculativeAcceptDiscardsVerifier(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("Paris is the capital of France.", nil)
	verifier.SetLatency(50 * time.Millisecond)
	verifier.AddResponse("should never be visible", nil)

	cfg := twoTierConfig(drafter, verifier)
	cfg.Speculative = true
	ctl := newTestController(cfg)

	result, err := ctl.execute(context.Background(), cascadeInputs("What is the capital of France?", ComplexityTrivial))
	require.NoError(t, err)

	assert.True(t, result.DraftAccepted)
	assert.Equal(t, "gpt-4o-mini", result.ModelUsed)
	assert.Equal(t, "Paris is the capital of France.", result.Content)
	// The speculative call leaves no trace on the result.
	assert.Nil(t, result.VerifierUsage)
	assert.Equal(t, 0.0, result.Cost.VerifierCost)
	assert.LessOrEqual(t, drafter.GetCallCount()+verifier.GetCallCount(), 2)
}

func TestController_SpeculativeBudgetFallsBackSequential(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)

	cfg := twoTierConfig(drafter, verifier)
	cfg.Speculative = true
	cfg.Budget.MaxPerRequest = 0.000001
	ctl := newTestController(cfg)

	result, err := ctl.execute(context.Background(), cascadeInputs("Explain consensus", ComplexityModerate))
	require.Error(t, err)

	var be *admission.BudgetExceededError
	assert.ErrorAs(t, err, &be)
	assert.Equal(t, 0, verifier.GetCallCount()) // nothing was launched speculatively
	require.NotNil(t, result)
	require.NotNil(t, result.Verdict)
}

// --- accounting and observability tests ---

func TestController_EstimatesMissingUsage(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.SetResponses([]MockResponse{{Content: "Paris is the capital of France."}}) // no usage reported
	ctl := newTestController(twoTierConfig(drafter, verifier))

	result, err := ctl.execute(context.Background(), cascadeInputs("What is the capital of France?", ComplexityTrivial))
	require.NoError(t, err)

	require.NotNil(t, result.DraftUsage)
	assert.True(t, result.DraftUsage.Estimated)
	assert.Greater(t, result.DraftUsage.CompletionTokens, 0)
	assert.True(t, result.Cost.Estimated)
}

func TestController_EmitsCascadeEventsInOrder(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)
	verifier.AddResponse("A full answer.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	bus := events.NewBus()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	in := cascadeInputs("Explain consensus", ComplexityModerate)
	in.emitter = events.NewEmitter(bus, "req-1", "alice")
	_, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	var types []events.EventType
drain:
	for {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "req-1", ev.RequestID)
			types = append(types, ev.Type)
		default:
			break drain
		}
	}
	assert.Equal(t, []events.EventType{
		events.EventDraftStarted,
		events.EventDraftCompleted,
		events.EventDraftValidated,
		events.EventEscalation,
		events.EventVerifyStarted,
		events.EventVerifyCompleted,
	}, types)
}

func TestController_EscalationEventNamesBothTiers(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)
	verifier.AddResponse("A full answer.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	bus := events.NewBus()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	in := cascadeInputs("Explain consensus", ComplexityModerate)
	in.emitter = events.NewEmitter(bus, "req-1", "")
	_, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	var esc *events.Event
drain:
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.EventEscalation {
				esc = &ev
			}
		default:
			break drain
		}
	}
	require.NotNil(t, esc)
	assert.Equal(t, "gpt-4o-mini", esc.FromModel)
	assert.Equal(t, "gpt-4o", esc.ToModel)
	assert.Equal(t, string(ReasonRefusal), esc.Reason)
}

func TestController_UnknownModelCostsZeroAndWarns(t *testing.T) {
	drafter := NewMockProvider("local")
	verifier := NewMockProvider("local")
	drafter.AddResponse("Paris is the capital of France.", nil)

	cfg := &CascadeConfig{Models: []ModelDescriptor{
		{Provider: "local", Model: "homebrew-7b", Client: drafter},
		{Provider: "local", Model: "homebrew-70b", Client: verifier},
	}}
	ctl := newTestController(cfg)

	bus := events.NewBus()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	in := cascadeInputs("What is the capital of France?", ComplexityTrivial)
	in.emitter = events.NewEmitter(bus, "req-1", "")
	result, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.Cost.TotalCost)

	sawPricingWarning := false
drain:
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.EventPricingUnknown {
				sawPricingWarning = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawPricingWarning, "expected a pricing_unknown event for an uncataloged model")
}

func TestController_TraceCollectsDecisions(t *testing.T) {
	drafter := NewMockProvider("openai")
	verifier := NewMockProvider("openai")
	drafter.AddResponse("idk", nil)
	verifier.AddResponse("A full answer.", nil)
	ctl := newTestController(twoTierConfig(drafter, verifier))

	in := cascadeInputs("Explain consensus", ComplexityModerate)
	in.trace = &traceRecorder{}
	_, err := ctl.execute(context.Background(), in)
	require.NoError(t, err)

	entries := in.trace.list()
	require.NotEmpty(t, entries)

	var components []string
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		components = append(components, e.Component)
	}
	assert.Contains(t, components, "controller")
	assert.Contains(t, components, "validator")
}

func TestController_NormalizesNilProviderErrors(t *testing.T) {
	ctl := newTestController(twoTierConfig(NewMockProvider("d"), NewMockProvider("v")))
	ctx := context.Background()
	desc := ModelDescriptor{Model: "gpt-4o-mini"}

	// A client that signals failure with no error at all.
	err := ctl.normalizeCallError(ctx, ctx, desc, nil)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProviderErrServer, pe.Kind)
	assert.Equal(t, "gpt-4o-mini", pe.Model)
	assert.NotEmpty(t, pe.Message)

	// A typed-nil *ProviderError must not be dereferenced.
	var typedNil *ProviderError
	err = ctl.normalizeCallError(ctx, ctx, desc, typedNil)
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe)
	assert.Equal(t, ProviderErrServer, pe.Kind)
	assert.Equal(t, "gpt-4o-mini", pe.Model)
}
