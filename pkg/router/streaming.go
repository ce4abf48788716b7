package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jefflaplante/cascade/pkg/events"
)

// StreamEventType tags one event on a caller-facing stream.
type StreamEventType string

const (
	// StreamStart opens every stream and names the model about to speak.
	StreamStart StreamEventType = "start"

	// StreamChunk carries a text delta from the current model.
	StreamChunk StreamEventType = "chunk"

	// StreamToolCall carries one complete, coalesced tool invocation.
	StreamToolCall StreamEventType = "tool_call"

	// StreamDraftDecision reports the quality gate's verdict on the
	// drafted content the caller has already seen.
	StreamDraftDecision StreamEventType = "draft_decision"

	// StreamSwitch announces that subsequent chunks come from a different
	// model and supersede everything streamed before it.
	StreamSwitch StreamEventType = "switch"

	// StreamComplete terminates a successful stream and carries the
	// final result.
	StreamComplete StreamEventType = "complete"

	// StreamError terminates a failed stream.
	StreamError StreamEventType = "error"
)

// DraftDecision is the quality gate's verdict as seen on a stream.
type DraftDecision struct {
	Accepted bool    `json:"accepted"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// StreamEvent is one element of a caller-facing stream. The sequence
// follows a fixed grammar:
//
//	start (chunk|tool_call)* draft_decision? (switch (chunk|tool_call)*)? complete
//
// or terminates with a single error event. After a switch, previously
// streamed chunks are superseded and must be discarded by the consumer.
// A route that bypasses the drafter opens with a switch whose FromModel
// is empty: nothing precedes it and nothing is superseded.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Model names the speaker for start; From/To name the handoff for
	// switch.
	Model     string `json:"model,omitempty"`
	FromModel string `json:"from_model,omitempty"`
	ToModel   string `json:"to_model,omitempty"`

	Delta    string         `json:"delta,omitempty"`
	ToolCall *ToolCall      `json:"tool_call,omitempty"`
	Decision *DraftDecision `json:"decision,omitempty"`

	// Result is set on complete.
	Result *CascadeResult `json:"result,omitempty"`

	// Error fields, set on error.
	ErrKind    string `json:"error_kind,omitempty"`
	ErrMessage string `json:"error_message,omitempty"`
}

// streamBufSize keeps fast producers from blocking on every chunk
// without letting an abandoned consumer pin a large buffer.
const streamBufSize = 16

// streamOutcome is one tier's accumulated streaming response.
type streamOutcome struct {
	resp      *ChatResponse
	usage     UsageCounts
	latencyMs int64
}

// toolAccumulator reassembles one tool call from stream fragments, in
// arrival order.
type toolAccumulator struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// executeStream runs the routed request as a live stream. It always
// sends exactly one terminal event (complete or error) and then closes
// out; finish is invoked exactly once with the result or error before
// the terminal event is sent.
func (c *controller) executeStream(ctx context.Context, in execInputs, out chan<- StreamEvent, finish func(*CascadeResult, error)) {
	defer close(out)

	result, err := c.streamRoute(ctx, in, out)
	finish(result, err)

	if err != nil {
		ev := StreamEvent{Type: StreamError, ErrKind: ErrorKind(err), ErrMessage: err.Error()}
		if ctx.Err() != nil {
			// Consumer may be gone; never block on a dead stream.
			select {
			case out <- ev:
			default:
			}
			return
		}
		sendStream(ctx, out, ev)
		return
	}
	sendStream(ctx, out, StreamEvent{Type: StreamComplete, Result: result})
}

// streamRoute dispatches the decided route on the stream path.
func (c *controller) streamRoute(ctx context.Context, in execInputs, out chan<- StreamEvent) (*CascadeResult, error) {
	switch in.decision.Route {
	case RouteDirectVerifier:
		return c.streamDirect(ctx, in, out, c.cfg.Verifier())
	case RouteDirectDrafter:
		return c.streamDirect(ctx, in, out, c.cfg.Drafter())
	default:
		return c.streamCascade(ctx, in, out)
	}
}

// streamDirect streams a single tier to the caller. When the route
// bypassed a configured drafter, a framing switch with an empty
// FromModel tells the consumer no draft prefix will ever arrive.
func (c *controller) streamDirect(ctx context.Context, in execInputs, out chan<- StreamEvent, desc ModelDescriptor) (*CascadeResult, error) {
	start := time.Now()
	if !sendStream(ctx, out, StreamEvent{Type: StreamStart, Model: desc.Model}) {
		return nil, ctxError(ctx)
	}

	verifier := c.cfg.Verifier()
	isVerifier := desc.Model == verifier.Model && desc.Provider == verifier.Provider
	if isVerifier && len(c.cfg.Models) > 1 {
		if !sendStream(ctx, out, StreamEvent{Type: StreamSwitch, ToModel: desc.Model}) {
			return nil, ctxError(ctx)
		}
	}

	outcome, err := c.streamModel(ctx, desc, in.req, out, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
	if err != nil {
		return nil, err
	}

	result := &CascadeResult{
		Content:         outcome.resp.Content,
		ToolCalls:       outcome.resp.ToolCalls,
		ModelUsed:       desc.Model,
		RoutingStrategy: StrategyDirect,
		Complexity:      in.complexity,
	}
	served := outcome.usage
	if isVerifier {
		result.VerifierUsage = &served
		result.Cost = buildCostBreakdown(costInputs{verifierUsage: &served, verifPricing: c.pricingFor(desc, in.emitter)})
		result.Latency = LatencyBreakdown{VerifierMs: outcome.latencyMs}
	} else {
		result.DraftAccepted = true
		result.DraftUsage = &served
		result.Cost = buildCostBreakdown(costInputs{
			draftUsage:    &served,
			draftPricing:  c.pricingFor(desc, in.emitter),
			verifPricing:  c.pricingFor(verifier, in.emitter),
			draftAccepted: true,
		})
		result.Latency = LatencyBreakdown{DraftMs: outcome.latencyMs}
	}
	result.Latency.TotalMs = time.Since(start).Milliseconds()
	return result, nil
}

// streamCascade streams the draft live, validates it, and on rejection
// switches the stream over to the verifier.
func (c *controller) streamCascade(ctx context.Context, in execInputs, out chan<- StreamEvent) (*CascadeResult, error) {
	start := time.Now()
	drafter := c.cfg.Drafter()
	verifier := c.cfg.Verifier()

	if !sendStream(ctx, out, StreamEvent{Type: StreamStart, Model: drafter.Model}) {
		return nil, ctxError(ctx)
	}

	in.trace.add("controller", "draft", drafter.Model)
	result := &CascadeResult{RoutingStrategy: StrategyCascade, Complexity: in.complexity}

	draft, draftErr := c.streamModel(ctx, drafter, in.req, out, in.emitter, events.EventDraftStarted, events.EventDraftCompleted)
	if draftErr != nil {
		if !c.escalatableError(ctx, draftErr) {
			return nil, draftErr
		}
		c.logger.Warn("drafter stream failed, escalating",
			zap.String("model", drafter.Model),
			zap.Error(draftErr))
		in.emitter.Emit(events.Event{
			Type:      events.EventEscalation,
			Component: "controller",
			FromModel: drafter.Model,
			ToModel:   verifier.Model,
			Reason:    "drafter_error",
			ErrorKind: ErrorKind(draftErr),
		})
		if !sendStream(ctx, out, StreamEvent{Type: StreamSwitch, FromModel: drafter.Model, ToModel: verifier.Model}) {
			return nil, ctxError(ctx)
		}
		result.Cascaded = true
		verify, verifyErr := c.streamModel(ctx, verifier, in.req, out, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
		if verifyErr != nil {
			return nil, verifyErr
		}
		c.fillStreamVerifier(result, in, verify, nil, start)
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
	if !sendStream(ctx, out, StreamEvent{
		Type:     StreamDraftDecision,
		Model:    drafter.Model,
		Decision: &DraftDecision{Accepted: verdict.Passed, Score: verdict.Score, Reason: string(verdict.Reason)},
	}) {
		return nil, ctxError(ctx)
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
	in.emitter.Emit(events.Event{
		Type:      events.EventEscalation,
		Component: "controller",
		FromModel: drafter.Model,
		ToModel:   verifier.Model,
		Reason:    string(verdict.Reason),
		Score:     verdict.Score,
	})

	if err := c.checkBudget(in, &callResult{usage: draft.usage}); err != nil {
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

	if !sendStream(ctx, out, StreamEvent{Type: StreamSwitch, FromModel: drafter.Model, ToModel: verifier.Model}) {
		return nil, ctxError(ctx)
	}
	in.trace.add("controller", "escalate", verifier.Model)
	verify, verifyErr := c.streamModel(ctx, verifier, in.req, out, in.emitter, events.EventVerifyStarted, events.EventVerifyCompleted)
	if verifyErr != nil {
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

	c.fillStreamVerifier(result, in, verify, draft, start)
	return result, nil
}

// fillStreamVerifier mirrors fillFromVerifier for stream outcomes.
func (c *controller) fillStreamVerifier(result *CascadeResult, in execInputs, verify *streamOutcome, draft *streamOutcome, start time.Time) {
	verifier := c.cfg.Verifier()
	verifUsage := verify.usage
	result.Content = verify.resp.Content
	result.ToolCalls = verify.resp.ToolCalls
	result.ModelUsed = verifier.Model
	result.VerifierUsage = &verifUsage

	ci := costInputs{verifierUsage: &verifUsage, verifPricing: c.pricingFor(verifier, in.emitter)}
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

// streamModel consumes one provider stream, forwarding text deltas as
// chunks and reassembling tool fragments into whole calls that are
// emitted after the text, before control events.
func (c *controller) streamModel(ctx context.Context, desc ModelDescriptor, req *ChatRequest, out chan<- StreamEvent, emitter *events.Emitter, startEvent, doneEvent events.EventType) (*streamOutcome, error) {
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

	emitter.Emit(events.Event{Type: startEvent, Component: "controller", Model: desc.Model, Provider: desc.Provider})

	start := time.Now()
	stream, err := desc.Client.Stream(callCtx, remapped)
	if err != nil {
		return nil, c.normalizeCallError(ctx, callCtx, desc, err)
	}

	var content strings.Builder
	var order []string
	accums := map[string]*toolAccumulator{}
	var usage *UsageCounts
	var metadata map[string]any
	finished := false

consume:
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				break consume
			}
			switch ev.Type {
			case ProviderEventDelta:
				content.WriteString(ev.Delta)
				if !sendStream(ctx, out, StreamEvent{Type: StreamChunk, Model: desc.Model, Delta: ev.Delta}) {
					return nil, ctxError(ctx)
				}
			case ProviderEventToolFragment:
				acc, ok := accums[ev.ToolID]
				if !ok {
					acc = &toolAccumulator{id: ev.ToolID}
					accums[ev.ToolID] = acc
					order = append(order, ev.ToolID)
				}
				acc.name.WriteString(ev.NameDelta)
				acc.args.WriteString(ev.ArgsDelta)
			case ProviderEventFinish:
				usage = ev.Usage
				metadata = ev.Metadata
				finished = true
				break consume
			case ProviderEventError:
				return nil, c.normalizeCallError(ctx, callCtx, desc, ev.Err)
			}
		case <-callCtx.Done():
			return nil, c.normalizeCallError(ctx, callCtx, desc, callCtx.Err())
		}
	}
	latency := time.Since(start).Milliseconds()

	if !finished && content.Len() == 0 && len(accums) == 0 {
		return nil, &ProviderError{Kind: ProviderErrServer, Model: desc.Model, Message: "stream ended without finish"}
	}

	toolCalls := coalesceTools(order, accums)
	for i := range toolCalls {
		tc := toolCalls[i]
		if !sendStream(ctx, out, StreamEvent{Type: StreamToolCall, Model: desc.Model, ToolCall: &tc}) {
			return nil, ctxError(ctx)
		}
	}

	resp := &ChatResponse{Content: content.String(), ToolCalls: toolCalls, Metadata: metadata}
	var counted UsageCounts
	if usage != nil && usage.Total() > 0 {
		counted = *usage
	} else {
		counted = estimateUsage(c.counter, remapped, resp.Content)
	}
	resp.Usage = counted

	emitter.Emit(events.Event{
		Type:      doneEvent,
		Component: "controller",
		Model:     desc.Model,
		Provider:  desc.Provider,
		LatencyMs: float64(latency),
	})
	return &streamOutcome{resp: resp, usage: counted, latencyMs: latency}, nil
}

// coalesceTools materialises accumulated fragments in arrival order.
// Unparseable args are preserved raw under "_raw" rather than dropped:
// the verifier or caller may still be able to salvage the call.
func coalesceTools(order []string, accums map[string]*toolAccumulator) []ToolCall {
	if len(order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(order))
	for _, id := range order {
		acc := accums[id]
		call := ToolCall{ID: acc.id, Name: acc.name.String()}
		raw := acc.args.String()
		if raw != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				call.Args = args
			} else {
				call.Args = map[string]any{"_raw": raw}
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// sendStream delivers a non-terminal event, blocking for backpressure.
// Returns false when the context ended first.
func sendStream(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
