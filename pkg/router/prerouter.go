package router

// Route names where the pre-router sends a request.
type Route int

const (
	// RouteCascade drafts first and escalates on rejection.
	RouteCascade Route = iota

	// RouteDirectDrafter serves from the drafter with no validation.
	RouteDirectDrafter

	// RouteDirectVerifier skips the drafter entirely.
	RouteDirectVerifier

	// RouteReject refuses the request before any provider call.
	RouteReject
)

// String returns a human-readable name for the route.
func (r Route) String() string {
	switch r {
	case RouteCascade:
		return "cascade"
	case RouteDirectDrafter:
		return "direct_drafter"
	case RouteDirectVerifier:
		return "direct_verifier"
	case RouteReject:
		return "reject"
	default:
		return "unknown"
	}
}

// RouteDecision is the pre-router's output.
type RouteDecision struct {
	Route  Route  `json:"route"`
	Reason string `json:"reason"`
}

// routeInputs is the pre-router's view of one request. drafterAllowed
// and verifierAllowed reflect the resolved profile's preferred-model
// list; both default to true when no list is set.
type routeInputs struct {
	forceDirect     bool
	singleModel     bool
	rejected        bool
	complexity      Complexity
	policy          RoutingPolicy
	toolsWanted     bool
	drafterCaps     FeatureSet
	drafterAllowed  bool
	verifierAllowed bool
}

// decideRoute is an ordered decision table; the first matching rule
// wins. Guardrail rejection is evaluated by the caller before any of
// this runs, so a rejected request never reaches a provider, but the
// rule stays in the table to keep the outcome explicit in traces.
func decideRoute(in routeInputs) RouteDecision {
	switch {
	case in.rejected:
		return RouteDecision{Route: RouteReject, Reason: "guardrails rejected input"}
	case !in.drafterAllowed && !in.verifierAllowed:
		return RouteDecision{Route: RouteReject, Reason: "profile allows no configured model"}
	case in.forceDirect:
		return RouteDecision{Route: RouteDirectVerifier, Reason: "caller forced direct routing"}
	case !in.drafterAllowed:
		return RouteDecision{Route: RouteDirectVerifier, Reason: "profile excludes drafter"}
	case !in.verifierAllowed:
		return RouteDecision{Route: RouteDirectDrafter, Reason: "profile excludes verifier"}
	case in.singleModel:
		return RouteDecision{Route: RouteDirectVerifier, Reason: "single-model configuration"}
	case in.complexity >= ComplexityHard && in.policy.SkipDrafterForHard:
		return RouteDecision{Route: RouteDirectVerifier, Reason: "hard prompt skips drafter"}
	case in.complexity == ComplexityTrivial && in.policy.SkipVerifierForTrivial:
		return RouteDecision{Route: RouteDirectDrafter, Reason: "trivial prompt served by drafter"}
	case in.toolsWanted && !in.drafterCaps.Has(FeatureTools):
		return RouteDecision{Route: RouteDirectVerifier, Reason: "drafter lacks tool support"}
	default:
		return RouteDecision{Route: RouteCascade, Reason: "default cascade"}
	}
}
