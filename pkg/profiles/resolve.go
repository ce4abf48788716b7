package profiles

import (
	"errors"
	"fmt"
)

// ErrUnknownTier reports a profile naming a tier the resolver does not
// know.
var ErrUnknownTier = errors.New("unknown tier")

// DefaultTiers returns the built-in presets. Enterprise is deliberately
// open-ended: only quality is floored, nothing is rate limited.
func DefaultTiers() []Tier {
	return []Tier{
		{
			Name:            "free",
			RequestsPerHour: intp(30),
			RequestsPerDay:  intp(200),
			DailyBudget:     floatp(1.0),
			MinQuality:      floatp(0.5),
		},
		{
			Name:            "pro",
			RequestsPerHour: intp(300),
			RequestsPerDay:  intp(2000),
			DailyBudget:     floatp(25.0),
			MinQuality:      floatp(0.6),
		},
		{
			Name:       "enterprise",
			MinQuality: floatp(0.6),
		},
	}
}

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

// Resolver layers profiles over tier presets.
type Resolver struct {
	tiers map[string]Tier
}

// NewResolver builds a resolver over the given tiers; with none given
// it uses the defaults.
func NewResolver(tiers ...Tier) *Resolver {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return &Resolver{tiers: m}
}

// Resolve computes effective limits for one request. Precedence per
// field: request override > workflow profile > user profile > tier
// preset > engine default (unlimited, both guardrail passes on). The
// tier comes from the highest-precedence profile naming one; naming an
// unknown tier is an error rather than a silent fallthrough to
// unlimited. Nil-safe: all three profiles may be nil.
func (r *Resolver) Resolve(user, workflow, override *Profile) (Limits, error) {
	var limits Limits

	chain := []*Profile{override, workflow, user}

	tierName := firstTier(chain)
	if tierName != "" {
		tier, ok := r.lookupTier(tierName)
		if !ok {
			return Limits{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
		}
		limits.RequestsPerHour = tier.RequestsPerHour
		limits.RequestsPerDay = tier.RequestsPerDay
		limits.DailyBudget = tier.DailyBudget
		limits.MinQuality = tier.MinQuality
	}

	// Walk lowest precedence first so later layers overwrite.
	for i := len(chain) - 1; i >= 0; i-- {
		p := chain[i]
		if p == nil {
			continue
		}
		if p.RequestsPerHour != nil {
			limits.RequestsPerHour = p.RequestsPerHour
		}
		if p.RequestsPerDay != nil {
			limits.RequestsPerDay = p.RequestsPerDay
		}
		if p.DailyBudget != nil {
			limits.DailyBudget = p.DailyBudget
		}
		if p.Weights != nil {
			limits.Weights = *p.Weights
		}
		if p.Latency != nil {
			limits.Latency = *p.Latency
		}
		if len(p.PreferredModels) > 0 {
			limits.PreferredModels = p.PreferredModels
		}
	}

	limits.ContentModeration = resolveFlag(chain, func(p *Profile) *bool { return p.ContentModeration })
	limits.PIIDetection = resolveFlag(chain, func(p *Profile) *bool { return p.PIIDetection })
	return limits, nil
}

func (r *Resolver) lookupTier(name string) (Tier, bool) {
	if r == nil {
		for _, t := range DefaultTiers() {
			if t.Name == name {
				return t, true
			}
		}
		return Tier{}, false
	}
	t, ok := r.tiers[name]
	return t, ok
}

// firstTier returns the tier named by the highest-precedence profile.
func firstTier(chain []*Profile) string {
	for _, p := range chain {
		if p != nil && p.Tier != "" {
			return p.Tier
		}
	}
	return ""
}

// resolveFlag takes the highest-precedence explicit setting; unset
// everywhere defaults to enabled.
func resolveFlag(chain []*Profile, get func(*Profile) *bool) bool {
	for _, p := range chain {
		if p == nil {
			continue
		}
		if v := get(p); v != nil {
			return *v
		}
	}
	return true
}
