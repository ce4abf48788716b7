// Package profiles resolves per-identity limits and preferences from layered
// configuration: request override > workflow profile > user profile > tier
// preset > global default.
package profiles

// Tier is a named preset of limits. A nil field means "unlimited".
type Tier struct {
	Name            string   `json:"name" yaml:"name"`
	RequestsPerHour *int     `json:"requests_per_hour,omitempty" yaml:"requests_per_hour,omitempty"`
	RequestsPerDay  *int     `json:"requests_per_day,omitempty" yaml:"requests_per_day,omitempty"`
	DailyBudget     *float64 `json:"daily_budget,omitempty" yaml:"daily_budget,omitempty"`
	MinQuality      *float64 `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
}

// OptimizationWeights expresses the caller's cost/speed/quality preference.
type OptimizationWeights struct {
	Cost    float64 `json:"cost" yaml:"cost"`
	Speed   float64 `json:"speed" yaml:"speed"`
	Quality float64 `json:"quality" yaml:"quality"`
}

// LatencyCaps bounds provider call time. Zero means no cap.
type LatencyCaps struct {
	PerModelMs int64 `json:"per_model_ms,omitempty" yaml:"per_model_ms,omitempty"`
	TotalMs    int64 `json:"total_ms,omitempty" yaml:"total_ms,omitempty"`
}

// Profile describes one identity (or one workflow, or one request override).
// Optional fields are pointers; nil inherits from the next layer down.
type Profile struct {
	Identity string `json:"identity,omitempty" yaml:"identity,omitempty"`
	Tier     string `json:"tier,omitempty" yaml:"tier,omitempty"`

	RequestsPerHour *int     `json:"requests_per_hour,omitempty" yaml:"requests_per_hour,omitempty"`
	RequestsPerDay  *int     `json:"requests_per_day,omitempty" yaml:"requests_per_day,omitempty"`
	DailyBudget     *float64 `json:"daily_budget,omitempty" yaml:"daily_budget,omitempty"`

	ContentModeration *bool `json:"content_moderation,omitempty" yaml:"content_moderation,omitempty"`
	PIIDetection      *bool `json:"pii_detection,omitempty" yaml:"pii_detection,omitempty"`

	Weights         *OptimizationWeights `json:"weights,omitempty" yaml:"weights,omitempty"`
	Latency         *LatencyCaps         `json:"latency,omitempty" yaml:"latency,omitempty"`
	PreferredModels []string             `json:"preferred_models,omitempty" yaml:"preferred_models,omitempty"`
}

// ModerationEnabled reports whether content moderation applies for this
// profile. Nil profile and nil flag both default to enabled.
func (p *Profile) ModerationEnabled() bool {
	if p == nil || p.ContentModeration == nil {
		return true
	}
	return *p.ContentModeration
}

// PIIDetectionEnabled reports whether PII detection applies for this
// profile. Nil profile and nil flag both default to enabled.
func (p *Profile) PIIDetectionEnabled() bool {
	if p == nil || p.PIIDetection == nil {
		return true
	}
	return *p.PIIDetection
}

// Limits is the fully resolved configuration for one request.
type Limits struct {
	RequestsPerHour *int
	RequestsPerDay  *int
	DailyBudget     *float64
	MinQuality      *float64

	ContentModeration bool
	PIIDetection      bool

	Weights         OptimizationWeights
	Latency         LatencyCaps
	PreferredModels []string
}

// ModelAllowed reports whether a model may serve requests under these
// limits. An empty allow-list permits everything.
func (l Limits) ModelAllowed(model string) bool {
	if len(l.PreferredModels) == 0 {
		return true
	}
	for _, m := range l.PreferredModels {
		if m == model {
			return true
		}
	}
	return false
}
