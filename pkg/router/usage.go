package router

import (
	"sync"
	"time"
)

// ModelUsageRecord tracks usage metrics for a specific model.
type ModelUsageRecord struct {
	Model             string    `json:"model"`
	Provider          string    `json:"provider"`
	TotalRequests     int64     `json:"total_requests"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	TotalCost         float64   `json:"total_cost"`
	TotalLatencyMs    int64     `json:"total_latency_ms"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	LastUsed          time.Time `json:"last_used"`
	ErrorCount        int64     `json:"error_count"`
}

// UsageSnapshot holds a point-in-time summary of engine usage.
type UsageSnapshot struct {
	Models         map[string]*ModelUsageRecord `json:"models"`
	Requests       int64                        `json:"requests"`
	DraftsAccepted int64                        `json:"drafts_accepted"`
	Escalations    int64                        `json:"escalations"`
	TotalCost      float64                      `json:"total_cost"`
	TotalSaved     float64                      `json:"total_saved"`
	Since          time.Time                    `json:"since"`
	Snapshot       time.Time                    `json:"snapshot"`
}

// AcceptanceRate returns drafts accepted over cascade attempts.
func (s UsageSnapshot) AcceptanceRate() float64 {
	attempts := s.DraftsAccepted + s.Escalations
	if attempts == 0 {
		return 0
	}
	return float64(s.DraftsAccepted) / float64(attempts)
}

// UsageTracker tracks per-model usage and cascade outcomes in memory.
// Thread-safe via mutex.
type UsageTracker struct {
	mu             sync.RWMutex
	models         map[string]*ModelUsageRecord
	requests       int64
	draftsAccepted int64
	escalations    int64
	totalCost      float64
	totalSaved     float64
	startTime      time.Time
}

// NewUsageTracker creates a new usage tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		models:    make(map[string]*ModelUsageRecord),
		startTime: time.Now(),
	}
}

// RecordCall records one successful provider call.
func (ut *UsageTracker) RecordCall(provider, model string, usage UsageCounts, cost float64, latencyMs int64) {
	if ut == nil {
		return
	}
	ut.mu.Lock()
	defer ut.mu.Unlock()

	mr := ut.record(provider, model)
	mr.TotalRequests++
	mr.TotalInputTokens += int64(usage.PromptTokens)
	mr.TotalOutputTokens += int64(usage.CompletionTokens)
	mr.TotalCost += cost
	mr.TotalLatencyMs += latencyMs
	mr.AvgLatencyMs = float64(mr.TotalLatencyMs) / float64(mr.TotalRequests)
	mr.LastUsed = time.Now()
}

// RecordError records a failed provider call.
func (ut *UsageTracker) RecordError(provider, model string) {
	if ut == nil {
		return
	}
	ut.mu.Lock()
	defer ut.mu.Unlock()

	mr := ut.record(provider, model)
	mr.ErrorCount++
	mr.TotalRequests++
}

// RecordOutcome records one finished request: whether a draft ended the
// cascade, and the spend it saved (or wasted) against verifier-only.
func (ut *UsageTracker) RecordOutcome(result *CascadeResult) {
	if ut == nil || result == nil {
		return
	}
	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.requests++
	ut.totalCost += result.Cost.TotalCost
	ut.totalSaved += result.Cost.SavedAmount
	if result.DraftAccepted {
		ut.draftsAccepted++
	}
	if result.Cascaded {
		ut.escalations++
	}
}

func (ut *UsageTracker) record(provider, model string) *ModelUsageRecord {
	mr, ok := ut.models[model]
	if !ok {
		mr = &ModelUsageRecord{Model: model, Provider: provider}
		ut.models[model] = mr
	}
	return mr
}

// GetSnapshot returns a point-in-time copy of all usage data.
func (ut *UsageTracker) GetSnapshot() UsageSnapshot {
	if ut == nil {
		return UsageSnapshot{}
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()

	snapshot := UsageSnapshot{
		Models:         make(map[string]*ModelUsageRecord, len(ut.models)),
		Requests:       ut.requests,
		DraftsAccepted: ut.draftsAccepted,
		Escalations:    ut.escalations,
		TotalCost:      ut.totalCost,
		TotalSaved:     ut.totalSaved,
		Since:          ut.startTime,
		Snapshot:       time.Now(),
	}
	for k, v := range ut.models {
		cp := *v
		snapshot.Models[k] = &cp
	}
	return snapshot
}

// SnapshotMap renders the snapshot as loose key/values for event
// payloads.
func (ut *UsageTracker) SnapshotMap() map[string]any {
	s := ut.GetSnapshot()
	return map[string]any{
		"requests":        s.Requests,
		"drafts_accepted": s.DraftsAccepted,
		"escalations":     s.Escalations,
		"acceptance_rate": s.AcceptanceRate(),
		"total_cost":      s.TotalCost,
		"total_saved":     s.TotalSaved,
		"since":           s.Since,
	}
}

// Reset clears all usage data and resets the start time.
func (ut *UsageTracker) Reset() {
	if ut == nil {
		return
	}
	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.models = make(map[string]*ModelUsageRecord)
	ut.requests = 0
	ut.draftsAccepted = 0
	ut.escalations = 0
	ut.totalCost = 0
	ut.totalSaved = 0
	ut.startTime = time.Now()
}
