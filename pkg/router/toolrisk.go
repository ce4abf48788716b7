package router

import "strings"

// ToolRisk is the blast-radius tier of a tool.
type ToolRisk int

const (
	// RiskLow covers read-only operations.
	RiskLow ToolRisk = iota

	// RiskMedium covers ordinary writes and mutations.
	RiskMedium

	// RiskHigh covers destructive or privilege-changing operations.
	RiskHigh

	// RiskCritical covers irreversible operations with real-world cost:
	// money movement and data destruction.
	RiskCritical
)

// String returns a human-readable name for the risk tier.
func (r ToolRisk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Escalates reports whether a draft invoking this tool must be verified
// regardless of its quality score.
func (r ToolRisk) Escalates() bool {
	return r >= RiskHigh
}

// Keyword tables for risk classification. Matched against tool name and
// description as whole words; precedence is critical > high > medium >
// low, so "delete_payment" classifies as critical.
var (
	criticalRiskWords = []string{
		"transfer", "payment", "wire", "withdraw", "charge", "refund",
		"destroy", "wipe",
	}
	highRiskWords = []string{
		"delete", "remove", "drop", "truncate", "terminate", "shutdown",
		"revoke", "grant", "deploy", "execute", "exec", "sudo", "chmod",
	}
	mediumRiskWords = []string{
		"write", "update", "create", "insert", "modify", "send", "post",
		"upload", "edit", "move", "rename",
	}
	lowRiskWords = []string{
		"get", "read", "search", "list", "fetch", "query", "view",
		"lookup", "describe", "check",
	}
)

// RiskTable caches per-request risk tags keyed by tool name.
type RiskTable map[string]ToolRisk

// For returns the tag for a tool name. Tools absent from the table (a
// model hallucinating a tool the request never declared) rate medium:
// unknown writes deserve a verifier look but not an automatic veto.
func (t RiskTable) For(name string) ToolRisk {
	if r, ok := t[name]; ok {
		return r
	}
	return RiskMedium
}

// MaxRisk returns the highest tag among the named tools.
func (t RiskTable) MaxRisk(calls []ToolCall) ToolRisk {
	max := RiskLow
	if len(calls) == 0 {
		return max
	}
	for _, c := range calls {
		if r := t.For(c.Name); r > max {
			max = r
		}
	}
	return max
}

// ClassifyTools tags every tool declared on a request.
func ClassifyTools(tools []ToolSpec) RiskTable {
	table := make(RiskTable, len(tools))
	for _, tool := range tools {
		table[tool.Name] = ClassifyTool(tool)
	}
	return table
}

// ClassifyTool derives a risk tag from a tool's name and description.
// No keyword match defaults to medium.
func ClassifyTool(tool ToolSpec) ToolRisk {
	words := riskTokens(tool.Name + " " + tool.Description)
	switch {
	case matchesAny(words, criticalRiskWords):
		return RiskCritical
	case matchesAny(words, highRiskWords):
		return RiskHigh
	case matchesAny(words, mediumRiskWords):
		return RiskMedium
	case matchesAny(words, lowRiskWords):
		return RiskLow
	default:
		return RiskMedium
	}
}

// riskTokens splits an identifier-ish string into lowered words:
// "deleteUserRecord" and "delete_user_record" both yield "delete".
func riskTokens(s string) map[string]bool {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var prev rune
	for _, r := range s {
		// Break camelCase at lower→upper transitions.
		if r >= 'A' && r <= 'Z' && prev >= 'a' && prev <= 'z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return tokenize(strings.ToLower(b.String()))
}

func matchesAny(words map[string]bool, table []string) bool {
	for _, w := range table {
		if words[w] {
			return true
		}
	}
	return false
}
