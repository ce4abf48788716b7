package guardrails

import "regexp"

// moderationRules maps each category to its detection patterns. These
// are first-pass lexical filters, not a content classifier: they catch
// the unambiguous cases cheaply so no model ever sees them. Patterns
// deliberately require an action verb plus a target or method, since
// bare topic words ("violence", "drugs") are legitimate in analytical
// prompts.
var moderationRules = []struct {
	kind     Kind
	patterns []*regexp.Regexp
}{
	{
		kind: KindViolence,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow to (make|build|construct) (a |an )?(bomb|explosive|pipe bomb|weapon)\b`),
			regexp.MustCompile(`(?i)\b(kill|murder|attack|maim) (someone|somebody|people|a person|him|her|them)\b`),
			regexp.MustCompile(`(?i)\bplan(ning)? (a |an )?(attack|shooting|assassination)\b`),
		},
	},
	{
		kind: KindHate,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(ethnic|racial) cleansing\b`),
			regexp.MustCompile(`(?i)\b\w+ (people|group)s? (are|is) (subhuman|vermin)\b`),
			regexp.MustCompile(`(?i)\b(exterminate|eradicate) (all |the )?\w+ (people|population)\b`),
		},
	},
	{
		kind: KindSelfHarm,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow to (kill|hurt|harm) myself\b`),
			regexp.MustCompile(`(?i)\b(painless|best) way to (die|end my life)\b`),
			regexp.MustCompile(`(?i)\bself[- ]harm (methods|techniques|instructions)\b`),
		},
	},
	{
		kind: KindSexual,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bsexual content involving (a )?(child|children|minor)s?\b`),
			regexp.MustCompile(`(?i)\bexplicit sexual (roleplay|story) involving\b`),
		},
	},
	{
		kind: KindIllegal,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow to (launder money|make meth|synthesize (meth|heroin|fentanyl))\b`),
			regexp.MustCompile(`(?i)\b(buy|sell|purchase) (stolen (credit cards?|identities)|illegal firearms)\b`),
			regexp.MustCompile(`(?i)\bhot-?wire (a |someone'?s )?car\b`),
		},
	},
}

// moderate returns one finding per matched span across all categories.
func moderate(text string) []Finding {
	var findings []Finding
	for _, rule := range moderationRules {
		for _, re := range rule.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				findings = append(findings, Finding{Kind: rule.kind, Start: loc[0], End: loc[1]})
			}
		}
	}
	return findings
}
