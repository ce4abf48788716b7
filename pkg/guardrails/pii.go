package guardrails

import (
	"regexp"
	"strconv"
	"strings"
)

// PII subtypes, used as redaction labels.
const (
	SubtypeEmail      = "email"
	SubtypePhone      = "phone"
	SubtypeSSN        = "ssn"
	SubtypeCreditCard = "credit_card"
	SubtypeIP         = "ip"
)

// PII detector order matters: more specific formats run first so the
// overlap pass keeps, say, an SSN finding over a phone match on the
// same digits.
var piiDetectors = []struct {
	subtype  string
	pattern  *regexp.Regexp
	validate func(match string) bool
}{
	{
		subtype: SubtypeEmail,
		pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		subtype: SubtypeSSN,
		pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		subtype:  SubtypeCreditCard,
		pattern:  regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
		validate: validCardNumber,
	},
	{
		subtype:  SubtypePhone,
		pattern:  regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{3}\)[ .\-]?|\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`),
		validate: func(m string) bool { return digitCount(m) >= 10 },
	},
	{
		subtype:  SubtypeIP,
		pattern:  regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		validate: validIPv4,
	},
}

// detectPII returns a finding per detected span, unordered and possibly
// overlapping; callers dedupe.
func detectPII(text string) []Finding {
	var findings []Finding
	for _, d := range piiDetectors {
		for _, loc := range d.pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if d.validate != nil && !d.validate(match) {
				continue
			}
			findings = append(findings, Finding{
				Kind:    KindPII,
				Subtype: d.subtype,
				Start:   loc[0],
				End:     loc[1],
			})
		}
	}
	return findings
}

// validCardNumber keeps card-shaped digit runs only when they pass the
// Luhn checksum, filtering order numbers and timestamps.
func validCardNumber(match string) bool {
	digits := digitsOf(match)
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validIPv4 rejects dotted quads with out-of-range octets.
func validIPv4(match string) bool {
	for _, part := range strings.Split(match, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitCount(s string) int {
	return len(digitsOf(s))
}
