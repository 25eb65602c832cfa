package promptcheck

import "regexp"

// InjectionSeverity grades an injection pattern match.
type InjectionSeverity string

const (
	SeverityCritical InjectionSeverity = "critical"
	SeverityHigh     InjectionSeverity = "high"
	SeverityMedium   InjectionSeverity = "medium"
	SeverityLow      InjectionSeverity = "low"
)

var severityRank = map[InjectionSeverity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// InjectionPattern is one entry of the OWASP LLM01-style pattern set.
type InjectionPattern struct {
	Name     string
	Severity InjectionSeverity
	Regex    *regexp.Regexp
}

// InjectionMatch reports the highest-severity pattern found in a prompt.
type InjectionMatch struct {
	Pattern  string
	Severity InjectionSeverity
	Excerpt  string
}

// injectionPatterns is walked in full for every prompt; the highest
// severity match wins. All patterns are case-insensitive.
var injectionPatterns = []InjectionPattern{
	{
		Name:     "destructive-execute",
		Severity: SeverityCritical,
		Regex:    regexp.MustCompile(`(?i)execute:\s*(rm\s+-rf|del\s+/|format\s+c:|drop\s+table|truncate\s+table|shutdown)`),
	},
	{
		Name:     "instruction-override",
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directions)`),
	},
	{
		Name:     "role-impersonation",
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`(?i)(you\s+are\s+now|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(if\s+you\s+are\s+)?(root|admin|system))`),
	},
	{
		Name:     "delimiter-attack",
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`(?i)(--|;|\|\|)\s*(drop|delete|truncate|rm\s+-rf|shutdown)\b`),
	},
	{
		Name:     "code-fence",
		Severity: SeverityMedium,
		Regex:    regexp.MustCompile("```"),
	},
	{
		Name:     "triple-quote-block",
		Severity: SeverityMedium,
		Regex:    regexp.MustCompile(`"""`),
	},
	{
		Name:     "template-expansion",
		Severity: SeverityMedium,
		Regex:    regexp.MustCompile(`\$\{[^}]*\}`),
	},
	{
		Name:     "system-instruction-tamper",
		Severity: SeverityLow,
		Regex:    regexp.MustCompile(`(?i)(override|replace|modify)\s+(the\s+)?system\s+(instructions|prompt|rules)`),
	},
}

// DetectInjection walks every pattern and returns the highest-severity
// match, or nil when the prompt is clean.
func DetectInjection(prompt string) *InjectionMatch {
	var best *InjectionMatch
	for i := range injectionPatterns {
		p := &injectionPatterns[i]
		loc := p.Regex.FindStringIndex(prompt)
		if loc == nil {
			continue
		}
		if best != nil && severityRank[p.Severity] <= severityRank[best.Severity] {
			continue
		}
		end := loc[1]
		if end > loc[0]+60 {
			end = loc[0] + 60
		}
		best = &InjectionMatch{
			Pattern:  p.Name,
			Severity: p.Severity,
			Excerpt:  prompt[loc[0]:end],
		}
	}
	return best
}
