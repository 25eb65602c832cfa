// Package promptcheck accepts or rejects agent prompts before dispatch and
// sanitizes their content. Validation runs security checks first: a prompt
// carrying an injection pattern is rejected no matter what else is wrong
// with it.
package promptcheck

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Prompt size limits.
const (
	MaxCharacters = 500
	MaxTokens     = 125
	MaxTaskChars  = 200
	MaxFileCount  = 5
)

// ValidationError is one defect found in a prompt.
type ValidationError struct {
	Code     faults.Code       `json:"code"`
	Message  string            `json:"message"`
	Severity InjectionSeverity `json:"severity,omitempty"`
}

// Result is the outcome of validating one prompt.
type Result struct {
	Valid           bool              `json:"valid"`
	Errors          []ValidationError `json:"errors,omitempty"`
	EstimatedTokens int               `json:"estimated_tokens"`
}

// EstimateTokens approximates the token count as ceil(runes/4), so
// multi-byte text is not over-counted against the limit.
func EstimateTokens(prompt string) int {
	return (utf8.RuneCountInString(prompt) + 3) / 4
}

// Validate checks a prompt in fixed order: injection, size, structure,
// forbidden content. It stops at the first failing stage so an injection
// is always the reported defect when present.
func Validate(prompt string) Result {
	res := Result{EstimatedTokens: EstimateTokens(prompt)}

	stages := []func(string) []ValidationError{
		checkInjection,
		checkSize,
		checkStructure,
		checkForbidden,
	}
	for _, stage := range stages {
		if errs := stage(prompt); len(errs) > 0 {
			res.Errors = errs
			logging.PromptCheck("prompt rejected: %s", errs[0].Code)
			return res
		}
	}

	res.Valid = true
	return res
}

func checkInjection(prompt string) []ValidationError {
	match := DetectInjection(prompt)
	if match == nil {
		return nil
	}
	return []ValidationError{{
		Code:     faults.CodeInjectionDetected,
		Message:  "injection pattern " + match.Pattern + " matched near " + strings.TrimSpace(match.Excerpt),
		Severity: match.Severity,
	}}
}

func checkSize(prompt string) []ValidationError {
	var errs []ValidationError
	if chars := utf8.RuneCountInString(prompt); chars > MaxCharacters {
		errs = append(errs, ValidationError{
			Code:    faults.CodePromptTooLarge,
			Message: "prompt has " + strconv.Itoa(chars) + " characters, limit is " + strconv.Itoa(MaxCharacters),
		})
	}
	if tokens := EstimateTokens(prompt); tokens > MaxTokens {
		errs = append(errs, ValidationError{
			Code:    faults.CodeTooManyTokens,
			Message: "prompt estimates to " + strconv.Itoa(tokens) + " tokens, limit is " + strconv.Itoa(MaxTokens),
		})
	}
	return errs
}

// sectionLabels in canonical order. Sections may appear in any order in
// the prompt itself.
var sectionLabels = []string{"task", "files", "output", "rules"}

// parseSections splits a prompt into its labeled sections. A section runs
// from its label to the next label or the end of the prompt.
func parseSections(prompt string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var buf []string

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = nil
	}

	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		matched := false
		for _, label := range sectionLabels {
			if strings.HasPrefix(lower, label+":") {
				flush()
				current = label
				buf = append(buf, strings.TrimSpace(trimmed[len(label)+1:]))
				matched = true
				break
			}
		}
		if !matched && current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return sections
}

// splitFileEntries accepts comma- or newline-separated file lists.
func splitFileEntries(files string) []string {
	raw := strings.FieldsFunc(files, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range raw {
		if t := strings.TrimSpace(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func checkStructure(prompt string) []ValidationError {
	sections := parseSections(prompt)
	var errs []ValidationError

	task, ok := sections["task"]
	if !ok || task == "" {
		errs = append(errs, ValidationError{Code: faults.CodeMissingTask, Message: "prompt has no Task: section"})
	} else if chars := utf8.RuneCountInString(task); chars > MaxTaskChars {
		errs = append(errs, ValidationError{
			Code:    faults.CodePromptTooLarge,
			Message: "task section has " + strconv.Itoa(chars) + " characters, limit is " + strconv.Itoa(MaxTaskChars),
		})
	}

	files, ok := sections["files"]
	entries := splitFileEntries(files)
	if !ok || len(entries) == 0 {
		errs = append(errs, ValidationError{Code: faults.CodeMissingFiles, Message: "prompt needs a Files: section with at least one entry"})
	} else if len(entries) > MaxFileCount {
		errs = append(errs, ValidationError{
			Code:    faults.CodePromptTooLarge,
			Message: "files section lists " + strconv.Itoa(len(entries)) + " entries, limit is " + strconv.Itoa(MaxFileCount),
		})
	}

	output, ok := sections["output"]
	if !ok || output == "" {
		errs = append(errs, ValidationError{Code: faults.CodeMissingOutput, Message: "prompt has no Output: section"})
	} else if !strings.Contains(strings.ToLower(output), "json") {
		errs = append(errs, ValidationError{Code: faults.CodeInvalidOutputFormat, Message: "output section must specify json"})
	}

	if rules, ok := sections["rules"]; !ok || rules == "" {
		errs = append(errs, ValidationError{Code: faults.CodeMissingRules, Message: "prompt has no Rules: section"})
	}
	return errs
}

// forbiddenPhrases maps lowercase phrases to their rejection codes.
var forbiddenPhrases = []struct {
	phrase string
	code   faults.Code
}{
	{"conversation history", faults.CodeContainsConversation},
	{"claude.md rules", faults.CodeContainsClaudeMDRules},
	{"previous agent", faults.CodeContainsPreviousAgent},
}

func checkForbidden(prompt string) []ValidationError {
	lower := strings.ToLower(prompt)
	var errs []ValidationError
	for _, f := range forbiddenPhrases {
		if strings.Contains(lower, f.phrase) {
			errs = append(errs, ValidationError{
				Code:    f.code,
				Message: "prompt must not reference " + f.phrase,
			})
		}
	}
	return errs
}
