// Package faults defines the coded errors shared across foreman components.
// Every error surfaced to callers carries a stable code, a human-readable
// message, and optional context for diagnostics. Codes are matched with
// errors.Is via Code sentinels, so callers never string-compare messages.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies an error kind. Codes are stable API.
type Code string

const (
	// Validation
	CodeInvalidName              Code = "INVALID_NAME"
	CodePromptTooLarge           Code = "PROMPT_TOO_LARGE"
	CodeTooManyTokens            Code = "TOO_MANY_TOKENS"
	CodeMissingTask              Code = "MISSING_TASK"
	CodeMissingFiles             Code = "MISSING_FILES"
	CodeMissingOutput            Code = "MISSING_OUTPUT"
	CodeMissingRules             Code = "MISSING_RULES"
	CodeInvalidOutputFormat      Code = "INVALID_OUTPUT_FORMAT"
	CodeInjectionDetected        Code = "INJECTION_DETECTED"
	CodeContainsConversation     Code = "CONTAINS_CONVERSATION_HISTORY"
	CodeContainsClaudeMDRules    Code = "CONTAINS_CLAUDE_MD_RULES"
	CodeContainsPreviousAgent    Code = "CONTAINS_PREVIOUS_AGENT_OUTPUT"

	// Storage
	CodeSaveFailed          Code = "SAVE_FAILED"
	CodeLoadFailed          Code = "LOAD_FAILED"
	CodeCorrupt             Code = "CORRUPT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeCompactionFailed    Code = "COMPACTION_FAILED"
	CodeMemoryLimitExceeded Code = "MEMORY_LIMIT_EXCEEDED"
	CodeInsufficientMemory  Code = "INSUFFICIENT_MEMORY"

	// Execution
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeNoGuardPassed      Code = "NO_GUARD_PASSED"
	CodeHandlerFault       Code = "HANDLER_FAULT"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeCancelled          Code = "CANCELLED"
	CodeTimeout            Code = "TIMEOUT"

	// Scheduling
	CodeCircularDependency Code = "CIRCULAR_DEPENDENCY"
	CodeDependencyFailed   Code = "DEPENDENCY_FAILED"
	CodeAdmissionDenied    Code = "ADMISSION_DENIED"
	CodeWaveFailed         Code = "WAVE_FAILED"

	// Matching
	CodeEmbeddingFailed Code = "EMBEDDING_FAILED"
	CodeSnapshotInvalid Code = "SNAPSHOT_INVALID"
)

// Error is a coded error with optional structured context.
type Error struct {
	Code    Code
	Message string
	Context map[string]interface{}
	Cause   error
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that preserves the underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// With attaches a context key/value and returns the same error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so sentinel comparison works:
//
//	errors.Is(err, faults.New(faults.CodeCorrupt, ""))
//
// or more commonly via HasCode.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the code from an error chain, or "" if it carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
