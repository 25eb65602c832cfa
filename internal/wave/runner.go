package wave

import (
	"context"
	"errors"
	"time"
)

// AgentResult is the outcome of one agent invocation.
type AgentResult struct {
	Output   string                 `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Usage    AgentUsage             `json:"usage"`
}

// AgentUsage reports token consumption of one run.
type AgentUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentRunner executes one story prompt against a model. Implementations
// classify failures as transient or permanent through RunError.
type AgentRunner interface {
	Run(ctx context.Context, prompt, model string) (*AgentResult, error)
}

// RunError is an agent failure with a retryability classification.
type RunError struct {
	Message   string
	Transient bool
	Cause     error
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RunError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a retryable agent failure.
func IsTransient(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Transient
}

// ResourceMetrics is one admission-controller sample.
type ResourceMetrics struct {
	CPULoad        float64   `json:"cpu_load"`
	MemoryPressure float64   `json:"memory_pressure"`
	ProcessCount   int       `json:"process_count"`
	CanSpawnAgent  bool      `json:"can_spawn_agent"`
	Timestamp      time.Time `json:"timestamp"`
}

// AgentAdmissionController gates new agent dispatch on host load. The
// scheduler polls it before every dispatch.
type AgentAdmissionController interface {
	Metrics() ResourceMetrics
}

// AlwaysAdmit is the default controller: every dispatch is allowed.
type AlwaysAdmit struct{}

// Metrics implements AgentAdmissionController.
func (AlwaysAdmit) Metrics() ResourceMetrics {
	return ResourceMetrics{CanSpawnAgent: true, Timestamp: time.Now().UTC()}
}
