package model

import "encoding/json"

// Outcome tags an ExecutionResult.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeValidationRejected Outcome = "validationRejected"
	OutcomeFetchFailed        Outcome = "fetchFailed"
	OutcomeTransformFailed    Outcome = "transformFailed"
)

// Stage names a step of the provider pipeline.
type Stage string

const (
	StageValidating   Stage = "validating"
	StageFetching     Stage = "fetching"
	StageTransforming Stage = "transforming"
	StageNormalizing  Stage = "normalizing"
	StageDone         Stage = "done"
)

// ExecutionResult is the outcome of one pipeline run.
//
// Records and Quota are set only for OutcomeSuccess. Reason is a stable
// machine-readable code; Message is suitable for direct display.
type ExecutionResult struct {
	ProviderID string          `json:"providerId"`
	Outcome    Outcome         `json:"outcome"`
	Stage      Stage           `json:"stage"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Records    []UsageRecord   `json:"records,omitempty"`
	Quota      *Quota          `json:"quota,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Success builds a successful result.
func Success(providerID string, records []UsageRecord, quota *Quota) ExecutionResult {
	return ExecutionResult{
		ProviderID: providerID,
		Outcome:    OutcomeSuccess,
		Stage:      StageDone,
		Records:    records,
		Quota:      quota,
	}
}

// Skipped builds the no-op result for a disabled provider.
func Skipped(providerID string) ExecutionResult {
	return ExecutionResult{ProviderID: providerID, Outcome: OutcomeSkipped, Stage: StageValidating}
}

// Failed builds a failure at the given stage. The outcome is derived from the stage.
func Failed(providerID string, stage Stage, reason, message string) ExecutionResult {
	outcome := OutcomeTransformFailed
	switch stage {
	case StageValidating:
		outcome = OutcomeValidationRejected
	case StageFetching:
		outcome = OutcomeFetchFailed
	}
	if message == "" {
		message = reason
	}
	return ExecutionResult{
		ProviderID: providerID,
		Outcome:    outcome,
		Stage:      stage,
		Reason:     reason,
		Message:    message,
	}
}

// OK reports whether the run succeeded.
func (r ExecutionResult) OK() bool { return r.Outcome == OutcomeSuccess }

// Failure reports whether the run ended in a failure state.
func (r ExecutionResult) Failure() bool {
	return r.Outcome != OutcomeSuccess && r.Outcome != OutcomeSkipped
}

// Summary returns a one-line human-readable description of a failure.
func (r ExecutionResult) Summary() string {
	if !r.Failure() {
		return ""
	}
	return string(r.Stage) + ": " + r.Message
}
