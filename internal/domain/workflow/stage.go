package workflow

import "fmt"

// Stage represents the current phase of a scan request. It enables tracking of
// a request from submission through scanning, normalization, and reporting.
type Stage string

const (
	// StagePending indicates a request has been created but scanning has not started.
	StagePending Stage = "PENDING"

	// StageScanning indicates the scan engine is probing the target.
	StageScanning Stage = "SCANNING"

	// StageProcessing indicates the raw scan payload is being normalized.
	StageProcessing Stage = "PROCESSING"

	// StageGeneratingReport indicates normalized rows are being turned into prose.
	StageGeneratingReport Stage = "GENERATING_REPORT"

	// StageCompleted indicates the report is available.
	StageCompleted Stage = "COMPLETED"

	// StageFailed indicates the request hit an unrecoverable error.
	StageFailed Stage = "FAILED"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{
	StagePending,
	StageScanning,
	StageProcessing,
	StageGeneratingReport,
	StageCompleted,
	StageFailed,
}

// allowedTransitions is the closed set of directed edges. FAILED -> PENDING
// exists only for explicit retries.
var allowedTransitions = map[Stage][]Stage{
	StagePending:          {StageScanning, StageFailed},
	StageScanning:         {StageProcessing, StageFailed},
	StageProcessing:       {StageGeneratingReport, StageFailed},
	StageGeneratingReport: {StageCompleted, StageFailed},
	StageCompleted:        nil,
	StageFailed:           {StagePending},
}

func (s Stage) String() string { return string(s) }

// IsValid reports whether s is one of the enumerated stages.
func (s Stage) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no pipeline work remains for the stage.
// FAILED is terminal for the pipeline even though an explicit retry can leave it.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsInFlight reports whether the pipeline is actively working the request.
func (s Stage) IsInFlight() bool {
	return s == StageProcessing || s == StageGeneratingReport
}

// AllowedTargets returns the stages reachable from s through a non-forced transition.
func (s Stage) AllowedTargets() []Stage {
	targets := allowedTransitions[s]
	out := make([]Stage, len(targets))
	copy(out, targets)
	return out
}

// CanTransitionTo reports whether the edge s -> target is in the allowed set.
func (s Stage) CanTransitionTo(target Stage) bool {
	for _, t := range allowedTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition checks if a stage transition is valid and returns an error if not.
func (s Stage) ValidateTransition(target Stage) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown target stage %q", ErrInvalidStage, target)
	}
	if !s.CanTransitionTo(target) {
		return &TransitionError{From: s, To: target}
	}
	return nil
}

// ProgressMessage returns a human readable description of the stage suitable
// for status queries.
func (s Stage) ProgressMessage() string {
	switch s {
	case StagePending:
		return "Scan request received and waiting to start."
	case StageScanning:
		return "Scanning the target for open ports, services, and vulnerabilities."
	case StageProcessing:
		return "Processing raw scan results."
	case StageGeneratingReport:
		return "Generating the security report."
	case StageCompleted:
		return "Scan completed."
	case StageFailed:
		return "Scan failed. Retry the request to start over."
	default:
		return "Unknown stage."
	}
}

// Int32 returns the int32 value used when stages are stored as enums.
func (s Stage) Int32() int32 {
	for i, st := range Stages {
		if st == s {
			return int32(i + 1)
		}
	}
	return 0
}

// ParseStage converts a string to a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
	}
	return st, nil
}
