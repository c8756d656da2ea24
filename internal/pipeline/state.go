package pipeline

import "github.com/google/uuid"

// State is a stage of one extraction run.
type State string

const (
	StateReceived      State = "received"
	StatePreprocessing State = "preprocessing"
	StateVLMAttempt    State = "vlm_attempt"
	StateOCRFallback   State = "ocr_fallback"
	StateValidating    State = "validating"
	StateDone          State = "done"
)

// Reasons recorded when the run leaves the primary path.
const (
	ReasonForced        = "forced"
	ReasonLowConfidence = "low_confidence"
	ReasonOCRFailed     = "ocr_failed"
	ReasonBudgetDown    = "budget_unavailable"
)

// AnomalyPDFPagesIgnored marks a multi-page PDF of which only page one was read.
const AnomalyPDFPagesIgnored = "pdf_pages_ignored"

// Transition is reported to observers after each step.
type Transition struct {
	RequestID uuid.UUID
	From      State
	To        State
	Reason    string
}

// Observer sees every transition of every run. It must not block.
type Observer func(Transition)
