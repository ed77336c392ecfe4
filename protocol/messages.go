package protocol

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// StartBatchRequest asks the coordinator to run Total attempts for a user.
type StartBatchRequest struct {
	UserID      string `json:"user_id"`
	Total       int    `json:"total"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// StartBatchResponse reports admission. Reason is set when Accepted is false.
type StartBatchResponse struct {
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Batch    *BatchSummary `json:"batch,omitempty"`
}

// Assignment is handed to a runner process: one attempt, one alias, one
// rented number.
type Assignment struct {
	Type      string    `json:"type"` // always "Assignment"
	BatchID   string    `json:"batch_id"`
	UserID    string    `json:"user_id"`
	Attempt   int       `json:"attempt"`
	Alias     string    `json:"alias"`
	Phone     string    `json:"phone"`
	LeaseID   string    `json:"lease_id"`
	IssuedAt  time.Time `json:"issued_at"`
	TimeoutAt time.Time `json:"timeout_at,omitempty"`
}

type ArtifactRef struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// ReportOutcome is sent by a runner (or any collaborator) when an attempt
// finishes. Only the first report for an alias counts.
type ReportOutcome struct {
	Type       string        `json:"type"` // always "ReportOutcome"
	UserID     string        `json:"user_id"`
	BatchID    string        `json:"batch_id,omitempty"`
	Alias      string        `json:"alias"`
	// Attempt is the assignment's attempt number; 0 means the attempt that
	// currently holds Alias.
	Attempt    int           `json:"attempt,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Detail     string        `json:"detail,omitempty"`
	ExitCode   int           `json:"exit_code,omitempty"`
	ReportedAt time.Time     `json:"reported_at"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
}

// ReportOutcomeAck tells the reporter whether its report was the one that
// counted.
type ReportOutcomeAck struct {
	Type     string `json:"type"` // always "ReportOutcomeAck"
	Alias    string `json:"alias"`
	Accepted bool   `json:"accepted"`
}

type BatchSummary struct {
	BatchID    string     `json:"batch_id"`
	UserID     string     `json:"user_id"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Active     int        `json:"active"`
	Running    bool       `json:"running"`
	Stopped    bool       `json:"stopped"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type AccountInfo struct {
	UserID    string    `json:"user_id"`
	UnitFee   int64     `json:"unit_fee"`
	Balance   int64     `json:"balance"`
	Capacity  int64     `json:"capacity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SetUnitFeeRequest struct {
	UnitFee int64 `json:"unit_fee"`
}

// TopUpRequest credits Amount minor units. Reference identifies the payment
// and is accepted once.
type TopUpRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}
