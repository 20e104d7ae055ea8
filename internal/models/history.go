package models

// Synthetic disposition ids for history rows the engine writes on its own.
const (
	SyntheticNoAnswer      = "system:no_answer"
	SyntheticVoicemail     = "system:voicemail"
	SyntheticBridgeFailed  = "system:bridge_failed"
	SyntheticInvalidNumber = "system:invalid_number"
	NoAnswerName           = "No Answer"
	VoicemailDetectedName  = "No Answer – Voicemail Detected"
	BridgeFailedName       = "Connection Failed"
	InvalidNumberName      = "Invalid Number"
)

// HistoryEntry is an immutable outcome record of one call. Only an operator
// correction may replace the disposition fields.
type HistoryEntry struct {
	ID              string `json:"id"`
	TargetID        string `json:"targetId"`
	TargetName      string `json:"targetName"`
	PhoneNumber     string `json:"phoneNumber"`
	CallerID        string `json:"callerId"`
	LineNumber      int    `json:"lineNumber"`
	Notes           string `json:"notes"`
	DispositionID   string `json:"dispositionId"`
	DispositionName string `json:"dispositionName"`
	DurationSeconds int    `json:"durationSeconds"`
	Synthetic       bool   `json:"synthetic"`
	Round           int    `json:"round"`
	CreatedAt       int64  `json:"createdAt"`
	CorrectedAt     *int64 `json:"correctedAt,omitempty"`
}

// QueueItem is the persisted form of a queued target.
type QueueItem struct {
	TargetID   string `json:"targetId"`
	RetryCount int    `json:"retryCount"`
}

// QueueState is the persisted queue order.
type QueueState struct {
	Items   []QueueItem `json:"items"`
	SavedAt int64       `json:"savedAt"`
}

// Round groups queued targets for display. Rounds are a view over the flat
// queue, not separate buckets.
type Round struct {
	Number  int          `json:"number"`
	Targets []CallTarget `json:"targets"`
}

// QueueSnapshot is the operator view of the queue.
type QueueSnapshot struct {
	Total  int     `json:"total"`
	Rounds []Round `json:"rounds"`
}

// AutomationRun records one call to the automation collaborator.
type AutomationRun struct {
	ID                    string `json:"id"`
	HistoryID             string `json:"historyId"`
	TargetID              string `json:"targetId"`
	DispositionID         string `json:"dispositionId"`
	PreviousDispositionID string `json:"previousDispositionId,omitempty"`
	Executed              int    `json:"executed"`
	Error                 string `json:"error,omitempty"`
	CreatedAt             int64  `json:"createdAt"`
}
