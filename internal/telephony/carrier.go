package telephony

import "context"

// AttemptStatus is the carrier-side state of a detected call attempt.
type AttemptStatus string

const (
	StatusInitiated     AttemptStatus = "initiated"
	StatusRinging       AttemptStatus = "ringing"
	StatusAMDChecking   AttemptStatus = "amd_checking"
	StatusHumanDetected AttemptStatus = "human_detected"
	StatusVoicemail     AttemptStatus = "voicemail"
	StatusNoAnswer      AttemptStatus = "no_answer"
	StatusBusy          AttemptStatus = "busy"
	StatusFailed        AttemptStatus = "failed"
	StatusEnded         AttemptStatus = "ended"
	StatusNotFound      AttemptStatus = "not_found"
)

// Terminal reports whether no further carrier updates are expected.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusHumanDetected, StatusVoicemail, StatusNoAnswer, StatusBusy,
		StatusFailed, StatusEnded, StatusNotFound:
		return true
	}
	return false
}

// Classified reports whether AMD produced a verdict. A verdict is never
// overwritten by a later hangup event.
func (s AttemptStatus) Classified() bool {
	return s == StatusHumanDetected || s == StatusVoicemail
}

// StatusReport is one observation of an attempt.
type StatusReport struct {
	Status         AttemptStatus `json:"status"`
	Classification string        `json:"classification,omitempty"`
	HangupCause    string        `json:"hangupCause,omitempty"`
}

// Carrier is the call-control surface the dialer needs from the telephony
// provider.
type Carrier interface {
	// StartDetectedCall places an outbound call with answering-machine
	// detection and returns the carrier attempt id.
	StartDetectedCall(ctx context.Context, from, to string) (string, error)
	// PollAttemptStatus returns the latest known state of an attempt.
	PollAttemptStatus(ctx context.Context, attemptID string) (StatusReport, error)
	// Cleanup releases tracking for an attempt. Safe to call repeatedly.
	Cleanup(ctx context.Context, attemptID string) error
	// BridgeToMediaSession redirects the live leg into the operator's
	// real-time session and returns the media session id.
	BridgeToMediaSession(ctx context.Context, attemptID, callerID string) (string, error)
	// Hangup terminates a carrier leg by attempt or media session id.
	Hangup(ctx context.Context, id string) error
}
