package models

import "time"

// LineStatus is the state of one outbound line slot.
type LineStatus string

const (
	LineIdle        LineStatus = "idle"
	LineDialing     LineStatus = "dialing"
	LineRinging     LineStatus = "ringing"
	LineAMDChecking LineStatus = "amd_checking"
	LineConnected   LineStatus = "connected"
	LineHangingUp   LineStatus = "hanging_up"
	LineEnded       LineStatus = "ended"
)

// lineRank orders statuses along the forward path of a call.
var lineRank = map[LineStatus]int{
	LineIdle:        0,
	LineDialing:     1,
	LineRinging:     2,
	LineAMDChecking: 3,
	LineConnected:   4,
	LineHangingUp:   5,
	LineEnded:       6,
}

func (s LineStatus) IsValid() bool {
	_, ok := lineRank[s]
	return ok
}

// Rank returns the position of s on the forward path, or -1 if unknown.
func (s LineStatus) Rank() int {
	r, ok := lineRank[s]
	if !ok {
		return -1
	}
	return r
}

// InFlight reports whether the line has an attempt that has not been
// answered yet.
func (s LineStatus) InFlight() bool {
	return s == LineDialing || s == LineRinging || s == LineAMDChecking
}

// AMDResult is the answering-machine-detection verdict recorded on a line.
type AMDResult string

const (
	AMDPending AMDResult = ""
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDUnknown AMDResult = "unknown"
)

// CallTarget is one entry of the dial queue.
type CallTarget struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PrimaryNumber   string `json:"primaryNumber"`
	SecondaryNumber string `json:"secondaryNumber,omitempty"`
	RetryCount      int    `json:"retryCount"`
	AttemptCount    int    `json:"attemptCount"`
}

// Round is the display round of the target: a fresh target is in round 1.
func (t CallTarget) Round() int {
	return t.RetryCount + 1
}

// CallLine is one slot of concurrent outbound capacity.
type CallLine struct {
	LineNumber       int         `json:"lineNumber"`
	Target           *CallTarget `json:"target,omitempty"`
	Status           LineStatus  `json:"status"`
	StartedAt        time.Time   `json:"startedAt,omitzero"`
	ConnectedAt      time.Time   `json:"connectedAt,omitzero"`
	CarrierAttemptID string      `json:"carrierAttemptId,omitempty"`
	MediaSessionID   string      `json:"mediaSessionId,omitempty"`
	SessionID        string      `json:"sessionId,omitempty"`
	CallerIDUsed     string      `json:"callerIdUsed,omitempty"`
	DialedNumber     string      `json:"dialedNumber,omitempty"`
	AMDResult        AMDResult   `json:"amdResult,omitempty"`

	// Rang is set once the carrier acknowledged the attempt, i.e. the callee
	// could have seen the phone ring.
	Rang bool `json:"rang,omitempty"`
	// Arbitrated marks a line ended because a sibling line won the
	// operator. It needs no disposition.
	Arbitrated bool `json:"arbitrated,omitempty"`
	// Settling is set once a disposition was recorded and the line waits
	// for the settle delay before going idle.
	Settling bool `json:"settling,omitempty"`

	Generation uint64 `json:"-"`
}

// Clone returns a deep copy of the line.
func (l CallLine) Clone() CallLine {
	if l.Target != nil {
		t := *l.Target
		l.Target = &t
	}
	return l
}

// AwaitingDisposition reports whether the operator still owes an outcome for
// this line.
func (l CallLine) AwaitingDisposition() bool {
	switch l.Status {
	case LineConnected, LineHangingUp:
		return !l.Settling
	case LineEnded:
		return !l.Arbitrated && !l.Settling && l.Target != nil
	}
	return false
}

// Disposition is an operator-selectable outcome code.
type Disposition struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Color             string   `json:"color" yaml:"color"`
	Requeue           *bool    `json:"requeue,omitempty" yaml:"requeue"`
	AutomationActions []string `json:"automationActions" yaml:"automation_actions"`
}

// DialerMode distinguishes queue-driven campaigns from ad-hoc dialing.
type DialerMode string

const (
	ModeCampaign DialerMode = "campaign"
	ModeManual   DialerMode = "manual"
)

// DialerStatus summarizes the engine for operators.
type DialerStatus struct {
	Mode          DialerMode `json:"mode,omitempty"`
	Running       bool       `json:"running"`
	Paused        bool       `json:"paused"`
	MaxLines      int        `json:"maxLines"`
	ActiveLines   int        `json:"activeLines"`
	Queued        int        `json:"queued"`
	ConnectedLine int        `json:"connectedLine,omitempty"`
	HistoryCount  int        `json:"historyCount"`
}
