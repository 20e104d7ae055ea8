package telephony

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Headers the carrier signs webhooks with.
const (
	SignatureHeader = "Telnyx-Signature-Ed25519"
	TimestampHeader = "Telnyx-Timestamp"
)

// DefaultSignatureTolerance is how old a signed webhook may be.
const DefaultSignatureTolerance = 5 * time.Minute

var ErrBadSignature = errors.New("invalid webhook signature")

// WebhookVerifier checks the carrier's ed25519 signature over
// "<timestamp>|<body>" and rejects stale timestamps.
type WebhookVerifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier parses the base64 public key from the carrier portal.
func NewWebhookVerifier(publicKey string) (*WebhookVerifier, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, fmt.Errorf("decode webhook public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode webhook public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &WebhookVerifier{key: ed25519.PublicKey(raw), tolerance: DefaultSignatureTolerance, now: time.Now}, nil
}

// Verify checks one delivery.
func (v *WebhookVerifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature headers", ErrBadSignature)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}
	if age := v.now().Sub(time.Unix(secs, 0)); age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrBadSignature)
	}
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	if !ed25519.Verify(v.key, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// WebhookEvent is the envelope the carrier posts for call events.
type WebhookEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			Result        string `json:"result"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook decodes a carrier event and maps it to an attempt status.
// ok is false for events that carry no state change for the dialer.
func ParseWebhook(body []byte) (attemptID string, report StatusReport, ok bool, err error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", StatusReport{}, false, fmt.Errorf("decode webhook: %w", err)
	}
	attemptID = ev.Data.Payload.CallControlID
	if attemptID == "" {
		return "", StatusReport{}, false, fmt.Errorf("decode webhook: missing call_control_id")
	}

	p := ev.Data.Payload
	switch ev.Data.EventType {
	case "call.initiated":
		return attemptID, StatusReport{Status: StatusInitiated}, true, nil
	case "call.ringing":
		return attemptID, StatusReport{Status: StatusRinging}, true, nil
	case "call.answered":
		return attemptID, StatusReport{Status: StatusAMDChecking}, true, nil
	case "call.machine.detection.ended", "call.machine.premium.detection.ended":
		return attemptID, StatusReport{Status: classifyAMD(p.Result), Classification: p.Result}, true, nil
	case "call.hangup":
		return attemptID, StatusReport{Status: classifyHangup(p.HangupCause), HangupCause: p.HangupCause}, true, nil
	}
	return attemptID, StatusReport{}, false, nil
}

// classifyAMD maps a detection result to a status. An undecided result is
// treated as a human so a live person is never dropped.
func classifyAMD(result string) AttemptStatus {
	switch strings.ToLower(result) {
	case "machine", "fax", "silence", "beep_detected", "machine_end_beep", "machine_end_silence", "machine_end_other":
		return StatusVoicemail
	default:
		return StatusHumanDetected
	}
}

func classifyHangup(cause string) AttemptStatus {
	switch strings.ToLower(cause) {
	case "timeout", "no_answer", "originator_cancel":
		return StatusNoAnswer
	case "user_busy", "busy":
		return StatusBusy
	case "call_rejected", "unallocated_number", "invalid_number_format", "destination_out_of_order", "failed":
		return StatusFailed
	default:
		return StatusEnded
	}
}
