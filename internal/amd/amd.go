package amd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/callerid"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

const (
	DefaultInterval        = 500 * time.Millisecond
	DefaultCampaignTimeout = 45 * time.Second
	DefaultManualTimeout   = 60 * time.Second
)

// Classification is the outcome of polling one attempt.
type Classification string

const (
	Human     Classification = "human"
	Voicemail Classification = "voicemail"
	NoAnswer  Classification = "no_answer"
	Timeout   Classification = "timeout"
	NotFound  Classification = "not_found"
	// Abandoned means the gate closed (pause or stop) before a verdict.
	Abandoned Classification = "abandoned"
)

// Attempt is a started carrier call with detection enabled.
type Attempt struct {
	ID        string
	From      string
	To        string
	StartedAt time.Time
}

// Outcome is what Poll observed last.
type Outcome struct {
	Classification Classification
	Report         telephony.StatusReport
}

// Initiator starts detected calls, choosing the number to dial and the
// caller id for each attempt.
type Initiator struct {
	carrier  telephony.Carrier
	rotation *callerid.Rotation
	now      func() time.Time
}

func NewInitiator(carrier telephony.Carrier, rotation *callerid.Rotation) *Initiator {
	return &Initiator{carrier: carrier, rotation: rotation, now: time.Now}
}

// Plan resolves the routable number for target, falling back to the
// secondary number, and takes the next caller id. The rotation only moves
// when a number could be routed.
func (i *Initiator) Plan(target models.CallTarget) (from, to string, err error) {
	to, err = telephony.NormalizeE164(target.PrimaryNumber)
	if err != nil && target.SecondaryNumber != "" {
		to, err = telephony.NormalizeE164(target.SecondaryNumber)
	}
	if err != nil {
		return "", "", fmt.Errorf("plan %s: %w", target.ID, err)
	}
	from, err = i.rotation.Next()
	if err != nil {
		return "", "", fmt.Errorf("plan %s: %w", target.ID, err)
	}
	return from, to, nil
}

// Initiate places the call. Any error is transient from the dialer's point
// of view: the target was never reached.
func (i *Initiator) Initiate(ctx context.Context, from, to string) (Attempt, error) {
	id, err := i.carrier.StartDetectedCall(ctx, from, to)
	if err != nil {
		return Attempt{}, fmt.Errorf("initiate call to %s: %w", to, err)
	}
	return Attempt{ID: id, From: from, To: to, StartedAt: i.now()}, nil
}

// Poller watches an attempt until the carrier reports a verdict.
type Poller struct {
	carrier  telephony.Carrier
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewPoller(carrier telephony.Carrier, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{carrier: carrier, interval: interval, logger: logger, now: time.Now}
}

// Poll checks the attempt every interval until a terminal status, the
// deadline, or gate returning false. gate is consulted before every tick's
// network call and again after it, so a pause issued while a poll is in
// flight is honored before its result is acted on. onProgress receives
// non-terminal statuses in carrier order.
func (p *Poller) Poll(ctx context.Context, attemptID string, deadline time.Time, gate func() bool, onProgress func(telephony.AttemptStatus)) Outcome {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last telephony.StatusReport
	for {
		select {
		case <-ctx.Done():
			return Outcome{Classification: Abandoned, Report: last}
		case <-ticker.C:
		}
		if !gate() {
			return Outcome{Classification: Abandoned, Report: last}
		}
		if !p.now().Before(deadline) {
			return Outcome{Classification: Timeout, Report: last}
		}

		report, err := p.carrier.PollAttemptStatus(ctx, attemptID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{Classification: Abandoned, Report: last}
			}
			p.logger.Warn("poll attempt status", "attempt", attemptID, "error", err)
			continue
		}
		if !gate() {
			return Outcome{Classification: Abandoned, Report: last}
		}
		last = report

		switch report.Status {
		case telephony.StatusHumanDetected:
			return Outcome{Classification: Human, Report: report}
		case telephony.StatusVoicemail:
			return Outcome{Classification: Voicemail, Report: report}
		case telephony.StatusNoAnswer, telephony.StatusBusy, telephony.StatusFailed, telephony.StatusEnded:
			return Outcome{Classification: NoAnswer, Report: report}
		case telephony.StatusNotFound:
			return Outcome{Classification: NotFound, Report: report}
		default:
			if onProgress != nil {
				onProgress(report.Status)
			}
		}
	}
}

// Release frees the carrier-side tracking for an attempt. Errors are logged;
// callers invoke it on every terminal branch.
func (p *Poller) Release(ctx context.Context, attemptID string) {
	if attemptID == "" {
		return
	}
	if err := p.carrier.Cleanup(ctx, attemptID); err != nil {
		p.logger.Warn("cleanup attempt", "attempt", attemptID, "error", err)
	}
}
