package dialer

import (
	"context"
	"errors"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/amd"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/privacy"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

// runLine places the call for target on line and watches it to a verdict.
func (e *Engine) runLine(ctx context.Context, line int, gen uint64, target models.CallTarget, delay time.Duration) {
	if !sleep(ctx, delay) || !e.dialing() {
		e.abandonBeforeDial(line, gen, target)
		return
	}

	from, to, err := e.initiator.Plan(target)
	if errors.Is(err, telephony.ErrNotRoutable) {
		e.onUnroutable(line, gen, target)
		return
	}
	if err != nil {
		e.onInitiateFailed(ctx, line, gen, target, err)
		return
	}

	attempt, err := e.initiator.Initiate(ctx, from, to)
	if err != nil {
		e.onInitiateFailed(ctx, line, gen, target, err)
		return
	}

	e.mu.Lock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		// Stopped, hung up or arbitrated while the carrier was placing it.
		e.mu.Unlock()
		e.hangupAll([]string{attempt.ID}, nil)
		return
	}
	_ = e.pool.Update(line, func(l *models.CallLine) {
		l.CarrierAttemptID = attempt.ID
		l.CallerIDUsed = attempt.From
		l.DialedNumber = attempt.To
		l.StartedAt = attempt.StartedAt
		l.Target.AttemptCount++
	})
	if l.Status == models.LineDialing {
		_ = e.pool.Transition(line, models.LineRinging)
	}
	l, _ = e.pool.Get(line)
	e.source.Attempted(*l.Target)
	e.tracked[line] = gen
	e.metrics.RecordDial(string(e.source.Mode()), "started")
	e.logger.Info("call placed", "line", line, "target", target.ID, "to", privacy.MaskNumber(attempt.To), "from", attempt.From, "attempt", attempt.ID)
	e.publishLocked(EventLines)
	deadline := attempt.StartedAt.Add(e.pollTimeout())
	e.mu.Unlock()

	e.watch(ctx, line, gen, attempt.ID, deadline)
}

// watch polls the attempt and dispatches its verdict. A pause parks the
// loop; Resume starts a new one for the same attempt.
func (e *Engine) watch(ctx context.Context, line int, gen uint64, attemptID string, deadline time.Time) {
	mode := string(e.source.Mode())
	started := deadline.Add(-e.pollTimeout())
	for {
		out := e.poller.Poll(ctx, attemptID, deadline, e.dialing, func(s telephony.AttemptStatus) {
			e.onProgress(line, gen, s)
		})

		if out.Classification == amd.Abandoned {
			e.mu.Lock()
			_, live := e.ownsInFlightLocked(line, gen)
			if live && e.dialing() && ctx.Err() == nil {
				// Resumed before this loop noticed the pause.
				e.mu.Unlock()
				continue
			}
			e.untrackLocked(line, gen)
			e.mu.Unlock()
			return
		}

		e.metrics.RecordOutcome(mode, string(out.Classification), e.now().Sub(started))
		switch out.Classification {
		case amd.Human:
			if e.onHuman(ctx, line, gen, attemptID) {
				return
			}
		case amd.Voicemail:
			e.onVoicemail(line, gen, attemptID)
		case amd.NoAnswer, amd.Timeout:
			e.onNoAnswer(line, gen, attemptID, out)
		case amd.NotFound:
			e.onLost(line, gen, attemptID)
		}

		e.mu.Lock()
		e.untrackLocked(line, gen)
		e.mu.Unlock()
		return
	}
}

// onProgress moves the line forward as the carrier reports ringing and AMD.
func (e *Engine) onProgress(line int, gen uint64, s telephony.AttemptStatus) {
	var to models.LineStatus
	switch s {
	case telephony.StatusRinging:
		to = models.LineRinging
	case telephony.StatusAMDChecking:
		to = models.LineAMDChecking
	default:
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok || l.Status.Rank() >= to.Rank() {
		return
	}
	if err := e.pool.Transition(line, to); err != nil {
		e.logger.Warn("line progress", "line", line, "error", err)
		return
	}
	e.publishLocked(EventLines)
}

// abandonBeforeDial frees a line whose dial was cancelled before reaching
// the carrier. The target goes back unchanged.
func (e *Engine) abandonBeforeDial(line int, gen uint64, target models.CallTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok || l.CarrierAttemptID != "" {
		return
	}
	e.source.Return(target)
	_ = e.pool.Transition(line, models.LineIdle)
	e.publishLocked(EventLines, EventQueue)
}

// onUnroutable retires a target none of whose numbers can be dialed.
func (e *Engine) onUnroutable(line int, gen uint64, target models.CallTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		return
	}
	e.logger.Warn("target has no routable number", "line", line, "target", target.ID, "number", privacy.MaskNumber(target.PrimaryNumber))
	e.metrics.RecordDial(string(e.source.Mode()), "unroutable")
	l.DialedNumber = target.PrimaryNumber
	e.appendHistoryLocked(l, models.SyntheticInvalidNumber, models.InvalidNumberName, "", true)
	e.source.Finalize(target, models.SyntheticInvalidNumber)
	_ = e.pool.Transition(line, models.LineIdle)
	e.refillLocked()
}

// onInitiateFailed treats a failed start as a transient system error: the
// line is freed, the target returns to the head unchanged, and the refill
// waits for the backoff.
func (e *Engine) onInitiateFailed(ctx context.Context, line int, gen uint64, target models.CallTarget, err error) {
	e.mu.Lock()
	if _, ok := e.ownsInFlightLocked(line, gen); !ok {
		e.mu.Unlock()
		return
	}
	e.logger.Warn("call initiation failed", "line", line, "target", target.ID, "error", err)
	e.metrics.RecordDial(string(e.source.Mode()), "failed")
	e.source.Return(target)
	_ = e.pool.Transition(line, models.LineIdle)
	e.publishLocked(EventLines, EventQueue)
	e.mu.Unlock()

	if !sleep(ctx, e.opts.FailureBackoff) {
		return
	}
	e.mu.Lock()
	e.refillLocked()
	e.mu.Unlock()
}

// onVoicemail logs a visible no-answer entry, requeues the target one round
// later and frees the line.
func (e *Engine) onVoicemail(line int, gen uint64, attemptID string) {
	defer e.hangupAll([]string{attemptID}, nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		return
	}
	l.AMDResult = models.AMDMachine
	e.appendHistoryLocked(l, models.SyntheticVoicemail, models.VoicemailDetectedName, "", true)
	q := e.source.Requeue(*l.Target)
	e.logger.Info("voicemail detected", "line", line, "target", q.ID, "round", q.Round())
	_ = e.pool.Transition(line, models.LineIdle)
	e.requestSave()
	e.refillLocked()
}

// onNoAnswer requeues silently. A timed-out attempt may still be ringing, so
// its leg is hung up.
func (e *Engine) onNoAnswer(line int, gen uint64, attemptID string, out amd.Outcome) {
	if out.Classification == amd.Timeout {
		defer e.hangupAll([]string{attemptID}, nil)
	} else {
		defer e.release(attemptID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		return
	}
	q := e.source.Requeue(*l.Target)
	e.logger.Info("no answer", "line", line, "target", q.ID, "status", out.Report.Status, "timeout", out.Classification == amd.Timeout, "round", q.Round())
	_ = e.pool.Transition(line, models.LineIdle)
	e.requestSave()
	e.refillLocked()
}

// onLost frees the line without touching the queue: the attempt state is
// gone and the target may already have been reconciled elsewhere.
func (e *Engine) onLost(line int, gen uint64, attemptID string) {
	defer e.release(attemptID)

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		return
	}
	e.logger.Warn("attempt state lost", "line", line, "target", l.Target.ID, "attempt", attemptID)
	_ = e.pool.Transition(line, models.LineIdle)
	e.refillLocked()
}

// release drops carrier-side tracking of an attempt. Idempotent.
func (e *Engine) release(attemptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	e.poller.Release(ctx, attemptID)
}
