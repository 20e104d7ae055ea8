package dialer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// onHuman claims the operator for line and bridges it. When another line is
// already bridging, the claim waits its turn; the bool result reports that
// the claim was handed off and the caller must keep the line tracked.
func (e *Engine) onHuman(ctx context.Context, line int, gen uint64, attemptID string) bool {
	e.mu.Lock()
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		e.mu.Unlock()
		e.release(attemptID)
		return false
	}
	_ = e.pool.Update(line, func(l *models.CallLine) { l.AMDResult = models.AMDHuman })
	if l.Status.Rank() < models.LineAMDChecking.Rank() {
		_ = e.pool.Transition(line, models.LineAMDChecking)
	}

	if _, connected := e.pool.Connected(); connected || e.pool.Busy() {
		// The operator is taken: this late answer loses.
		e.arbitrateLineLocked(line)
		e.mu.Unlock()
		e.hangupAll([]string{attemptID}, nil)
		return false
	}
	if e.bridging != 0 {
		e.waiting = append(e.waiting, claim{line: line, gen: gen, attemptID: attemptID})
		e.logger.Info("human answered while another line is bridging", "line", line, "bridging", e.bridging)
		e.publishLocked(EventLines)
		e.mu.Unlock()
		return true
	}
	e.bridging = line
	e.publishLocked(EventLines)
	e.mu.Unlock()

	e.bridge(ctx, line, gen, attemptID)
	return false
}

// bridge binds the carrier leg to the operator's media session, then
// arbitrates. Whenever the operator is left free, the oldest waiting human
// is bridged next.
func (e *Engine) bridge(ctx context.Context, line int, gen uint64, attemptID string) {
	next, has := e.bridgeOne(ctx, line, gen, attemptID)
	for has {
		c := next
		next, has = e.bridgeOne(ctx, c.line, c.gen, c.attemptID)
		e.mu.Lock()
		e.untrackLocked(c.line, c.gen)
		e.mu.Unlock()
	}
}

// bridgeOne bridges a single claim. A failed bridge ends the line instead of
// connecting it. It returns the claim that now holds the bridging slot, if
// the operator was not connected.
func (e *Engine) bridgeOne(ctx context.Context, line int, gen uint64, attemptID string) (claim, bool) {
	defer e.release(attemptID)

	callerID := ""
	e.mu.Lock()
	if l, err := e.pool.Get(line); err == nil {
		callerID = l.CallerIDUsed
	}
	e.mu.Unlock()

	var mediaSessionID string
	err := e.media.SetAutoAnswer(ctx, true)
	if err == nil {
		mediaSessionID, err = e.carrier.BridgeToMediaSession(ctx, attemptID, callerID)
	}
	sessionID := uuid.New().String()

	e.mu.Lock()
	if e.bridging == line {
		e.bridging = 0
	}
	l, ok := e.ownsInFlightLocked(line, gen)
	if !ok {
		// Stopped or hung up during the bridge.
		next, has := e.nextClaimLocked()
		e.mu.Unlock()
		if err == nil {
			e.hangupAll([]string{attemptID}, []string{mediaSessionID})
		}
		return next, has
	}

	if err != nil {
		e.onBridgeFailedLocked(l, err)
		next, has := e.nextClaimLocked()
		e.mu.Unlock()
		e.hangupAll([]string{attemptID}, nil)
		return next, has
	}

	_ = e.pool.Update(line, func(l *models.CallLine) {
		l.MediaSessionID = mediaSessionID
		l.SessionID = sessionID
		l.AMDResult = models.AMDHuman
	})
	if err := e.pool.Transition(line, models.LineConnected); err != nil {
		e.logger.Error("connect line", "line", line, "error", err)
	}
	e.metrics.RecordOutcome(string(e.source.Mode()), "connected", 0)
	e.logger.Info("operator connected", "line", line, "target", l.Target.ID, "session", sessionID, "media", mediaSessionID)
	losers := e.arbitrateLocked(line)
	e.publishLocked(EventLines, EventStatus)
	e.mu.Unlock()

	e.hangupAll(losers, nil)
	return claim{}, false
}

// onBridgeFailedLocked ends a line whose human could not be bridged. The
// outcome is recorded so it is never silently dropped, and the target is
// requeued when the line settles.
func (e *Engine) onBridgeFailedLocked(l models.CallLine, err error) {
	line := l.LineNumber
	e.logger.Error("bridge to operator failed", "line", line, "target", l.Target.ID, "error", err)
	e.metrics.RecordOutcome(string(e.source.Mode()), "bridge_failed", 0)
	_ = e.pool.Update(line, func(l *models.CallLine) {
		l.AMDResult = models.AMDUnknown
		l.Settling = true
	})
	_ = e.pool.Transition(line, models.LineEnded)
	l.AMDResult = models.AMDUnknown
	e.appendHistoryLocked(l, models.SyntheticBridgeFailed, models.BridgeFailedName, fmt.Sprintf("bridge failed: %v", err), true)

	target := *l.Target
	e.releases[line] = release{gen: l.Generation, apply: func() { e.source.Requeue(target) }}
	e.scheduleRelease()
	e.publishLocked(EventLines)
}

// nextClaimLocked pops the oldest waiting human whose line is still live
// and hands it the bridging slot. Nothing is handed out while another
// bridge is running.
func (e *Engine) nextClaimLocked() (claim, bool) {
	if e.bridging != 0 {
		return claim{}, false
	}
	for len(e.waiting) > 0 {
		c := e.waiting[0]
		e.waiting = e.waiting[1:]
		if _, ok := e.ownsInFlightLocked(c.line, c.gen); ok {
			e.bridging = c.line
			return c, true
		}
		e.untrackLocked(c.line, c.gen)
	}
	return claim{}, false
}
