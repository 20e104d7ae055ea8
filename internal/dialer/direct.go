package dialer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/privacy"
)

// DirectCall connects the operator straight to one number from their own
// media session. No detection runs: the line goes to connected as soon as
// the provider accepts the call, and it is dispositioned like any other.
// The call is a one-target manual run, so Stop and HangupLine apply to it.
func (e *Engine) DirectCall(ctx context.Context, req models.DirectCallRequest) (models.CallLine, error) {
	if e.media == nil {
		return models.CallLine{}, ErrNoMedia
	}
	t := models.CallTarget{ID: "direct:" + uuid.New().String(), Name: req.Name, PrimaryNumber: req.Number}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.running.Load() {
		return models.CallLine{}, ErrAlreadyRunning
	}
	from, to, err := e.initiator.Plan(t)
	if err != nil {
		return models.CallLine{}, err
	}
	if err := e.ensureMedia(ctx); err != nil {
		return models.CallLine{}, err
	}

	e.mu.Lock()
	if e.pool.ActiveCount() > 0 {
		e.mu.Unlock()
		return models.CallLine{}, ErrLinesBusy
	}
	e.beginLocked(NewManualSource(nil, e.logger))
	n, _ := e.pool.AssignNextIdle(t)
	_ = e.pool.Update(n, func(l *models.CallLine) {
		l.CallerIDUsed = from
		l.DialedNumber = to
	})
	l, _ := e.pool.Get(n)
	gen := l.Generation
	mode := string(e.source.Mode())
	e.publishLocked(EventLines, EventStatus)
	e.mu.Unlock()

	sessionID, err := e.media.StartCall(ctx, to, from)

	e.mu.Lock()
	if _, ok := e.ownsInFlightLocked(n, gen); !ok {
		// Hung up while the provider was placing it.
		e.mu.Unlock()
		if err == nil {
			e.hangupAll(nil, []string{sessionID})
		}
		return models.CallLine{}, fmt.Errorf("direct call cancelled: %w", ErrNotRunning)
	}
	if err != nil {
		e.logger.Warn("direct call failed", "line", n, "to", privacy.MaskNumber(to), "error", err)
		e.metrics.RecordDial(mode, "failed")
		_ = e.pool.Transition(n, models.LineIdle)
		e.checkCompleteLocked()
		e.publishLocked(EventLines, EventStatus)
		e.mu.Unlock()
		return models.CallLine{}, fmt.Errorf("start direct call: %w", err)
	}

	_ = e.pool.Update(n, func(l *models.CallLine) {
		l.MediaSessionID = sessionID
		l.SessionID = uuid.New().String()
	})
	if err := e.pool.Transition(n, models.LineConnected); err != nil {
		e.logger.Error("connect direct call", "line", n, "error", err)
	}
	e.source.Attempted(t)
	e.metrics.RecordDial(mode, "started")
	e.logger.Info("direct call connected", "line", n, "to", privacy.MaskNumber(to), "from", from, "session", sessionID)
	e.publishLocked(EventLines, EventStatus)
	l, _ = e.pool.Get(n)
	e.mu.Unlock()
	return l, nil
}
