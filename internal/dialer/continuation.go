package dialer

import (
	"context"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/automation"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

const automationTimeout = 30 * time.Second

// SelectDisposition records the operator's outcome for the call on line.
// The history entry is written at once; the queue effect and the reset to
// idle happen together once the settle delay has passed.
func (e *Engine) SelectDisposition(ctx context.Context, line int, dispositionID, notes string) (models.HistoryEntry, error) {
	d, err := e.catalog.Get(dispositionID)
	if err != nil {
		return models.HistoryEntry{}, err
	}

	e.mu.Lock()
	l, err := e.pool.Get(line)
	if err != nil {
		e.mu.Unlock()
		return models.HistoryEntry{}, err
	}
	if !l.AwaitingDisposition() {
		e.mu.Unlock()
		return models.HistoryEntry{}, ErrNoDispositionPending
	}

	requeue := e.catalog.ShouldRequeue(d)
	h := e.appendHistoryLocked(l, d.ID, d.Name, notes, false)
	_ = e.pool.Update(line, func(l *models.CallLine) { l.Settling = true })
	wasConnected := l.Status == models.LineConnected
	if wasConnected {
		_ = e.pool.Transition(line, models.LineEnded)
	}

	target := *l.Target
	e.releases[line] = release{gen: l.Generation, apply: func() {
		if requeue {
			e.source.Requeue(target)
		} else {
			e.source.Finalize(target, d.ID)
		}
	}}
	e.scheduleRelease()

	var talk time.Duration
	if !l.ConnectedAt.IsZero() {
		talk = e.now().Sub(l.ConnectedAt)
	}
	e.metrics.RecordDisposition(d.ID, requeue, talk)
	e.logger.Info("disposition recorded", "line", line, "target", target.ID, "disposition", d.ID, "requeue", requeue)
	e.publishLocked(EventLines, EventStatus)
	e.mu.Unlock()

	if wasConnected {
		e.hangupAll([]string{l.CarrierAttemptID}, []string{l.MediaSessionID})
	}
	e.runAutomation(h.ID, target, d, nil)
	return h, nil
}

// CorrectDisposition replaces the disposition of a history entry and asks
// automation to swap the side effects. The queue is not touched.
func (e *Engine) CorrectDisposition(ctx context.Context, entryID, dispositionID string) (models.HistoryEntry, error) {
	d, err := e.catalog.Get(dispositionID)
	if err != nil {
		return models.HistoryEntry{}, err
	}

	e.mu.Lock()
	idx := -1
	for i := range e.history {
		if e.history[i].ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return models.HistoryEntry{}, ErrHistoryNotFound
	}
	h := &e.history[idx]
	if h.DispositionID == d.ID {
		out := *h
		e.mu.Unlock()
		return out, nil
	}
	prev := models.Disposition{ID: h.DispositionID, Name: h.DispositionName}
	h.DispositionID = d.ID
	h.DispositionName = d.Name
	at := e.now().Unix()
	h.CorrectedAt = &at
	out := *h
	e.bus.Publish(Event{Type: EventHistory, Data: out})
	e.requestSave()
	e.mu.Unlock()

	if full, err := e.catalog.Get(prev.ID); err == nil {
		prev = full
	}
	target := models.CallTarget{ID: out.TargetID, Name: out.TargetName, PrimaryNumber: out.PhoneNumber}
	e.runAutomation(out.ID, target, d, &prev)
	e.logger.Info("disposition corrected", "history", out.ID, "from", prev.ID, "to", d.ID)
	return out, nil
}

// HangupLine ends the call on line at the operator's request. An unanswered
// attempt is cancelled and its target requeued; a connected call is hung up
// and waits for a disposition.
func (e *Engine) HangupLine(ctx context.Context, line int) error {
	e.mu.Lock()
	l, err := e.pool.Get(line)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	switch {
	case l.Status == models.LineIdle:
		e.mu.Unlock()
		return ErrLineIdle

	case l.Status.InFlight():
		if l.Target != nil {
			q := e.source.Requeue(*l.Target)
			e.logger.Info("operator cancelled attempt", "line", line, "target", q.ID, "round", q.Round())
		}
		_ = e.pool.Transition(line, models.LineIdle)
		e.requestSave()
		e.refillLocked()
		e.mu.Unlock()
		e.hangupAll([]string{l.CarrierAttemptID}, nil)
		return nil

	case l.Status == models.LineConnected:
		_ = e.pool.Transition(line, models.LineHangingUp)
		e.publishLocked(EventLines)
		e.mu.Unlock()

		e.hangupAll([]string{l.CarrierAttemptID}, []string{l.MediaSessionID})

		e.mu.Lock()
		if cur, err := e.pool.Get(line); err == nil && e.pool.Owns(line, l.Generation) && cur.Status == models.LineHangingUp {
			_ = e.pool.Transition(line, models.LineEnded)
			if cur.Settling {
				// Dispositioned while the hangup was in flight.
				e.scheduleRelease()
			}
		}
		e.publishLocked(EventLines, EventStatus)
		e.mu.Unlock()
		return nil
	}

	e.mu.Unlock()
	return nil
}

// scheduleRelease resets settled lines once the settle delay has passed.
func (e *Engine) scheduleRelease() {
	if !e.running.Load() {
		e.releaseLocked()
		return
	}
	e.goRun(func(ctx context.Context) {
		if !sleep(ctx, e.opts.SettleDelay) {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.releaseLocked()
		e.refillLocked()
	})
}

// releaseLocked applies the queue effect of every settled line and resets
// it. Arbitrated lines go with them once the operator is free again.
func (e *Engine) releaseLocked() {
	released := false
	for _, l := range e.pool.Snapshot() {
		if l.Status != models.LineEnded || !l.Settling {
			continue
		}
		e.releaseLineLocked(l)
		released = true
	}
	if e.pool.Busy() {
		if released {
			e.publishLocked(EventLines)
		}
		return
	}
	for _, n := range e.pool.Releasable() {
		l, _ := e.pool.Get(n)
		e.releaseLineLocked(l)
		released = true
	}
	if released {
		e.requestSave()
		e.checkCompleteLocked()
		e.publishLocked(EventLines, EventQueue, EventStatus)
	}
}

func (e *Engine) releaseLineLocked(l models.CallLine) {
	if r, ok := e.releases[l.LineNumber]; ok {
		if r.gen == l.Generation {
			r.apply()
		}
		delete(e.releases, l.LineNumber)
	}
	_ = e.pool.Transition(l.LineNumber, models.LineIdle)
}

// runAutomation reports an outcome to the automation service without
// blocking the dialer. Failures are logged.
func (e *Engine) runAutomation(historyID string, target models.CallTarget, d models.Disposition, prev *models.Disposition) {
	if e.automation == nil {
		return
	}
	req := automation.Request{HistoryID: historyID, Target: target, Disposition: d, Previous: prev}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), automationTimeout)
		defer cancel()
		n, err := e.automation.Execute(ctx, req)
		if err != nil {
			e.logger.Warn("automation failed", "history", historyID, "disposition", d.ID, "error", err)
			e.metrics.RecordError("automation")
			return
		}
		e.logger.Debug("automation executed", "history", historyID, "disposition", d.ID, "actions", n)
	}()
}
