package dialer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// arbitrateLocked keeps winner as the only live line: every sibling still
// dialing, ringing or under AMD is ended. It returns the carrier attempts to
// hang up.
func (e *Engine) arbitrateLocked(winner int) []string {
	var losers []string
	for _, l := range e.pool.InFlight(winner) {
		if id := e.arbitrateLineLocked(l.LineNumber); id != "" {
			losers = append(losers, id)
		}
	}
	for _, c := range e.waiting {
		e.untrackLocked(c.line, c.gen)
	}
	e.waiting = nil
	if len(losers) > 0 {
		e.logger.Info("arbitration hung up sibling lines", "winner", winner, "count", len(losers))
	}
	e.metrics.RecordArbitrated(len(losers))
	return losers
}

// arbitrateLineLocked ends one losing line. Lines the callee could have
// heard ringing get a No Answer entry; the retry count is untouched.
func (e *Engine) arbitrateLineLocked(line int) string {
	l, err := e.pool.Get(line)
	if err != nil || l.Target == nil {
		return ""
	}
	_ = e.pool.Update(line, func(l *models.CallLine) { l.Arbitrated = true })
	if err := e.pool.Transition(line, models.LineEnded); err != nil {
		e.logger.Warn("end arbitrated line", "line", line, "error", err)
	}
	if l.Rang {
		e.appendHistoryLocked(l, models.SyntheticNoAnswer, models.NoAnswerName, "", true)
	}
	target := *l.Target
	e.releases[line] = release{gen: l.Generation, apply: func() {
		if e.opts.RequeueArbitrated {
			e.source.Requeue(target)
		}
	}}
	return l.CarrierAttemptID
}

// hangupAll hangs up carrier attempts and media sessions in parallel and
// releases the attempts. Errors are logged; a hangup is best-effort.
func (e *Engine) hangupAll(attempts, sessions []string) {
	if len(attempts) == 0 && len(sessions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	var g errgroup.Group
	for _, id := range attempts {
		if id == "" {
			continue
		}
		g.Go(func() error {
			if err := e.carrier.Hangup(ctx, id); err != nil {
				e.logger.Warn("hangup attempt", "attempt", id, "error", err)
				e.metrics.RecordError("carrier")
			}
			e.poller.Release(ctx, id)
			return nil
		})
	}
	for _, id := range sessions {
		if id == "" || e.media == nil {
			continue
		}
		g.Go(func() error {
			if err := e.media.Hangup(ctx, id); err != nil {
				e.logger.Warn("hangup media session", "session", id, "error", err)
				e.metrics.RecordError("media")
			}
			return nil
		})
	}
	_ = g.Wait()
}
