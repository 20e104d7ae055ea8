package dialer

import (
	"log/slog"
	"sync"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/privacy"
	"github.com/stads98/telnyx-crm-sub001/internal/queue"
)

// TargetSource feeds the engine. Campaign mode pops the work queue; manual
// mode serves a single ad-hoc request. All methods are called with the
// engine lock held.
type TargetSource interface {
	Mode() models.DialerMode
	// Next removes and returns up to n targets.
	Next(n int) []models.CallTarget
	// Return puts back a target whose attempt never reached the carrier.
	Return(t models.CallTarget)
	// Requeue schedules another round for t and returns the updated target.
	Requeue(t models.CallTarget) models.CallTarget
	// Finalize retires t permanently with the disposition that closed it.
	Finalize(t models.CallTarget, dispositionID string)
	// Attempted records that a call to t was placed.
	Attempted(t models.CallTarget)
	// Exhausted reports whether no target is left to hand out.
	Exhausted() bool
}

// TargetLedger is the durable record of targets.
type TargetLedger interface {
	RecordAttempt(id string, retryCount int) error
	SetRetryCount(id string, retryCount int) error
	MarkDone(id, dispositionID string) error
	MarkRemoved(ids []string) (int64, error)
}

// QueueSource drives a campaign from the work queue.
type QueueSource struct {
	queue  *queue.Manager
	ledger TargetLedger
	logger *slog.Logger
}

func NewQueueSource(q *queue.Manager, ledger TargetLedger, logger *slog.Logger) *QueueSource {
	return &QueueSource{queue: q, ledger: ledger, logger: logger}
}

func (s *QueueSource) Mode() models.DialerMode { return models.ModeCampaign }

func (s *QueueSource) Next(n int) []models.CallTarget {
	return s.queue.DequeueUpTo(n)
}

func (s *QueueSource) Return(t models.CallTarget) {
	s.queue.PushFront(t)
}

func (s *QueueSource) Requeue(t models.CallTarget) models.CallTarget {
	q := s.queue.Requeue(t)
	if s.ledger != nil {
		if err := s.ledger.SetRetryCount(q.ID, q.RetryCount); err != nil {
			s.logger.Warn("persist retry count", "target", q.ID, "error", err)
		}
	}
	return q
}

func (s *QueueSource) Finalize(t models.CallTarget, dispositionID string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.MarkDone(t.ID, dispositionID); err != nil {
		s.logger.Warn("mark target done", "target", t.ID, "error", err)
	}
}

func (s *QueueSource) Attempted(t models.CallTarget) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.RecordAttempt(t.ID, t.RetryCount); err != nil {
		s.logger.Warn("record attempt", "target", t.ID, "error", err)
	}
}

func (s *QueueSource) Exhausted() bool {
	return s.queue.Len() == 0
}

// ManualSource serves one ad-hoc multi-line request. Every target is dialed
// once: nothing is retried.
type ManualSource struct {
	mu      sync.Mutex
	pending []models.CallTarget
	logger  *slog.Logger
}

func NewManualSource(targets []models.CallTarget, logger *slog.Logger) *ManualSource {
	return &ManualSource{pending: targets, logger: logger}
}

func (s *ManualSource) Mode() models.DialerMode { return models.ModeManual }

func (s *ManualSource) Next(n int) []models.CallTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.pending))
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out
}

func (s *ManualSource) Return(t models.CallTarget) {
	s.logger.Warn("manual call could not be placed", "number", privacy.MaskNumber(t.PrimaryNumber))
}

func (s *ManualSource) Requeue(t models.CallTarget) models.CallTarget {
	t.RetryCount++
	return t
}

func (s *ManualSource) Finalize(models.CallTarget, string) {}

func (s *ManualSource) Attempted(models.CallTarget) {}

func (s *ManualSource) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}
