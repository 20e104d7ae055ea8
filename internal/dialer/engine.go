package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stads98/telnyx-crm-sub001/internal/amd"
	"github.com/stads98/telnyx-crm-sub001/internal/automation"
	"github.com/stads98/telnyx-crm-sub001/internal/callerid"
	"github.com/stads98/telnyx-crm-sub001/internal/lines"
	"github.com/stads98/telnyx-crm-sub001/internal/media"
	"github.com/stads98/telnyx-crm-sub001/internal/metrics"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/queue"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

var (
	ErrAlreadyRunning       = errors.New("dialer is already running")
	ErrNotRunning           = errors.New("dialer is not running")
	ErrQueueEmpty           = errors.New("queue is empty")
	ErrTooManyNumbers       = errors.New("more numbers than lines")
	ErrNoDispositionPending = errors.New("line has no call awaiting a disposition")
	ErrLineIdle             = errors.New("line is idle")
	ErrHistoryNotFound      = errors.New("history entry not found")
	ErrNoMedia              = errors.New("no media transport configured")
	ErrLinesBusy            = errors.New("lines are still in use")
)

// hangupTimeout bounds best-effort hangups issued outside a request.
const hangupTimeout = 5 * time.Second

// Options tunes timing and policy.
type Options struct {
	MaxLines            int
	PollInterval        time.Duration
	CampaignPollTimeout time.Duration
	ManualPollTimeout   time.Duration
	// SettleDelay is the pause between a disposition and the line going idle.
	SettleDelay time.Duration
	// DialStagger spaces out the attempts of one refill batch.
	DialStagger time.Duration
	// FailureBackoff delays the refill after a failed initiation.
	FailureBackoff time.Duration
	// RequeueArbitrated sends targets whose ringing line lost arbitration
	// back to the queue with their retry count incremented.
	RequeueArbitrated bool
}

func (o *Options) setDefaults() {
	if o.MaxLines <= 0 {
		o.MaxLines = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = amd.DefaultInterval
	}
	if o.CampaignPollTimeout <= 0 {
		o.CampaignPollTimeout = amd.DefaultCampaignTimeout
	}
	if o.ManualPollTimeout <= 0 {
		o.ManualPollTimeout = amd.DefaultManualTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
}

// Catalog resolves dispositions and the requeue decision.
type Catalog interface {
	Get(id string) (models.Disposition, error)
	ShouldRequeue(d models.Disposition) bool
}

// Automation executes disposition side effects.
type Automation interface {
	Execute(ctx context.Context, req automation.Request) (int, error)
}

// Persister saves the queue order and session history.
type Persister interface {
	SaveSession(queue models.QueueState, history []models.HistoryEntry) error
}

// Deps are the collaborators of the engine. Ledger, Automation, Persister
// and Metrics are optional.
type Deps struct {
	Carrier    telephony.Carrier
	Media      media.Transport
	CallerIDs  *callerid.Rotation
	Queue      *queue.Manager
	Ledger     TargetLedger
	Catalog    Catalog
	Automation Automation
	Persister  Persister
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// release is the queue effect applied when a finished line goes idle.
type release struct {
	gen   uint64
	apply func()
}

// claim is a human verdict waiting for the bridge.
type claim struct {
	line      int
	gen       uint64
	attemptID string
}

// Engine orchestrates the lines of one operator. Every decision is taken
// under mu; network calls and delays happen outside it.
type Engine struct {
	// lifecycle serializes Start, Dial, DirectCall and Stop. Stop holds it
	// until every goroutine of the run has exited, so a new run never adds
	// to wg while it is being waited on.
	lifecycle sync.Mutex

	mu       sync.Mutex
	pool     *lines.Pool
	queue    *queue.Manager
	campaign *QueueSource
	source   TargetSource
	history  []models.HistoryEntry

	// releases holds pending queue effects keyed by line.
	releases map[int]release
	// tracked maps a line to the generation owned by a live poll loop or a
	// pending bridge claim.
	tracked  map[int]uint64
	bridging int
	waiting  []claim

	carrier    telephony.Carrier
	media      media.Transport
	initiator  *amd.Initiator
	poller     *amd.Poller
	catalog    Catalog
	automation Automation
	persister  Persister
	metrics    *metrics.Metrics
	bus        *Bus
	logger     *slog.Logger
	opts       Options

	running atomic.Bool
	paused  atomic.Bool

	life       context.Context
	lifeCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	// wg tracks goroutines of the current run; bg tracks automation calls.
	wg sync.WaitGroup
	bg sync.WaitGroup

	saveCh chan struct{}
	now    func() time.Time
}

func New(deps Deps, opts Options) *Engine {
	opts.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := deps.Queue
	if q == nil {
		q = queue.NewManager()
	}
	life, cancel := context.WithCancel(context.Background())
	campaign := NewQueueSource(q, deps.Ledger, logger)
	return &Engine{
		pool:       lines.New(opts.MaxLines),
		queue:      q,
		campaign:   campaign,
		source:     campaign,
		releases:   make(map[int]release),
		tracked:    make(map[int]uint64),
		carrier:    deps.Carrier,
		media:      deps.Media,
		initiator:  amd.NewInitiator(deps.Carrier, deps.CallerIDs),
		poller:     amd.NewPoller(deps.Carrier, opts.PollInterval, logger),
		catalog:    deps.Catalog,
		automation: deps.Automation,
		persister:  deps.Persister,
		metrics:    deps.Metrics,
		bus:        NewBus(),
		logger:     logger,
		opts:       opts,
		life:       life,
		lifeCancel: cancel,
		runCtx:     life,
		runCancel:  func() {},
		saveCh:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Bus returns the event bus operator clients subscribe to.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Restore seeds the queue and history from a previous session. Call it
// before Start.
func (e *Engine) Restore(state *models.QueueState, history []models.HistoryEntry, available []models.CallTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state != nil {
		if dropped := e.queue.Restore(*state, available); dropped > 0 {
			e.logger.Info("dropped queue entries no longer available", "count", dropped)
		}
	} else {
		e.queue.Load(available)
	}
	e.history = slices.Clone(history)
	e.publishLocked(EventQueue, EventStatus)
}

// Run serves media events and coalesced saves until ctx is done, then stops
// dialing and writes a final save.
func (e *Engine) Run(ctx context.Context) error {
	var events <-chan media.Event
	if e.media != nil {
		events = e.media.Events()
	}
	for {
		select {
		case <-ctx.Done():
			e.Close()
			e.save()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.onMediaEvent(ev)
		case <-e.saveCh:
			e.save()
		}
	}
}

// Close stops dialing and waits for every goroutine the engine started.
func (e *Engine) Close() {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		e.logger.Warn("stop on close", "error", err)
	}
	e.lifeCancel()
	e.wg.Wait()
	e.bg.Wait()
}

// dialing reports whether new work may start. It is read fresh at every
// suspension point.
func (e *Engine) dialing() bool {
	return e.running.Load() && !e.paused.Load()
}

// Start begins a campaign over the queue.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if e.queue.Len() == 0 {
		e.mu.Unlock()
		return ErrQueueEmpty
	}
	e.mu.Unlock()

	if err := e.ensureMedia(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	e.beginLocked(e.campaign)
	e.logger.Info("campaign started", "queued", e.queue.Len(), "lines", e.pool.Size())
	e.refillLocked()
	e.publishLocked(EventLines, EventStatus, EventQueue)
	return nil
}

// Dial places one ad-hoc call per number in parallel. The first human to
// answer is bridged; nothing is retried.
func (e *Engine) Dial(ctx context.Context, req models.ManualDialRequest) error {
	if len(req.Numbers) == 0 {
		return fmt.Errorf("dial: no numbers")
	}
	if len(req.Numbers) > e.pool.Size() {
		return fmt.Errorf("%w: %d numbers, %d lines", ErrTooManyNumbers, len(req.Numbers), e.pool.Size())
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	if err := e.ensureMedia(ctx); err != nil {
		return err
	}

	targets := make([]models.CallTarget, len(req.Numbers))
	for i, n := range req.Numbers {
		targets[i] = models.CallTarget{ID: "manual:" + uuid.New().String(), Name: req.Name, PrimaryNumber: n}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	e.beginLocked(NewManualSource(targets, e.logger))
	e.logger.Info("manual dial started", "numbers", len(targets))
	e.refillLocked()
	e.publishLocked(EventLines, EventStatus)
	return nil
}

func (e *Engine) ensureMedia(ctx context.Context) error {
	if e.media == nil {
		return nil
	}
	if err := e.media.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("register media client: %w", err)
	}
	return nil
}

func (e *Engine) beginLocked(src TargetSource) {
	e.source = src
	e.runCtx, e.runCancel = context.WithCancel(e.life)
	e.paused.Store(false)
	e.running.Store(true)
	e.queue.SetDialing(src.Mode() == models.ModeCampaign)
}

// Pause stops new dials. Calls already ringing keep ringing; their poll
// loops park until Resume.
func (e *Engine) Pause() error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	e.paused.Store(true)
	e.queue.SetDialing(false)
	e.logger.Info("dialer paused")
	e.mu.Lock()
	e.publishLocked(EventStatus)
	e.mu.Unlock()
	return nil
}

// Resume restarts polling for parked lines and refills idle ones.
func (e *Engine) Resume() error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return ErrNotRunning
	}
	if !e.paused.CompareAndSwap(true, false) {
		return nil
	}
	e.queue.SetDialing(e.source.Mode() == models.ModeCampaign)
	e.logger.Info("dialer resumed")

	for _, l := range e.pool.Snapshot() {
		if !l.Status.InFlight() || l.CarrierAttemptID == "" {
			continue
		}
		if g, ok := e.tracked[l.LineNumber]; ok && g == l.Generation {
			continue
		}
		e.tracked[l.LineNumber] = l.Generation
		deadline := l.StartedAt.Add(e.pollTimeout())
		e.goRun(func(ctx context.Context) {
			e.watch(ctx, l.LineNumber, l.Generation, l.CarrierAttemptID, deadline)
		})
	}
	e.refillLocked()
	e.publishLocked(EventStatus, EventLines)
	return nil
}

// Stop ends the run: targets on lines go back to the head of the queue,
// every line is reset, and carrier legs are hung up best-effort. Poll loops
// observe the stop on their next tick and write nothing further.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	e.paused.Store(false)

	e.mu.Lock()
	e.runCancel()
	var attempts, sessions []string
	snap := e.pool.Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		l := snap[i]
		if l.Status == models.LineIdle {
			continue
		}
		if r, ok := e.releases[l.LineNumber]; ok && r.gen == l.Generation {
			r.apply()
		} else if l.Target != nil && !l.Arbitrated && !l.Settling {
			e.source.Return(*l.Target)
		}
		if l.CarrierAttemptID != "" && l.Status != models.LineEnded {
			attempts = append(attempts, l.CarrierAttemptID)
		}
		if l.MediaSessionID != "" && (l.Status == models.LineConnected || l.Status == models.LineHangingUp) {
			sessions = append(sessions, l.MediaSessionID)
		}
		_ = e.pool.Reset(l.LineNumber)
	}
	clear(e.releases)
	clear(e.tracked)
	e.bridging = 0
	e.waiting = nil
	e.queue.SetDialing(false)
	e.logger.Info("dialer stopped", "hungUp", len(attempts))
	e.publishLocked(EventLines, EventStatus, EventQueue)
	e.mu.Unlock()

	e.hangupAll(attempts, sessions)
	e.wg.Wait()
	e.requestSave()
	return nil
}

// pollTimeout returns the AMD deadline for the current mode.
func (e *Engine) pollTimeout() time.Duration {
	if e.source.Mode() == models.ModeManual {
		return e.opts.ManualPollTimeout
	}
	return e.opts.CampaignPollTimeout
}

// goRun starts fn as part of the current run.
func (e *Engine) goRun(fn func(ctx context.Context)) {
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// sleep waits d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// refillLocked assigns queued targets to idle lines while the operator is
// free.
func (e *Engine) refillLocked() {
	if !e.dialing() || e.pool.Busy() {
		return
	}
	idle := e.pool.IdleCount()
	if idle > 0 {
		batch := 0
		for _, t := range e.source.Next(idle) {
			if e.pool.HasTarget(t.ID) {
				e.logger.Warn("dropping queued target already on a line", "target", t.ID)
				continue
			}
			n, ok := e.pool.AssignNextIdle(t)
			if !ok {
				e.source.Return(t)
				continue
			}
			l, _ := e.pool.Get(n)
			delay := time.Duration(batch) * e.opts.DialStagger
			batch++
			e.goRun(func(ctx context.Context) {
				e.runLine(ctx, n, l.Generation, t, delay)
			})
		}
	}
	e.checkCompleteLocked()
	e.publishLocked(EventLines, EventQueue)
}

// checkCompleteLocked ends the run once nothing is queued and every line is
// idle.
func (e *Engine) checkCompleteLocked() {
	if !e.running.Load() || !e.source.Exhausted() || e.pool.ActiveCount() > 0 {
		return
	}
	e.running.Store(false)
	e.paused.Store(false)
	e.runCancel()
	e.queue.SetDialing(false)
	e.logger.Info("dialing complete", "mode", e.source.Mode())
	e.publishLocked(EventStatus)
}

// untrackLocked forgets the owner of line if it still holds gen.
func (e *Engine) untrackLocked(line int, gen uint64) {
	if g, ok := e.tracked[line]; ok && g == gen {
		delete(e.tracked, line)
	}
}

// ownsInFlightLocked returns the line when it still carries the assignment
// gen and has not been answered, ended or reset.
func (e *Engine) ownsInFlightLocked(line int, gen uint64) (models.CallLine, bool) {
	if !e.pool.Owns(line, gen) {
		return models.CallLine{}, false
	}
	l, err := e.pool.Get(line)
	if err != nil || !l.Status.InFlight() {
		return models.CallLine{}, false
	}
	return l, true
}

// appendHistoryLocked records an outcome for the call on l.
func (e *Engine) appendHistoryLocked(l models.CallLine, dispositionID, dispositionName, notes string, synthetic bool) models.HistoryEntry {
	now := e.now()
	h := models.HistoryEntry{
		ID:              uuid.New().String(),
		PhoneNumber:     l.DialedNumber,
		CallerID:        l.CallerIDUsed,
		LineNumber:      l.LineNumber,
		Notes:           notes,
		DispositionID:   dispositionID,
		DispositionName: dispositionName,
		Synthetic:       synthetic,
		CreatedAt:       now.Unix(),
	}
	if l.Target != nil {
		h.TargetID = l.Target.ID
		h.TargetName = l.Target.Name
		h.Round = l.Target.Round()
	}
	if !l.ConnectedAt.IsZero() {
		h.DurationSeconds = int(now.Sub(l.ConnectedAt).Seconds())
	}
	e.history = append(e.history, h)
	e.bus.Publish(Event{Type: EventHistory, Data: h})
	e.requestSave()
	return h
}

// Lines returns a snapshot of every line.
func (e *Engine) Lines() []models.CallLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Snapshot()
}

// Queue returns the queue grouped into rounds.
func (e *Engine) Queue() models.QueueSnapshot {
	return e.queue.Snapshot()
}

// History returns the session history, oldest first.
func (e *Engine) History() []models.HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

func (e *Engine) Status() models.DialerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() models.DialerStatus {
	st := models.DialerStatus{
		Running:      e.running.Load(),
		Paused:       e.paused.Load(),
		MaxLines:     e.pool.Size(),
		ActiveLines:  e.pool.ActiveCount(),
		Queued:       e.queue.Len(),
		HistoryCount: len(e.history),
	}
	if st.Running {
		st.Mode = e.source.Mode()
	}
	if l, ok := e.pool.Connected(); ok {
		st.ConnectedLine = l.LineNumber
	}
	return st
}

// ShuffleQueue permutes the queue. It is rejected while dialing.
func (e *Engine) ShuffleQueue() error {
	if err := e.queue.Shuffle(); err != nil {
		return err
	}
	e.requestSave()
	e.mu.Lock()
	e.publishLocked(EventQueue)
	e.mu.Unlock()
	return nil
}

// BulkRequeue moves queued targets to the tail, one round later.
func (e *Engine) BulkRequeue(ids []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.queue.BulkRequeue(ids)
	if n > 0 && e.campaign.ledger != nil {
		for _, t := range e.queue.Items() {
			if slices.Contains(ids, t.ID) {
				if err := e.campaign.ledger.SetRetryCount(t.ID, t.RetryCount); err != nil {
					e.logger.Warn("persist retry count", "target", t.ID, "error", err)
				}
			}
		}
	}
	e.requestSave()
	e.publishLocked(EventQueue, EventStatus)
	return n
}

// BulkRemove drops targets from the queue and retires them in the ledger.
func (e *Engine) BulkRemove(ids []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.queue.Remove(ids)
	if e.campaign.ledger != nil {
		if _, err := e.campaign.ledger.MarkRemoved(ids); err != nil {
			e.logger.Warn("mark targets removed", "error", err)
			e.metrics.RecordError("store")
		}
	}
	e.checkCompleteLocked()
	e.requestSave()
	e.publishLocked(EventQueue, EventStatus)
	return n
}

// Enqueue appends new targets at the tail of the queue.
func (e *Engine) Enqueue(targets []models.CallTarget) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fresh []models.CallTarget
	for _, t := range targets {
		if !e.pool.HasTarget(t.ID) {
			fresh = append(fresh, t)
		}
	}
	n := e.queue.Append(fresh...)
	if n > 0 {
		e.requestSave()
		e.refillLocked()
		e.publishLocked(EventQueue, EventStatus)
	}
	return n
}

// publishLocked emits the current state for the given event types.
func (e *Engine) publishLocked(types ...EventType) {
	e.metrics.SetGauges(e.pool.ActiveCount(), e.queue.Len())
	for _, t := range types {
		switch t {
		case EventLines:
			e.bus.Publish(Event{Type: EventLines, Data: e.pool.Snapshot()})
		case EventStatus:
			e.bus.Publish(Event{Type: EventStatus, Data: e.statusLocked()})
		case EventQueue:
			e.bus.Publish(Event{Type: EventQueue, Data: e.queue.Snapshot()})
		}
	}
}

// requestSave schedules a save. Requests coalesce while one is pending.
func (e *Engine) requestSave() {
	select {
	case e.saveCh <- struct{}{}:
	default:
	}
}

// save persists the queue and history. Failures are logged: in-memory
// state stays authoritative for the session.
func (e *Engine) save() {
	if e.persister == nil {
		return
	}
	e.mu.Lock()
	state := e.queue.State()
	history := slices.Clone(e.history)
	e.mu.Unlock()
	if err := e.persister.SaveSession(state, history); err != nil {
		e.logger.Warn("save session failed", "error", err)
		e.metrics.RecordError("persistence")
	}
}

// onMediaEvent ends a connected line when its media session hangs up.
func (e *Engine) onMediaEvent(ev media.Event) {
	if ev.State != media.StateHangup && ev.State != media.StateFailed {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.pool.Snapshot() {
		if l.MediaSessionID != ev.SessionID || l.Status != models.LineConnected {
			continue
		}
		if err := e.pool.Transition(l.LineNumber, models.LineEnded); err != nil {
			e.logger.Warn("end line on remote hangup", "line", l.LineNumber, "error", err)
			return
		}
		e.logger.Info("remote party hung up", "line", l.LineNumber, "cause", ev.Cause)
		e.publishLocked(EventLines, EventStatus)
		return
	}
}
