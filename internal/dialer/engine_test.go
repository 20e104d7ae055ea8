package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stads98/telnyx-crm-sub001/internal/automation"
	"github.com/stads98/telnyx-crm-sub001/internal/callerid"
	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
	"github.com/stads98/telnyx-crm-sub001/internal/lines"
	"github.com/stads98/telnyx-crm-sub001/internal/media"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/queue"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	numX = "+15550000001"
	numY = "+15550000002"
	numW = "+15550000003"
)

var (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// carrierView is what a script sees of the fake carrier.
type carrierView struct {
	started int
	polls   map[string]int
}

type fakeAttempt struct {
	to      string
	polls   int
	hungUp  bool
	cleaned bool
}

type fakeCarrier struct {
	mu        sync.Mutex
	seq       int
	script    func(to string, poll int, v carrierView) telephony.AttemptStatus
	attempts  map[string]*fakeAttempt
	startedTo []string
	failStart map[string]int
	// bridgeFailures is how many bridges fail before one succeeds.
	bridgeFailures int
	bridged        []string
	hungUp         []string
	cleanups       map[string]int
	// bridgeGate and hangupGate, when set, hold those calls until closed.
	bridgeGate chan struct{}
	hangupGate chan struct{}
}

func newFakeCarrier(script func(to string, poll int, v carrierView) telephony.AttemptStatus) *fakeCarrier {
	return &fakeCarrier{
		script:    script,
		attempts:  make(map[string]*fakeAttempt),
		failStart: make(map[string]int),
		cleanups:  make(map[string]int),
	}
}

func ringing(string, int, carrierView) telephony.AttemptStatus { return telephony.StatusRinging }

func (c *fakeCarrier) StartDetectedCall(_ context.Context, from, to string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failStart[to] > 0 {
		c.failStart[to]--
		return "", errors.New("carrier unavailable")
	}
	c.seq++
	id := fmt.Sprintf("att-%d", c.seq)
	c.attempts[id] = &fakeAttempt{to: to}
	c.startedTo = append(c.startedTo, to)
	return id, nil
}

func (c *fakeCarrier) PollAttemptStatus(_ context.Context, attemptID string) (telephony.StatusReport, error) {
	c.mu.Lock()
	a, ok := c.attempts[attemptID]
	if !ok || a.cleaned {
		c.mu.Unlock()
		return telephony.StatusReport{Status: telephony.StatusNotFound}, nil
	}
	if a.hungUp {
		c.mu.Unlock()
		return telephony.StatusReport{Status: telephony.StatusEnded, HangupCause: "normal_clearing"}, nil
	}
	a.polls++
	v := carrierView{started: len(c.startedTo), polls: make(map[string]int)}
	for _, other := range c.attempts {
		v.polls[other.to] += other.polls
	}
	to, poll := a.to, a.polls
	c.mu.Unlock()
	return telephony.StatusReport{Status: c.script(to, poll, v)}, nil
}

func (c *fakeCarrier) Cleanup(_ context.Context, attemptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[attemptID]; ok {
		a.cleaned = true
	}
	c.cleanups[attemptID]++
	return nil
}

func (c *fakeCarrier) BridgeToMediaSession(ctx context.Context, attemptID, _ string) (string, error) {
	if err := waitGate(ctx, c.bridgeGate); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridgeFailures > 0 {
		c.bridgeFailures--
		return "", errors.New("leg already gone")
	}
	c.bridged = append(c.bridged, attemptID)
	return "media-" + attemptID, nil
}

func (c *fakeCarrier) Hangup(ctx context.Context, id string) error {
	if err := waitGate(ctx, c.hangupGate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp = append(c.hungUp, id)
	if a, ok := c.attempts[id]; ok {
		a.hungUp = true
	}
	return nil
}

// waitGate blocks until gate is closed; a nil gate is open.
func waitGate(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newGate returns a closed-on-demand channel that is opened at the latest when
// the test ends.
func newGate(t *testing.T) (chan struct{}, func()) {
	ch := make(chan struct{})
	open := sync.OnceFunc(func() { close(ch) })
	t.Cleanup(open)
	return ch, open
}

func (c *fakeCarrier) cleanupCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanups[id]
}

func (c *fakeCarrier) started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.startedTo)
}

func (c *fakeCarrier) wasHungUp(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.hungUp, id)
}

func (c *fakeCarrier) bridgeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bridged)
}

type fakeMedia struct {
	mu         sync.Mutex
	events     chan media.Event
	autoAnswer int
	hungUp     []string
	calls      []string
	startErr   error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{events: make(chan media.Event, 8)}
}

func (m *fakeMedia) EnsureRegistered(context.Context) error { return nil }

func (m *fakeMedia) StartCall(_ context.Context, to, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	m.calls = append(m.calls, to)
	return "ms-" + to, nil
}

func (m *fakeMedia) Hangup(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = append(m.hungUp, sessionID)
	return nil
}

func (m *fakeMedia) SetAutoAnswer(context.Context, bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAnswer++
	return nil
}

func (m *fakeMedia) Events() <-chan media.Event { return m.events }

func (m *fakeMedia) wasHungUp(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.hungUp, id)
}

type fakeLedger struct {
	mu       sync.Mutex
	attempts map[string]int
	retries  map[string]int
	done     map[string]string
	removed  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{attempts: map[string]int{}, retries: map[string]int{}, done: map[string]string{}}
}

func (l *fakeLedger) RecordAttempt(id string, retry int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[id]++
	l.retries[id] = max(l.retries[id], retry)
	return nil
}

func (l *fakeLedger) SetRetryCount(id string, retry int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[id] = retry
	return nil
}

func (l *fakeLedger) MarkDone(id, dispositionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[id] = dispositionID
	return nil
}

func (l *fakeLedger) MarkRemoved(ids []string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, ids...)
	return int64(len(ids)), nil
}

func (l *fakeLedger) retryOf(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries[id]
}

func (l *fakeLedger) doneWith(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[id]
}

type fakeAutomation struct {
	mu       sync.Mutex
	requests []automation.Request
}

func (a *fakeAutomation) Execute(_ context.Context, req automation.Request) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return 1, nil
}

func (a *fakeAutomation) all() []automation.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.requests)
}

type fakePersister struct {
	saves atomic.Int32
}

func (p *fakePersister) SaveSession(models.QueueState, []models.HistoryEntry) error {
	p.saves.Add(1)
	return nil
}

type harness struct {
	engine     *Engine
	carrier    *fakeCarrier
	media      *fakeMedia
	ledger     *fakeLedger
	automation *fakeAutomation
	persister  *fakePersister
}

func newHarness(t *testing.T, maxLines int, carrier *fakeCarrier, opts Options, targets ...models.CallTarget) *harness {
	t.Helper()
	catalog, err := dispositions.New(dispositions.Defaults, false)
	require.NoError(t, err)

	h := &harness{
		carrier:    carrier,
		media:      newFakeMedia(),
		ledger:     newFakeLedger(),
		automation: &fakeAutomation{},
		persister:  &fakePersister{},
	}
	opts.MaxLines = maxLines
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 5 * time.Millisecond
	}
	h.engine = New(Deps{
		Carrier:    carrier,
		Media:      h.media,
		CallerIDs:  callerid.New([]string{"+15559990001", "+15559990002"}),
		Queue:      queue.NewManager(),
		Ledger:     h.ledger,
		Catalog:    catalog,
		Automation: h.automation,
		Persister:  h.persister,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	h.engine.Restore(nil, nil, targets)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func target(id, number string) models.CallTarget {
	return models.CallTarget{ID: id, Name: "Contact " + id, PrimaryNumber: number}
}

func (h *harness) line(n int) models.CallLine {
	return h.engine.Lines()[n-1]
}

func (h *harness) waitStatus(t *testing.T, n int, status models.LineStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.line(n).Status == status }, waitFor, tick,
		"line %d never reached %s", n, status)
}

// waitForWaitingClaim blocks until one line is bridging and another human
// is queued behind it, and returns the bridging line.
func waitForWaitingClaim(t *testing.T, e *Engine) int {
	t.Helper()
	var bridging int
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		bridging = e.bridging
		return e.bridging != 0 && len(e.waiting) == 1
	}, waitFor, tick, "no human queued behind the bridge")
	return bridging
}

// claimsSettled reports whether no bridge claim is pending or tracked for line.
func claimsSettled(e *Engine, line int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, tracked := e.tracked[line]
	return len(e.waiting) == 0 && e.bridging == 0 && !tracked
}

// checkInvariants asserts the cross-component invariants at one instant.
func checkInvariants(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	connected := 0
	for _, l := range e.pool.Snapshot() {
		if l.Status == models.LineConnected {
			connected++
		}
		if l.Status != models.LineIdle && l.Target != nil {
			assert.False(t, e.queue.Contains(l.Target.ID), "target %s is queued and on line %d", l.Target.ID, l.LineNumber)
		}
	}
	assert.LessOrEqual(t, connected, 1, "more than one line connected")
	assert.LessOrEqual(t, e.pool.ActiveCount(), e.pool.Size())
}

func TestFirstHumanWinsArbitration(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, v carrierView) telephony.AttemptStatus {
		if to == numX && v.polls[numY] > 0 {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 2, carrier, Options{},
		target("x", numX), target("y", numY), target("w", numW))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineConnected)
	checkInvariants(t, e)

	y := h.line(2)
	assert.Equal(t, models.LineEnded, y.Status)
	assert.True(t, y.Arbitrated)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, "y", history[0].TargetID)
	assert.Equal(t, models.NoAnswerName, history[0].DispositionName)
	assert.True(t, history[0].Synthetic)

	require.Eventually(t, func() bool { return carrier.wasHungUp(y.CarrierAttemptID) }, waitFor, tick)

	// Nothing refills while the operator owes a disposition.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, carrier.started(), 2)
	assert.Equal(t, 1, e.Queue().Total)
	assert.Equal(t, models.LineEnded, h.line(2).Status)

	_, err := e.SelectDisposition(context.Background(), 1, "interested", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return slices.Contains(carrier.started(), numW) }, waitFor, tick)
	checkInvariants(t, e)
	assert.Equal(t, "interested", h.ledger.doneWith("x"))
	assert.False(t, e.queue.Contains("y"), "arbitrated target is not requeued by default")
	assert.Len(t, e.History(), 2)
}

func TestArbitratedTargetsRequeuedWhenConfigured(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, v carrierView) telephony.AttemptStatus {
		if to == numX && v.polls[numY] > 0 {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 2, carrier, Options{RequeueArbitrated: true}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineConnected)
	assert.False(t, e.queue.Contains("y"))

	_, err := e.SelectDisposition(context.Background(), 1, "not_interested", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		l := h.line(1)
		return l.Target != nil && l.Target.ID == "y"
	}, waitFor, tick)
	assert.Equal(t, 1, h.line(1).Target.RetryCount)
}

func TestVoicemailRequeuesAndMovesOn(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, _ carrierView) telephony.AttemptStatus {
		if to == numX {
			return telephony.StatusVoicemail
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return slices.Contains(carrier.started(), numY) }, waitFor, tick)
	checkInvariants(t, e)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, models.VoicemailDetectedName, history[0].DispositionName)
	assert.Equal(t, 1, history[0].Round)

	snap := e.Queue()
	require.Len(t, snap.Rounds, 1)
	assert.Equal(t, 2, snap.Rounds[0].Number)
	assert.Equal(t, "x", snap.Rounds[0].Targets[0].ID)
	assert.Equal(t, 0, carrier.bridgeCount())
}

func TestNoAnswerRequeuesSilently(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, _ carrierView) telephony.AttemptStatus {
		if to == numX {
			return telephony.StatusBusy
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return slices.Contains(carrier.started(), numY) }, waitFor, tick)

	assert.Empty(t, e.History())
	items := e.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestAttemptTimesOut(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{CampaignPollTimeout: 20 * time.Millisecond},
		target("x", numX))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.carrier.started()) >= 2 }, waitFor, tick)
	assert.True(t, h.carrier.wasHungUp("att-1"))
}

func TestPauseHoldsVerdicts(t *testing.T) {
	var answered atomic.Bool
	carrier := newFakeCarrier(func(to string, _ int, _ carrierView) telephony.AttemptStatus {
		if answered.Load() {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineRinging)

	require.NoError(t, e.Pause())
	assert.True(t, e.Status().Paused)
	answered.Store(true)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.LineRinging, h.line(1).Status)
	assert.Equal(t, 0, carrier.bridgeCount())
	assert.Len(t, carrier.started(), 1)

	require.NoError(t, e.Resume())
	h.waitStatus(t, 1, models.LineConnected)
	assert.Len(t, carrier.started(), 1)
	checkInvariants(t, e)
}

func TestRequeueDispositionMovesTargetToTail(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, _ carrierView) telephony.AttemptStatus {
		if to == numX {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineConnected)

	entry, err := e.SelectDisposition(context.Background(), 1, "callback", "call back after 3pm")
	require.NoError(t, err)
	assert.Equal(t, "call back after 3pm", entry.Notes)
	assert.Equal(t, "Callback Requested", entry.DispositionName)
	assert.False(t, entry.Synthetic)

	_, err = e.SelectDisposition(context.Background(), 1, "callback", "")
	assert.ErrorIs(t, err, ErrNoDispositionPending)

	require.Eventually(t, func() bool {
		l := h.line(1)
		return l.Target != nil && l.Target.ID == "y"
	}, waitFor, tick)
	checkInvariants(t, e)

	items := e.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].ID)
	assert.Equal(t, 1, items[0].RetryCount)

	require.Eventually(t, func() bool { return len(h.automation.all()) == 1 }, waitFor, tick)
	req := h.automation.all()[0]
	assert.Equal(t, entry.ID, req.HistoryID)
	assert.Equal(t, "callback", req.Disposition.ID)
	assert.Nil(t, req.Previous)
}

func TestSelectDispositionErrors(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{}, target("x", numX))
	e := h.engine

	_, err := e.SelectDisposition(context.Background(), 1, "nope", "")
	assert.ErrorIs(t, err, dispositions.ErrUnknownDisposition)

	_, err = e.SelectDisposition(context.Background(), 1, "interested", "")
	assert.ErrorIs(t, err, ErrNoDispositionPending)

	_, err = e.SelectDisposition(context.Background(), 7, "interested", "")
	assert.ErrorIs(t, err, lines.ErrLineNotFound)
}

func TestShuffleOnlyWhileNotDialing(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{},
		target("a", "+15550000101"), target("b", "+15550000102"), target("c", "+15550000103"),
		target("d", "+15550000104"), target("e", "+15550000105"), target("f", "+15550000106"))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.ShuffleQueue(), queue.ErrShuffleWhileDialing)

	require.NoError(t, e.Pause())
	before := ids(e.queue.Items())
	require.Len(t, before, 5)
	require.NoError(t, e.ShuffleQueue())
	assert.ElementsMatch(t, before, ids(e.queue.Items()))
}

func ids(targets []models.CallTarget) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.ID
	}
	return out
}

func TestBridgeFailureRecordsOutcomeAndRetries(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusHumanDetected
	})
	carrier.bridgeFailures = 1
	h := newHarness(t, 1, carrier, Options{}, target("x", numX))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineConnected)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, models.BridgeFailedName, history[0].DispositionName)
	assert.Contains(t, history[0].Notes, "leg already gone")
	assert.Len(t, carrier.started(), 2)
	assert.Equal(t, 1, h.line(1).Target.RetryCount)
	assert.True(t, carrier.wasHungUp("att-1"))
}

func TestInitiationFailureReturnsTargetUnchanged(t *testing.T) {
	carrier := newFakeCarrier(ringing)
	carrier.failStart[numX] = 1
	h := newHarness(t, 1, carrier, Options{FailureBackoff: 5 * time.Millisecond}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineRinging)

	l := h.line(1)
	assert.Equal(t, "x", l.Target.ID)
	assert.Equal(t, 0, l.Target.RetryCount)
	assert.Empty(t, e.History())
	assert.Equal(t, []string{"y"}, ids(e.queue.Items()))
}

func TestUnroutableTargetIsRetired(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{}, target("bad", "12"), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return slices.Contains(h.carrier.started(), numY) }, waitFor, tick)

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, models.InvalidNumberName, history[0].DispositionName)
	assert.Equal(t, models.SyntheticInvalidNumber, h.ledger.doneWith("bad"))
	assert.False(t, e.queue.Contains("bad"))
}

func TestSecondaryNumberFallback(t *testing.T) {
	tg := models.CallTarget{ID: "x", PrimaryNumber: "n/a", SecondaryNumber: "(555) 222-3333"}
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{}, tg)

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.carrier.started()) == 1 }, waitFor, tick)
	assert.Equal(t, "+15552223333", h.carrier.started()[0])
	assert.Empty(t, h.engine.History())
}

func TestStopReturnsTargetsToHead(t *testing.T) {
	h := newHarness(t, 2, newFakeCarrier(ringing), Options{},
		target("a", numX), target("b", numY), target("c", numW))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineRinging)
	h.waitStatus(t, 2, models.LineRinging)

	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)

	assert.Equal(t, []string{"a", "b", "c"}, ids(e.queue.Items()))
	for _, l := range e.Lines() {
		assert.Equal(t, models.LineIdle, l.Status)
	}
	assert.True(t, h.carrier.wasHungUp("att-1"))
	assert.True(t, h.carrier.wasHungUp("att-2"))
	assert.False(t, e.Status().Running)

	// Poll loops exit without writing anything after the stop.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, e.History())
	assert.Equal(t, 3, e.queue.Len())
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{})
	e := h.engine

	assert.ErrorIs(t, e.Start(context.Background()), ErrQueueEmpty)
	assert.ErrorIs(t, e.Pause(), ErrNotRunning)
	assert.ErrorIs(t, e.Resume(), ErrNotRunning)
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)

	assert.Equal(t, 1, e.Enqueue([]models.CallTarget{target("x", numX), target("x", numX)}))
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, e.Dial(context.Background(), models.ManualDialRequest{Numbers: []string{numY}}), ErrAlreadyRunning)
}

func TestHangupConnectedLineAwaitsDisposition(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusHumanDetected
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX))
	e := h.engine
	ctx := context.Background()

	assert.ErrorIs(t, e.HangupLine(ctx, 1), ErrLineIdle)
	assert.ErrorIs(t, e.HangupLine(ctx, 9), lines.ErrLineNotFound)

	require.NoError(t, e.Start(ctx))
	h.waitStatus(t, 1, models.LineConnected)
	mediaID := h.line(1).MediaSessionID
	require.Equal(t, "media-att-1", mediaID)

	require.NoError(t, e.HangupLine(ctx, 1))
	l := h.line(1)
	assert.Equal(t, models.LineEnded, l.Status)
	assert.True(t, l.AwaitingDisposition())
	assert.True(t, h.media.wasHungUp(mediaID))
	assert.True(t, carrier.wasHungUp("att-1"))

	_, err := e.SelectDisposition(ctx, 1, "not_interested", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.Status().Running }, waitFor, tick)
	assert.Equal(t, models.LineIdle, h.line(1).Status)
}

func TestHangupRingingLineRequeues(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	h.waitStatus(t, 1, models.LineRinging)

	require.NoError(t, e.HangupLine(context.Background(), 1))
	require.Eventually(t, func() bool { return slices.Contains(h.carrier.started(), numY) }, waitFor, tick)
	checkInvariants(t, e)

	items := e.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].ID)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.True(t, h.carrier.wasHungUp("att-1"))
}

func TestRemoteHangupEndsConnectedLine(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusHumanDetected
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX))

	require.NoError(t, h.engine.Start(context.Background()))
	h.waitStatus(t, 1, models.LineConnected)

	h.media.events <- media.Event{SessionID: "media-att-1", State: media.StateHangup, Cause: "normal_clearing"}
	h.waitStatus(t, 1, models.LineEnded)
	assert.True(t, h.line(1).AwaitingDisposition())
}

func TestManualDialSharesArbitration(t *testing.T) {
	const (
		m1 = "+15550000011"
		m2 = "+15550000012"
		m3 = "+15550000013"
	)
	carrier := newFakeCarrier(func(to string, _ int, v carrierView) telephony.AttemptStatus {
		if to == m2 && v.polls[m1] > 0 && v.polls[m3] > 0 {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	h := newHarness(t, 3, carrier, Options{}, target("q", numX))
	e := h.engine
	ctx := context.Background()

	err := e.Dial(ctx, models.ManualDialRequest{Numbers: []string{m1, m2, m3, numW}})
	assert.ErrorIs(t, err, ErrTooManyNumbers)

	require.NoError(t, e.Dial(ctx, models.ManualDialRequest{Name: "Jo", Numbers: []string{m1, m2, m3}}))
	assert.Equal(t, models.ModeManual, e.Status().Mode)

	h.waitStatus(t, 2, models.LineConnected)
	checkInvariants(t, e)
	assert.True(t, h.line(1).Arbitrated)
	assert.True(t, h.line(3).Arbitrated)
	assert.Len(t, e.History(), 2)

	_, err = e.SelectDisposition(ctx, 2, "callback", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !e.Status().Running }, waitFor, tick)
	for _, l := range e.Lines() {
		assert.Equal(t, models.LineIdle, l.Status)
	}
	assert.Len(t, carrier.started(), 3)
	assert.Equal(t, []string{"q"}, ids(e.queue.Items()), "manual dialing leaves the campaign queue alone")
}

func TestCorrectDisposition(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusHumanDetected
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX))
	e := h.engine
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	h.waitStatus(t, 1, models.LineConnected)
	entry, err := e.SelectDisposition(ctx, 1, "interested", "keen")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.Status().Running }, waitFor, tick)

	fixed, err := e.CorrectDisposition(ctx, entry.ID, "callback")
	require.NoError(t, err)
	assert.Equal(t, "callback", fixed.DispositionID)
	assert.Equal(t, "keen", fixed.Notes)
	require.NotNil(t, fixed.CorrectedAt)
	assert.Equal(t, 0, e.queue.Len(), "a correction never touches the queue")

	require.Eventually(t, func() bool { return len(h.automation.all()) == 2 }, waitFor, tick)
	var corrected automation.Request
	for _, r := range h.automation.all() {
		if r.Previous != nil {
			corrected = r
		}
	}
	require.NotNil(t, corrected.Previous)
	assert.Equal(t, "interested", corrected.Previous.ID)
	assert.Equal(t, "callback", corrected.Disposition.ID)

	_, err = e.CorrectDisposition(ctx, "missing", "callback")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestBulkQueueActions(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{},
		target("a", numX), target("b", numY), target("c", numW))
	e := h.engine

	assert.Equal(t, 1, e.BulkRequeue([]string{"a", "zzz"}))
	assert.Equal(t, []string{"b", "c", "a"}, ids(e.queue.Items()))
	assert.Equal(t, 1, e.queue.Items()[2].RetryCount)

	assert.Equal(t, 2, e.BulkRemove([]string{"b", "c"}))
	assert.Equal(t, []string{"a"}, ids(e.queue.Items()))
	h.ledger.mu.Lock()
	assert.Equal(t, []string{"b", "c"}, h.ledger.removed)
	assert.Equal(t, 1, h.ledger.retries["a"])
	h.ledger.mu.Unlock()
}

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())

	b.Publish(Event{Type: EventStatus})
	b.Publish(Event{Type: EventLines}) // dropped: buffer full
	ev := <-ch
	assert.Equal(t, EventStatus, ev.Type)
	assert.False(t, ev.At.IsZero())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentHumansOnlyOneConnects(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusHumanDetected
	})
	var openBridge func()
	carrier.bridgeGate, openBridge = newGate(t)
	h := newHarness(t, 2, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	winner := waitForWaitingClaim(t, e)
	loser := 3 - winner
	loserAttempt := h.line(loser).CarrierAttemptID

	openBridge()
	h.waitStatus(t, winner, models.LineConnected)
	checkInvariants(t, e)

	l := h.line(loser)
	assert.Equal(t, models.LineEnded, l.Status)
	assert.True(t, l.Arbitrated)
	assert.False(t, l.AwaitingDisposition())

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, l.Target.ID, history[0].TargetID)
	assert.Equal(t, models.NoAnswerName, history[0].DispositionName)

	require.Eventually(t, func() bool { return claimsSettled(e, loser) }, waitFor, tick)
	require.Eventually(t, func() bool { return carrier.wasHungUp(loserAttempt) }, waitFor, tick)
	assert.Equal(t, 1, carrier.bridgeCount())
	assert.Equal(t, 0, h.line(winner).Target.RetryCount)
	assert.Equal(t, 0, h.ledger.retryOf("x"))
	assert.Equal(t, 0, h.ledger.retryOf("y"))
	assert.Equal(t, 0, e.Queue().Total)
}

func TestWaitingHumanBridgedWhenBridgingLineHungUp(t *testing.T) {
	// Only the first two attempts answer; the redial of the cancelled
	// target keeps ringing.
	carrier := newFakeCarrier(func(_ string, _ int, v carrierView) telephony.AttemptStatus {
		if v.started <= 2 {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	var openBridge func()
	carrier.bridgeGate, openBridge = newGate(t)
	h := newHarness(t, 2, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	first := waitForWaitingClaim(t, e)
	second := 3 - first
	firstAttempt := h.line(first).CarrierAttemptID

	require.NoError(t, e.HangupLine(ctx, first))
	openBridge()

	h.waitStatus(t, second, models.LineConnected)
	checkInvariants(t, e)
	require.Eventually(t, func() bool { return claimsSettled(e, second) }, waitFor, tick)
	require.Eventually(t, func() bool { return h.media.wasHungUp("media-" + firstAttempt) }, waitFor, tick,
		"bridge completed for a cancelled line was not torn down")

	_, err := e.SelectDisposition(ctx, second, "interested", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.line(second).Status == models.LineIdle }, waitFor, tick)
}

func TestDispositionDuringHangupReleasesLine(t *testing.T) {
	carrier := newFakeCarrier(func(to string, _ int, _ carrierView) telephony.AttemptStatus {
		if to == numX {
			return telephony.StatusHumanDetected
		}
		return telephony.StatusRinging
	})
	var openHangup func()
	carrier.hangupGate, openHangup = newGate(t)
	h := newHarness(t, 1, carrier, Options{}, target("x", numX), target("y", numY))
	e := h.engine
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	h.waitStatus(t, 1, models.LineConnected)

	done := make(chan error, 1)
	go func() { done <- e.HangupLine(ctx, 1) }()
	h.waitStatus(t, 1, models.LineHangingUp)

	_, err := e.SelectDisposition(ctx, 1, "not_interested", "")
	require.NoError(t, err)
	// The settle delay runs out while the carrier is still hanging up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.LineHangingUp, h.line(1).Status)

	openHangup()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return slices.Contains(carrier.started(), numY) }, waitFor, tick)
	checkInvariants(t, e)
	assert.Equal(t, "not_interested", h.ledger.doneWith("x"))
	assert.False(t, e.queue.Contains("x"))
}

func TestLostAttemptFreesLineQuietly(t *testing.T) {
	carrier := newFakeCarrier(func(string, int, carrierView) telephony.AttemptStatus {
		return telephony.StatusNotFound
	})
	h := newHarness(t, 1, carrier, Options{}, target("x", numX))
	e := h.engine

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return !e.Status().Running }, waitFor, tick)

	assert.Equal(t, models.LineIdle, h.line(1).Status)
	assert.False(t, e.queue.Contains("x"))
	assert.Empty(t, h.ledger.doneWith("x"))
	assert.Equal(t, 0, h.ledger.retryOf("x"))
	assert.Empty(t, e.History())
	require.Eventually(t, func() bool { return carrier.cleanupCount("att-1") >= 1 }, waitFor, tick)
	assert.False(t, carrier.wasHungUp("att-1"))
}

func TestDirectCall(t *testing.T) {
	const direct = "+15550000020"
	h := newHarness(t, 2, newFakeCarrier(ringing), Options{}, target("q", numX))
	e := h.engine
	ctx := context.Background()

	_, err := e.DirectCall(ctx, models.DirectCallRequest{Number: "12"})
	assert.ErrorIs(t, err, telephony.ErrNotRoutable)
	assert.False(t, e.Status().Running)

	l, err := e.DirectCall(ctx, models.DirectCallRequest{Name: "Jo", Number: direct})
	require.NoError(t, err)
	assert.Equal(t, 1, l.LineNumber)
	assert.Equal(t, models.LineConnected, l.Status)
	assert.Equal(t, "ms-"+direct, l.MediaSessionID)
	assert.Equal(t, "+15559990001", l.CallerIDUsed, "an unroutable number takes no caller id")
	assert.Equal(t, models.ModeManual, e.Status().Mode)
	assert.Empty(t, h.carrier.started(), "direct calls place no carrier leg")

	_, err = e.DirectCall(ctx, models.DirectCallRequest{Number: direct})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyRunning)

	h.media.events <- media.Event{SessionID: "ms-" + direct, State: media.StateHangup}
	h.waitStatus(t, 1, models.LineEnded)
	entry, err := e.SelectDisposition(ctx, 1, "callback", "")
	require.NoError(t, err)
	assert.Equal(t, direct, entry.PhoneNumber)

	require.Eventually(t, func() bool { return !e.Status().Running }, waitFor, tick)
	assert.Equal(t, models.LineIdle, h.line(1).Status)
	assert.Equal(t, []string{"q"}, ids(e.queue.Items()))
}

func TestDirectCallFailureFreesLine(t *testing.T) {
	h := newHarness(t, 1, newFakeCarrier(ringing), Options{})
	e := h.engine
	h.media.startErr = errors.New("softphone offline")

	_, err := e.DirectCall(context.Background(), models.DirectCallRequest{Number: numW})
	require.Error(t, err)
	assert.False(t, e.Status().Running)
	assert.Equal(t, models.LineIdle, h.line(1).Status)
}

func TestStartWhileStopDrains(t *testing.T) {
	h := newHarness(t, 2, newFakeCarrier(ringing), Options{}, target("x", numX), target("y", numY))
	e := h.engine
	ctx := context.Background()

	for range 20 {
		require.NoError(t, e.Start(ctx))
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Stop()
		}()
		_ = e.Start(ctx)
		wg.Wait()
		_ = e.Stop()
		checkInvariants(t, e)
	}
	assert.ElementsMatch(t, []string{"x", "y"}, ids(e.queue.Items()))
}
