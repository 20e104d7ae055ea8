package queue

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

var ErrShuffleWhileDialing = errors.New("cannot shuffle the queue while dialing")

// Manager is the ordered work queue. Rounds are derived from each target's
// retry count; the underlying order is strictly append-ordered.
type Manager struct {
	mu      sync.Mutex
	items   []models.CallTarget
	dialing bool
	intN    func(n int) int
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{intN: rand.IntN, now: time.Now}
}

// Load replaces the queue contents. Duplicate ids keep their first position.
func (m *Manager) Load(targets []models.CallTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = m.items[:0]
	m.appendLocked(targets)
}

// Append adds targets at the tail, skipping ids already queued. It returns
// the number added.
func (m *Manager) Append(targets ...models.CallTarget) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(targets)
}

func (m *Manager) appendLocked(targets []models.CallTarget) int {
	added := 0
	for _, t := range targets {
		if m.indexLocked(t.ID) >= 0 {
			continue
		}
		m.items = append(m.items, t)
		added++
	}
	return added
}

func (m *Manager) indexLocked(id string) int {
	return slices.IndexFunc(m.items, func(t models.CallTarget) bool { return t.ID == id })
}

// DequeueUpTo pops at most n targets from the head.
func (m *Manager) DequeueUpTo(n int) []models.CallTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || len(m.items) == 0 {
		return nil
	}
	n = min(n, len(m.items))
	out := slices.Clone(m.items[:n])
	m.items = slices.Delete(m.items, 0, n)
	return out
}

// PushFront returns a target to the head unchanged, used when an attempt
// never reached the carrier.
func (m *Manager) PushFront(t models.CallTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(t.ID); i >= 0 {
		m.items = slices.Delete(m.items, i, i+1)
	}
	m.items = slices.Insert(m.items, 0, t)
}

// Requeue appends t at the tail with its retry count incremented and returns
// the queued copy.
func (m *Manager) Requeue(t models.CallTarget) models.CallTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(t.ID); i >= 0 {
		m.items = slices.Delete(m.items, i, i+1)
	}
	t.RetryCount++
	m.items = append(m.items, t)
	return t
}

// BulkRequeue moves the queued targets named by ids to the tail, keeping
// their relative order, each with retry count incremented.
func (m *Manager) BulkRequeue(ids []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(ids)
	var keep, moved []models.CallTarget
	for _, t := range m.items {
		if _, ok := set[t.ID]; ok {
			t.RetryCount++
			moved = append(moved, t)
			continue
		}
		keep = append(keep, t)
	}
	m.items = append(keep, moved...)
	return len(moved)
}

// Remove drops the targets named by ids and returns how many were queued.
func (m *Manager) Remove(ids []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(ids)
	before := len(m.items)
	m.items = slices.DeleteFunc(m.items, func(t models.CallTarget) bool {
		_, ok := set[t.ID]
		return ok
	})
	return before - len(m.items)
}

// SetDialing toggles the shuffle guard.
func (m *Manager) SetDialing(dialing bool) {
	m.mu.Lock()
	m.dialing = dialing
	m.mu.Unlock()
}

// Shuffle applies a uniform Fisher–Yates permutation to the whole queue.
func (m *Manager) Shuffle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialing {
		return ErrShuffleWhileDialing
	}
	for i := len(m.items) - 1; i > 0; i-- {
		j := m.intN(i + 1)
		m.items[i], m.items[j] = m.items[j], m.items[i]
	}
	return nil
}

func (m *Manager) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(id) >= 0
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Items returns a copy of the queue in order.
func (m *Manager) Items() []models.CallTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

// Snapshot groups the queue into rounds, lowest round first, preserving
// queue order inside each round.
func (m *Manager) Snapshot() models.QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRound := make(map[int][]models.CallTarget)
	var numbers []int
	for _, t := range m.items {
		r := t.Round()
		if _, ok := byRound[r]; !ok {
			numbers = append(numbers, r)
		}
		byRound[r] = append(byRound[r], t)
	}
	slices.Sort(numbers)
	snap := models.QueueSnapshot{Total: len(m.items), Rounds: make([]models.Round, 0, len(numbers))}
	for _, n := range numbers {
		snap.Rounds = append(snap.Rounds, models.Round{Number: n, Targets: byRound[n]})
	}
	return snap
}

// State returns the persisted form of the queue.
func (m *Manager) State() models.QueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := models.QueueState{Items: make([]models.QueueItem, len(m.items)), SavedAt: m.now().Unix()}
	for i, t := range m.items {
		st.Items[i] = models.QueueItem{TargetID: t.ID, RetryCount: t.RetryCount}
	}
	return st
}

// Restore rebuilds the queue from a saved state and the targets currently
// available from the target store. Saved order wins; targets that vanished
// are dropped; newly available ones are appended at the tail. It returns the
// number of saved items that could not be restored.
func (m *Manager) Restore(state models.QueueState, available []models.CallTarget) int {
	byID := make(map[string]models.CallTarget, len(available))
	for _, t := range available {
		byID[t.ID] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = m.items[:0]
	dropped := 0
	for _, it := range state.Items {
		t, ok := byID[it.TargetID]
		if !ok || m.indexLocked(it.TargetID) >= 0 {
			dropped++
			continue
		}
		t.RetryCount = max(t.RetryCount, it.RetryCount)
		m.items = append(m.items, t)
	}
	m.appendLocked(available)
	return dropped
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
