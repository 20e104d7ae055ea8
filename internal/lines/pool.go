package lines

import (
	"errors"
	"fmt"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// MaxLines is the upper bound on concurrent lines per operator.
const MaxLines = 10

var (
	ErrIllegalTransition = errors.New("illegal line transition")
	ErrLineNotFound      = errors.New("line not found")
)

// Pool tracks the state of every line slot. It is not safe for concurrent
// use; the dialer serializes access under its own lock.
type Pool struct {
	lines []models.CallLine
	gen   uint64
	now   func() time.Time
}

// New creates a pool of maxLines idle lines, clamped to 1..MaxLines.
func New(maxLines int) *Pool {
	if maxLines < 1 {
		maxLines = 1
	}
	if maxLines > MaxLines {
		maxLines = MaxLines
	}
	p := &Pool{
		lines: make([]models.CallLine, maxLines),
		now:   time.Now,
	}
	for i := range p.lines {
		p.lines[i] = models.CallLine{LineNumber: i + 1, Status: models.LineIdle}
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.lines)
}

func (p *Pool) line(n int) (*models.CallLine, error) {
	if n < 1 || n > len(p.lines) {
		return nil, fmt.Errorf("%w: %d", ErrLineNotFound, n)
	}
	return &p.lines[n-1], nil
}

// AssignNextIdle places target on the lowest-numbered idle line and moves it
// to dialing. It returns false when no line is idle or the target already
// occupies a line.
func (p *Pool) AssignNextIdle(target models.CallTarget) (int, bool) {
	if p.HasTarget(target.ID) {
		return 0, false
	}
	for i := range p.lines {
		l := &p.lines[i]
		if l.Status != models.LineIdle {
			continue
		}
		p.gen++
		t := target
		*l = models.CallLine{
			LineNumber: l.LineNumber,
			Target:     &t,
			Status:     models.LineDialing,
			StartedAt:  p.now(),
			Generation: p.gen,
		}
		return l.LineNumber, true
	}
	return 0, false
}

// Transition moves line n to status to. Moves are forward-only along
// idle→dialing→ringing→amd_checking→connected→hanging_up→ended; skipping
// ahead is allowed. The only way back is to idle, from an unanswered
// attempt or from ended.
func (p *Pool) Transition(n int, to models.LineStatus) error {
	l, err := p.line(n)
	if err != nil {
		return err
	}
	if !canTransition(l.Status, to) {
		return fmt.Errorf("%w: line %d %s -> %s", ErrIllegalTransition, n, l.Status, to)
	}
	if to == models.LineIdle {
		p.reset(l)
		return nil
	}
	l.Status = to
	switch to {
	case models.LineRinging, models.LineAMDChecking:
		l.Rang = true
	case models.LineConnected:
		l.ConnectedAt = p.now()
	}
	return nil
}

func canTransition(from, to models.LineStatus) bool {
	if !to.IsValid() || from == to {
		return false
	}
	if from == models.LineIdle {
		return to == models.LineDialing
	}
	if to == models.LineIdle {
		return from.InFlight() || from == models.LineEnded
	}
	if to == models.LineDialing {
		return false
	}
	return to.Rank() > from.Rank()
}

// Update applies fn to line n. fn must not change the status; use
// Transition for that.
func (p *Pool) Update(n int, fn func(l *models.CallLine)) error {
	l, err := p.line(n)
	if err != nil {
		return err
	}
	status := l.Status
	fn(l)
	l.Status = status
	return nil
}

// Reset forces line n back to idle regardless of its current status.
func (p *Pool) Reset(n int) error {
	l, err := p.line(n)
	if err != nil {
		return err
	}
	p.reset(l)
	return nil
}

func (p *Pool) reset(l *models.CallLine) {
	*l = models.CallLine{LineNumber: l.LineNumber, Status: models.LineIdle}
}

// Get returns a copy of line n.
func (p *Pool) Get(n int) (models.CallLine, error) {
	l, err := p.line(n)
	if err != nil {
		return models.CallLine{}, err
	}
	return l.Clone(), nil
}

// Owns reports whether line n still carries the assignment identified by gen.
func (p *Pool) Owns(n int, gen uint64) bool {
	l, err := p.line(n)
	if err != nil {
		return false
	}
	return l.Status != models.LineIdle && l.Generation == gen
}

// Snapshot returns a copy of every line.
func (p *Pool) Snapshot() []models.CallLine {
	out := make([]models.CallLine, len(p.lines))
	for i, l := range p.lines {
		out[i] = l.Clone()
	}
	return out
}

// ActiveCount returns the number of non-idle lines.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, l := range p.lines {
		if l.Status != models.LineIdle {
			n++
		}
	}
	return n
}

// IdleCount returns the number of idle lines.
func (p *Pool) IdleCount() int {
	return len(p.lines) - p.ActiveCount()
}

// HasTarget reports whether targetID occupies a non-idle line.
func (p *Pool) HasTarget(targetID string) bool {
	for _, l := range p.lines {
		if l.Status != models.LineIdle && l.Target != nil && l.Target.ID == targetID {
			return true
		}
	}
	return false
}

// Connected returns the line currently bridged to the operator.
func (p *Pool) Connected() (models.CallLine, bool) {
	for _, l := range p.lines {
		if l.Status == models.LineConnected {
			return l.Clone(), true
		}
	}
	return models.CallLine{}, false
}

// InFlight returns copies of lines that are dialing, ringing or under AMD,
// excluding line except.
func (p *Pool) InFlight(except int) []models.CallLine {
	var out []models.CallLine
	for _, l := range p.lines {
		if l.LineNumber != except && l.Status.InFlight() {
			out = append(out, l.Clone())
		}
	}
	return out
}

// Busy reports whether the operator is occupied: a line is connected, being
// hung up, or ended and waiting for a disposition.
func (p *Pool) Busy() bool {
	for _, l := range p.lines {
		if l.Status == models.LineConnected || l.Status == models.LineHangingUp || l.AwaitingDisposition() {
			return true
		}
	}
	return false
}

// Releasable returns the numbers of ended lines that need no disposition.
func (p *Pool) Releasable() []int {
	var out []int
	for _, l := range p.lines {
		if l.Status == models.LineEnded && (l.Arbitrated || l.Target == nil) {
			out = append(out, l.LineNumber)
		}
	}
	return out
}
