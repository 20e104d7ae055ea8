package callerid

import (
	"errors"
	"sync"
)

var ErrNoCallerIDs = errors.New("no caller ids configured")

// Rotation hands out outbound caller numbers round-robin. The cursor moves
// once per dial attempt, whatever the attempt's outcome.
type Rotation struct {
	mu      sync.Mutex
	numbers []string
	cursor  int
}

func New(numbers []string) *Rotation {
	var clean []string
	for _, n := range numbers {
		if n != "" {
			clean = append(clean, n)
		}
	}
	return &Rotation{numbers: clean}
}

// Next returns the current number and advances the cursor.
func (r *Rotation) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.numbers) == 0 {
		return "", ErrNoCallerIDs
	}
	n := r.numbers[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.numbers)
	return n, nil
}

// Cursor returns the index the next call to Next will use.
func (r *Rotation) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Rotation) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.numbers)
}
