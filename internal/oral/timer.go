package oral

import (
	"sync"
	"time"
)

// responseTimer measures how long the student takes to answer. Stop is safe
// to call any number of times.
type responseTimer struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	elapsed time.Duration
	running bool
}

func newResponseTimer(now func() time.Time) *responseTimer {
	return &responseTimer{now: now}
}

// Start begins timing unless the timer is already running.
func (t *responseTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.started = t.now()
	t.running = true
}

// Stop freezes and returns the elapsed time.
func (t *responseTimer) Stop() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.elapsed += t.now().Sub(t.started)
		t.running = false
	}
	return t.elapsed
}

// Reset stops the timer and zeroes it.
func (t *responseTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.elapsed = 0
}

func (t *responseTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
