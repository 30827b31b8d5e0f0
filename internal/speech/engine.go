package speech

import (
	"context"
	"sync"
)

// Engine serializes utterances on one Speaker. Only one utterance is active
// at a time: a new Say cancels the previous one and waits for it to stop
// before speaking.
type Engine struct {
	speaker Speaker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wraps speaker.
func NewEngine(speaker Speaker) *Engine {
	return &Engine{speaker: speaker}
}

// Say speaks text and blocks until playback completes. It returns
// context.Canceled when the utterance is cancelled by Cancel or a later Say,
// and returns without speaking when ctx is already done.
func (e *Engine) Say(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	// A retired caller must not displace the utterance that replaced it.
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		cancel()
		return err
	}
	prevCancel, prevDone := e.cancel, e.done
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	defer func() {
		cancel()
		close(done)
		e.mu.Lock()
		if e.done == done {
			e.cancel, e.done = nil, nil
		}
		e.mu.Unlock()
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.speaker.Speak(ctx, text)
}

// Cancel stops the current utterance and waits for it to end. It is a no-op
// when nothing is being spoken.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Speaking reports whether an utterance is in progress.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}
