package speech

import (
	"context"
	"sync"
)

// Prompt is an utterance waiting to be played by a remote client.
type Prompt struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// RemoteSpeaker hands utterances to a client that plays them itself (browser
// speech synthesis or rendered audio) and acknowledges completion.
type RemoteSpeaker struct {
	mu      sync.Mutex
	seq     uint64
	pending *Prompt
	ack     chan struct{}
}

// NewRemoteSpeaker creates an idle speaker.
func NewRemoteSpeaker() *RemoteSpeaker {
	return &RemoteSpeaker{}
}

// Speak publishes text as the pending prompt and waits for Done.
func (s *RemoteSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.seq++
	p := Prompt{ID: s.seq, Text: text}
	ack := make(chan struct{})
	s.pending, s.ack = &p, ack
	s.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending != nil && s.pending.ID == p.ID {
			s.pending, s.ack = nil, nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Pending returns the prompt the client should play, if any.
func (s *RemoteSpeaker) Pending() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Prompt{}, false
	}
	return *s.pending, true
}

// Done acknowledges playback of prompt id. It reports false when id is not
// the pending prompt, for example after it was cancelled.
func (s *RemoteSpeaker) Done(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != id {
		return false
	}
	close(s.ack)
	s.pending, s.ack = nil, nil
	return true
}
