package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/speech"
)

// session is one oral test driven by a remote client.
type session struct {
	id       string
	area     model.Area
	lang     string
	ctl      *oral.Controller
	rec      *recorder.Recorder
	dev      *recorder.PushDevice
	speaker  *speech.RemoteSpeaker
	provider interface{ TestID() int64 }
	created  time.Time

	mu       sync.Mutex
	finished time.Time
	lastSeen time.Time
}

func (s *session) touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = t
}

// idleSince reports whether a live session has had no requests since cutoff.
func (s *session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished.IsZero() && s.lastSeen.Before(cutoff)
}

func (s *session) markFinished(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = t
}

func (s *session) finishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// registry holds live and recently finished sessions keyed by UUID.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	// retain keeps finished sessions readable for this long.
	retain time.Duration
	// idle aborts live sessions whose client stopped sending requests.
	idle time.Duration
	now  func() time.Time
}

func newRegistry(retain, idle time.Duration) *registry {
	return &registry{
		sessions: make(map[string]*session),
		retain:   retain,
		idle:     idle,
		now:      time.Now,
	}
}

func (r *registry) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

func newSessionID() string {
	return uuid.NewString()
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	s.touch(r.now())
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.reap()
}

func (r *registry) get(id string) (*session, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	return s, ok
}

// reap drops finished sessions past retention and aborts idle live ones.
// Aborted sessions stay registered until their own retention ends.
func (r *registry) reap() {
	r.mu.Lock()
	now := r.now()
	var idle []*session
	for id, s := range r.sessions {
		if f := s.finishedAt(); !f.IsZero() && f.Before(now.Add(-r.retain)) {
			delete(r.sessions, id)
			continue
		}
		if r.idle > 0 && s.idleSince(now.Add(-r.idle)) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		slog.Info("aborting idle oral session", "session", s.id, "area", s.area)
		s.ctl.Abort()
	}
}

// janitor reaps sessions every interval until stop is closed.
func (r *registry) janitor(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.reap()
		}
	}
}

// all returns every session, for shutdown.
func (r *registry) all() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// watch releases per-session resources once the test finishes.
func (h *Handler) watch(s *session) {
	<-s.ctl.Done()
	if err := s.rec.Close(); err != nil {
		slog.Warn("close recorder", "session", s.id, "error", err)
	}
	s.markFinished(h.sessions.clock())
	if h.tracker != nil {
		h.tracker.TestFinished(context.Background(), s.area)
	}
	snap := s.ctl.Snapshot()
	slog.Info("oral session finished", "session", s.id, "state", snap.State, "test_id", s.provider.TestID())
}
