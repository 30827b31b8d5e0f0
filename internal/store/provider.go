package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

// ProviderOptions selects the question set of one oral test.
type ProviderOptions struct {
	Area    model.Area
	Topic   string
	Limit   int // 0 means every matching question
	Shuffle bool
}

// Provider serves one oral test from the store: it picks the question set
// and persists the completed test.
type Provider struct {
	store *Store
	opts  ProviderOptions
	now   func() time.Time

	mu     sync.Mutex
	testID int64
}

// NewProvider creates a provider bound to opts.
func (s *Store) NewProvider(opts ProviderOptions) *Provider {
	return &Provider{store: s, opts: opts, now: time.Now}
}

// TestID returns the ID of the test row, or 0 before QuestionSet.
func (p *Provider) TestID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.testID
}

// QuestionSet loads the questions and opens the test row.
func (p *Provider) QuestionSet(ctx context.Context) ([]model.Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qs, err := p.store.ListQuestionsFiltered(p.opts.Area, p.opts.Topic)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if p.opts.Shuffle {
		rand.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
	}
	if p.opts.Limit > 0 && p.opts.Limit < len(qs) {
		qs = qs[:p.opts.Limit]
	}
	if len(qs) == 0 {
		return nil, nil
	}

	id, err := p.store.CreateOralTest(p.opts.Area, p.now())
	if err != nil {
		return nil, fmt.Errorf("create oral test: %w", err)
	}
	p.mu.Lock()
	p.testID = id
	p.mu.Unlock()
	slog.Info("question set selected", "test_id", id, "area", p.opts.Area, "topic", p.opts.Topic, "questions", len(qs))
	return qs, nil
}

// PersistCompletion stores the final aggregate of the test.
func (p *Provider) PersistCompletion(ctx context.Context, c model.Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := p.TestID()
	if id == 0 {
		return fmt.Errorf("persist completion: no question set was loaded")
	}
	if err := p.store.CompleteOralTest(id, c); err != nil {
		return fmt.Errorf("complete oral test %d: %w", id, err)
	}
	return nil
}
