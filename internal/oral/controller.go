// Package oral drives an oral test: it plays each question aloud, captures
// the spoken answer, transcribes and classifies it, evaluates it against the
// expected answer and moves between questions.
package oral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/classifier"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/codec"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/speech"
)

// SessionProvider supplies the question set and stores the final aggregate.
type SessionProvider interface {
	QuestionSet(ctx context.Context) ([]model.Question, error)
	PersistCompletion(ctx context.Context, c model.Completion) error
}

// Recorder is the capture side, implemented by *recorder.Recorder.
type Recorder interface {
	Initialize(ctx context.Context) error
	Start() error
	Stop() (*recorder.Clip, error)
	Clear()
	Release() error
	State() recorder.State
	Subscribe() (<-chan recorder.State, func())
}

// Converter normalizes clips, implemented by *codec.Converter.
type Converter interface {
	ToCanonicalWAV(ctx context.Context, clip recorder.Clip, opts codec.Options) (recorder.Clip, error)
}

// Synthesizer owns prompt playback, implemented by *speech.Engine.
type Synthesizer interface {
	Say(ctx context.Context, text string) error
	Cancel()
}

// Metrics receives answer telemetry.
type Metrics interface {
	RecordResponse(ctx context.Context, area model.Area, d time.Duration)
	RecordOutcome(ctx context.Context, area model.Area, outcome Outcome)
}

type nopMetrics struct{}

func (nopMetrics) RecordResponse(context.Context, model.Area, time.Duration) {}
func (nopMetrics) RecordOutcome(context.Context, model.Area, Outcome)        {}

// Deps are the collaborators of a Controller.
type Deps struct {
	Provider    SessionProvider
	Recorder    Recorder
	Converter   Converter
	Transcriber speech.Transcriber
	Synth       Synthesizer
}

// Config parameterizes a Controller. One controller type serves every
// subject area.
type Config struct {
	Area  model.Area
	Codec codec.Options
	// MaxAttempts bounds unrecognized answers per question; once reached the
	// question is recorded as unanswered. Zero means unlimited.
	MaxAttempts int
	// AutoAdvance moves to the next question this long after a result is
	// shown. Zero waits for Advance.
	AutoAdvance time.Duration
	Lang        string
	Logger      *slog.Logger
	Metrics     Metrics
}

// Snapshot is a read-only projection of the controller for rendering.
type Snapshot struct {
	State      State                   `json:"state"`
	Area       model.Area              `json:"area"`
	Index      int                     `json:"index"`
	Total      int                     `json:"total"`
	Question   *model.Question         `json:"question,omitempty"`
	Evaluation *model.AnswerEvaluation `json:"evaluation,omitempty"`
	MessageID  string                  `json:"message_id,omitempty"`
	Transcript string                  `json:"transcript,omitempty"`
	Attempts   int                     `json:"attempts"`
	Answered   int                     `json:"answered"`
	Recording  bool                    `json:"recording"`
	Elapsed    int                     `json:"elapsed_seconds"`
	CanAdvance bool                    `json:"can_advance"`
	CanRetreat bool                    `json:"can_retreat"`
	Completion *model.Completion       `json:"completion,omitempty"`
}

// Controller is the per-test state machine.
type Controller struct {
	provider SessionProvider
	rec      Recorder
	conv     Converter
	stt      speech.Transcriber
	synth    Synthesizer
	cfg      Config
	log      *slog.Logger
	metrics  Metrics
	now      func() time.Time
	timer    *responseTimer

	// opMu serializes entry points and the answer pipeline.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	questions  []model.Question
	progress   *model.SessionProgress
	completion *model.Completion
	message    string
	transcript string
	attempts   map[int]int
	recState   recorder.State
	gen        uint64
	promptSeq  uint64
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	recUnsub   func()
	autoTimer  *time.Timer
	subs       map[int]chan Snapshot
	nextSub    int
	done       chan struct{}

	// promptCancel stops the prompt identified by promptSeq.
	promptCancel context.CancelFunc
}

// New creates an idle controller.
func New(deps Deps, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	lifeCtx, lifeCancel := context.WithCancel(i18n.Context(cfg.Lang))
	c := &Controller{
		provider:   deps.Provider,
		rec:        deps.Recorder,
		conv:       deps.Converter,
		stt:        deps.Transcriber,
		synth:      deps.Synth,
		cfg:        cfg,
		log:        logger.With("component", "oral", "area", cfg.Area),
		metrics:    metrics,
		now:        time.Now,
		attempts:   make(map[int]int),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		subs:       make(map[int]chan Snapshot),
		done:       make(chan struct{}),
	}
	c.timer = newResponseTimer(func() time.Time { return c.now() })
	return c
}

// Done is closed once the test is completed or aborted.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start loads the question set, acquires the recorder and plays the first
// prompt. Recorder errors (unsupported environment, permission denied) are
// fatal: the controller is aborted and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	c.mu.Unlock()

	qs, err := c.provider.QuestionSet(ctx)
	if err != nil {
		return fmt.Errorf("load question set: %w", err)
	}
	if len(qs) == 0 {
		return ErrNoQuestions
	}
	if err := c.rec.Initialize(ctx); err != nil {
		c.log.Error("recorder unavailable", "error", err)
		c.finish(Aborted)
		return fmt.Errorf("initialize recorder: %w", err)
	}

	ch, unsub := c.rec.Subscribe()
	c.mu.Lock()
	c.questions = qs
	c.progress = model.NewSessionProgress(len(qs))
	c.recUnsub = unsub
	c.mu.Unlock()
	go c.watchRecorder(ch)

	c.log.Info("oral test started", "questions", len(qs))
	c.beginQuestion(0)
	return nil
}

// StartRecording cancels any prompt playback and starts capturing an answer.
// Answering again from ShowingResult replaces the earlier evaluation.
func (c *Controller) StartRecording() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	from := c.state
	switch from {
	case PromptPlaying, AwaitingRecording, ShowingResult:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: record in %s", ErrInvalidState, from)
	}
	c.stopPromptLocked()
	c.cancelAutoAdvanceLocked()
	c.mu.Unlock()

	// Playback must be stopped before the capture device is engaged.
	c.synth.Cancel()
	if from == ShowingResult {
		c.timer.Reset()
	}

	if err := c.rec.Start(); err != nil {
		c.mu.Lock()
		c.state = AwaitingRecording
		c.message = MsgRecordAgain
		c.publishLocked()
		c.mu.Unlock()
		return fmt.Errorf("start recording: %w", err)
	}
	c.timer.Start()

	c.mu.Lock()
	c.state = Recording
	c.message = ""
	gen := c.gen
	c.publishLocked()
	c.mu.Unlock()

	// The recorder may already have stopped on its own.
	c.checkAutoStop(gen)
	return nil
}

// AnswerCurrent stops the recording and runs it through conversion,
// transcription, classification and evaluation. Recoverable failures return
// the controller to AwaitingRecording with a message and a nil error.
func (c *Controller) AnswerCurrent(ctx context.Context) (Snapshot, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Recording {
		st := c.state
		c.mu.Unlock()
		return c.Snapshot(), fmt.Errorf("%w: answer in %s", ErrInvalidState, st)
	}
	gen := c.gen
	c.mu.Unlock()
	return c.answer(ctx, gen), nil
}

// Advance moves to the next question, or completes the test after the last
// one. It is rejected while the current question has no evaluation.
func (c *Controller) Advance() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.advance(0, false)
}

// Retreat moves back one question. Answering it again overwrites its
// evaluation.
func (c *Controller) Retreat() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.navigableLocked() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: retreat in %s", ErrInvalidState, st)
	}
	idx := c.progress.CurrentIndex
	if idx == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: already at the first question", ErrInvalidState)
	}
	c.stopPromptLocked()
	c.cancelAutoAdvanceLocked()
	c.mu.Unlock()

	c.resetQuestion()
	c.beginQuestion(idx - 1)
	return nil
}

// ReplayPrompt plays the current question again.
func (c *Controller) ReplayPrompt() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	from := c.state
	switch from {
	case PromptPlaying, AwaitingRecording, ShowingResult:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: replay in %s", ErrInvalidState, from)
	}
	c.cancelAutoAdvanceLocked()
	c.mu.Unlock()
	if from == ShowingResult {
		c.timer.Reset()
	}
	c.playPrompt()
	return nil
}

// Abort ends the test from any state. Playback is cancelled, any recording
// is discarded, the recorder is released and progress is dropped before
// Abort returns. Aborting a finished test is a no-op.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.state.Final() {
		c.mu.Unlock()
		return
	}
	// Interrupt in-flight playback and transcription so opMu frees up.
	c.lifeCancel()
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if c.state.Final() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.log.Info("oral test aborted")
	c.finish(Aborted)
}

// Snapshot returns the current read-only projection.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Evaluations returns a copy of the recorded evaluations in question order.
func (c *Controller) Evaluations() []model.AnswerEvaluation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress == nil {
		return nil
	}
	return append([]model.AnswerEvaluation(nil), c.progress.Evaluations...)
}

// Subscribe streams snapshots, starting with the current one. The
// subscription ends when cancel is called or the test finishes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Snapshot, 8)
	ch <- c.snapshotLocked()
	if c.state.Final() {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if s, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(s)
			}
		})
	}
}

func (c *Controller) beginQuestion(idx int) {
	c.mu.Lock()
	c.gen++
	c.progress.CurrentIndex = idx
	c.message = ""
	c.transcript = ""
	c.mu.Unlock()
	c.timer.Reset()
	c.playPrompt()
}

func (c *Controller) playPrompt() {
	c.mu.Lock()
	c.stopPromptLocked()
	seq := c.promptSeq
	ctx, cancel := context.WithCancel(c.lifeCtx)
	c.promptCancel = cancel
	idx := c.progress.CurrentIndex
	q := c.questions[idx]
	text := Narration(c.lifeCtx, q, idx+1, len(c.questions))
	c.state = PromptPlaying
	c.publishLocked()
	c.mu.Unlock()

	// The synthesis engine is shared: wait for the previous utterance to end.
	c.synth.Cancel()
	go c.runPrompt(ctx, seq, text)
}

// stopPromptLocked retires the current prompt. Its context is cancelled
// before the caller touches the engine, so a Say that has not started yet
// returns at once instead of speaking over a recording or a newer prompt.
func (c *Controller) stopPromptLocked() {
	c.promptSeq++
	if c.promptCancel != nil {
		c.promptCancel()
		c.promptCancel = nil
	}
}

func (c *Controller) runPrompt(ctx context.Context, seq uint64, text string) {
	c.mu.Lock()
	current := c.promptSeq == seq && c.state == PromptPlaying
	c.mu.Unlock()
	if !current {
		return
	}

	err := c.synth.Say(ctx, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promptSeq != seq || c.state != PromptPlaying || c.lifeCtx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Warn("prompt playback interrupted", "error", err)
	}
	c.state = AwaitingRecording
	c.timer.Start()
	c.publishLocked()
}

func (c *Controller) watchRecorder(ch <-chan recorder.State) {
	for st := range ch {
		c.mu.Lock()
		c.recState = st
		recording := c.state == Recording
		gen := c.gen
		c.publishLocked()
		c.mu.Unlock()
		if recording && !st.IsRecording && !st.IsProcessing {
			c.checkAutoStop(gen)
		}
	}
}

// checkAutoStop submits the answer when the recorder stopped on its own
// (duration cap or end of the capture stream) while still in Recording.
func (c *Controller) checkAutoStop(gen uint64) {
	if st := c.rec.State(); st.IsRecording || st.IsProcessing {
		return
	}
	go func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		c.mu.Lock()
		active := c.gen == gen && c.state == Recording
		c.mu.Unlock()
		if !active {
			return
		}
		c.log.Info("recording ended on its own, submitting answer")
		c.answer(c.lifeCtx, gen)
	}()
}

// answer runs the pipeline for the current recording. opMu must be held and
// the state must be Recording.
func (c *Controller) answer(ctx context.Context, gen uint64) Snapshot {
	pctx, cancel := context.WithCancel(c.lifeCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.mu.Lock()
	idx := c.progress.CurrentIndex
	q := c.questions[idx]
	c.state = Transcribing
	c.message = ""
	c.publishLocked()
	c.mu.Unlock()

	clip, err := c.rec.Stop()
	if errors.Is(err, recorder.ErrNotRecording) {
		clip, err = c.rec.State().Buffer, nil
	}
	if err != nil {
		return c.retry(gen, MsgRecordAgain, OutcomeDecodeError, err)
	}
	if clip == nil {
		return c.retry(gen, MsgRecordAgain, OutcomeDecodeError, errors.New("no audio captured"))
	}

	wav, err := c.conv.ToCanonicalWAV(pctx, *clip, c.cfg.Codec)
	if err != nil {
		return c.retry(gen, MsgRecordAgain, OutcomeDecodeError, err)
	}

	text, err := c.stt.Transcribe(pctx, wav.Data)
	if err != nil {
		return c.retry(gen, MsgCheckConnection, OutcomeBackendError, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}
	c.state = Evaluating
	c.transcript = text
	c.publishLocked()
	c.mu.Unlock()

	match, ok := classifier.Classify(text, q)
	if !ok {
		c.mu.Lock()
		c.attempts[idx]++
		exhausted := c.cfg.MaxAttempts > 0 && c.attempts[idx] >= c.cfg.MaxAttempts
		c.mu.Unlock()
		if !exhausted {
			return c.retry(gen, MsgSpeakClearly, OutcomeUnrecognized, fmt.Errorf("no option recognized in %q", text))
		}
		c.log.Info("attempts exhausted, question left unanswered", "question", q.ID, "attempts", c.cfg.MaxAttempts)
		return c.evaluate(gen, model.AnswerEvaluation{
			QuestionID:     q.ID,
			Position:       idx,
			RawTranscript:  text,
			ExpectedAnswer: q.ExpectedAnswer,
			Explanation:    q.Explanation,
			ResponseTime:   c.timer.Stop(),
		}, OutcomeExhausted, MsgAttemptsExhausted)
	}

	option, token := match.OptionText, match.Token
	ev := model.AnswerEvaluation{
		QuestionID:         q.ID,
		Position:           idx,
		RawTranscript:      text,
		DetectedOptionText: &option,
		NormalizedAnswer:   &token,
		IsCorrect:          classifier.AnswersMatch(token, q.ExpectedAnswer, q.Type),
		ExpectedAnswer:     q.ExpectedAnswer,
		Explanation:        q.Explanation,
		ResponseTime:       c.timer.Stop(),
	}
	outcome := OutcomeIncorrect
	if ev.IsCorrect {
		outcome = OutcomeCorrect
	}
	c.log.Debug("answer classified", "question", q.ID, "rule", match.Rule, "token", token, "correct", ev.IsCorrect)
	return c.evaluate(gen, ev, outcome, "")
}

func (c *Controller) evaluate(gen uint64, ev model.AnswerEvaluation, outcome Outcome, msg string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return c.snapshotLocked()
	}
	c.progress.Record(ev)
	c.state = ShowingResult
	c.message = msg
	if c.cfg.AutoAdvance > 0 {
		c.autoTimer = time.AfterFunc(c.cfg.AutoAdvance, func() { c.autoAdvance(gen) })
	}
	c.publishLocked()
	c.metrics.RecordResponse(c.lifeCtx, c.cfg.Area, ev.ResponseTime)
	c.metrics.RecordOutcome(c.lifeCtx, c.cfg.Area, outcome)
	return c.snapshotLocked()
}

// retry discards the recording and returns to AwaitingRecording with msg.
func (c *Controller) retry(gen uint64, msg string, outcome Outcome, cause error) Snapshot {
	c.rec.Clear()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state.Final() || c.lifeCtx.Err() != nil {
		return c.snapshotLocked()
	}
	c.log.Warn("answer attempt failed", "outcome", outcome, "question_index", c.progress.CurrentIndex, "error", cause)
	c.state = AwaitingRecording
	c.message = msg
	c.publishLocked()
	c.metrics.RecordOutcome(c.lifeCtx, c.cfg.Area, outcome)
	return c.snapshotLocked()
}

func (c *Controller) autoAdvance(gen uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.advance(gen, true); err != nil && !errors.Is(err, ErrInvalidState) {
		c.log.Warn("auto advance failed", "error", err)
	}
}

func (c *Controller) advance(gen uint64, checkGen bool) error {
	c.mu.Lock()
	if checkGen && (c.gen != gen || c.state != ShowingResult) {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if !c.navigableLocked() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: advance in %s", ErrInvalidState, st)
	}
	idx := c.progress.CurrentIndex
	if _, ok := c.progress.EvaluationFor(idx); !ok {
		c.mu.Unlock()
		return ErrNotAnswered
	}
	last := idx == len(c.questions)-1
	c.stopPromptLocked()
	c.cancelAutoAdvanceLocked()
	c.mu.Unlock()

	c.resetQuestion()
	if last {
		return c.complete()
	}
	c.beginQuestion(idx + 1)
	return nil
}

// navigableLocked reports whether the machine is at rest on a question.
func (c *Controller) navigableLocked() bool {
	switch c.state {
	case PromptPlaying, AwaitingRecording, ShowingResult:
		return true
	}
	return false
}

func (c *Controller) resetQuestion() {
	c.synth.Cancel()
	c.rec.Clear()
	c.timer.Reset()
}

func (c *Controller) complete() error {
	c.mu.Lock()
	summary := model.Summarize(c.cfg.Area, c.progress, c.now())
	c.completion = &summary
	c.mu.Unlock()

	err := c.provider.PersistCompletion(c.lifeCtx, summary)
	c.log.Info("oral test completed",
		"correct", summary.Correct,
		"total", summary.Total,
		"percentage", summary.Percentage)
	c.finish(Completed)
	if err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	return nil
}

// finish releases every held resource and enters a final state.
func (c *Controller) finish(final State) {
	c.mu.Lock()
	c.gen++
	c.stopPromptLocked()
	c.cancelAutoAdvanceLocked()
	unsub := c.recUnsub
	c.recUnsub = nil
	c.mu.Unlock()

	c.lifeCancel()
	c.synth.Cancel()
	c.rec.Clear()
	if err := c.rec.Release(); err != nil {
		c.log.Warn("release recorder", "error", err)
	}
	if unsub != nil {
		unsub()
	}
	c.timer.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = final
	c.message = ""
	c.recState = recorder.State{}
	if final == Aborted {
		c.progress = nil
	}
	c.publishLocked()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	close(c.done)
}

func (c *Controller) cancelAutoAdvanceLocked() {
	if c.autoTimer != nil {
		c.autoTimer.Stop()
		c.autoTimer = nil
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      c.state,
		Area:       c.cfg.Area,
		Total:      len(c.questions),
		MessageID:  c.message,
		Transcript: c.transcript,
		Recording:  c.recState.IsRecording,
		Elapsed:    c.recState.DurationSeconds,
		Completion: c.completion,
	}
	if c.progress == nil || c.state.Final() {
		return s
	}
	idx := c.progress.CurrentIndex
	s.Index = idx
	s.Answered = len(c.progress.Evaluations)
	s.Attempts = c.attempts[idx]
	if idx < len(c.questions) {
		q := c.questions[idx]
		s.Question = &q
	}
	if ev, ok := c.progress.EvaluationFor(idx); ok {
		s.Evaluation = &ev
		s.CanAdvance = c.navigableLocked()
	}
	s.CanRetreat = idx > 0 && c.navigableLocked()
	return s
}

func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
