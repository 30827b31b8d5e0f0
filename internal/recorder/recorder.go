package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Clip is an assembled recording tagged with its container type.
type Clip struct {
	Data     []byte
	MIMEType string
}

// State is a snapshot of the recorder. Buffer != nil implies !IsRecording.
type State struct {
	IsRecording     bool
	IsProcessing    bool
	DurationSeconds int
	Buffer          *Clip
	Playable        Handle
}

// Options configures a Recorder.
type Options struct {
	Preferences []string
	Handles     HandleFactory
	// MaxDuration stops the recording on its own once reached. Zero means
	// the caller is responsible for bounding recording length.
	MaxDuration time.Duration
	Logger      *slog.Logger
}

// Recorder owns a capture device and the single in-memory recording buffer.
type Recorder struct {
	device  Device
	prefs   []string
	handles HandleFactory
	maxDur  time.Duration
	log     *slog.Logger
	tick    time.Duration
	now     func() time.Time

	mu          sync.Mutex
	state       State
	initialized bool
	mimeType    string
	gen         uint64
	started     time.Time
	stopTick    chan struct{}
	subs        map[int]chan State
	nextSub     int
	closed      bool

	cmu    sync.Mutex
	chunks [][]byte
	accept bool
}

// New creates a Recorder for device. A nil device makes Initialize fail with
// ErrUnsupportedEnvironment.
func New(device Device, opts Options) *Recorder {
	prefs := opts.Preferences
	if prefs == nil {
		prefs = DefaultPreferences
	}
	handles := opts.Handles
	if handles == nil {
		handles = TempFiles{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		device:  device,
		prefs:   prefs,
		handles: handles,
		maxDur:  opts.MaxDuration,
		log:     logger.With("component", "recorder"),
		tick:    time.Second,
		now:     time.Now,
		subs:    make(map[int]chan State),
	}
}

// Initialize acquires the device and negotiates the container type. It is a
// no-op once initialized.
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.device == nil {
		return ErrUnsupportedEnvironment
	}
	if err := r.device.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire capture device: %w", err)
	}
	r.mimeType = Negotiate(r.device, r.prefs)
	r.initialized = true
	r.log.Info("capture device ready", "mime_type", r.mimeType)
	return nil
}

// MIMEType returns the negotiated container type.
func (r *Recorder) MIMEType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mimeType
}

// State returns the current recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HasRecording reports whether a finished buffer is available.
func (r *Recorder) HasRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Buffer != nil
}

// Start begins a new recording, discarding any previous buffer. Calling it
// while already recording is logged and ignored.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	if r.state.IsRecording {
		r.log.Warn("start called while already recording")
		return nil
	}
	if r.state.IsProcessing {
		return ErrBusy
	}
	r.releasePlayableLocked()
	r.gen++

	r.cmu.Lock()
	r.chunks = nil
	r.accept = true
	r.cmu.Unlock()

	done, err := r.device.Begin(r.mimeType, r.appendChunk)
	if err != nil {
		r.cmu.Lock()
		r.accept = false
		r.cmu.Unlock()
		r.state = State{}
		r.publishLocked()
		return fmt.Errorf("begin capture: %w", err)
	}

	r.started = r.now()
	r.state = State{IsRecording: true}
	r.stopTick = make(chan struct{})
	go r.runTicker(r.gen, r.stopTick, done)
	r.publishLocked()
	r.log.Debug("recording started", "mime_type", r.mimeType)
	return nil
}

// Stop finalizes the active recording and assembles its buffer. The returned
// clip is nil when no audio was captured.
func (r *Recorder) Stop() (*Clip, error) {
	r.mu.Lock()
	if !r.state.IsRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	gen := r.gen
	mimeType := r.mimeType
	r.state.IsRecording = false
	r.state.IsProcessing = true
	r.haltTickerLocked()
	r.publishLocked()
	r.mu.Unlock()

	endErr := r.device.End()

	r.cmu.Lock()
	chunks := r.chunks
	r.chunks = nil
	r.accept = false
	r.cmu.Unlock()

	clip := assemble(chunks, mimeType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || !r.state.IsProcessing {
		return nil, ErrDiscarded
	}
	r.state.IsProcessing = false
	if endErr != nil {
		r.log.Warn("capture stream ended with error", "error", endErr)
	}
	if clip == nil {
		r.log.Warn("recording produced no audio")
		r.publishLocked()
		return nil, nil
	}
	r.state.Buffer = clip
	if h, err := r.handles.NewHandle(*clip); err != nil {
		r.log.Warn("could not create playable handle", "error", err)
	} else {
		r.state.Playable = h
	}
	r.publishLocked()
	r.log.Debug("recording assembled", "bytes", len(clip.Data), "duration_s", r.state.DurationSeconds)
	return clip, nil
}

// Clear discards the buffer and resets all state. An active recording is
// stopped without producing a buffer. It is safe to call when empty.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Recorder) clearLocked() {
	r.gen++
	if r.state.IsRecording {
		r.haltTickerLocked()
		if err := r.device.End(); err != nil {
			r.log.Warn("end capture on clear", "error", err)
		}
	}
	r.cmu.Lock()
	r.chunks = nil
	r.accept = false
	r.cmu.Unlock()
	r.releasePlayableLocked()
	if r.state == (State{}) {
		return
	}
	r.state = State{}
	r.publishLocked()
}

// Release stops the device tracks. A later Start requires Initialize again.
func (r *Recorder) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	if err := r.device.Release(); err != nil {
		return fmt.Errorf("release capture device: %w", err)
	}
	r.log.Debug("capture device released")
	return nil
}

// Close releases the device and ends every subscription.
func (r *Recorder) Close() error {
	err := r.Release()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	return err
}

// Subscribe returns a stream of state changes, starting with the current
// state. Slow subscribers only see the latest state. The returned cancel
// function ends the subscription and closes the channel.
func (r *Recorder) Subscribe() (<-chan State, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan State, 8)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.state

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

func (r *Recorder) publishLocked() {
	st := r.state
	for _, ch := range r.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (r *Recorder) releasePlayableLocked() {
	if r.state.Playable == nil {
		return
	}
	if err := r.state.Playable.Release(); err != nil {
		r.log.Warn("release playable handle", "error", err)
	}
	r.state.Playable = nil
}

func (r *Recorder) haltTickerLocked() {
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
}

func (r *Recorder) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.cmu.Lock()
	defer r.cmu.Unlock()
	if !r.accept {
		return
	}
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
}

func (r *Recorder) runTicker(gen uint64, stop <-chan struct{}, done <-chan struct{}) {
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			r.log.Info("capture stream ended, stopping recording")
			r.autoStop(gen)
			return
		case <-t.C:
			r.mu.Lock()
			if r.gen != gen || !r.state.IsRecording {
				r.mu.Unlock()
				return
			}
			elapsed := r.now().Sub(r.started)
			r.state.DurationSeconds = int(elapsed / time.Second)
			reached := r.maxDur > 0 && elapsed >= r.maxDur
			r.publishLocked()
			r.mu.Unlock()
			if reached {
				r.log.Info("maximum recording duration reached", "max", r.maxDur)
				r.autoStop(gen)
				return
			}
		}
	}
}

func (r *Recorder) autoStop(gen uint64) {
	r.mu.Lock()
	active := r.gen == gen && r.state.IsRecording
	r.mu.Unlock()
	if !active {
		return
	}
	if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) && !errors.Is(err, ErrDiscarded) {
		r.log.Warn("automatic stop failed", "error", err)
	}
}

func assemble(chunks [][]byte, mimeType string) *Clip {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	if size == 0 {
		return nil
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return &Clip{Data: data, MIMEType: mimeType}
}

// FormatDuration renders seconds as mm:ss.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
