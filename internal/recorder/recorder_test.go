package recorder

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu         sync.Mutex
	types      []string
	acquireErr error
	onEnd      [][]byte
	sink       func([]byte)
	done       chan struct{}
	begins     int
	ends       int
	releases   int
}

func (f *fakeDevice) IsTypeSupported(t string) bool {
	for _, s := range f.types {
		if s == t {
			return true
		}
	}
	return false
}

func (f *fakeDevice) Acquire(context.Context) error { return f.acquireErr }

func (f *fakeDevice) Begin(_ string, sink func([]byte)) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	f.sink = sink
	f.done = make(chan struct{})
	return f.done, nil
}

func (f *fakeDevice) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink == nil {
		return nil
	}
	for _, c := range f.onEnd {
		f.sink(c)
	}
	f.ends++
	f.sink = nil
	close(f.done)
	return nil
}

func (f *fakeDevice) Release() error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	return nil
}

func newTestRecorder(t *testing.T, dev Device, opts Options) *Recorder {
	t.Helper()
	if opts.Handles == nil {
		opts.Handles = TempFiles{Dir: t.TempDir()}
	}
	r := New(dev, opts)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInitializeErrors(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
		want error
	}{
		{"no device", nil, ErrUnsupportedEnvironment},
		{"permission denied", &fakeDevice{acquireErr: ErrPermissionDenied}, ErrPermissionDenied},
		{"push without capture", NewPushDevice(Capabilities{}), ErrUnsupportedEnvironment},
		{"push without permission", NewPushDevice(Capabilities{CaptureAvailable: true}), ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRecorder(t, tt.dev, Options{})
			err := r.Initialize(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Initialize() error = %v, want %v", err, tt.want)
			}
			if err := r.Start(); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("Start() after failed init = %v, want ErrNotInitialized", err)
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name  string
		types []string
		want  string
	}{
		{"opus preferred", []string{"audio/webm", "audio/webm;codecs=opus"}, "audio/webm;codecs=opus"},
		{"plain webm", []string{"audio/webm", "audio/mp4"}, "audio/webm"},
		{"mp4 only", []string{"audio/mp4"}, "audio/mp4"},
		{"wav fallback", []string{"audio/wav"}, "audio/wav"},
		{"nothing supported", []string{"audio/ogg"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Negotiate(&fakeDevice{types: tt.types}, DefaultPreferences)
			if got != tt.want {
				t.Errorf("Negotiate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartStopProducesClip(t *testing.T) {
	dev := &fakeDevice{
		types: []string{"audio/webm"},
		onEnd: [][]byte{[]byte("abc"), []byte("def")},
	}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.State().IsRecording {
		t.Fatal("expected recording state")
	}

	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if clip == nil {
		t.Fatal("expected a clip")
	}
	if string(clip.Data) != "abcdef" {
		t.Errorf("clip data = %q, want %q", clip.Data, "abcdef")
	}
	if clip.MIMEType != "audio/webm" {
		t.Errorf("clip MIME = %q, want audio/webm", clip.MIMEType)
	}

	st := r.State()
	if st.IsRecording || st.IsProcessing {
		t.Errorf("unexpected flags after stop: %+v", st)
	}
	if !r.HasRecording() {
		t.Error("expected HasRecording after stop")
	}
	if st.Playable == nil {
		t.Fatal("expected playable handle")
	}
	path := st.Playable.Location()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("playable file missing: %v", err)
	}

	r.Clear()
	if r.HasRecording() {
		t.Error("expected no recording after Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("playable file should be removed, stat err = %v", err)
	}
	// Clearing twice is safe.
	r.Clear()
}

func TestStopWithoutAudio(t *testing.T) {
	r := newTestRecorder(t, &fakeDevice{}, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if clip != nil {
		t.Errorf("expected nil clip, got %d bytes", len(clip.Data))
	}
	if r.HasRecording() {
		t.Error("HasRecording should be false without chunks")
	}
	if r.MIMEType() != "" {
		t.Errorf("expected device default MIME, got %q", r.MIMEType())
	}
}

func TestStopWhenIdle(t *testing.T) {
	r := newTestRecorder(t, &fakeDevice{}, Options{})
	if _, err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop() = %v, want ErrNotRecording", err)
	}
}

func TestStartWhileRecordingIsNoop(t *testing.T) {
	dev := &fakeDevice{}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if dev.begins != 1 {
		t.Errorf("device Begin called %d times, want 1", dev.begins)
	}
}

func TestStartReleasesPreviousBuffer(t *testing.T) {
	dev := &fakeDevice{onEnd: [][]byte{[]byte("x")}}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = r.Start()
	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	path := r.State().Playable.Location()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := r.State()
	if st.Buffer != nil || st.Playable != nil {
		t.Errorf("stale buffer kept after Start: %+v", st)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("previous playable file should be removed")
	}
}

func TestClearWhileRecordingDiscards(t *testing.T) {
	dev := &fakeDevice{onEnd: [][]byte{[]byte("late")}}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = r.Start()
	r.Clear()
	st := r.State()
	if st.IsRecording || st.Buffer != nil {
		t.Errorf("expected empty state after Clear, got %+v", st)
	}
	if _, err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop after Clear = %v, want ErrNotRecording", err)
	}
}

func TestReleaseStopsDevice(t *testing.T) {
	dev := &fakeDevice{}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = r.Start()
	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dev.releases != 0 {
		t.Fatal("Stop must not release the device")
	}
	if err := r.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if dev.releases != 1 {
		t.Errorf("device released %d times, want 1", dev.releases)
	}
}

func waitForState(t *testing.T, ch <-chan State, pred func(State) bool) State {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed")
			}
			if pred(st) {
				return st
			}
		case <-timeout:
			t.Fatal("timed out waiting for state")
		}
	}
}

func TestSubscribeStream(t *testing.T) {
	dev := &fakeDevice{onEnd: [][]byte{[]byte("pcm")}}
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ch, cancel := r.Subscribe()
	defer cancel()

	first := <-ch
	if first.IsRecording || first.Buffer != nil {
		t.Fatalf("initial state should be empty, got %+v", first)
	}

	_ = r.Start()
	waitForState(t, ch, func(s State) bool { return s.IsRecording })
	go r.Stop()
	st := waitForState(t, ch, func(s State) bool { return s.Buffer != nil })
	if st.IsRecording || st.IsProcessing {
		t.Errorf("buffer published with flags set: %+v", st)
	}

	cancel()
	cancel()
	if _, ok := <-drain(ch); ok {
		t.Error("channel should be closed after cancel")
	}
}

func drain(ch <-chan State) <-chan State {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}

func TestMaxDurationStopsRecording(t *testing.T) {
	dev := &fakeDevice{onEnd: [][]byte{[]byte("pcm")}}
	r := newTestRecorder(t, dev, Options{MaxDuration: 30 * time.Millisecond})
	r.tick = 10 * time.Millisecond
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ch, cancel := r.Subscribe()
	defer cancel()

	_ = r.Start()
	st := waitForState(t, ch, func(s State) bool { return s.Buffer != nil })
	if st.IsRecording {
		t.Error("recording should have stopped on its own")
	}
}

func TestDurationTicks(t *testing.T) {
	r := newTestRecorder(t, &fakeDevice{}, Options{})
	r.tick = 5 * time.Millisecond
	base := time.Now()
	var mu sync.Mutex
	offset := time.Duration(0)
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ch, cancel := r.Subscribe()
	defer cancel()

	_ = r.Start()
	mu.Lock()
	offset = 2500 * time.Millisecond
	mu.Unlock()
	waitForState(t, ch, func(s State) bool { return s.DurationSeconds == 2 })
}

func TestPushDeviceFinishStopsRecording(t *testing.T) {
	dev := NewPushDevice(Capabilities{
		CaptureAvailable:  true,
		PermissionGranted: true,
		SupportedTypes:    []string{"audio/webm;codecs=opus"},
	})
	r := newTestRecorder(t, dev, Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if r.MIMEType() != "audio/webm;codecs=opus" {
		t.Fatalf("MIME = %q", r.MIMEType())
	}
	if err := dev.Push([]byte("early")); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Push before start = %v, want ErrNotCapturing", err)
	}

	ch, cancel := r.Subscribe()
	defer cancel()
	_ = r.Start()
	if err := dev.Push([]byte("one")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := dev.Push([]byte("two")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	dev.Finish()

	st := waitForState(t, ch, func(s State) bool { return s.Buffer != nil })
	if string(st.Buffer.Data) != "onetwo" {
		t.Errorf("buffer = %q, want onetwo", st.Buffer.Data)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00:00"},
		{9, "00:09"},
		{61, "01:01"},
		{600, "10:00"},
		{-3, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
