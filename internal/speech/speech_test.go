package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingSpeaker blocks each utterance until released or cancelled.
type blockingSpeaker struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func (b *blockingSpeaker) Speak(ctx context.Context, text string) error {
	b.mu.Lock()
	b.started = append(b.started, text)
	b.mu.Unlock()
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingSpeaker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineSayCancelsPrevious(t *testing.T) {
	sp := &blockingSpeaker{release: make(chan struct{})}
	e := NewEngine(sp)

	first := make(chan error, 1)
	go func() { first <- e.Say(context.Background(), "pregunta uno") }()
	waitFor(t, func() bool { return sp.count() == 1 })

	second := make(chan error, 1)
	go func() { second <- e.Say(context.Background(), "pregunta dos") }()

	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first Say = %v, want context.Canceled", err)
	}
	waitFor(t, func() bool { return sp.count() == 2 })
	if !e.Speaking() {
		t.Error("engine should be speaking the second utterance")
	}
	close(sp.release)
	if err := <-second; err != nil {
		t.Fatalf("second Say = %v", err)
	}
	if e.Speaking() {
		t.Error("engine should be idle")
	}
}

func TestEngineCancel(t *testing.T) {
	sp := &blockingSpeaker{release: make(chan struct{})}
	e := NewEngine(sp)
	e.Cancel()

	res := make(chan error, 1)
	go func() { res <- e.Say(context.Background(), "hola") }()
	waitFor(t, func() bool { return sp.count() == 1 })
	e.Cancel()
	if e.Speaking() {
		t.Error("Cancel must be synchronous")
	}
	if err := <-res; !errors.Is(err, context.Canceled) {
		t.Errorf("Say = %v, want context.Canceled", err)
	}
	e.Cancel()
}

func TestEngineSayWithDoneContextKeepsCurrent(t *testing.T) {
	sp := &blockingSpeaker{release: make(chan struct{})}
	e := NewEngine(sp)

	current := make(chan error, 1)
	go func() { current <- e.Say(context.Background(), "pregunta dos") }()
	waitFor(t, func() bool { return sp.count() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Say(ctx, "pregunta uno"); !errors.Is(err, context.Canceled) {
		t.Fatalf("late Say = %v, want context.Canceled", err)
	}
	if sp.count() != 1 || !e.Speaking() {
		t.Fatalf("late Say interfered: started %d, speaking %v", sp.count(), e.Speaking())
	}
	close(sp.release)
	if err := <-current; err != nil {
		t.Errorf("current Say = %v", err)
	}
}

func TestRemoteSpeaker(t *testing.T) {
	s := NewRemoteSpeaker()
	if _, ok := s.Pending(); ok {
		t.Fatal("new speaker should have no prompt")
	}

	res := make(chan error, 1)
	go func() { res <- s.Speak(context.Background(), "Opción A: Contrato") }()

	var p Prompt
	waitFor(t, func() bool {
		var ok bool
		p, ok = s.Pending()
		return ok
	})
	if p.Text != "Opción A: Contrato" {
		t.Errorf("pending text = %q", p.Text)
	}
	if s.Done(p.ID + 1) {
		t.Error("Done with a stale id should be rejected")
	}
	if !s.Done(p.ID) {
		t.Fatal("Done with the pending id should succeed")
	}
	if err := <-res; err != nil {
		t.Errorf("Speak = %v", err)
	}
	if s.Done(p.ID) {
		t.Error("double Done should be rejected")
	}
}

func TestRemoteSpeakerCancel(t *testing.T) {
	s := NewRemoteSpeaker()
	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() { res <- s.Speak(ctx, "texto") }()
	waitFor(t, func() bool { _, ok := s.Pending(); return ok })
	cancel()
	if err := <-res; !errors.Is(err, context.Canceled) {
		t.Fatalf("Speak = %v, want context.Canceled", err)
	}
	if _, ok := s.Pending(); ok {
		t.Error("cancelled prompt should be withdrawn")
	}
}

func TestOpenAITranscribe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"ok", http.StatusOK, `{"text":"  letra be "}`, "letra be", false},
		{"empty transcript", http.StatusOK, `{"text":""}`, "", false},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/audio/transcriptions" {
					http.NotFound(w, r)
					return
				}
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("parse multipart: %v", err)
				}
				if got := r.FormValue("language"); got != "es" {
					t.Errorf("language = %q, want es", got)
				}
				if _, _, err := r.FormFile("file"); err != nil {
					t.Errorf("missing file part: %v", err)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Language: "es"})
			got, err := c.Transcribe(context.Background(), []byte("RIFF"))
			if tt.wantErr {
				if !errors.Is(err, ErrTranscription) {
					t.Fatalf("err = %v, want ErrTranscription", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got != tt.want {
				t.Errorf("Transcribe = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenAIRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"input":"Pregunta uno"`) {
			t.Errorf("unexpected request body %s", body)
		}
		w.Header().Set("Content-Type", "audio/wav")
		fmt.Fprint(w, "RIFFdata")
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test"})
	audio, err := c.Render(context.Background(), "Pregunta uno")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(audio) != "RIFFdata" {
		t.Errorf("audio = %q", audio)
	}
}

func TestExecTranscriber(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewExecTranscriber(`sh -c 'test "$1" = --audio && test -s "$2" && printf "{\"text\":\" verdadero \"}"' stt`, "es")
	if err != nil {
		t.Fatalf("NewExecTranscriber: %v", err)
	}
	got, err := r.Transcribe(context.Background(), []byte("RIFF----WAVE"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "verdadero" {
		t.Errorf("Transcribe = %q, want verdadero", got)
	}

	bad, err := NewExecTranscriber(`sh -c 'exit 3' stt`, "")
	if err != nil {
		t.Fatalf("NewExecTranscriber: %v", err)
	}
	if _, err := bad.Transcribe(context.Background(), []byte("x")); !errors.Is(err, ErrTranscription) {
		t.Errorf("err = %v, want ErrTranscription", err)
	}
}

func TestExecSpeakerCancel(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	s, err := NewExecSpeaker("sleep 5")
	if err != nil {
		t.Fatalf("NewExecSpeaker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Speak(ctx, "hola"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Speak = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancelled speaker kept running")
	}
}

func TestCommandValidation(t *testing.T) {
	if _, err := NewExecSpeaker(""); err == nil {
		t.Error("expected error for empty tts command")
	}
	if _, err := NewExecTranscriber("   ", ""); err == nil {
		t.Error("expected error for empty stt command")
	}
	if _, err := NewRenderedSpeaker(nil, `aplay "unterminated`); err == nil {
		t.Error("expected parse error for player command")
	}
}
