// Package speech holds the speech backends used by oral tests: transcription
// of canonical WAV answers and text-to-speech playback of prompts.
package speech

import (
	"context"
	"errors"
)

// ErrTranscription reports a failed round trip to the speech backend
// (network, server or protocol error). An empty transcript is not an error.
var ErrTranscription = errors.New("speech backend transcription failed")

// Transcriber is the speech backend. wav must be canonical mono 16-bit PCM.
// It returns "" when nothing was understood.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, wav []byte) (string, error)

// Transcribe implements Transcriber.
func (f TranscriberFunc) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f(ctx, wav)
}

// Speaker plays text aloud. Speak blocks until playback finishes and returns
// ctx.Err() when cancelled mid-utterance.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Renderer turns text into playable audio bytes.
type Renderer interface {
	Render(ctx context.Context, text string) ([]byte, error)
}
