package recorder

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedEnvironment means no capture device or recorder primitive
	// is available at all. It is terminal for the oral flow.
	ErrUnsupportedEnvironment = errors.New("audio capture is not supported in this environment")
	// ErrPermissionDenied means the user or OS refused device access. It is
	// terminal for the oral flow.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNotInitialized is returned by Start before a successful Initialize.
	ErrNotInitialized = errors.New("recorder not initialized")
	// ErrNotRecording is returned by Stop when no recording is active.
	ErrNotRecording = errors.New("recorder is not recording")
	// ErrDiscarded is returned by Stop when the recording was cleared or
	// discarded before its buffer became available.
	ErrDiscarded = errors.New("recording discarded")
	// ErrBusy is returned by Start while a stopped recording is still being
	// assembled.
	ErrBusy = errors.New("previous recording is still being processed")
)

// DefaultPreferences is the descending container preference list used during
// capability negotiation. When none is supported the device default ("") is
// used.
var DefaultPreferences = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/wav",
}

// Device is the capture primitive the Recorder owns exclusively.
//
// Begin starts delivering chunks to sink and returns a channel that is closed
// when the stream ends, either because End was called or because the source
// finished on its own. End must not return before every captured chunk has
// been passed to sink. sink must not be invoked synchronously from Begin.
type Device interface {
	IsTypeSupported(mimeType string) bool
	Acquire(ctx context.Context) error
	Begin(mimeType string, sink func([]byte)) (<-chan struct{}, error)
	End() error
	Release() error
}

// Negotiate picks the first preferred container the device supports. It
// returns "" when nothing in prefs is supported.
func Negotiate(d Device, prefs []string) string {
	for _, t := range prefs {
		if d.IsTypeSupported(t) {
			return t
		}
	}
	return ""
}

// SupportedTypes lists the container types from candidates that d can
// produce.
func SupportedTypes(d Device, candidates []string) []string {
	if d == nil {
		return nil
	}
	var out []string
	for _, t := range candidates {
		if d.IsTypeSupported(t) {
			out = append(out, t)
		}
	}
	return out
}
