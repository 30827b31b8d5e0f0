package recorder

import (
	"context"
	"errors"
	"sync"
)

// ErrNotCapturing is returned by PushDevice.Push outside an active capture.
var ErrNotCapturing = errors.New("device is not capturing")

// Capabilities describes what a remote client reported about its capture
// environment.
type Capabilities struct {
	CaptureAvailable  bool     `json:"capture_available"`
	PermissionGranted bool     `json:"permission_granted"`
	SupportedTypes    []string `json:"supported_types"`
}

// PushDevice is a capture device fed by a remote client, typically a browser
// uploading MediaRecorder chunks.
type PushDevice struct {
	caps Capabilities

	mu     sync.Mutex
	sink   func([]byte)
	done   chan struct{}
	active bool
}

// NewPushDevice creates a device for a client with the given capabilities.
func NewPushDevice(caps Capabilities) *PushDevice {
	return &PushDevice{caps: caps}
}

// IsTypeSupported implements Device.
func (d *PushDevice) IsTypeSupported(mimeType string) bool {
	for _, t := range d.caps.SupportedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

// Acquire implements Device.
func (d *PushDevice) Acquire(_ context.Context) error {
	if !d.caps.CaptureAvailable {
		return ErrUnsupportedEnvironment
	}
	if !d.caps.PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

// Begin implements Device.
func (d *PushDevice) Begin(_ string, sink func([]byte)) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
	d.done = make(chan struct{})
	d.active = true
	return d.done, nil
}

// Push delivers a chunk captured by the client.
func (d *PushDevice) Push(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return ErrNotCapturing
	}
	d.sink(chunk)
	return nil
}

// Finish signals that the client stream ended on its own.
func (d *PushDevice) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endLocked()
}

// End implements Device.
func (d *PushDevice) End() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endLocked()
	return nil
}

// Release implements Device.
func (d *PushDevice) Release() error {
	return d.End()
}

func (d *PushDevice) endLocked() {
	if !d.active {
		return
	}
	d.active = false
	d.sink = nil
	close(d.done)
}
