package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const execStopGrace = 2 * time.Second

// ExecDevice captures audio from an external command (arecord, ffmpeg, sox)
// that writes the recording to stdout.
type ExecDevice struct {
	args  []string
	types []string
	log   *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
	cancel context.CancelFunc
}

// NewExecDevice parses command and returns a device producing the given
// container types. The first type is what the command actually emits.
func NewExecDevice(command string, types []string, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecDevice{args: args, types: types, log: logger.With("component", "exec_device")}, nil
}

// IsTypeSupported implements Device.
func (d *ExecDevice) IsTypeSupported(mimeType string) bool {
	for _, t := range d.types {
		if t == mimeType {
			return true
		}
	}
	return false
}

// Acquire checks that the capture command can be executed.
func (d *ExecDevice) Acquire(_ context.Context) error {
	_, err := exec.LookPath(d.args[0])
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}
}

// Begin starts the capture command and streams its stdout to sink.
func (d *ExecDevice) Begin(_ string, sink func([]byte)) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil, fmt.Errorf("capture already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.args[0], d.args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = execStopGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	done := make(chan struct{})
	d.cmd, d.done, d.cancel = cmd, done, cancel
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				sink(buf[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					d.log.Warn("capture read failed", "error", err)
				}
				break
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			d.log.Warn("capture command exited", "error", err)
		}
	}()
	d.log.Debug("capture command started", "command", d.args[0], "pid", cmd.Process.Pid)
	return done, nil
}

// End interrupts the capture command and waits for its output to drain.
func (d *ExecDevice) End() error {
	d.mu.Lock()
	cmd, done, cancel := d.cmd, d.done, d.cancel
	d.cmd, d.done, d.cancel = nil, nil, nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Release implements Device.
func (d *ExecDevice) Release() error {
	return d.End()
}
