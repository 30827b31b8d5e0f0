package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

func parseCommand(kind, command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", kind)
	}
	return args, nil
}

// ExecTranscriber runs a local recognizer (for example a whisper.cpp
// wrapper). The WAV is written to a temp file passed with --audio and the
// command prints {"text": "..."} on stdout.
type ExecTranscriber struct {
	cmd      []string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecTranscriber parses command.
func NewExecTranscriber(command, language string) (*ExecTranscriber, error) {
	args, err := parseCommand("stt", command)
	if err != nil {
		return nil, err
	}
	return &ExecTranscriber{cmd: args, language: language}, nil
}

// Transcribe implements Transcriber.
func (r *ExecTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "gradocerrado_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()
	if _, err := file.Write(wav); err != nil {
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.language != "" {
		cmdArgs = append(cmdArgs, "--language", r.language)
	}
	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%w: stt command failed: %w: %s", ErrTranscription, err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("%w: decode stt response: %w", ErrTranscription, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// ExecSpeaker speaks through a local TTS command (espeak-ng, say, piper)
// that reads the text from stdin.
type ExecSpeaker struct {
	cmd []string
}

// NewExecSpeaker parses command.
func NewExecSpeaker(command string) (*ExecSpeaker, error) {
	args, err := parseCommand("tts", command)
	if err != nil {
		return nil, err
	}
	return &ExecSpeaker{cmd: args}, nil
}

// Speak implements Speaker.
func (s *ExecSpeaker) Speak(ctx context.Context, text string) error {
	return run(ctx, s.cmd, strings.NewReader(text))
}

// RenderedSpeaker renders audio with a Renderer and plays it through a
// player command reading the audio from stdin (aplay, ffplay).
type RenderedSpeaker struct {
	renderer Renderer
	player   []string
}

// NewRenderedSpeaker parses the player command.
func NewRenderedSpeaker(r Renderer, player string) (*RenderedSpeaker, error) {
	args, err := parseCommand("player", player)
	if err != nil {
		return nil, err
	}
	return &RenderedSpeaker{renderer: r, player: args}, nil
}

// Speak implements Speaker.
func (s *RenderedSpeaker) Speak(ctx context.Context, text string) error {
	audio, err := s.renderer.Render(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return run(ctx, s.player, bytes.NewReader(audio))
}

func run(ctx context.Context, args []string, stdin io.Reader) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return nil
}
