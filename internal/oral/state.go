package oral

import (
	"errors"
	"fmt"
	"strings"
)

// State is a step of the per-question state machine. Advancing and
// retreating are transient and never observed.
type State int

const (
	Idle State = iota
	PromptPlaying
	AwaitingRecording
	Recording
	Transcribing
	Evaluating
	ShowingResult
	Completed
	Aborted
)

var stateNames = [...]string{
	Idle:              "idle",
	PromptPlaying:     "prompt_playing",
	AwaitingRecording: "awaiting_recording",
	Recording:         "recording",
	Transcribing:      "transcribing",
	Evaluating:        "evaluating",
	ShowingResult:     "showing_result",
	Completed:         "completed",
	Aborted:           "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown oral state %q", b)
}

// Final reports whether the test is over.
func (s State) Final() bool {
	return s == Completed || s == Aborted
}

var (
	// ErrInvalidState is returned when an entry point is not allowed in the
	// current state. The call has no effect.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNotAnswered is returned by Advance while the current question has
	// no evaluation.
	ErrNotAnswered = errors.New("current question has not been answered")
	// ErrNoQuestions is returned by Start for an empty question set.
	ErrNoQuestions = errors.New("question set is empty")
)

// Message IDs for user-facing retry prompts. Each recoverable failure has its
// own remediation.
const (
	MsgRecordAgain       = "MsgRecordAgain"
	MsgCheckConnection   = "MsgCheckConnection"
	MsgSpeakClearly      = "MsgSpeakClearly"
	MsgAttemptsExhausted = "MsgAttemptsExhausted"
)

// Outcome labels the result of one answer attempt.
type Outcome string

const (
	OutcomeCorrect      Outcome = "correct"
	OutcomeIncorrect    Outcome = "incorrect"
	OutcomeUnrecognized Outcome = "unrecognized"
	OutcomeDecodeError  Outcome = "decode_error"
	OutcomeBackendError Outcome = "backend_error"
	OutcomeExhausted    Outcome = "exhausted"
)
