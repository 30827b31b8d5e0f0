package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Area identifies the legal subject area a question set belongs to.
type Area string

const (
	AreaCivil    Area = "civil"
	AreaProcesal Area = "procesal"
)

// IsValid reports whether a is a known subject area.
func (a Area) IsValid() bool {
	return a == AreaCivil || a == AreaProcesal
}

// QuestionType distinguishes multiple-choice from true/false questions.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
)

// Boolean answer tokens used for true/false questions.
const (
	AnswerTrue  = "V"
	AnswerFalse = "F"
)

// Display texts of the implicit true/false options.
const (
	OptionTrueText  = "Verdadero"
	OptionFalseText = "Falso"
)

// Question is a single exam question. It is read-only to the oral engine.
type Question struct {
	ID             int64        `json:"id"`
	Area           Area         `json:"area"`
	Topic          string       `json:"topic"`
	Type           QuestionType `json:"type"`
	Text           string       `json:"text"`
	Options        []string     `json:"options"`
	ExpectedAnswer string       `json:"expected_answer"`
	Explanation    string       `json:"explanation"`
}

// OptionTexts returns the options in order. True/false questions have the
// implicit option set {Verdadero, Falso}.
func (q Question) OptionTexts() []string {
	if q.Type == QuestionTrueFalse {
		return []string{OptionTrueText, OptionFalseText}
	}
	return q.Options
}

// OptionLetter returns the letter for option index i ("A" for 0).
func OptionLetter(i int) string {
	return string(rune('A' + i))
}

// AnswerToken maps an option index to the normalized answer token: a letter
// for multiple choice, V/F for true/false.
func (q Question) AnswerToken(i int) string {
	if q.Type == QuestionTrueFalse {
		if i == 0 {
			return AnswerTrue
		}
		return AnswerFalse
	}
	return OptionLetter(i)
}

// ExpectedOptionText returns the text of the expected option, or "" when the
// expected answer does not name a valid option.
func (q Question) ExpectedOptionText() string {
	opts := q.OptionTexts()
	for i := range opts {
		if q.AnswerToken(i) == NormalizeExpected(q.ExpectedAnswer, q.Type) {
			return opts[i]
		}
	}
	return ""
}

// NormalizeExpected converts a stored expected answer into an answer token.
// True/false questions accept v, verdadero, true and a (and their negatives).
func NormalizeExpected(expected string, t QuestionType) string {
	e := strings.ToLower(strings.TrimSpace(expected))
	if t == QuestionTrueFalse {
		switch e {
		case "v", "verdadero", "true", "a", "1":
			return AnswerTrue
		case "f", "falso", "false", "b", "0":
			return AnswerFalse
		}
		return strings.ToUpper(e)
	}
	return strings.ToUpper(e)
}

// AnswerEvaluation is the recorded outcome for one answered question. It is
// never mutated after creation; re-answering replaces it.
type AnswerEvaluation struct {
	QuestionID         int64         `json:"question_id"`
	Position           int           `json:"position"`
	RawTranscript      string        `json:"raw_transcript"`
	DetectedOptionText *string       `json:"detected_option_text"`
	NormalizedAnswer   *string       `json:"normalized_answer"`
	IsCorrect          bool          `json:"is_correct"`
	ExpectedAnswer     string        `json:"expected_answer"`
	Explanation        string        `json:"explanation"`
	ResponseTime       time.Duration `json:"response_time"`
}

// Answered reports whether classification produced an option.
func (e AnswerEvaluation) Answered() bool {
	return e.DetectedOptionText != nil
}

// SessionProgress tracks one active oral test.
type SessionProgress struct {
	CurrentIndex   int                `json:"current_index"`
	TotalQuestions int                `json:"total_questions"`
	Evaluations    []AnswerEvaluation `json:"evaluations"`
}

// NewSessionProgress creates an empty progress value for total questions.
func NewSessionProgress(total int) *SessionProgress {
	return &SessionProgress{TotalQuestions: total}
}

// EvaluationFor returns the evaluation recorded for position, if any.
func (p *SessionProgress) EvaluationFor(position int) (AnswerEvaluation, bool) {
	for _, ev := range p.Evaluations {
		if ev.Position == position {
			return ev, true
		}
	}
	return AnswerEvaluation{}, false
}

// Record stores ev, replacing any evaluation already recorded for the same
// position. Evaluations stay ordered by position.
func (p *SessionProgress) Record(ev AnswerEvaluation) {
	for i := range p.Evaluations {
		if p.Evaluations[i].Position == ev.Position {
			p.Evaluations[i] = ev
			return
		}
	}
	idx := len(p.Evaluations)
	for i := range p.Evaluations {
		if p.Evaluations[i].Position > ev.Position {
			idx = i
			break
		}
	}
	p.Evaluations = append(p.Evaluations, AnswerEvaluation{})
	copy(p.Evaluations[idx+1:], p.Evaluations[idx:])
	p.Evaluations[idx] = ev
}

// TestStatus is the lifecycle status of a persisted oral test.
type TestStatus string

const (
	TestInProgress TestStatus = "in_progress"
	TestCompleted  TestStatus = "completed"
)

// Completion is the final aggregate handed to the session provider.
type Completion struct {
	Area        Area               `json:"area"`
	Correct     int                `json:"correct"`
	Incorrect   int                `json:"incorrect"`
	Unanswered  int                `json:"unanswered"`
	Total       int                `json:"total"`
	Percentage  int                `json:"percentage"`
	Evaluations []AnswerEvaluation `json:"evaluations"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Summarize aggregates progress into final counts. Questions without an
// evaluation, or whose classification failed, count as unanswered and
// incorrect.
func Summarize(area Area, p *SessionProgress, now time.Time) Completion {
	c := Completion{
		Area:        area,
		Total:       p.TotalQuestions,
		Evaluations: append([]AnswerEvaluation(nil), p.Evaluations...),
		CompletedAt: now,
	}
	for _, ev := range p.Evaluations {
		switch {
		case !ev.Answered():
			c.Unanswered++
		case ev.IsCorrect:
			c.Correct++
		}
	}
	c.Unanswered += c.Total - len(p.Evaluations)
	c.Incorrect = c.Total - c.Correct
	if c.Total > 0 {
		c.Percentage = int(float64(c.Correct)/float64(c.Total)*100 + 0.5)
	}
	return c
}

// OralTest is a persisted oral test.
type OralTest struct {
	ID          int64      `json:"id"`
	Area        Area       `json:"area"`
	Status      TestStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Correct     int        `json:"correct"`
	Incorrect   int        `json:"incorrect"`
	Unanswered  int        `json:"unanswered"`
	Total       int        `json:"total"`
	Percentage  int        `json:"percentage"`
}

// OralConfig holds runtime parameters for oral tests set via CLI flags.
type OralConfig struct {
	NumQuestions int    // 0 means all available
	Topic        string // empty means all topics
	Shuffle      bool
	SampleRate   int           // canonical WAV sample rate
	MaxRecording time.Duration // recording cap, 0 means unbounded
	AutoAdvance  time.Duration // 0 disables auto-advance
	MaxAttempts  int           // failed recognitions before a question is marked unanswered, 0 means unlimited
	Lang         string
}

// QuestionImport is used for loading questions from JSON or YAML.
type QuestionImport struct {
	Area           Area         `json:"area" yaml:"area"`
	Topic          string       `json:"topic" yaml:"topic"`
	Type           QuestionType `json:"type" yaml:"type"`
	Text           string       `json:"text" yaml:"text"`
	Options        []string     `json:"options" yaml:"options"`
	ExpectedAnswer string       `json:"expected_answer" yaml:"expected_answer"`
	Explanation    string       `json:"explanation" yaml:"explanation"`
}

// Validate checks an imported question before it is stored.
func (qi QuestionImport) Validate() error {
	if !qi.Area.IsValid() {
		return fmt.Errorf("unknown area %q", qi.Area)
	}
	if strings.TrimSpace(qi.Text) == "" {
		return errors.New("empty question text")
	}
	expected := NormalizeExpected(qi.ExpectedAnswer, qi.Type)
	switch qi.Type {
	case QuestionTrueFalse:
		if expected != AnswerTrue && expected != AnswerFalse {
			return fmt.Errorf("true/false answer must be V or F, got %q", qi.ExpectedAnswer)
		}
	case QuestionMultipleChoice:
		if len(qi.Options) < 2 || len(qi.Options) > 10 {
			return fmt.Errorf("multiple choice needs 2 to 10 options, got %d", len(qi.Options))
		}
		if len(expected) != 1 || expected[0] < 'A' || int(expected[0]-'A') >= len(qi.Options) {
			return fmt.Errorf("expected answer %q does not name an option", qi.ExpectedAnswer)
		}
	default:
		return fmt.Errorf("unknown question type %q", qi.Type)
	}
	return nil
}

// Question converts an import into a Question with a normalized expected
// answer.
func (qi QuestionImport) Question() Question {
	q := Question{
		Area:           qi.Area,
		Topic:          strings.TrimSpace(qi.Topic),
		Type:           qi.Type,
		Text:           strings.TrimSpace(qi.Text),
		ExpectedAnswer: NormalizeExpected(qi.ExpectedAnswer, qi.Type),
		Explanation:    strings.TrimSpace(qi.Explanation),
	}
	if qi.Type == QuestionMultipleChoice {
		q.Options = qi.Options
	}
	return q
}
