package handler

import (
	"context"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
)

// stateView is the client projection of an oral test. The expected answer
// of the current question is only revealed with its result.
type stateView struct {
	ID         string        `json:"id"`
	State      oral.State    `json:"state"`
	Area       model.Area    `json:"area"`
	AreaName   string        `json:"area_name"`
	Number     int           `json:"number"`
	Total      int           `json:"total"`
	Question   *questionView `json:"question,omitempty"`
	Result     *resultView   `json:"result,omitempty"`
	Message    string        `json:"message,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Attempts   int           `json:"attempts"`
	Answered   int           `json:"answered"`
	Recording  bool          `json:"recording"`
	Elapsed    string        `json:"elapsed"`
	CanAdvance bool          `json:"can_advance"`
	CanRetreat bool          `json:"can_retreat"`
	Summary    *summaryView  `json:"summary,omitempty"`
}

type questionView struct {
	ID      int64              `json:"id"`
	Topic   string             `json:"topic"`
	Type    model.QuestionType `json:"type"`
	Text    string             `json:"text"`
	Options []optionView       `json:"options"`
}

type optionView struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
}

type resultView struct {
	Correct        bool    `json:"correct"`
	Text           string  `json:"text"`
	Heard          string  `json:"heard"`
	DetectedOption *string `json:"detected_option"`
	ExpectedAnswer string  `json:"expected_answer"`
	Explanation    string  `json:"explanation"`
	ResponseMillis int64   `json:"response_ms"`
}

type summaryView struct {
	model.Completion
	Text string `json:"text"`
}

func areaName(ctx context.Context, a model.Area) string {
	switch a {
	case model.AreaCivil:
		return i18n.T(ctx, "AreaCivil")
	case model.AreaProcesal:
		return i18n.T(ctx, "AreaProcesal")
	}
	return string(a)
}

func newStateView(ctx context.Context, id string, snap oral.Snapshot) stateView {
	v := stateView{
		ID:         id,
		State:      snap.State,
		Area:       snap.Area,
		AreaName:   areaName(ctx, snap.Area),
		Total:      snap.Total,
		MessageID:  snap.MessageID,
		Transcript: snap.Transcript,
		Attempts:   snap.Attempts,
		Answered:   snap.Answered,
		Recording:  snap.Recording,
		Elapsed:    recorder.FormatDuration(snap.Elapsed),
		CanAdvance: snap.CanAdvance,
		CanRetreat: snap.CanRetreat,
	}
	if snap.Total > 0 {
		v.Number = snap.Index + 1
	}
	if snap.MessageID != "" {
		v.Message = i18n.T(ctx, snap.MessageID)
	}
	if q := snap.Question; q != nil {
		qv := &questionView{ID: q.ID, Topic: q.Topic, Type: q.Type, Text: q.Text}
		for i, text := range q.OptionTexts() {
			qv.Options = append(qv.Options, optionView{Letter: model.OptionLetter(i), Text: text})
		}
		v.Question = qv
		if ev := snap.Evaluation; ev != nil {
			v.Result = newResultView(ctx, *q, *ev)
		}
	}
	if c := snap.Completion; c != nil {
		v.Summary = &summaryView{Completion: *c, Text: oral.CompletionText(ctx, *c)}
	}
	return v
}

func newResultView(ctx context.Context, q model.Question, ev model.AnswerEvaluation) *resultView {
	return &resultView{
		Correct:        ev.IsCorrect,
		Text:           oral.ResultText(ctx, q, ev),
		Heard:          ev.RawTranscript,
		DetectedOption: ev.DetectedOptionText,
		ExpectedAnswer: ev.ExpectedAnswer,
		Explanation:    ev.Explanation,
		ResponseMillis: ev.ResponseTime.Milliseconds(),
	}
}
