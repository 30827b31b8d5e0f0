package store

import (
	"fmt"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

// ExportTests builds export-ready results from completed tests, newest
// first. Empty area exports every area.
func (s *Store) ExportTests(area model.Area) ([]model.TestResult, error) {
	tests, err := s.ListOralTests(area, model.TestCompleted)
	if err != nil {
		return nil, fmt.Errorf("list oral tests: %w", err)
	}

	questionCache := make(map[int64]model.Question)
	var results []model.TestResult
	for _, t := range tests {
		evs, err := s.GetEvaluations(t.ID)
		if err != nil {
			return nil, fmt.Errorf("get evaluations of test %d: %w", t.ID, err)
		}

		var questions []model.QuestionResult
		for _, ev := range evs {
			q, ok := questionCache[ev.QuestionID]
			if !ok {
				q, err = s.GetQuestion(ev.QuestionID)
				if err != nil {
					return nil, fmt.Errorf("get question %d: %w", ev.QuestionID, err)
				}
				questionCache[ev.QuestionID] = q
			}
			questions = append(questions, model.QuestionResult{
				Position:         ev.Position,
				Text:             q.Text,
				Topic:            q.Topic,
				Type:             string(q.Type),
				Transcript:       ev.RawTranscript,
				DetectedOption:   ev.DetectedOptionText,
				NormalizedAnswer: ev.NormalizedAnswer,
				ExpectedAnswer:   ev.ExpectedAnswer,
				IsCorrect:        ev.IsCorrect,
				Explanation:      ev.Explanation,
				ResponseMillis:   ev.ResponseTime.Milliseconds(),
			})
		}

		results = append(results, model.TestResult{
			TestID:      t.ID,
			Area:        t.Area,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
			Correct:     t.Correct,
			Incorrect:   t.Incorrect,
			Unanswered:  t.Unanswered,
			Total:       t.Total,
			Percentage:  t.Percentage,
			Questions:   questions,
		})
	}

	return results, nil
}
