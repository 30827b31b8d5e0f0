package oral

import (
	"context"
	"strings"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

// Narration builds the spoken prompt for q: the question text, then the
// option enumeration for multiple choice or the true/false instruction.
func Narration(ctx context.Context, q model.Question, number, total int) string {
	parts := []string{i18n.Td(ctx, "PromptQuestion", map[string]any{
		"Number": number,
		"Total":  total,
		"Text":   strings.TrimSpace(q.Text),
	})}
	if q.Type == model.QuestionTrueFalse {
		parts = append(parts, i18n.T(ctx, "PromptTrueFalse"))
		return strings.Join(parts, " ")
	}
	for i, opt := range q.Options {
		parts = append(parts, i18n.Td(ctx, "PromptOption", map[string]any{
			"Letter": model.OptionLetter(i),
			"Text":   strings.TrimSpace(opt),
		}))
	}
	parts = append(parts, i18n.T(ctx, "PromptChooseOption"))
	return strings.Join(parts, " ")
}

// ResultText describes ev for display. Multiple-choice answers are named by
// letter and text.
func ResultText(ctx context.Context, q model.Question, ev model.AnswerEvaluation) string {
	answer := q.ExpectedOptionText()
	if q.Type == model.QuestionMultipleChoice {
		answer = model.NormalizeExpected(q.ExpectedAnswer, q.Type) + ") " + answer
	}
	switch {
	case ev.IsCorrect:
		return i18n.T(ctx, "ResultCorrect")
	case !ev.Answered():
		return i18n.Td(ctx, "ResultUnanswered", map[string]any{"Answer": answer})
	default:
		return i18n.Td(ctx, "ResultIncorrect", map[string]any{"Answer": answer})
	}
}

// CompletionText summarises a finished test.
func CompletionText(ctx context.Context, c model.Completion) string {
	return i18n.Td(ctx, "TestCompleted", map[string]any{
		"Correct":    c.Correct,
		"Total":      c.Total,
		"Percentage": c.Percentage,
	})
}
