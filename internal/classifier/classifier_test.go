package classifier

import (
	"reflect"
	"testing"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

var (
	choiceQuestion = model.Question{
		ID:             1,
		Type:           model.QuestionMultipleChoice,
		Text:           "¿Qué fuente de obligaciones nace de un hecho ilícito?",
		Options:        []string{"Contract", "Tort", "Property"},
		ExpectedAnswer: "B",
	}
	spanishChoice = model.Question{
		ID:   2,
		Type: model.QuestionMultipleChoice,
		Options: []string{
			"Nulidad absoluta del contrato",
			"Rescisión por lesión enorme",
			"Resolución por incumplimiento",
			"Prescripción extintiva",
		},
		ExpectedAnswer: "C",
	}
	trueFalse = model.Question{
		ID:             3,
		Type:           model.QuestionTrueFalse,
		Text:           "La posesión es un hecho.",
		ExpectedAnswer: "V",
	}
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Opción  B ", "opcion b"},
		{"¡Verdadero!", "verdadero"},
		{"Sí, es la letra «ce».", "si es la letra ce"},
		{"RESCISIÓN por lesión", "rescision por lesion"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRuleOrder(t *testing.T) {
	want := []Rule{
		RuleBooleanKeyword,
		RuleLetterName,
		RuleIsolatedLetter,
		RuleChoiceLetter,
		RuleTrailingLetter,
		RuleContentOverlap,
	}
	if got := Rules(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Rules() = %v, want %v", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		q          model.Question
		wantText   string
		wantToken  string
		wantRule   Rule
	}{
		{"letra be", "letra be", choiceQuestion, "Tort", "B", RuleChoiceLetter},
		{"letter b", "letter B", choiceQuestion, "Tort", "B", RuleIsolatedLetter},
		{"opcion ce with accent", "Opción ce", choiceQuestion, "Property", "C", RuleChoiceLetter},
		{"last isolated letter wins", "voy a decir la c", choiceQuestion, "Property", "C", RuleIsolatedLetter},
		{"standalone name", "creo que es be", choiceQuestion, "Tort", "B", RuleChoiceLetter},
		{"trailing ambiguous name", "la de", spanishChoice, "Prescripción extintiva", "D", RuleTrailingLetter},
		{"content overlap", "creo que es la rescisión por lesión enorme", spanishChoice, "Rescisión por lesión enorme", "B", RuleContentOverlap},
		{"single content word", "es tort", choiceQuestion, "Tort", "B", RuleContentOverlap},
		{"verdadero", "verdadero", trueFalse, "Verdadero", "V", RuleBooleanKeyword},
		{"falso with punctuation", "¡Falso!", trueFalse, "Falso", "F", RuleBooleanKeyword},
		{"negated keyword", "no es verdadero", trueFalse, "Falso", "F", RuleBooleanKeyword},
		{"english correct", "that is correct", trueFalse, "Verdadero", "V", RuleBooleanKeyword},
		{"bare si", "sí", trueFalse, "Verdadero", "V", RuleBooleanKeyword},
		{"bare no", "no", trueFalse, "Falso", "F", RuleBooleanKeyword},
		{"letter a as true", "opción a", trueFalse, "Verdadero", "V", RuleLetterName},
		{"standalone ah", "ah", trueFalse, "Verdadero", "V", RuleLetterName},
		{"letter be as false", "letra be", trueFalse, "Falso", "F", RuleLetterName},
		{"elided v", "mi respuesta es v", trueFalse, "Verdadero", "V", RuleIsolatedLetter},
		{"trailing be", "es la be", trueFalse, "Falso", "F", RuleTrailingLetter},
		{"preposition a is not a letter", "corresponde a la rescisión por lesión enorme", spanishChoice, "Rescisión por lesión enorme", "B", RuleContentOverlap},
		{"filler a after the letter", "la respuesta es la c, a ver", spanishChoice, "Resolución por incumplimiento", "C", RuleIsolatedLetter},
		{"lone a is still a letter", "a", spanishChoice, "Nulidad absoluta del contrato", "A", RuleTrailingLetter},
		{"negation in another clause", "No, es verdadero", trueFalse, "Verdadero", "V", RuleBooleanKeyword},
		{"negated feminine keyword", "no es cierta", trueFalse, "Falso", "F", RuleBooleanKeyword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := Classify(tt.transcript, tt.q)
			if !ok {
				t.Fatalf("Classify(%q) found no match", tt.transcript)
			}
			if m.OptionText != tt.wantText || m.Token != tt.wantToken || m.Rule != tt.wantRule {
				t.Errorf("Classify(%q) = {%q %q %v}, want {%q %q %v}",
					tt.transcript, m.OptionText, m.Token, m.Rule, tt.wantText, tt.wantToken, tt.wantRule)
			}
		})
	}
}

func TestClassifyNoMatch(t *testing.T) {
	questions := []model.Question{choiceQuestion, spanishChoice, trueFalse}
	transcripts := []string{
		"",
		"   ",
		"completely unrelated gibberish text",
		"el contrato de compraventa",
		"mmm",
	}
	for _, q := range questions {
		for _, tr := range transcripts {
			if m, ok := Classify(tr, q); ok {
				t.Errorf("Classify(%q, %s) = %+v, want no match", tr, q.Type, m)
			}
		}
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	for _, q := range []model.Question{choiceQuestion, spanishChoice, trueFalse} {
		for i, text := range q.OptionTexts() {
			phrasings := []string{text, "opción " + model.OptionLetter(i)}
			for _, p := range phrasings {
				m, ok := Classify(p, q)
				if !ok || m.Index != i {
					t.Errorf("Classify(%q) = %+v ok=%v, want option %d", p, m, ok, i)
				}
				if ok && m.Token != q.AnswerToken(i) {
					t.Errorf("Classify(%q).Token = %q, want %q", p, m.Token, q.AnswerToken(i))
				}
			}
		}
	}
}

func TestApplyIsolatesRules(t *testing.T) {
	tests := []struct {
		rule       Rule
		transcript string
		q          model.Question
		wantOK     bool
		wantIndex  int
	}{
		{RuleBooleanKeyword, "verdadero", choiceQuestion, false, 0},
		{RuleBooleanKeyword, "incorrecto", trueFalse, true, 1},
		{RuleLetterName, "opcion be", choiceQuestion, false, 0},
		{RuleIsolatedLetter, "la respuesta es la b", choiceQuestion, true, 1},
		{RuleIsolatedLetter, "la respuesta es la z", choiceQuestion, false, 0},
		{RuleIsolatedLetter, "voy a ver", spanishChoice, false, 0},
		{RuleChoiceLetter, "letra de", spanishChoice, true, 3},
		{RuleChoiceLetter, "el contrato de venta", spanishChoice, false, 0},
		{RuleChoiceLetter, "letra jota", spanishChoice, false, 0},
		{RuleTrailingLetter, "es la ce", spanishChoice, true, 2},
		{RuleTrailingLetter, "pienso que es la ce", spanishChoice, false, 0},
		{RuleContentOverlap, "absoluta nulidad", spanishChoice, true, 0},
		{RuleContentOverlap, "del contrato", spanishChoice, false, 0},
	}
	for _, tt := range tests {
		m, ok := Apply(tt.rule, tt.transcript, tt.q)
		if ok != tt.wantOK {
			t.Errorf("Apply(%v, %q) ok = %v, want %v", tt.rule, tt.transcript, ok, tt.wantOK)
			continue
		}
		if ok && m.Index != tt.wantIndex {
			t.Errorf("Apply(%v, %q) index = %d, want %d", tt.rule, tt.transcript, m.Index, tt.wantIndex)
		}
	}
}

func TestContentOverlapTieTakesFirstOption(t *testing.T) {
	q := model.Question{
		Type:    model.QuestionMultipleChoice,
		Options: []string{"Acción reivindicatoria", "Acción posesoria"},
	}
	m, ok := Apply(RuleContentOverlap, "accion reivindicatoria posesoria", q)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Index != 0 {
		t.Errorf("index = %d, want 0", m.Index)
	}
}

func TestAnswersMatch(t *testing.T) {
	tests := []struct {
		user, expected string
		typ            model.QuestionType
		want           bool
	}{
		{"B", "b", model.QuestionMultipleChoice, true},
		{"A", "B", model.QuestionMultipleChoice, false},
		{"V", "verdadero", model.QuestionTrueFalse, true},
		{"F", "true", model.QuestionTrueFalse, false},
		{"falso", "b", model.QuestionTrueFalse, true},
		{"", "", model.QuestionMultipleChoice, false},
	}
	for _, tt := range tests {
		if got := AnswersMatch(tt.user, tt.expected, tt.typ); got != tt.want {
			t.Errorf("AnswersMatch(%q, %q) = %v, want %v", tt.user, tt.expected, got, tt.want)
		}
	}
}
