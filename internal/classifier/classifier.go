// Package classifier maps a spoken answer transcript to one of a question's
// options with an ordered list of heuristic rules.
package classifier

import (
	"strings"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

// Rule tags one step of the cascade.
type Rule int

const (
	RuleNone Rule = iota
	RuleBooleanKeyword
	RuleLetterName
	RuleIsolatedLetter
	RuleChoiceLetter
	RuleTrailingLetter
	RuleContentOverlap
)

func (r Rule) String() string {
	switch r {
	case RuleBooleanKeyword:
		return "boolean_keyword"
	case RuleLetterName:
		return "letter_name"
	case RuleIsolatedLetter:
		return "isolated_letter"
	case RuleChoiceLetter:
		return "choice_letter"
	case RuleTrailingLetter:
		return "trailing_letter"
	case RuleContentOverlap:
		return "content_overlap"
	}
	return "none"
}

// Match is a successful classification.
type Match struct {
	Index      int
	OptionText string
	Token      string
	Rule       Rule
}

type input struct {
	q       model.Question
	tokens  []string
	options []string
	// clauses marks the tokens that open a clause in the raw transcript.
	clauses map[int]bool
}

type rule struct {
	tag   Rule
	only  model.QuestionType
	match func(in *input) (int, bool)
}

// cascade is evaluated top to bottom; the first rule that matches wins.
var cascade = []rule{
	{RuleBooleanKeyword, model.QuestionTrueFalse, matchBooleanKeyword},
	{RuleLetterName, model.QuestionTrueFalse, matchTrueFalseLetter},
	{RuleIsolatedLetter, "", matchIsolatedLetter},
	{RuleChoiceLetter, model.QuestionMultipleChoice, matchChoiceLetter},
	{RuleTrailingLetter, "", matchTrailingLetter},
	{RuleContentOverlap, "", matchContentOverlap},
}

// Rules returns the cascade order.
func Rules() []Rule {
	out := make([]Rule, len(cascade))
	for i, r := range cascade {
		out[i] = r.tag
	}
	return out
}

// Classify runs the cascade over transcript. It returns false when no rule
// matches, which callers must treat as a recognition failure rather than a
// wrong answer.
func Classify(transcript string, q model.Question) (Match, bool) {
	in := newInput(transcript, q)
	if in == nil {
		return Match{}, false
	}
	for _, r := range cascade {
		if m, ok := in.apply(r); ok {
			return m, true
		}
	}
	return Match{}, false
}

// Apply runs a single rule in isolation.
func Apply(tag Rule, transcript string, q model.Question) (Match, bool) {
	in := newInput(transcript, q)
	if in == nil {
		return Match{}, false
	}
	for _, r := range cascade {
		if r.tag == tag {
			return in.apply(r)
		}
	}
	return Match{}, false
}

// AnswersMatch compares two answer tokens, accepting the usual spellings of
// true and false for true/false questions.
func AnswersMatch(user, expected string, t model.QuestionType) bool {
	u := model.NormalizeExpected(user, t)
	return u != "" && u == model.NormalizeExpected(expected, t)
}

func newInput(transcript string, q model.Question) *input {
	tokens, clauses := clauseTokens(transcript)
	options := q.OptionTexts()
	if len(tokens) == 0 || len(options) == 0 {
		return nil
	}
	return &input{q: q, tokens: tokens, options: options, clauses: clauses}
}

// clauseTokens normalizes transcript one clause at a time. The token
// sequence equals Tokens(Normalize(transcript)).
func clauseTokens(transcript string) ([]string, map[int]bool) {
	var tokens []string
	clauses := make(map[int]bool)
	for _, part := range strings.FieldsFunc(transcript, isClauseBreak) {
		clauses[len(tokens)] = true
		tokens = append(tokens, Tokens(Normalize(part))...)
	}
	return tokens, clauses
}

func isClauseBreak(r rune) bool {
	return strings.ContainsRune(",;:.!?¡¿", r)
}

func (in *input) apply(r rule) (Match, bool) {
	if r.only != "" && r.only != in.q.Type {
		return Match{}, false
	}
	idx, ok := r.match(in)
	if !ok || idx < 0 || idx >= len(in.options) {
		return Match{}, false
	}
	return Match{
		Index:      idx,
		OptionText: in.options[idx],
		Token:      in.q.AnswerToken(idx),
		Rule:       r.tag,
	}, true
}

const (
	trueIndex  = 0
	falseIndex = 1
)

var (
	affirmativeWords = set("verdadero", "verdadera", "cierto", "cierta", "correcto", "correcta",
		"afirmativo", "true", "correct", "affirmative")
	negativeWords = set("falso", "falsa", "incorrecto", "incorrecta", "negativo",
		"false", "incorrect", "wrong", "negative")
	negators   = set("no", "not")
	copulas    = set("es", "era", "sea", "is", "was")
	letterTags = set("letra", "opcion", "alternativa", "respuesta", "letter", "option", "answer")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// negated reports a negator right before token i, or before a copula that
// precedes it, within the same clause: "no es verdadero" but not
// "no, es verdadero".
func (in *input) negated(i int) bool {
	if i < 1 || in.clauses[i] {
		return false
	}
	if negators[in.tokens[i-1]] {
		return true
	}
	return i >= 2 && !in.clauses[i-1] && copulas[in.tokens[i-1]] && negators[in.tokens[i-2]]
}

// matchBooleanKeyword looks for explicit true/false vocabulary, honouring a
// preceding negation ("no es verdadero"). Bare "si"/"yes"/"no" only count
// when no explicit keyword is present.
func matchBooleanKeyword(in *input) (int, bool) {
	for i, tok := range in.tokens {
		var v int
		switch {
		case affirmativeWords[tok]:
			v = trueIndex
		case negativeWords[tok]:
			v = falseIndex
		default:
			continue
		}
		if in.negated(i) {
			v = 1 - v
		}
		return v, true
	}
	for _, tok := range in.tokens {
		switch tok {
		case "si", "yes", "yeah":
			return trueIndex, true
		case "no", "nope":
			return falseIndex, true
		}
	}
	return 0, false
}

// spoken names of option letters. Ambiguous names are also everyday words
// and only count after a tag such as "letra" or at the end of a short
// utterance.
type letterName struct {
	index     int
	ambiguous bool
}

var letterNames = map[string]letterName{
	"a": {0, true}, "ah": {0, true},
	"b": {1, false}, "be": {1, false}, "bee": {1, false},
	"c": {2, false}, "ce": {2, false}, "cee": {2, false}, "se": {2, true}, "see": {2, true},
	"d": {3, false}, "de": {3, true}, "dee": {3, false},
	"e": {4, true}, "eh": {4, true},
	"f": {5, false}, "efe": {5, false}, "ef": {5, false},
	"g": {6, false}, "ge": {6, false}, "gee": {6, false}, "je": {6, false},
	"h": {7, false}, "hache": {7, false}, "aitch": {7, false},
	"i": {8, true},
	"j": {9, false}, "jota": {9, false}, "jay": {9, false},
}

// tagged returns the letter named right after a tag word, e.g. "letra be".
func (in *input) tagged(limit int) (int, bool) {
	for i := 0; i+1 < len(in.tokens); i++ {
		if !letterTags[in.tokens[i]] {
			continue
		}
		if ln, ok := letterNames[in.tokens[i+1]]; ok && ln.index < limit {
			return ln.index, true
		}
	}
	return 0, false
}

// matchTrueFalseLetter reads A as true and B as false.
func matchTrueFalseLetter(in *input) (int, bool) {
	if idx, ok := in.tagged(2); ok {
		return idx, true
	}
	if len(in.tokens) == 1 {
		if ln, ok := letterNames[in.tokens[0]]; ok && ln.index < 2 {
			return ln.index, true
		}
	}
	return 0, false
}

// trueFalseLetters are the single-letter tokens accepted for true/false,
// including the elided initials of verdadero and falso.
var trueFalseLetters = map[string]int{"v": trueIndex, "f": falseIndex, "a": trueIndex, "b": falseIndex}

// matchIsolatedLetter takes the last token that is exactly one letter. For
// multiple choice, letters that are also Spanish words ("a", "e", "i") are
// left to the tagged and trailing rules.
func matchIsolatedLetter(in *input) (int, bool) {
	for i := len(in.tokens) - 1; i >= 0; i-- {
		tok := in.tokens[i]
		if len(tok) != 1 {
			continue
		}
		if in.q.Type == model.QuestionTrueFalse {
			if idx, ok := trueFalseLetters[tok]; ok {
				return idx, true
			}
			continue
		}
		if letterNames[tok].ambiguous {
			continue
		}
		if idx := int(tok[0]) - 'a'; tok[0] >= 'a' && tok[0] <= 'z' && idx < len(in.options) {
			return idx, true
		}
	}
	return 0, false
}

// matchChoiceLetter finds a spoken letter name among the available options.
func matchChoiceLetter(in *input) (int, bool) {
	if idx, ok := in.tagged(len(in.options)); ok {
		return idx, true
	}
	for _, tok := range in.tokens {
		if ln, ok := letterNames[tok]; ok && !ln.ambiguous && ln.index < len(in.options) {
			return ln.index, true
		}
	}
	return 0, false
}

// matchTrailingLetter inspects only the final token of utterances with at
// most three words.
func matchTrailingLetter(in *input) (int, bool) {
	if len(in.tokens) > 3 {
		return 0, false
	}
	last := in.tokens[len(in.tokens)-1]
	if in.q.Type == model.QuestionTrueFalse {
		if idx, ok := trueFalseLetters[last]; ok {
			return idx, true
		}
	}
	if ln, ok := letterNames[last]; ok && ln.index < len(in.options) {
		return ln.index, true
	}
	return 0, false
}

// minContentLen drops short tokens (articles, prepositions) from options.
const minContentLen = 4

// matchContentOverlap selects the first option that shares at least two
// content words with the transcript, or more than half of its content words.
func matchContentOverlap(in *input) (int, bool) {
	heard := make(map[string]bool, len(in.tokens))
	for _, t := range in.tokens {
		heard[t] = true
	}
	for i, opt := range in.options {
		content := contentTokens(opt)
		if len(content) == 0 {
			continue
		}
		hits := 0
		for _, t := range content {
			if heard[t] {
				hits++
			}
		}
		if hits >= 2 || hits*2 > len(content) {
			return i, true
		}
	}
	return 0, false
}

func contentTokens(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokens(Normalize(s)) {
		if len([]rune(t)) < minContentLen || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
