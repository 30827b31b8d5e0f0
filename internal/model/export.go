package model

import "time"

// TestExport is the top-level JSON structure for oral test export.
type TestExport struct {
	ExportedAt time.Time    `json:"exported_at"`
	Area       Area         `json:"area,omitempty"`
	Results    []TestResult `json:"results"`
}

// TestResult holds one completed oral test for export.
type TestResult struct {
	TestID      int64            `json:"test_id"`
	Area        Area             `json:"area"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Correct     int              `json:"correct"`
	Incorrect   int              `json:"incorrect"`
	Unanswered  int              `json:"unanswered"`
	Total       int              `json:"total"`
	Percentage  int              `json:"percentage"`
	Questions   []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Position         int     `json:"position"`
	Text             string  `json:"text"`
	Topic            string  `json:"topic"`
	Type             string  `json:"type"`
	Transcript       string  `json:"transcript"`
	DetectedOption   *string `json:"detected_option"`
	NormalizedAnswer *string `json:"normalized_answer"`
	ExpectedAnswer   string  `json:"expected_answer"`
	IsCorrect        bool    `json:"is_correct"`
	Explanation      string  `json:"explanation"`
	ResponseMillis   int64   `json:"response_ms"`
}
