package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

const oralTestColumns = `id, area, status, started_at, completed_at, correct, incorrect, unanswered, total, percentage`

func scanOralTest(r rowScanner) (model.OralTest, error) {
	var t model.OralTest
	err := r.Scan(&t.ID, &t.Area, &t.Status, &t.StartedAt, &t.CompletedAt,
		&t.Correct, &t.Incorrect, &t.Unanswered, &t.Total, &t.Percentage)
	return t, err
}

// CreateOralTest records the start of an oral test.
func (s *Store) CreateOralTest(area model.Area, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO oral_tests (area, status, started_at) VALUES (?, ?, ?)`,
		area, model.TestInProgress, startedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompleteOralTest stores the final counts and every evaluation of a test in
// one transaction. Evaluations already stored for a position are replaced.
func (s *Store) CompleteOralTest(id int64, c model.Completion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE oral_tests
		 SET status = ?, completed_at = ?, correct = ?, incorrect = ?, unanswered = ?, total = ?, percentage = ?
		 WHERE id = ?`,
		model.TestCompleted, c.CompletedAt, c.Correct, c.Incorrect, c.Unanswered, c.Total, c.Percentage, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("oral test %d: %w", id, sql.ErrNoRows)
	}

	for _, ev := range c.Evaluations {
		_, err := tx.Exec(
			`INSERT INTO oral_evaluations
			 (test_id, position, question_id, raw_transcript, detected_option, normalized_answer,
			  is_correct, expected_answer, explanation, response_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(test_id, position) DO UPDATE SET
			  question_id = excluded.question_id,
			  raw_transcript = excluded.raw_transcript,
			  detected_option = excluded.detected_option,
			  normalized_answer = excluded.normalized_answer,
			  is_correct = excluded.is_correct,
			  expected_answer = excluded.expected_answer,
			  explanation = excluded.explanation,
			  response_ms = excluded.response_ms`,
			id, ev.Position, ev.QuestionID, ev.RawTranscript, ev.DetectedOptionText, ev.NormalizedAnswer,
			ev.IsCorrect, ev.ExpectedAnswer, ev.Explanation, ev.ResponseTime.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("store evaluation %d: %w", ev.Position, err)
		}
	}
	return tx.Commit()
}

// GetOralTest returns a test by ID, or nil if it does not exist.
func (s *Store) GetOralTest(id int64) (*model.OralTest, error) {
	t, err := scanOralTest(s.db.QueryRow(`SELECT `+oralTestColumns+` FROM oral_tests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOralTests returns tests newest first. Empty area or status means no
// filtering on that field.
func (s *Store) ListOralTests(area model.Area, status model.TestStatus) ([]model.OralTest, error) {
	query := `SELECT ` + oralTestColumns + ` FROM oral_tests WHERE 1=1`
	var args []any
	if area != "" {
		query += ` AND area = ?`
		args = append(args, area)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tests []model.OralTest
	for rows.Next() {
		t, err := scanOralTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// GetEvaluations returns the evaluations of a test ordered by position.
func (s *Store) GetEvaluations(testID int64) ([]model.AnswerEvaluation, error) {
	rows, err := s.db.Query(
		`SELECT question_id, position, raw_transcript, detected_option, normalized_answer,
		        is_correct, expected_answer, explanation, response_ms
		 FROM oral_evaluations WHERE test_id = ? ORDER BY position`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evs []model.AnswerEvaluation
	for rows.Next() {
		var ev model.AnswerEvaluation
		var detected, normalized sql.NullString
		var ms int64
		if err := rows.Scan(&ev.QuestionID, &ev.Position, &ev.RawTranscript, &detected, &normalized,
			&ev.IsCorrect, &ev.ExpectedAnswer, &ev.Explanation, &ms); err != nil {
			return nil, err
		}
		if detected.Valid {
			ev.DetectedOptionText = &detected.String
		}
		if normalized.Valid {
			ev.NormalizedAnswer = &normalized.String
		}
		ev.ResponseTime = time.Duration(ms) * time.Millisecond
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
