package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
)

// GetImportedFileHash returns the content hash recorded for a question bank
// file. Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the content hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?, imported_at = ?`,
		path, hash, time.Now(), hash, time.Now(),
	)
	return err
}

// ErrImportChanged is returned when a file was imported before with other
// content. Re-importing would orphan the questions referenced by stored
// evaluations, so the file is left alone.
var ErrImportChanged = errors.New("questions file changed since last import")

// ImportQuestions inserts qs and records the file hash in one transaction.
// It returns the number of inserted questions, or 0 when the file was
// already imported with the same hash.
func (s *Store) ImportQuestions(path, hash string, qs []model.QuestionImport) (int, error) {
	prev, err := s.GetImportedFileHash(path)
	if err != nil {
		return 0, fmt.Errorf("read import record: %w", err)
	}
	if prev == hash {
		return 0, nil
	}
	if prev != "" {
		return 0, ErrImportChanged
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for i, qi := range qs {
		q := qi.Question()
		options := "[]"
		if len(q.Options) > 0 {
			b, err := json.Marshal(q.Options)
			if err != nil {
				return 0, fmt.Errorf("question %d: encode options: %w", i+1, err)
			}
			options = string(b)
		}
		_, err := tx.Exec(
			`INSERT INTO questions (area, topic, type, text, options, expected_answer, explanation)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.Area, q.Topic, q.Type, q.Text, options, q.ExpectedAnswer, q.Explanation,
		)
		if err != nil {
			return 0, fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	now := time.Now()
	if _, err := tx.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?, imported_at = ?`,
		path, hash, now, hash, now,
	); err != nil {
		return 0, fmt.Errorf("record import: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(qs), nil
}
