package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		area TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		expected_answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_questions_area ON questions(area, topic);

	CREATE TABLE IF NOT EXISTS oral_tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		area TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		correct INTEGER NOT NULL DEFAULT 0,
		incorrect INTEGER NOT NULL DEFAULT 0,
		unanswered INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		percentage INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS oral_evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		raw_transcript TEXT NOT NULL DEFAULT '',
		detected_option TEXT,
		normalized_answer TEXT,
		is_correct INTEGER NOT NULL DEFAULT 0,
		expected_answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		response_ms INTEGER NOT NULL DEFAULT 0,
		UNIQUE (test_id, position),
		FOREIGN KEY (test_id) REFERENCES oral_tests(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const questionColumns = `id, area, topic, type, text, options, expected_answer, explanation`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r rowScanner) (model.Question, error) {
	var q model.Question
	var options string
	if err := r.Scan(&q.ID, &q.Area, &q.Topic, &q.Type, &q.Text, &options, &q.ExpectedAnswer, &q.Explanation); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %d: %w", q.ID, err)
	}
	return q, nil
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	if q.Options == nil {
		q.Options = []string{}
	}
	options, err := json.Marshal(q.Options)
	if err != nil {
		return 0, fmt.Errorf("encode options: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO questions (area, topic, type, text, options, expected_answer, explanation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.Area, q.Topic, q.Type, q.Text, string(options), q.ExpectedAnswer, q.Explanation,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListQuestions returns all questions.
func (s *Store) ListQuestions() ([]model.Question, error) {
	return s.ListQuestionsFiltered("", "")
}

// ListQuestionsFiltered returns questions matching the given filters in
// insertion order. Empty values mean no filtering on that field.
func (s *Store) ListQuestionsFiltered(area model.Area, topic string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE 1=1`
	var args []any
	if area != "" {
		query += ` AND area = ?`
		args = append(args, area)
	}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	return scanQuestion(s.db.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
}

// QuestionCount returns the number of questions in area, or in every area
// when area is empty.
func (s *Store) QuestionCount(area model.Area) (int, error) {
	var count int
	var err error
	if area == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM questions WHERE area = ?`, area).Scan(&count)
	}
	return count, err
}

// Topics returns the distinct topics of area in alphabetical order.
func (s *Store) Topics(area model.Area) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT topic FROM questions WHERE area = ? AND topic != '' ORDER BY topic`, area)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}
