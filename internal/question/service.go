package question

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
)

// Bank is the question bank collaborator. The lobby layer consumes it at
// lobby creation (to validate question ids) and at answer submission (to
// validate the answer index and compute correctness); it never writes.
type Bank interface {
	Question(ctx context.Context, questionID string) (*domain.Question, error)
	Questions(ctx context.Context, questionIDs []string) ([]domain.Question, error)
}

type Config struct {
	DB *pgxpool.Pool
}

// Service is the Postgres-backed question bank.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

func (s *Service) Question(ctx context.Context, questionID string) (*domain.Question, error) {
	const stmt = `
SELECT question_id, question_text, options, correct_index, category, explanation, COALESCE(media_ref, '')
FROM questions
WHERE question_id = $1;`

	var q domain.Question
	err := s.db.QueryRow(ctx, stmt, questionID).Scan(
		&q.QuestionID, &q.QuestionText, &q.Options, &q.CorrectIndex, &q.Category, &q.Explanation, &q.MediaRef,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", questionID))
	}
	if err != nil {
		return nil, err
	}

	return &q, nil
}

func (s *Service) Questions(ctx context.Context, questionIDs []string) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, question_text, options, correct_index, category, explanation, COALESCE(media_ref, '')
FROM questions
WHERE question_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, questionIDs)
	if err != nil {
		return nil, err
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		if err := r.Scan(&q.QuestionID, &q.QuestionText, &q.Options, &q.CorrectIndex, &q.Category, &q.Explanation, &q.MediaRef); err != nil {
			return domain.Question{}, err
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}

	if len(qs) != len(questionIDs) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question bank: %d of %d questions found", len(qs), len(questionIDs)))
	}

	return qs, nil
}
