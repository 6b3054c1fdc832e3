package history

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service appends immutable per-participant result records when a lobby
// finishes, and serves them for result reads. Records are keyed by
// (lobby id, participant) and written exactly once.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// Append persists one result record. A duplicate (lobby, participant) pair is
// treated as already-written and ignored, so finish paths are idempotent.
func (s *Service) Append(ctx context.Context, r domain.Result) error {
	const stmt = `
INSERT INTO lobby_results (lobby_id, participant, correct, answered, total, accuracy, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	accuracy := decimal.Zero
	if r.Answered > 0 {
		accuracy = decimal.NewFromInt(int64(r.Correct)).
			Div(decimal.NewFromInt(int64(r.Answered))).
			Round(4)
	}

	_, err := s.db.Exec(ctx, stmt, r.LobbyID, r.Participant, r.Correct, r.Answered, r.Total, accuracy, r.FinishedAt)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil
	}

	return err
}

type ListResultsRequest struct {
	LobbyID string
}

// ListResults returns the persisted results of a finished lobby, best first.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]domain.Result, error) {
	const stmt = `
SELECT lobby_id, participant, correct, answered, total, finished_at
FROM lobby_results
WHERE lobby_id = $1
ORDER BY correct DESC, participant ASC;`

	rows, err := s.db.Query(ctx, stmt, req.LobbyID)
	if err != nil {
		return nil, err
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Result, error) {
		var res domain.Result
		if err := r.Scan(&res.LobbyID, &res.Participant, &res.Correct, &res.Answered, &res.Total, &res.FinishedAt); err != nil {
			return domain.Result{}, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no results for lobby %s", req.LobbyID))
	}

	return results, nil
}
