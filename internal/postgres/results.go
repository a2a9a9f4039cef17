package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// ErrResultNotFound is returned when no result of the requested type exists.
var ErrResultNotFound = errors.New("processing result not found")

// ResultRepository stores the artifacts produced by stage handlers.
type ResultRepository interface {
	Create(ctx context.Context, res *domain.ProcessingResult) error
	ListByTask(ctx context.Context, taskID int64) ([]*domain.ProcessingResult, error)
	Latest(ctx context.Context, taskID int64, resultType domain.ResultType) (*domain.ProcessingResult, error)
}

type resultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository returns a Postgres-backed ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) ResultRepository {
	return &resultRepository{pool: pool}
}

const resultColumns = `id, task_id, task_file_id, result_type, result_data, COALESCE(result_path, ''),
	file_size, duration, metadata, created_at`

func (r *resultRepository) Create(ctx context.Context, res *domain.ProcessingResult) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO processing_results
			(task_id, task_file_id, result_type, result_data, result_path, file_size, duration, metadata)
		VALUES
			($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING id, created_at
	`,
		res.TaskID, res.TaskFileID, string(res.ResultType), nullJSON(res.ResultData),
		res.ResultPath, res.FileSize, res.Duration, nullJSON(res.Metadata),
	).Scan(&res.ID, &res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s result for task %d: %w", res.ResultType, res.TaskID, err)
	}
	return nil
}

func (r *resultRepository) ListByTask(ctx context.Context, taskID int64) ([]*domain.ProcessingResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM processing_results WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []*domain.ProcessingResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Latest returns the most recently inserted result of resultType.
func (r *resultRepository) Latest(ctx context.Context, taskID int64, resultType domain.ResultType) (*domain.ProcessingResult, error) {
	res, err := scanResult(r.pool.QueryRow(ctx, `
		SELECT `+resultColumns+`
		FROM processing_results
		WHERE task_id = $1 AND result_type = $2
		ORDER BY id DESC
		LIMIT 1
	`, taskID, string(resultType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	return res, err
}

func scanResult(row pgx.Row) (*domain.ProcessingResult, error) {
	var res domain.ProcessingResult
	var resultType string
	err := row.Scan(&res.ID, &res.TaskID, &res.TaskFileID, &resultType, &res.ResultData,
		&res.ResultPath, &res.FileSize, &res.Duration, &res.Metadata, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan result: %w", err)
	}
	res.ResultType = domain.ResultType(resultType)
	return &res, nil
}
