package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"repair-system/internal/entities"
	apperrors "repair-system/pkg/errors"
)

const assignmentFields = "id, defect_record_id, substitute_server_id, issued_at, returned_at"

type SubstituteRepositoryInterface interface {
	FindActiveByServer(ctx context.Context, q Querier, serverID uint64) (*entities.SubstituteAssignment, error)
	FindActiveByDefect(ctx context.Context, q Querier, defectRecordID uint64) (*entities.SubstituteAssignment, error)
	HasOpenDefect(ctx context.Context, q Querier, serverID uint64) (bool, error)
	CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, substituteServerID uint64) (*entities.SubstituteAssignment, error)
	ReturnInTx(ctx context.Context, tx pgx.Tx, assignmentID uint64) error
	ReturnAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error
	IsAvailable(ctx context.Context, serverID uint64) (bool, error)
}

// SubstituteRepository — учёт выдач подменных серверов. Сервер не выдаётся,
// если он уже подменный в другой активной выдаче или сам в ремонте.
type SubstituteRepository struct {
	storage *pgxpool.Pool
}

func NewSubstituteRepository(storage *pgxpool.Pool) SubstituteRepositoryInterface {
	return &SubstituteRepository{storage: storage}
}

func scanAssignment(row pgx.Row) (*entities.SubstituteAssignment, error) {
	var a entities.SubstituteAssignment
	err := row.Scan(&a.ID, &a.DefectRecordID, &a.SubstituteServerID, &a.IssuedAt, &a.ReturnedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования выдачи: %w", err)
	}
	return &a, nil
}

// q == nil означает чтение вне транзакции, через пул.
func (r *SubstituteRepository) FindActiveByServer(ctx context.Context, q Querier, serverID uint64) (*entities.SubstituteAssignment, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`SELECT %s FROM substitute_assignments WHERE substitute_server_id = $1 AND returned_at IS NULL`, assignmentFields)
	return scanAssignment(q.QueryRow(ctx, query, serverID))
}

func (r *SubstituteRepository) FindActiveByDefect(ctx context.Context, q Querier, defectRecordID uint64) (*entities.SubstituteAssignment, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`SELECT %s FROM substitute_assignments WHERE defect_record_id = $1 AND returned_at IS NULL`, assignmentFields)
	return scanAssignment(q.QueryRow(ctx, query, defectRecordID))
}

func (r *SubstituteRepository) HasOpenDefect(ctx context.Context, q Querier, serverID uint64) (bool, error) {
	if q == nil {
		q = r.storage
	}
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM defect_records
		WHERE server_id = $1 AND status NOT IN ('RESOLVED', 'REPEATED', 'CLOSED'))`
	if err := q.QueryRow(ctx, query, serverID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки открытых дефектов сервера %d: %w", serverID, err)
	}
	return exists, nil
}

func (r *SubstituteRepository) CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, substituteServerID uint64) (*entities.SubstituteAssignment, error) {
	existing, err := r.FindActiveByServer(ctx, tx, substituteServerID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, &apperrors.SubstituteUnavailableError{
			ServerID: substituteServerID,
			Reason:   fmt.Sprintf("уже выдан как подменный по записи %d", existing.DefectRecordID),
		}
	}

	underRepair, err := r.HasOpenDefect(ctx, tx, substituteServerID)
	if err != nil {
		return nil, err
	}
	if underRepair {
		return nil, &apperrors.SubstituteUnavailableError{
			ServerID: substituteServerID,
			Reason:   "сервер сам находится в ремонте",
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO substitute_assignments (defect_record_id, substitute_server_id)
		VALUES ($1, $2)
		RETURNING %s`, assignmentFields)

	a, err := scanAssignment(tx.QueryRow(ctx, query, defectRecordID, substituteServerID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &apperrors.SubstituteUnavailableError{
				ServerID: substituteServerID,
				Reason:   "уже выдан как подменный",
			}
		}
		return nil, err
	}
	return a, nil
}

// ReturnInTx закрывает выдачу. Повторный возврат — no-op.
func (r *SubstituteRepository) ReturnInTx(ctx context.Context, tx pgx.Tx, assignmentID uint64) error {
	query := `UPDATE substitute_assignments SET returned_at = NOW() WHERE id = $1 AND returned_at IS NULL`
	if _, err := tx.Exec(ctx, query, assignmentID); err != nil {
		return fmt.Errorf("ошибка возврата подменного сервера по выдаче %d: %w", assignmentID, err)
	}
	return nil
}

func (r *SubstituteRepository) ReturnAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error {
	query := `UPDATE substitute_assignments SET returned_at = NOW() WHERE defect_record_id = $1 AND returned_at IS NULL`
	if _, err := tx.Exec(ctx, query, defectRecordID); err != nil {
		return fmt.Errorf("ошибка возврата подменных серверов записи %d: %w", defectRecordID, err)
	}
	return nil
}

func (r *SubstituteRepository) IsAvailable(ctx context.Context, serverID uint64) (bool, error) {
	_, err := r.FindActiveByServer(ctx, nil, serverID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}

	underRepair, err := r.HasOpenDefect(ctx, nil, serverID)
	if err != nil {
		return false, err
	}
	return !underRepair, nil
}
