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

const reservationFields = "id, defect_record_id, inventory_item_id, reserved_at, released_at"

type ReservationRepositoryInterface interface {
	FindActiveByItem(ctx context.Context, q Querier, inventoryItemID uint64) (*entities.InventoryReservation, error)
	FindActiveByDefect(ctx context.Context, q Querier, defectRecordID uint64) (*entities.InventoryReservation, error)
	CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, inventoryItemID uint64) (*entities.InventoryReservation, error)
	ReleaseInTx(ctx context.Context, tx pgx.Tx, reservationID uint64) error
	ReleaseAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error
	IsAvailable(ctx context.Context, inventoryItemID uint64) (bool, error)
}

// ReservationRepository — журнал броней складских позиций.
// Эксклюзивность держится на частичном уникальном индексе по
// inventory_item_id при released_at IS NULL; проверки перед вставкой
// дают внятную ошибку, индекс закрывает гонку.
type ReservationRepository struct {
	storage *pgxpool.Pool
}

func NewReservationRepository(storage *pgxpool.Pool) ReservationRepositoryInterface {
	return &ReservationRepository{storage: storage}
}

func scanReservation(row pgx.Row) (*entities.InventoryReservation, error) {
	var res entities.InventoryReservation
	err := row.Scan(&res.ID, &res.DefectRecordID, &res.InventoryItemID, &res.ReservedAt, &res.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования брони: %w", err)
	}
	return &res, nil
}

// q == nil означает чтение вне транзакции, через пул.
func (r *ReservationRepository) FindActiveByItem(ctx context.Context, q Querier, inventoryItemID uint64) (*entities.InventoryReservation, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`SELECT %s FROM inventory_reservations WHERE inventory_item_id = $1 AND released_at IS NULL`, reservationFields)
	return scanReservation(q.QueryRow(ctx, query, inventoryItemID))
}

func (r *ReservationRepository) FindActiveByDefect(ctx context.Context, q Querier, defectRecordID uint64) (*entities.InventoryReservation, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`SELECT %s FROM inventory_reservations WHERE defect_record_id = $1 AND released_at IS NULL`, reservationFields)
	return scanReservation(q.QueryRow(ctx, query, defectRecordID))
}

func (r *ReservationRepository) CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, inventoryItemID uint64) (*entities.InventoryReservation, error) {
	existing, err := r.FindActiveByItem(ctx, tx, inventoryItemID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, &apperrors.InventoryConflictError{
			InventoryItemID:   inventoryItemID,
			CompetingDefectID: existing.DefectRecordID,
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO inventory_reservations (defect_record_id, inventory_item_id)
		VALUES ($1, $2)
		RETURNING %s`, reservationFields)

	res, err := scanReservation(tx.QueryRow(ctx, query, defectRecordID, inventoryItemID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &apperrors.InventoryConflictError{InventoryItemID: inventoryItemID}
		}
		return nil, err
	}
	return res, nil
}

// ReleaseInTx снимает бронь. Повторное снятие — no-op.
func (r *ReservationRepository) ReleaseInTx(ctx context.Context, tx pgx.Tx, reservationID uint64) error {
	query := `UPDATE inventory_reservations SET released_at = NOW() WHERE id = $1 AND released_at IS NULL`
	if _, err := tx.Exec(ctx, query, reservationID); err != nil {
		return fmt.Errorf("ошибка снятия брони %d: %w", reservationID, err)
	}
	return nil
}

func (r *ReservationRepository) ReleaseAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error {
	query := `UPDATE inventory_reservations SET released_at = NOW() WHERE defect_record_id = $1 AND released_at IS NULL`
	if _, err := tx.Exec(ctx, query, defectRecordID); err != nil {
		return fmt.Errorf("ошибка снятия броней записи %d: %w", defectRecordID, err)
	}
	return nil
}

func (r *ReservationRepository) IsAvailable(ctx context.Context, inventoryItemID uint64) (bool, error) {
	_, err := r.FindActiveByItem(ctx, nil, inventoryItemID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
