package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"repair-system/internal/entities"
)

type EventRepositoryInterface interface {
	CreateEventInTx(ctx context.Context, tx pgx.Tx, event *entities.DefectEvent) error
	ListEvents(ctx context.Context, defectRecordID uint64) ([]entities.DefectEvent, error)
}

// EventRepository — журнал переходов, только добавление.
type EventRepository struct {
	storage *pgxpool.Pool
}

func NewEventRepository(storage *pgxpool.Pool) EventRepositoryInterface {
	return &EventRepository{storage: storage}
}

func (r *EventRepository) CreateEventInTx(ctx context.Context, tx pgx.Tx, event *entities.DefectEvent) error {
	query := `
		INSERT INTO defect_events (id, defect_record_id, actor_id, operation, from_status, to_status, comment, is_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.Exec(ctx, query,
		event.ID, event.DefectRecordID, event.ActorID, event.Operation,
		event.FromStatus, event.ToStatus, event.Comment, event.IsOverride,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи события журнала: %w", err)
	}
	return nil
}

func (r *EventRepository) ListEvents(ctx context.Context, defectRecordID uint64) ([]entities.DefectEvent, error) {
	query := `
		SELECT id, defect_record_id, actor_id, operation, from_status, to_status, comment, is_override, created_at
		FROM defect_events
		WHERE defect_record_id = $1
		ORDER BY created_at ASC`

	rows, err := r.storage.Query(ctx, query, defectRecordID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала записи %d: %w", defectRecordID, err)
	}
	defer rows.Close()

	events := make([]entities.DefectEvent, 0)
	for rows.Next() {
		var e entities.DefectEvent
		if err := rows.Scan(&e.ID, &e.DefectRecordID, &e.ActorID, &e.Operation,
			&e.FromStatus, &e.ToStatus, &e.Comment, &e.IsOverride, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
