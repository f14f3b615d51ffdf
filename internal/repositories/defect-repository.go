package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"repair-system/internal/constants"
	"repair-system/internal/dto"
	"repair-system/internal/entities"
	infradb "repair-system/internal/infrastructure/db"
	"repair-system/pkg/config"
	apperrors "repair-system/pkg/errors"
	"repair-system/pkg/types"
)

const (
	defectTable  = "defect_records"
	defectFields = `id, server_id, status, repair_part_type, problem_description, detected_at,
		diagnostician_id, cluster_code, has_acceptance_cert,
		defect_part_serial_vendor, defect_part_serial_manufacturer,
		replacement_part_serial_vendor, replacement_part_serial_manufacturer,
		diagnosis_result, is_repeated_defect, repeated_defect_reason, repeated_defect_date,
		vendor_ticket_number, sent_to_vendor_at, returned_from_vendor_at,
		substitute_server_serial, resolution, resolved_at, notes, created_at, updated_at`
)

type DefectRepositoryInterface interface {
	FindDefect(ctx context.Context, id uint64) (*entities.DefectRecord, error)
	FindDefectForUpdateInTx(ctx context.Context, tx pgx.Tx, id uint64) (*entities.DefectRecord, error)
	FindOpenByServer(ctx context.Context, q Querier, serverID uint64) (*entities.DefectRecord, error)
	CreateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) (uint64, error)
	UpdateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) error
	FindPriorResolved(ctx context.Context, q Querier, serverID uint64, partType string, from, to time.Time) (*entities.DefectRecord, error)
	ListDefects(ctx context.Context, filter types.Filter) ([]entities.DefectRecord, uint64, error)
	GetStats(ctx context.Context, filter types.Filter) (*dto.DefectStatsDTO, error)
}

type DefectRepository struct {
	storage *pgxpool.Pool
	slaCfg  config.SLAConfig
	logger  *zap.Logger
}

func NewDefectRepository(storage *pgxpool.Pool, slaCfg config.SLAConfig, logger *zap.Logger) DefectRepositoryInterface {
	return &DefectRepository{storage: storage, slaCfg: slaCfg, logger: logger}
}

func scanDefect(row pgx.Row) (*entities.DefectRecord, error) {
	var rec entities.DefectRecord
	err := row.Scan(
		&rec.ID, &rec.ServerID, &rec.Status, &rec.RepairPartType, &rec.ProblemDescription, &rec.DetectedAt,
		&rec.DiagnosticianID, &rec.ClusterCode, &rec.HasAcceptanceCert,
		&rec.DefectPartSerialVendor, &rec.DefectPartSerialManufacturer,
		&rec.ReplacementPartSerialVendor, &rec.ReplacementPartSerialManufacturer,
		&rec.DiagnosisResult, &rec.IsRepeatedDefect, &rec.RepeatedDefectReason, &rec.RepeatedDefectDate,
		&rec.VendorTicketNumber, &rec.SentToVendorAt, &rec.ReturnedFromVendorAt,
		&rec.SubstituteServerSerial, &rec.Resolution, &rec.ResolvedAt, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования дефектной записи: %w", err)
	}
	return &rec, nil
}

func (r *DefectRepository) FindDefect(ctx context.Context, id uint64) (*entities.DefectRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, defectFields, defectTable)
	return scanDefect(r.storage.QueryRow(ctx, query, id))
}

// FindDefectForUpdateInTx блокирует строку записи на время транзакции.
// Все мутирующие переходы начинаются с этого вызова, что сериализует
// конкурирующие операции над одной записью.
func (r *DefectRepository) FindDefectForUpdateInTx(ctx context.Context, tx pgx.Tx, id uint64) (*entities.DefectRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, defectFields, defectTable)
	return scanDefect(tx.QueryRow(ctx, query, id))
}

// q == nil означает чтение вне транзакции, через пул.
func (r *DefectRepository) FindOpenByServer(ctx context.Context, q Querier, serverID uint64) (*entities.DefectRecord, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE server_id = $1 AND status NOT IN ('RESOLVED', 'REPEATED', 'CLOSED')`,
		defectFields, defectTable)
	return scanDefect(q.QueryRow(ctx, query, serverID))
}

func (r *DefectRepository) CreateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) (uint64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (server_id, status, problem_description, detected_at,
			diagnostician_id, cluster_code, has_acceptance_cert)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`, defectTable)

	err := tx.QueryRow(ctx, query,
		rec.ServerID, rec.Status, rec.ProblemDescription, rec.DetectedAt,
		rec.DiagnosticianID, rec.ClusterCode, rec.HasAcceptanceCert,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, apperrors.NewInvalidInputError(
				"для сервера %d уже существует открытая дефектная запись", rec.ServerID)
		}
		return 0, fmt.Errorf("ошибка создания дефектной записи: %w", err)
	}
	return rec.ID, nil
}

func (r *DefectRepository) UpdateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2,
			repair_part_type = $3,
			diagnostician_id = $4,
			defect_part_serial_vendor = $5,
			defect_part_serial_manufacturer = $6,
			replacement_part_serial_vendor = $7,
			replacement_part_serial_manufacturer = $8,
			diagnosis_result = $9,
			is_repeated_defect = $10,
			repeated_defect_reason = $11,
			repeated_defect_date = $12,
			vendor_ticket_number = $13,
			sent_to_vendor_at = $14,
			returned_from_vendor_at = $15,
			substitute_server_serial = $16,
			resolution = $17,
			resolved_at = $18,
			notes = $19,
			updated_at = NOW()
		WHERE id = $1`, defectTable)

	tag, err := tx.Exec(ctx, query,
		rec.ID, rec.Status, rec.RepairPartType, rec.DiagnosticianID,
		rec.DefectPartSerialVendor, rec.DefectPartSerialManufacturer,
		rec.ReplacementPartSerialVendor, rec.ReplacementPartSerialManufacturer,
		rec.DiagnosisResult, rec.IsRepeatedDefect, rec.RepeatedDefectReason, rec.RepeatedDefectDate,
		rec.VendorTicketNumber, rec.SentToVendorAt, rec.ReturnedFromVendorAt,
		rec.SubstituteServerSerial, rec.Resolution, rec.ResolvedAt, rec.Notes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.NewInvalidInputError(
				"для сервера %d уже существует открытая дефектная запись", rec.ServerID)
		}
		return fmt.Errorf("ошибка обновления дефектной записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// FindPriorResolved ищет последнюю закрытую запись того же сервера и типа
// компонента, решённую в интервале [from, to]. Нужна анализатору повторности.
func (r *DefectRepository) FindPriorResolved(ctx context.Context, q Querier, serverID uint64, partType string, from, to time.Time) (*entities.DefectRecord, error) {
	if q == nil {
		q = r.storage
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE server_id = $1
		  AND repair_part_type = $2
		  AND resolved_at IS NOT NULL
		  AND resolved_at >= $3 AND resolved_at <= $4
		ORDER BY resolved_at DESC
		LIMIT 1`, defectFields, defectTable)
	return scanDefect(q.QueryRow(ctx, query, serverID, partType, from, to))
}

func defectColumns() []string {
	cols := strings.Split(defectFields, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

var defectFilterColumns = map[string]string{
	"server_id":          "server_id",
	"status":             "status",
	"repair_part_type":   "repair_part_type",
	"diagnostician_id":   "diagnostician_id",
	"is_repeated_defect": "is_repeated_defect",
	"cluster_code":       "cluster_code",
	"detected_at":        "detected_at",
	"created_at":         "created_at",
	"resolved_at":        "resolved_at",
}

// slaBreachedExpr строит SQL-условие просрочки SLA: дедлайн зависит от типа
// компонента, финальные статусы просроченными не считаются.
func (r *DefectRepository) slaBreachedExpr() string {
	var cases strings.Builder
	for _, part := range constants.PartTypes {
		window, ok := r.slaCfg.Windows[part]
		if !ok {
			window = r.slaCfg.DefaultWindow
		}
		fmt.Fprintf(&cases, " WHEN '%s' THEN %d", part, int64(window.Seconds()))
	}
	return fmt.Sprintf(
		`(detected_at + make_interval(secs => CASE repair_part_type%s ELSE %d END) < NOW()
		  AND status NOT IN ('RESOLVED', 'REPEATED', 'CLOSED'))`,
		cases.String(), int64(r.slaCfg.DefaultWindow.Seconds()))
}

func (r *DefectRepository) applyDefectFilters(builder sq.SelectBuilder, filter types.Filter) sq.SelectBuilder {
	// Спецключи фильтра обрабатываются здесь; общий механизм их не знает
	// и потому игнорирует.
	if raw, ok := filter.Filter["date_from"]; ok {
		builder = builder.Where(sq.GtOrEq{"detected_at": raw})
	}
	if raw, ok := filter.Filter["date_to"]; ok {
		builder = builder.Where(sq.LtOrEq{"detected_at": raw})
	}
	if raw, ok := filter.Filter["sla_breached"]; ok {
		expr := r.slaBreachedExpr()
		if fmt.Sprintf("%v", raw) == "true" {
			builder = builder.Where(expr)
		} else {
			builder = builder.Where("NOT " + expr)
		}
	}

	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		builder = builder.Where(sq.Or{
			sq.ILike{"problem_description": pattern},
			sq.ILike{"cluster_code": pattern},
			sq.ILike{"vendor_ticket_number": pattern},
			sq.ILike{"defect_part_serial_vendor": pattern},
			sq.ILike{"defect_part_serial_manufacturer": pattern},
		})
	}

	return builder
}

func (r *DefectRepository) ListDefects(ctx context.Context, filter types.Filter) ([]entities.DefectRecord, uint64, error) {
	countBuilder := sq.Select("COUNT(*)").From(defectTable)
	countBuilder = r.applyDefectFilters(countBuilder, filter)
	countBuilder = infradb.ApplyListParams(countBuilder, types.Filter{Filter: filter.Filter}, defectFilterColumns)

	countQuery, countArgs, err := countBuilder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка сборки счётного запроса: %w", err)
	}

	var total uint64
	if err := r.storage.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		r.logger.Error("ошибка подсчёта дефектных записей", zap.Error(err))
		return nil, 0, fmt.Errorf("ошибка подсчёта дефектных записей: %w", err)
	}
	if total == 0 {
		return []entities.DefectRecord{}, 0, nil
	}

	builder := sq.Select(defectColumns()...).From(defectTable)
	builder = r.applyDefectFilters(builder, filter)
	builder = infradb.ApplyListParams(builder, filter, defectFilterColumns)
	if len(filter.Sort) == 0 {
		builder = builder.OrderBy("detected_at DESC")
	}

	query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка сборки запроса списка: %w", err)
	}

	rows, err := r.storage.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("ошибка получения списка дефектных записей", zap.Error(err))
		return nil, 0, fmt.Errorf("ошибка получения списка дефектных записей: %w", err)
	}
	defer rows.Close()

	records := make([]entities.DefectRecord, 0)
	for rows.Next() {
		rec, scanErr := scanDefect(rows)
		if scanErr != nil {
			r.logger.Error("ошибка сканирования строки списка", zap.Error(scanErr))
			return nil, 0, scanErr
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

func (r *DefectRepository) GetStats(ctx context.Context, filter types.Filter) (*dto.DefectStatsDTO, error) {
	base := sq.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE is_repeated_defect)",
		"COUNT(*) FILTER (WHERE sent_to_vendor_at IS NOT NULL)",
	).From(defectTable)
	base = r.applyDefectFilters(base, filter)
	base = infradb.ApplyListParams(base, types.Filter{Filter: filter.Filter}, defectFilterColumns)

	query, args, err := base.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, err
	}

	stats := &dto.DefectStatsDTO{ByStatus: make(map[string]uint64)}
	if err := r.storage.QueryRow(ctx, query, args...).Scan(&stats.Total, &stats.RepeatedCount, &stats.SentToVendorCount); err != nil {
		r.logger.Error("ошибка подсчёта статистики", zap.Error(err))
		return nil, fmt.Errorf("ошибка подсчёта статистики: %w", err)
	}
	if stats.Total > 0 {
		stats.RepeatedPercent = float64(stats.RepeatedCount) / float64(stats.Total) * 100
	}

	byStatus := sq.Select("status", "COUNT(*)").From(defectTable).GroupBy("status")
	byStatus = r.applyDefectFilters(byStatus, filter)
	byStatus = infradb.ApplyListParams(byStatus, types.Filter{Filter: filter.Filter}, defectFilterColumns)

	query, args, err = byStatus.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.storage.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка группировки по статусам: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count uint64
		if err := rows.Scan(&status, &count); err != nil {
			r.logger.Error("ошибка сканирования статистики", zap.Error(err))
			return nil, fmt.Errorf("ошибка сканирования статистики: %w", err)
		}
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}
