package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"repair-system/internal/constants"
	"repair-system/internal/dto"
	"repair-system/internal/entities"
	"repair-system/internal/repositories"
	apperrors "repair-system/pkg/errors"
	"repair-system/pkg/types"
	"repair-system/pkg/utils"
)

const statsCacheKey = "defects:stats"

type DefectServiceInterface interface {
	CreateDefect(ctx context.Context, data dto.CreateDefectDTO) (*dto.DefectRecordDTO, error)
	FindDefect(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error)
	StartDiagnosis(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error)
	CompleteDiagnosis(ctx context.Context, id uint64, data dto.CompleteDiagnosisDTO) (*dto.DefectRecordDTO, error)
	SetWaitingParts(ctx context.Context, id uint64, data dto.SetWaitingPartsDTO) (*dto.DefectRecordDTO, error)
	ReserveComponent(ctx context.Context, id uint64, data dto.ReserveComponentDTO) (*dto.DefectRecordDTO, error)
	StartRepair(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error)
	PerformReplacement(ctx context.Context, id uint64, data dto.PerformReplacementDTO) (*dto.DefectRecordDTO, error)
	SendToVendor(ctx context.Context, id uint64, data dto.SendToVendorDTO) (*dto.DefectRecordDTO, error)
	ReturnFromVendor(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error)
	IssueSubstitute(ctx context.Context, id uint64, data dto.IssueSubstituteDTO) (*dto.DefectRecordDTO, error)
	ReturnSubstitute(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error)
	Resolve(ctx context.Context, id uint64, data dto.ResolveDTO) (*dto.DefectRecordDTO, error)
	UpdateStatus(ctx context.Context, id uint64, data dto.UpdateStatusDTO) (*dto.DefectRecordDTO, error)
	GetAvailableActions(ctx context.Context, id uint64) (*dto.AvailableActionsDTO, error)
	ListDefects(ctx context.Context, filter types.Filter) ([]dto.DefectRecordDTO, uint64, error)
	GetStats(ctx context.Context, filter types.Filter) (*dto.DefectStatsDTO, error)
	ListEvents(ctx context.Context, id uint64) ([]entities.DefectEvent, error)
}

// DefectService — конечный автомат дефектной записи. Единственное место,
// где меняется статус; побочные эффекты (брони, подмены, журнал) выполняются
// в той же транзакции, что и смена статуса.
type DefectService struct {
	txManager       repositories.TxManagerInterface
	defectRepo      repositories.DefectRepositoryInterface
	reservationRepo repositories.ReservationRepositoryInterface
	substituteRepo  repositories.SubstituteRepositoryInterface
	eventRepo       repositories.EventRepositoryInterface
	cacheRepo       repositories.CacheRepositoryInterface
	analyzer        *SLAAnalyzer
	logger          *zap.Logger
}

func NewDefectService(
	txManager repositories.TxManagerInterface,
	defectRepo repositories.DefectRepositoryInterface,
	reservationRepo repositories.ReservationRepositoryInterface,
	substituteRepo repositories.SubstituteRepositoryInterface,
	eventRepo repositories.EventRepositoryInterface,
	cacheRepo repositories.CacheRepositoryInterface,
	analyzer *SLAAnalyzer,
	logger *zap.Logger,
) DefectServiceInterface {
	return &DefectService{
		txManager:       txManager,
		defectRepo:      defectRepo,
		reservationRepo: reservationRepo,
		substituteRepo:  substituteRepo,
		eventRepo:       eventRepo,
		cacheRepo:       cacheRepo,
		analyzer:        analyzer,
		logger:          logger,
	}
}

func (s *DefectService) toDTO(rec *entities.DefectRecord) *dto.DefectRecordDTO {
	return dto.NewDefectRecordDTO(rec, s.analyzer.Deadline(rec), s.analyzer.Breached(rec, time.Now()))
}

func (s *DefectService) invalidateStatsCache(ctx context.Context) {
	if err := s.cacheRepo.Del(ctx, statsCacheKey); err != nil {
		s.logger.Warn("не удалось сбросить кеш статистики", zap.Error(err))
	}
}

// transitionOpts описывает один охраняемый переход.
type transitionOpts struct {
	operation  string
	isOverride bool
	comment    *string
	// guard nil — проверка по таблице переходов; иначе кастомная.
	guard func(rec *entities.DefectRecord) error
	// apply мутирует запись (включая статус) и выполняет побочные эффекты.
	// actorID уже проверен каркасом перехода.
	apply func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, actorID uint64) error
}

// runTransition — общий каркас перехода: блокировка строки, проверка
// допустимости, мутация, запись, событие журнала. Всё в одной транзакции.
func (s *DefectService) runTransition(ctx context.Context, id uint64, opts transitionOpts) (*dto.DefectRecordDTO, error) {
	actorID, err := utils.ActorIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var result *entities.DefectRecord
	err = s.txManager.RunInTransaction(ctx, func(tx pgx.Tx) error {
		rec, err := s.defectRepo.FindDefectForUpdateInTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if opts.guard != nil {
			if err := opts.guard(rec); err != nil {
				return err
			}
		} else if !constants.CanTransition(opts.operation, rec.Status) {
			return apperrors.NewInvalidTransitionError(opts.operation, rec.Status)
		}

		fromStatus := rec.Status
		if err := opts.apply(ctx, tx, rec, actorID); err != nil {
			return err
		}

		if err := s.defectRepo.UpdateDefectInTx(ctx, tx, rec); err != nil {
			return err
		}

		event := &entities.DefectEvent{
			ID:             uuid.New(),
			DefectRecordID: rec.ID,
			ActorID:        actorID,
			Operation:      opts.operation,
			FromStatus:     fromStatus,
			ToStatus:       rec.Status,
			Comment:        opts.comment,
			IsOverride:     opts.isOverride,
		}
		if err := s.eventRepo.CreateEventInTx(ctx, tx, event); err != nil {
			return err
		}

		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatsCache(ctx)
	return s.toDTO(result), nil
}

func (s *DefectService) CreateDefect(ctx context.Context, data dto.CreateDefectDTO) (*dto.DefectRecordDTO, error) {
	actorID, err := utils.ActorIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rec := &entities.DefectRecord{
		ServerID:           data.ServerID,
		Status:             constants.StatusNew,
		ProblemDescription: data.ProblemDescription,
		DetectedAt:         data.DetectedAt,
		DiagnosticianID:    data.DiagnosticianID,
		ClusterCode:        data.ClusterCode,
		HasAcceptanceCert:  data.HasAcceptanceCert,
	}

	err = s.txManager.RunInTransaction(ctx, func(tx pgx.Tx) error {
		existing, err := s.defectRepo.FindOpenByServer(ctx, tx, data.ServerID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if existing != nil {
			return apperrors.NewInvalidInputError(
				"для сервера %d уже открыта дефектная запись %d", data.ServerID, existing.ID)
		}

		if _, err := s.defectRepo.CreateDefectInTx(ctx, tx, rec); err != nil {
			return err
		}

		event := &entities.DefectEvent{
			ID:             uuid.New(),
			DefectRecordID: rec.ID,
			ActorID:        actorID,
			Operation:      "create",
			FromStatus:     "",
			ToStatus:       rec.Status,
		}
		return s.eventRepo.CreateEventInTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatsCache(ctx)
	return s.toDTO(rec), nil
}

func (s *DefectService) FindDefect(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error) {
	rec, err := s.defectRepo.FindDefect(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toDTO(rec), nil
}

func (s *DefectService) StartDiagnosis(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpStartDiagnosis,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, actorID uint64) error {
			rec.Status = constants.StatusDiagnosing
			if rec.DiagnosticianID == nil {
				rec.DiagnosticianID = &actorID
			}
			return nil
		},
	})
}

// CompleteDiagnosis фиксирует результат диагностики и маршрутизирует запись:
// при действующей броне — сразу в ремонт, иначе в ожидание компонентов.
// Здесь же, когда тип компонента становится известен, проставляется признак
// повторного дефекта.
func (s *DefectService) CompleteDiagnosis(ctx context.Context, id uint64, data dto.CompleteDiagnosisDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpCompleteDiagnosis,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.RepairPartType = &data.RepairPartType
			rec.DiagnosisResult = &data.DiagnosisResult
			if data.DefectPartSerialVendor != nil {
				rec.DefectPartSerialVendor = data.DefectPartSerialVendor
			}
			if data.DefectPartSerialManufacturer != nil {
				rec.DefectPartSerialManufacturer = data.DefectPartSerialManufacturer
			}

			from, to := s.analyzer.RepetitionWindowBounds(rec)
			prior, err := s.defectRepo.FindPriorResolved(ctx, tx, rec.ServerID, data.RepairPartType, from, to)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if prior != nil {
				rec.IsRepeatedDefect = true
				rec.RepeatedDefectReason = utils.ToPtr(
					"повторный дефект: предыдущая запись " + prior.Status + " по тому же компоненту")
				rec.RepeatedDefectDate = prior.ResolvedAt
			}

			reservation, err := s.reservationRepo.FindActiveByDefect(ctx, tx, rec.ID)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if reservation != nil {
				rec.Status = constants.StatusRepairing
			} else {
				rec.Status = constants.StatusWaitingParts
			}
			return nil
		},
	})
}

func (s *DefectService) SetWaitingParts(ctx context.Context, id uint64, data dto.SetWaitingPartsDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpSetWaitingParts,
		comment:   data.Notes,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.Status = constants.StatusWaitingParts
			if data.Notes != nil {
				rec.Notes = data.Notes
			}
			return nil
		},
	})
}

// ReserveComponent бронирует складскую позицию за записью. Статус не меняет;
// конфликт брони откатывает транзакцию целиком.
func (s *DefectService) ReserveComponent(ctx context.Context, id uint64, data dto.ReserveComponentDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpReserveComponent,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			_, err := s.reservationRepo.CreateInTx(ctx, tx, rec.ID, data.InventoryItemID)
			return err
		},
	})
}

func (s *DefectService) StartRepair(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpStartRepair,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			// Из ожидания компонентов в ремонт — только с действующей бронью.
			if rec.Status == constants.StatusWaitingParts {
				_, err := s.reservationRepo.FindActiveByDefect(ctx, tx, rec.ID)
				if errors.Is(err, apperrors.ErrNotFound) {
					return apperrors.NewInvalidTransitionError(constants.OpStartRepair, rec.Status)
				}
				if err != nil {
					return err
				}
			}
			rec.Status = constants.StatusRepairing
			return nil
		},
	})
}

// PerformReplacement записывает серийники установленного компонента.
// Бронь считается израсходованной и снимается.
func (s *DefectService) PerformReplacement(ctx context.Context, id uint64, data dto.PerformReplacementDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpPerformReplacement,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.ReplacementPartSerialVendor = &data.ReplacementPartSerialVendor
			if data.ReplacementPartSerialManufacturer != nil {
				rec.ReplacementPartSerialManufacturer = data.ReplacementPartSerialManufacturer
			}
			return s.reservationRepo.ReleaseAllForDefectInTx(ctx, tx, rec.ID)
		},
	})
}

func (s *DefectService) SendToVendor(ctx context.Context, id uint64, data dto.SendToVendorDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpSendToVendor,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.Status = constants.StatusSentToVendor
			rec.VendorTicketNumber = &data.VendorTicketNumber
			rec.SentToVendorAt = utils.ToPtr(time.Now())
			return nil
		},
	})
}

func (s *DefectService) ReturnFromVendor(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpReturnFromVendor,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.Status = constants.StatusReturned
			rec.ReturnedFromVendorAt = utils.ToPtr(time.Now())
			return nil
		},
	})
}

// IssueSubstitute выдаёт подменный сервер, не меняя статус записи.
func (s *DefectService) IssueSubstitute(ctx context.Context, id uint64, data dto.IssueSubstituteDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpIssueSubstitute,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			existing, err := s.substituteRepo.FindActiveByDefect(ctx, tx, rec.ID)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if existing != nil {
				return apperrors.NewInvalidInputError(
					"по записи %d уже выдан подменный сервер %d", rec.ID, existing.SubstituteServerID)
			}

			if _, err := s.substituteRepo.CreateInTx(ctx, tx, rec.ID, data.SubstituteServerID); err != nil {
				return err
			}
			if data.SubstituteServerSerial != nil {
				rec.SubstituteServerSerial = data.SubstituteServerSerial
			}
			return nil
		},
	})
}

func (s *DefectService) ReturnSubstitute(ctx context.Context, id uint64) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpReturnSubstitute,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			assignment, err := s.substituteRepo.FindActiveByDefect(ctx, tx, rec.ID)
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.NewInvalidInputError("по записи %d нет активной выдачи подменного сервера", rec.ID)
			}
			if err != nil {
				return err
			}
			if err := s.substituteRepo.ReturnInTx(ctx, tx, assignment.ID); err != nil {
				return err
			}
			rec.SubstituteServerSerial = nil
			return nil
		},
	})
}

// Resolve закрывает ремонт. Если анализатор находит решённый дефект того же
// типа в окне повторности, итоговый статус — REPEATED. Живые брони и выдачи
// при закрытии принудительно снимаются.
func (s *DefectService) Resolve(ctx context.Context, id uint64, data dto.ResolveDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation: constants.OpResolve,
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			now := time.Now()
			rec.Resolution = &data.Resolution
			rec.ResolvedAt = &now
			rec.Status = constants.StatusResolved

			if rec.RepairPartType != nil {
				from, to := s.analyzer.RepetitionWindowBounds(rec)
				prior, err := s.defectRepo.FindPriorResolved(ctx, tx, rec.ServerID, *rec.RepairPartType, from, to)
				if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
					return err
				}
				if prior != nil {
					rec.Status = constants.StatusRepeated
					rec.IsRepeatedDefect = true
					if rec.RepeatedDefectDate == nil {
						rec.RepeatedDefectDate = prior.ResolvedAt
					}
					if rec.RepeatedDefectReason == nil {
						rec.RepeatedDefectReason = utils.ToPtr(
							"повторный дефект: предыдущая запись решена в окне повторности")
					}
				}
			}

			return s.releaseResourcesInTx(ctx, tx, rec)
		},
	})
}

// UpdateStatus — административный обход таблицы переходов. Финальная
// неизменяемость сохраняется: из RESOLVED/REPEATED можно только в CLOSED,
// из CLOSED — никуда. Переход помечается в журнале как override.
func (s *DefectService) UpdateStatus(ctx context.Context, id uint64, data dto.UpdateStatusDTO) (*dto.DefectRecordDTO, error) {
	return s.runTransition(ctx, id, transitionOpts{
		operation:  constants.OpUpdateStatus,
		isOverride: true,
		comment:    data.Comment,
		guard: func(rec *entities.DefectRecord) error {
			if rec.Status == constants.StatusClosed {
				return apperrors.NewInvalidTransitionError(constants.OpUpdateStatus, rec.Status)
			}
			if constants.IsTerminalStatus(rec.Status) && data.Status != constants.StatusClosed {
				return apperrors.NewInvalidTransitionError(constants.OpUpdateStatus, rec.Status)
			}
			return nil
		},
		apply: func(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord, _ uint64) error {
			rec.Status = data.Status
			if constants.IsTerminalStatus(data.Status) {
				if rec.ResolvedAt == nil {
					rec.ResolvedAt = utils.ToPtr(time.Now())
				}
				return s.releaseResourcesInTx(ctx, tx, rec)
			}
			return nil
		},
	})
}

// releaseResourcesInTx — каскад при закрытии: закрытая запись не может
// держать живую бронь или подменный сервер.
func (s *DefectService) releaseResourcesInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) error {
	if err := s.reservationRepo.ReleaseAllForDefectInTx(ctx, tx, rec.ID); err != nil {
		return err
	}
	if err := s.substituteRepo.ReturnAllForDefectInTx(ctx, tx, rec.ID); err != nil {
		return err
	}
	rec.SubstituteServerSerial = nil
	return nil
}

func (s *DefectService) GetAvailableActions(ctx context.Context, id uint64) (*dto.AvailableActionsDTO, error) {
	rec, err := s.defectRepo.FindDefect(ctx, id)
	if err != nil {
		return nil, err
	}

	actions := make([]string, 0)
	for _, op := range constants.AvailableOperations(rec.Status) {
		switch op {
		case constants.OpStartRepair:
			if rec.Status == constants.StatusWaitingParts {
				_, err := s.reservationRepo.FindActiveByDefect(ctx, nil, rec.ID)
				if errors.Is(err, apperrors.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
			}
		case constants.OpReturnSubstitute:
			_, err := s.substituteRepo.FindActiveByDefect(ctx, nil, rec.ID)
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		actions = append(actions, op)
	}

	return &dto.AvailableActionsDTO{Status: rec.Status, Actions: actions}, nil
}

func (s *DefectService) ListDefects(ctx context.Context, filter types.Filter) ([]dto.DefectRecordDTO, uint64, error) {
	records, total, err := s.defectRepo.ListDefects(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	result := make([]dto.DefectRecordDTO, 0, len(records))
	for i := range records {
		result = append(result, *s.toDTO(&records[i]))
	}
	return result, total, nil
}

// GetStats отдаёт агрегаты. Запрос без фильтров кешируется в Redis
// на короткий срок; любой мутирующий переход сбрасывает кеш.
func (s *DefectService) GetStats(ctx context.Context, filter types.Filter) (*dto.DefectStatsDTO, error) {
	cacheable := len(filter.Filter) == 0 && filter.Search == ""

	if cacheable {
		if cached, err := s.cacheRepo.Get(ctx, statsCacheKey); err == nil && cached != "" {
			var stats dto.DefectStatsDTO
			if err := json.Unmarshal([]byte(cached), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	stats, err := s.defectRepo.GetStats(ctx, filter)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if payload, err := json.Marshal(stats); err == nil {
			if err := s.cacheRepo.Set(ctx, statsCacheKey, string(payload), s.analyzer.cfg.StatsCacheTTL); err != nil {
				s.logger.Warn("не удалось записать кеш статистики", zap.Error(err))
			}
		}
	}
	return stats, nil
}

func (s *DefectService) ListEvents(ctx context.Context, id uint64) ([]entities.DefectEvent, error) {
	if _, err := s.defectRepo.FindDefect(ctx, id); err != nil {
		return nil, err
	}
	return s.eventRepo.ListEvents(ctx, id)
}
