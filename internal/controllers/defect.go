package controllers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repair-system/internal/dto"
	"repair-system/internal/services"
	apperrors "repair-system/pkg/errors"
	"repair-system/pkg/utils"
)

// DefectController — тонкий диспетчер над конечным автоматом:
// разбор запроса, валидация DTO, вызов сервиса, перевод ошибок в HTTP.
type DefectController struct {
	defectService services.DefectServiceInterface
	logger        *zap.Logger
}

func NewDefectController(defectService services.DefectServiceInterface, logger *zap.Logger) *DefectController {
	return &DefectController{defectService: defectService, logger: logger}
}

func (c *DefectController) parseID(ctx echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return 0, apperrors.NewHttpError(
			http.StatusBadRequest,
			"Неверный ID дефектной записи",
			err,
			map[string]interface{}{"param": ctx.Param("id")},
		)
	}
	return id, nil
}

func (c *DefectController) CreateDefect(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	var data dto.CreateDefectDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}

	res, err := c.defectService.CreateDefect(reqCtx, data)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, res, "Дефектная запись создана", http.StatusCreated)
}

func (c *DefectController) FindDefect(ctx echo.Context) error {
	id, err := c.parseID(ctx)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}

	res, err := c.defectService.FindDefect(ctx.Request().Context(), id)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, res, "Дефектная запись найдена", http.StatusOK)
}

// transition — общий обработчик переходов без тела запроса.
func (c *DefectController) transition(ctx echo.Context, message string,
	call func(reqCtx echo.Context, id uint64) (*dto.DefectRecordDTO, error),
) error {
	id, err := c.parseID(ctx)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}

	res, err := call(ctx, id)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, res, message, http.StatusOK)
}

func (c *DefectController) StartDiagnosis(ctx echo.Context) error {
	return c.transition(ctx, "Диагностика начата", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.StartDiagnosis(ec.Request().Context(), id)
	})
}

func (c *DefectController) CompleteDiagnosis(ctx echo.Context) error {
	var data dto.CompleteDiagnosisDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Диагностика завершена", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.CompleteDiagnosis(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) SetWaitingParts(ctx echo.Context) error {
	var data dto.SetWaitingPartsDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	return c.transition(ctx, "Запись переведена в ожидание компонентов", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.SetWaitingParts(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) ReserveComponent(ctx echo.Context) error {
	var data dto.ReserveComponentDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Компонент зарезервирован", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.ReserveComponent(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) StartRepair(ctx echo.Context) error {
	return c.transition(ctx, "Ремонт начат", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.StartRepair(ec.Request().Context(), id)
	})
}

func (c *DefectController) PerformReplacement(ctx echo.Context) error {
	var data dto.PerformReplacementDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Замена компонента выполнена", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.PerformReplacement(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) SendToVendor(ctx echo.Context) error {
	var data dto.SendToVendorDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Запись отправлена вендору", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.SendToVendor(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) ReturnFromVendor(ctx echo.Context) error {
	return c.transition(ctx, "Запись возвращена от вендора", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.ReturnFromVendor(ec.Request().Context(), id)
	})
}

func (c *DefectController) IssueSubstitute(ctx echo.Context) error {
	var data dto.IssueSubstituteDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Подменный сервер выдан", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.IssueSubstitute(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) ReturnSubstitute(ctx echo.Context) error {
	return c.transition(ctx, "Подменный сервер возвращён", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.ReturnSubstitute(ec.Request().Context(), id)
	})
}

func (c *DefectController) Resolve(ctx echo.Context) error {
	var data dto.ResolveDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return c.transition(ctx, "Ремонт завершён", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.Resolve(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) UpdateStatus(ctx echo.Context) error {
	var data dto.UpdateStatusDTO
	if err := ctx.Bind(&data); err != nil {
		return utils.ErrorResponse(ctx,
			apperrors.NewHttpError(http.StatusBadRequest, "Неверное тело запроса", err, nil), c.logger)
	}
	if err := ctx.Validate(&data); err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	c.logger.Info("административная смена статуса",
		zap.String("target_status", data.Status), zap.String("id", ctx.Param("id")))
	return c.transition(ctx, "Статус обновлён", func(ec echo.Context, id uint64) (*dto.DefectRecordDTO, error) {
		return c.defectService.UpdateStatus(ec.Request().Context(), id, data)
	})
}

func (c *DefectController) GetAvailableActions(ctx echo.Context) error {
	id, err := c.parseID(ctx)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}

	res, err := c.defectService.GetAvailableActions(ctx.Request().Context(), id)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, res, "Доступные операции получены", http.StatusOK)
}

func (c *DefectController) ListDefects(ctx echo.Context) error {
	filter := utils.ParseFilterFromQuery(ctx.Request().URL.Query())

	list, total, err := c.defectService.ListDefects(ctx.Request().Context(), filter)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, list, "Список дефектных записей получен", http.StatusOK, total)
}

func (c *DefectController) GetStats(ctx echo.Context) error {
	filter := utils.ParseFilterFromQuery(ctx.Request().URL.Query())

	stats, err := c.defectService.GetStats(ctx.Request().Context(), filter)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, stats, "Статистика получена", http.StatusOK)
}

func (c *DefectController) ListEvents(ctx echo.Context) error {
	id, err := c.parseID(ctx)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}

	events, err := c.defectService.ListEvents(ctx.Request().Context(), id)
	if err != nil {
		return utils.ErrorResponse(ctx, err, c.logger)
	}
	return utils.SuccessResponse(ctx, events, "Журнал переходов получен", http.StatusOK)
}
