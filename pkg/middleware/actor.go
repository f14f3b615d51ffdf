package middleware

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repair-system/pkg/contextkeys"
	apperrors "repair-system/pkg/errors"
	"repair-system/pkg/utils"
)

// ActorMiddleware извлекает идентификатор действующего лица из заголовка
// X-Actor-ID. Аутентификация и права — забота внешнего контура; движку
// нужен только ID для аудита переходов.
type ActorMiddleware struct {
	logger *zap.Logger
}

func NewActorMiddleware(logger *zap.Logger) *ActorMiddleware {
	return &ActorMiddleware{logger: logger}
}

func (m *ActorMiddleware) Actor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("X-Actor-ID")
		if header == "" {
			m.logger.Warn("ActorMiddleware: пустой заголовок X-Actor-ID")
			return utils.ErrorResponse(c, apperrors.ErrActorIDNotFoundInContext, m.logger)
		}

		actorID, err := strconv.ParseUint(header, 10, 64)
		if err != nil || actorID == 0 {
			m.logger.Warn("ActorMiddleware: некорректный X-Actor-ID", zap.String("value", header))
			return utils.ErrorResponse(c, apperrors.ErrInvalidActorID, m.logger)
		}

		ctx := context.WithValue(c.Request().Context(), contextkeys.ActorIDKey, actorID)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
