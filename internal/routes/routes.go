package routes

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repair-system/internal/controllers"
	"repair-system/internal/repositories"
	"repair-system/internal/services"
	"repair-system/pkg/config"
	"repair-system/pkg/middleware"
)

func InitRouter(e *echo.Echo, dbConn *pgxpool.Pool, redisClient *redis.Client, logger *zap.Logger, cfg *config.Config) {
	logger.Info("InitRouter: начало создания маршрутов")

	actorMW := middleware.NewActorMiddleware(logger)
	txManager := repositories.NewTxManager(dbConn)

	// --- 1. РЕПОЗИТОРИИ ---
	defectRepo := repositories.NewDefectRepository(dbConn, cfg.SLA, logger)
	reservationRepo := repositories.NewReservationRepository(dbConn)
	substituteRepo := repositories.NewSubstituteRepository(dbConn)
	eventRepo := repositories.NewEventRepository(dbConn)
	cacheRepo := repositories.NewRedisCacheRepository(redisClient)

	// --- 2. СЕРВИСЫ ---
	analyzer := services.NewSLAAnalyzer(cfg.SLA)
	defectService := services.NewDefectService(
		txManager, defectRepo, reservationRepo, substituteRepo, eventRepo, cacheRepo, analyzer, logger,
	)

	// --- 3. КОНТРОЛЛЕРЫ ---
	defectController := controllers.NewDefectController(defectService, logger)

	// --- 4. МАРШРУТЫ ---
	e.GET("/health", func(c echo.Context) error {
		if err := dbConn.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
		}
		if err := redisClient.Ping(c.Request().Context()).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api")
	defects := api.Group("/defects", actorMW.Actor)

	defects.POST("", defectController.CreateDefect)
	defects.GET("", defectController.ListDefects)
	defects.GET("/stats", defectController.GetStats)
	defects.GET("/:id", defectController.FindDefect)
	defects.GET("/:id/actions", defectController.GetAvailableActions)
	defects.GET("/:id/events", defectController.ListEvents)

	defects.POST("/:id/start-diagnosis", defectController.StartDiagnosis)
	defects.POST("/:id/complete-diagnosis", defectController.CompleteDiagnosis)
	defects.POST("/:id/waiting-parts", defectController.SetWaitingParts)
	defects.POST("/:id/reserve-component", defectController.ReserveComponent)
	defects.POST("/:id/start-repair", defectController.StartRepair)
	defects.POST("/:id/perform-replacement", defectController.PerformReplacement)
	defects.POST("/:id/send-to-vendor", defectController.SendToVendor)
	defects.POST("/:id/return-from-vendor", defectController.ReturnFromVendor)
	defects.POST("/:id/issue-substitute", defectController.IssueSubstitute)
	defects.POST("/:id/return-substitute", defectController.ReturnSubstitute)
	defects.POST("/:id/resolve", defectController.Resolve)
	defects.PUT("/:id/status", defectController.UpdateStatus)

	logger.Info("InitRouter: маршруты созданы")
}
