package services

import (
	"time"

	"repair-system/internal/constants"
	"repair-system/internal/entities"
	"repair-system/pkg/config"
)

// SLAAnalyzer — чистые функции над данными записи: дедлайн SLA,
// факт просрочки и классификация повторного дефекта. Состояния не держит,
// в базу не ходит.
type SLAAnalyzer struct {
	cfg config.SLAConfig
}

func NewSLAAnalyzer(cfg config.SLAConfig) *SLAAnalyzer {
	return &SLAAnalyzer{cfg: cfg}
}

// Window возвращает окно ремонта для типа компонента.
// Для записи без диагноза действует окно по умолчанию.
func (a *SLAAnalyzer) Window(repairPartType *string) time.Duration {
	if repairPartType == nil {
		return a.cfg.DefaultWindow
	}
	if w, ok := a.cfg.Windows[*repairPartType]; ok {
		return w
	}
	return a.cfg.DefaultWindow
}

func (a *SLAAnalyzer) Deadline(rec *entities.DefectRecord) time.Time {
	return rec.DetectedAt.Add(a.Window(rec.RepairPartType))
}

// Breached: дедлайн прошёл и запись ещё не в финальном статусе.
// Финальная запись просроченной не считается, сколько бы времени ни прошло.
func (a *SLAAnalyzer) Breached(rec *entities.DefectRecord, now time.Time) bool {
	if constants.IsTerminalStatus(rec.Status) {
		return false
	}
	return now.After(a.Deadline(rec))
}

// IsRepetition проверяет, был ли у того же сервера дефект того же типа
// компонента, решённый в пределах окна повторности до момента обнаружения
// текущего. Возвращает найденную предыдущую запись.
func (a *SLAAnalyzer) IsRepetition(rec *entities.DefectRecord, priorRecordsForServer []entities.DefectRecord) (bool, *entities.DefectRecord) {
	if rec.RepairPartType == nil {
		return false, nil
	}
	windowStart := rec.DetectedAt.Add(-a.cfg.RepetitionWindow)

	for i := range priorRecordsForServer {
		prior := &priorRecordsForServer[i]
		if prior.ID == rec.ID || prior.ServerID != rec.ServerID {
			continue
		}
		if prior.RepairPartType == nil || *prior.RepairPartType != *rec.RepairPartType {
			continue
		}
		if prior.ResolvedAt == nil {
			continue
		}
		if prior.ResolvedAt.Before(windowStart) || prior.ResolvedAt.After(rec.DetectedAt) {
			continue
		}
		return true, prior
	}
	return false, nil
}

// RepetitionWindowBounds — границы интервала, в котором ищутся предыдущие
// решённые записи для текущей.
func (a *SLAAnalyzer) RepetitionWindowBounds(rec *entities.DefectRecord) (time.Time, time.Time) {
	return rec.DetectedAt.Add(-a.cfg.RepetitionWindow), rec.DetectedAt
}
