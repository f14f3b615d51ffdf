package entities

import (
	"time"

	"github.com/google/uuid"
)

// DefectEvent — запись журнала переходов. Административные override-переходы
// помечаются отдельно, чтобы не смешиваться с охраняемыми.
type DefectEvent struct {
	ID             uuid.UUID `json:"id"`
	DefectRecordID uint64    `json:"defect_record_id"`
	ActorID        uint64    `json:"actor_id"`
	Operation      string    `json:"operation"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	Comment        *string   `json:"comment"`
	IsOverride     bool      `json:"is_override"`
	CreatedAt      time.Time `json:"created_at"`
}
