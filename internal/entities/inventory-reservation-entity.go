package entities

import "time"

// InventoryReservation — бронь складской позиции за дефектной записью.
// Для одной позиции в любой момент не больше одной записи с released_at IS NULL.
type InventoryReservation struct {
	ID              uint64     `json:"id"`
	DefectRecordID  uint64     `json:"defect_record_id"`
	InventoryItemID uint64     `json:"inventory_item_id"`
	ReservedAt      time.Time  `json:"reserved_at"`
	ReleasedAt      *time.Time `json:"released_at"`
}
