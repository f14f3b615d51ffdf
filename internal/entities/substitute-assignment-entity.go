package entities

import "time"

// SubstituteAssignment — выдача подменного сервера на время ремонта.
type SubstituteAssignment struct {
	ID                 uint64     `json:"id"`
	DefectRecordID     uint64     `json:"defect_record_id"`
	SubstituteServerID uint64     `json:"substitute_server_id"`
	IssuedAt           time.Time  `json:"issued_at"`
	ReturnedAt         *time.Time `json:"returned_at"`
}
