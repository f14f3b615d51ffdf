package dto

import (
	"time"

	"github.com/aarondl/null/v8"

	"repair-system/internal/entities"
)

type CreateDefectDTO struct {
	ServerID           uint64    `json:"server_id" validate:"required"`
	ProblemDescription string    `json:"problem_description" validate:"required"`
	DetectedAt         time.Time `json:"detected_at" validate:"required"`
	DiagnosticianID    *uint64   `json:"diagnostician_id"`
	ClusterCode        *string   `json:"cluster_code"`
	HasAcceptanceCert  bool      `json:"has_acceptance_cert"`
}

type CompleteDiagnosisDTO struct {
	RepairPartType               string  `json:"repair_part_type" validate:"required,oneof=RAM MOTHERBOARD CPU HDD SSD PSU FAN RAID NIC BACKPLANE BMC CABLE OTHER"`
	DiagnosisResult              string  `json:"diagnosis_result" validate:"required"`
	DefectPartSerialVendor       *string `json:"defect_part_serial_vendor"`
	DefectPartSerialManufacturer *string `json:"defect_part_serial_manufacturer"`
}

type SetWaitingPartsDTO struct {
	Notes *string `json:"notes"`
}

type ReserveComponentDTO struct {
	InventoryItemID uint64 `json:"inventory_item_id" validate:"required"`
}

type PerformReplacementDTO struct {
	ReplacementPartSerialVendor       string  `json:"replacement_part_serial_vendor" validate:"required"`
	ReplacementPartSerialManufacturer *string `json:"replacement_part_serial_manufacturer"`
}

type SendToVendorDTO struct {
	VendorTicketNumber string `json:"vendor_ticket_number" validate:"required"`
}

type IssueSubstituteDTO struct {
	SubstituteServerID     uint64  `json:"substitute_server_id" validate:"required"`
	SubstituteServerSerial *string `json:"substitute_server_serial"`
}

type ResolveDTO struct {
	Resolution string `json:"resolution" validate:"required"`
}

type UpdateStatusDTO struct {
	Status  string  `json:"status" validate:"required,oneof=NEW DIAGNOSING WAITING_PARTS REPAIRING SENT_TO_VENDOR RETURNED RESOLVED REPEATED CLOSED"`
	Comment *string `json:"comment"`
}

// DefectRecordDTO — полный ответ API, включая вычисляемые SLA-поля.
type DefectRecordDTO struct {
	ID       uint64 `json:"id"`
	ServerID uint64 `json:"server_id"`
	Status   string `json:"status"`

	RepairPartType     null.String `json:"repair_part_type"`
	ProblemDescription string      `json:"problem_description"`

	DetectedAt        time.Time   `json:"detected_at"`
	DiagnosticianID   null.Uint64 `json:"diagnostician_id"`
	ClusterCode       null.String `json:"cluster_code"`
	HasAcceptanceCert bool        `json:"has_acceptance_cert"`

	DefectPartSerialVendor            null.String `json:"defect_part_serial_vendor"`
	DefectPartSerialManufacturer      null.String `json:"defect_part_serial_manufacturer"`
	ReplacementPartSerialVendor       null.String `json:"replacement_part_serial_vendor"`
	ReplacementPartSerialManufacturer null.String `json:"replacement_part_serial_manufacturer"`
	DiagnosisResult                   null.String `json:"diagnosis_result"`

	IsRepeatedDefect     bool        `json:"is_repeated_defect"`
	RepeatedDefectReason null.String `json:"repeated_defect_reason"`
	RepeatedDefectDate   null.Time   `json:"repeated_defect_date"`

	VendorTicketNumber   null.String `json:"vendor_ticket_number"`
	SentToVendorAt       null.Time   `json:"sent_to_vendor_at"`
	ReturnedFromVendorAt null.Time   `json:"returned_from_vendor_at"`

	SubstituteServerSerial null.String `json:"substitute_server_serial"`

	Resolution null.String `json:"resolution"`
	ResolvedAt null.Time   `json:"resolved_at"`
	Notes      null.String `json:"notes"`

	SLADeadline time.Time `json:"sla_deadline"`
	SLABreached bool      `json:"sla_breached"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt null.Time `json:"updated_at"`
}

// NewDefectRecordDTO собирает ответ из сущности и вычисленных SLA-полей.
func NewDefectRecordDTO(rec *entities.DefectRecord, slaDeadline time.Time, slaBreached bool) *DefectRecordDTO {
	return &DefectRecordDTO{
		ID:                 rec.ID,
		ServerID:           rec.ServerID,
		Status:             rec.Status,
		RepairPartType:     null.StringFromPtr(rec.RepairPartType),
		ProblemDescription: rec.ProblemDescription,
		DetectedAt:         rec.DetectedAt,
		DiagnosticianID:    null.Uint64FromPtr(rec.DiagnosticianID),
		ClusterCode:        null.StringFromPtr(rec.ClusterCode),
		HasAcceptanceCert:  rec.HasAcceptanceCert,

		DefectPartSerialVendor:            null.StringFromPtr(rec.DefectPartSerialVendor),
		DefectPartSerialManufacturer:      null.StringFromPtr(rec.DefectPartSerialManufacturer),
		ReplacementPartSerialVendor:       null.StringFromPtr(rec.ReplacementPartSerialVendor),
		ReplacementPartSerialManufacturer: null.StringFromPtr(rec.ReplacementPartSerialManufacturer),
		DiagnosisResult:                   null.StringFromPtr(rec.DiagnosisResult),

		IsRepeatedDefect:     rec.IsRepeatedDefect,
		RepeatedDefectReason: null.StringFromPtr(rec.RepeatedDefectReason),
		RepeatedDefectDate:   null.TimeFromPtr(rec.RepeatedDefectDate),

		VendorTicketNumber:   null.StringFromPtr(rec.VendorTicketNumber),
		SentToVendorAt:       null.TimeFromPtr(rec.SentToVendorAt),
		ReturnedFromVendorAt: null.TimeFromPtr(rec.ReturnedFromVendorAt),

		SubstituteServerSerial: null.StringFromPtr(rec.SubstituteServerSerial),

		Resolution: null.StringFromPtr(rec.Resolution),
		ResolvedAt: null.TimeFromPtr(rec.ResolvedAt),
		Notes:      null.StringFromPtr(rec.Notes),

		SLADeadline: slaDeadline,
		SLABreached: slaBreached,

		CreatedAt: rec.CreatedAt,
		UpdatedAt: null.TimeFromPtr(rec.UpdatedAt),
	}
}

type DefectStatsDTO struct {
	Total             uint64            `json:"total"`
	ByStatus          map[string]uint64 `json:"by_status"`
	RepeatedCount     uint64            `json:"repeated_count"`
	RepeatedPercent   float64           `json:"repeated_percent"`
	SentToVendorCount uint64            `json:"sent_to_vendor_count"`
}

type AvailableActionsDTO struct {
	Status  string   `json:"status"`
	Actions []string `json:"actions"`
}
