package entities

import (
	"time"
)

// DefectRecord — одна дефектная запись на один обнаруженный аппаратный дефект.
type DefectRecord struct {
	ID       uint64 `json:"id"`
	ServerID uint64 `json:"server_id"`
	Status   string `json:"status"`

	RepairPartType     *string `json:"repair_part_type"`
	ProblemDescription string  `json:"problem_description"`

	DetectedAt        time.Time `json:"detected_at"`
	DiagnosticianID   *uint64   `json:"diagnostician_id"`
	ClusterCode       *string   `json:"cluster_code"`
	HasAcceptanceCert bool      `json:"has_acceptance_cert"`

	DefectPartSerialVendor            *string `json:"defect_part_serial_vendor"`
	DefectPartSerialManufacturer      *string `json:"defect_part_serial_manufacturer"`
	ReplacementPartSerialVendor       *string `json:"replacement_part_serial_vendor"`
	ReplacementPartSerialManufacturer *string `json:"replacement_part_serial_manufacturer"`
	DiagnosisResult                   *string `json:"diagnosis_result"`

	IsRepeatedDefect     bool       `json:"is_repeated_defect"`
	RepeatedDefectReason *string    `json:"repeated_defect_reason"`
	RepeatedDefectDate   *time.Time `json:"repeated_defect_date"`

	VendorTicketNumber   *string    `json:"vendor_ticket_number"`
	SentToVendorAt       *time.Time `json:"sent_to_vendor_at"`
	ReturnedFromVendorAt *time.Time `json:"returned_from_vendor_at"`

	SubstituteServerSerial *string `json:"substitute_server_serial"`

	Resolution *string    `json:"resolution"`
	ResolvedAt *time.Time `json:"resolved_at"`
	Notes      *string    `json:"notes"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}
