package constants

// --- СТАТУСЫ ДЕФЕКТНЫХ ЗАПИСЕЙ (Совпадает с кодами в БД) ---
const (
	StatusNew          = "NEW"
	StatusDiagnosing   = "DIAGNOSING"
	StatusWaitingParts = "WAITING_PARTS"
	StatusRepairing    = "REPAIRING"
	StatusSentToVendor = "SENT_TO_VENDOR"
	StatusReturned     = "RETURNED"
	StatusResolved     = "RESOLVED"
	StatusRepeated     = "REPEATED"
	StatusClosed       = "CLOSED"
)

// Финальные статусы: запись становится неизменяемой
var TerminalStatuses = []string{
	StatusResolved,
	StatusRepeated,
	StatusClosed,
}

func IsTerminalStatus(code string) bool {
	for _, s := range TerminalStatuses {
		if s == code {
			return true
		}
	}
	return false
}

var AllStatuses = []string{
	StatusNew,
	StatusDiagnosing,
	StatusWaitingParts,
	StatusRepairing,
	StatusSentToVendor,
	StatusReturned,
	StatusResolved,
	StatusRepeated,
	StatusClosed,
}

func IsValidStatus(code string) bool {
	for _, s := range AllStatuses {
		if s == code {
			return true
		}
	}
	return false
}

// --- ТИПЫ РЕМОНТИРУЕМЫХ КОМПОНЕНТОВ ---
const (
	PartRAM         = "RAM"
	PartMotherboard = "MOTHERBOARD"
	PartCPU         = "CPU"
	PartHDD         = "HDD"
	PartSSD         = "SSD"
	PartPSU         = "PSU"
	PartFan         = "FAN"
	PartRAID        = "RAID"
	PartNIC         = "NIC"
	PartBackplane   = "BACKPLANE"
	PartBMC         = "BMC"
	PartCable       = "CABLE"
	PartOther       = "OTHER"
)

var PartTypes = []string{
	PartRAM, PartMotherboard, PartCPU, PartHDD, PartSSD, PartPSU,
	PartFan, PartRAID, PartNIC, PartBackplane, PartBMC, PartCable, PartOther,
}

// --- ОПЕРАЦИИ ЖИЗНЕННОГО ЦИКЛА ---
const (
	OpStartDiagnosis     = "startDiagnosis"
	OpCompleteDiagnosis  = "completeDiagnosis"
	OpSetWaitingParts    = "setWaitingParts"
	OpReserveComponent   = "reserveComponent"
	OpStartRepair        = "startRepair"
	OpPerformReplacement = "performReplacement"
	OpSendToVendor       = "sendToVendor"
	OpReturnFromVendor   = "returnFromVendor"
	OpIssueSubstitute    = "issueSubstitute"
	OpReturnSubstitute   = "returnSubstitute"
	OpResolve            = "resolve"
	OpUpdateStatus       = "updateStatus"
)

// Таблица переходов: операция -> статусы, из которых она разрешена.
// Единственная точка проверки легальности перехода; обходится только
// административным updateStatus (и тот не трогает финальные записи).
var transitionTable = map[string][]string{
	OpStartDiagnosis:     {StatusNew},
	OpCompleteDiagnosis:  {StatusDiagnosing},
	OpSetWaitingParts:    {StatusDiagnosing, StatusRepairing},
	OpReserveComponent:   {StatusWaitingParts},
	OpStartRepair:        {StatusWaitingParts, StatusDiagnosing},
	OpPerformReplacement: {StatusRepairing},
	OpSendToVendor:       {StatusRepairing, StatusWaitingParts},
	OpReturnFromVendor:   {StatusSentToVendor},
	OpIssueSubstitute:    {StatusNew, StatusDiagnosing, StatusWaitingParts, StatusRepairing, StatusSentToVendor, StatusReturned},
	OpReturnSubstitute:   {StatusNew, StatusDiagnosing, StatusWaitingParts, StatusRepairing, StatusSentToVendor, StatusReturned},
	OpResolve:            {StatusRepairing, StatusReturned},
}

// CanTransition проверяет, разрешена ли операция из текущего статуса.
func CanTransition(operation, fromStatus string) bool {
	allowed, ok := transitionTable[operation]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == fromStatus {
			return true
		}
	}
	return false
}

// AvailableOperations возвращает операции, разрешённые из данного статуса
// по таблице переходов (без учёта динамических условий вроде наличия
// активной брони — их докладывает сервис).
func AvailableOperations(fromStatus string) []string {
	ops := make([]string, 0)
	for _, op := range []string{
		OpStartDiagnosis, OpCompleteDiagnosis, OpSetWaitingParts,
		OpReserveComponent, OpStartRepair, OpPerformReplacement,
		OpSendToVendor, OpReturnFromVendor, OpIssueSubstitute,
		OpReturnSubstitute, OpResolve,
	} {
		if CanTransition(op, fromStatus) {
			ops = append(ops, op)
		}
	}
	// Произвольная смена статуса закрыта только для CLOSED.
	if fromStatus != StatusClosed {
		ops = append(ops, OpUpdateStatus)
	}
	return ops
}
