package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"repair-system/internal/constants"
	"repair-system/internal/dto"
	"repair-system/internal/entities"
	"repair-system/internal/repositories"
	"repair-system/pkg/contextkeys"
	apperrors "repair-system/pkg/errors"
	"repair-system/pkg/types"
	"repair-system/pkg/utils"
)

// --- Фейки поверх интерфейсов репозиториев. Вся БД — карты в памяти. ---

type fakeTxManager struct{}

func (m *fakeTxManager) RunInTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeDefectRepo struct {
	records    map[uint64]*entities.DefectRecord
	nextID     uint64
	stats      *dto.DefectStatsDTO
	statsCalls int
}

func newFakeDefectRepo() *fakeDefectRepo {
	return &fakeDefectRepo{
		records: make(map[uint64]*entities.DefectRecord),
		nextID:  1,
		stats:   &dto.DefectStatsDTO{Total: 3, ByStatus: map[string]uint64{constants.StatusNew: 3}},
	}
}

func (r *fakeDefectRepo) FindDefect(ctx context.Context, id uint64) (*entities.DefectRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeDefectRepo) FindDefectForUpdateInTx(ctx context.Context, tx pgx.Tx, id uint64) (*entities.DefectRecord, error) {
	return r.FindDefect(ctx, id)
}

func (r *fakeDefectRepo) FindOpenByServer(ctx context.Context, q repositories.Querier, serverID uint64) (*entities.DefectRecord, error) {
	for _, rec := range r.records {
		if rec.ServerID == serverID && !constants.IsTerminalStatus(rec.Status) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeDefectRepo) CreateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) (uint64, error) {
	rec.ID = r.nextID
	r.nextID++
	rec.CreatedAt = time.Now()
	cp := *rec
	r.records[rec.ID] = &cp
	return rec.ID, nil
}

func (r *fakeDefectRepo) UpdateDefectInTx(ctx context.Context, tx pgx.Tx, rec *entities.DefectRecord) error {
	if _, ok := r.records[rec.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *fakeDefectRepo) FindPriorResolved(ctx context.Context, q repositories.Querier, serverID uint64, partType string, from, to time.Time) (*entities.DefectRecord, error) {
	var best *entities.DefectRecord
	for _, rec := range r.records {
		if rec.ServerID != serverID || rec.RepairPartType == nil || *rec.RepairPartType != partType {
			continue
		}
		if rec.ResolvedAt == nil || rec.ResolvedAt.Before(from) || rec.ResolvedAt.After(to) {
			continue
		}
		if best == nil || rec.ResolvedAt.After(*best.ResolvedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *fakeDefectRepo) ListDefects(ctx context.Context, filter types.Filter) ([]entities.DefectRecord, uint64, error) {
	out := make([]entities.DefectRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out, uint64(len(out)), nil
}

func (r *fakeDefectRepo) GetStats(ctx context.Context, filter types.Filter) (*dto.DefectStatsDTO, error) {
	r.statsCalls++
	return r.stats, nil
}

type fakeReservationRepo struct {
	reservations []*entities.InventoryReservation
	nextID       uint64
}

func (r *fakeReservationRepo) FindActiveByItem(ctx context.Context, q repositories.Querier, inventoryItemID uint64) (*entities.InventoryReservation, error) {
	for _, res := range r.reservations {
		if res.InventoryItemID == inventoryItemID && res.ReleasedAt == nil {
			cp := *res
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeReservationRepo) FindActiveByDefect(ctx context.Context, q repositories.Querier, defectRecordID uint64) (*entities.InventoryReservation, error) {
	for _, res := range r.reservations {
		if res.DefectRecordID == defectRecordID && res.ReleasedAt == nil {
			cp := *res
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeReservationRepo) CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, inventoryItemID uint64) (*entities.InventoryReservation, error) {
	if existing, err := r.FindActiveByItem(ctx, tx, inventoryItemID); err == nil {
		return nil, &apperrors.InventoryConflictError{
			InventoryItemID:   inventoryItemID,
			CompetingDefectID: existing.DefectRecordID,
		}
	}
	res := &entities.InventoryReservation{
		ID:              r.nextID,
		DefectRecordID:  defectRecordID,
		InventoryItemID: inventoryItemID,
		ReservedAt:      time.Now(),
	}
	r.nextID++
	r.reservations = append(r.reservations, res)
	cp := *res
	return &cp, nil
}

func (r *fakeReservationRepo) ReleaseInTx(ctx context.Context, tx pgx.Tx, reservationID uint64) error {
	for _, res := range r.reservations {
		if res.ID == reservationID && res.ReleasedAt == nil {
			res.ReleasedAt = utils.ToPtr(time.Now())
		}
	}
	return nil
}

func (r *fakeReservationRepo) ReleaseAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error {
	for _, res := range r.reservations {
		if res.DefectRecordID == defectRecordID && res.ReleasedAt == nil {
			res.ReleasedAt = utils.ToPtr(time.Now())
		}
	}
	return nil
}

func (r *fakeReservationRepo) IsAvailable(ctx context.Context, inventoryItemID uint64) (bool, error) {
	_, err := r.FindActiveByItem(ctx, nil, inventoryItemID)
	return err != nil, nil
}

type fakeSubstituteRepo struct {
	assignments []*entities.SubstituteAssignment
	defects     *fakeDefectRepo
	nextID      uint64
}

func (r *fakeSubstituteRepo) FindActiveByServer(ctx context.Context, q repositories.Querier, serverID uint64) (*entities.SubstituteAssignment, error) {
	for _, a := range r.assignments {
		if a.SubstituteServerID == serverID && a.ReturnedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeSubstituteRepo) FindActiveByDefect(ctx context.Context, q repositories.Querier, defectRecordID uint64) (*entities.SubstituteAssignment, error) {
	for _, a := range r.assignments {
		if a.DefectRecordID == defectRecordID && a.ReturnedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeSubstituteRepo) HasOpenDefect(ctx context.Context, q repositories.Querier, serverID uint64) (bool, error) {
	_, err := r.defects.FindOpenByServer(ctx, q, serverID)
	return err == nil, nil
}

func (r *fakeSubstituteRepo) CreateInTx(ctx context.Context, tx pgx.Tx, defectRecordID, substituteServerID uint64) (*entities.SubstituteAssignment, error) {
	if existing, err := r.FindActiveByServer(ctx, tx, substituteServerID); err == nil {
		return nil, &apperrors.SubstituteUnavailableError{
			ServerID: substituteServerID,
			Reason:   fmt.Sprintf("уже выдан как подменный по записи %d", existing.DefectRecordID),
		}
	}
	if underRepair, _ := r.HasOpenDefect(ctx, tx, substituteServerID); underRepair {
		return nil, &apperrors.SubstituteUnavailableError{
			ServerID: substituteServerID,
			Reason:   "сервер сам находится в ремонте",
		}
	}
	a := &entities.SubstituteAssignment{
		ID:                 r.nextID,
		DefectRecordID:     defectRecordID,
		SubstituteServerID: substituteServerID,
		IssuedAt:           time.Now(),
	}
	r.nextID++
	r.assignments = append(r.assignments, a)
	cp := *a
	return &cp, nil
}

func (r *fakeSubstituteRepo) ReturnInTx(ctx context.Context, tx pgx.Tx, assignmentID uint64) error {
	for _, a := range r.assignments {
		if a.ID == assignmentID && a.ReturnedAt == nil {
			a.ReturnedAt = utils.ToPtr(time.Now())
		}
	}
	return nil
}

func (r *fakeSubstituteRepo) ReturnAllForDefectInTx(ctx context.Context, tx pgx.Tx, defectRecordID uint64) error {
	for _, a := range r.assignments {
		if a.DefectRecordID == defectRecordID && a.ReturnedAt == nil {
			a.ReturnedAt = utils.ToPtr(time.Now())
		}
	}
	return nil
}

func (r *fakeSubstituteRepo) IsAvailable(ctx context.Context, serverID uint64) (bool, error) {
	_, err := r.FindActiveByServer(ctx, nil, serverID)
	return err != nil, nil
}

type fakeEventRepo struct {
	events []entities.DefectEvent
}

func (r *fakeEventRepo) CreateEventInTx(ctx context.Context, tx pgx.Tx, event *entities.DefectEvent) error {
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeEventRepo) ListEvents(ctx context.Context, defectRecordID uint64) ([]entities.DefectEvent, error) {
	out := make([]entities.DefectEvent, 0)
	for _, e := range r.events {
		if e.DefectRecordID == defectRecordID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeCache struct {
	store    map[string]string
	delCalls int
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.store[key] = fmt.Sprint(value)
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := c.store[key]; ok {
		return v, nil
	}
	return "", apperrors.ErrNotFound
}

func (c *fakeCache) Del(ctx context.Context, key ...string) error {
	c.delCalls++
	for _, k := range key {
		delete(c.store, k)
	}
	return nil
}

// --- Сборка сервиса на фейках. ---

type testEnv struct {
	svc          DefectServiceInterface
	defects      *fakeDefectRepo
	reservations *fakeReservationRepo
	substitutes  *fakeSubstituteRepo
	events       *fakeEventRepo
	cache        *fakeCache
}

func newTestEnv() *testEnv {
	defects := newFakeDefectRepo()
	reservations := &fakeReservationRepo{nextID: 1}
	substitutes := &fakeSubstituteRepo{defects: defects, nextID: 1}
	events := &fakeEventRepo{}
	cache := &fakeCache{store: make(map[string]string)}

	svc := NewDefectService(
		&fakeTxManager{}, defects, reservations, substitutes, events, cache,
		NewSLAAnalyzer(testSLAConfig()), zap.NewNop(),
	)
	return &testEnv{
		svc:          svc,
		defects:      defects,
		reservations: reservations,
		substitutes:  substitutes,
		events:       events,
		cache:        cache,
	}
}

func actorCtx() context.Context {
	return context.WithValue(context.Background(), contextkeys.ActorIDKey, uint64(7))
}

func (e *testEnv) createDefect(t *testing.T, serverID uint64) uint64 {
	t.Helper()
	rec, err := e.svc.CreateDefect(actorCtx(), dto.CreateDefectDTO{
		ServerID:           serverID,
		ProblemDescription: "сервер не проходит POST",
		DetectedAt:         time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	return rec.ID
}

// Прогоняет запись до WAITING_PARTS с диагнозом по заданному компоненту.
func (e *testEnv) toWaitingParts(t *testing.T, id uint64, partType string) {
	t.Helper()
	_, err := e.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)
	rec, err := e.svc.CompleteDiagnosis(actorCtx(), id, dto.CompleteDiagnosisDTO{
		RepairPartType:  partType,
		DiagnosisResult: "деградация компонента",
	})
	require.NoError(t, err)
	require.Equal(t, constants.StatusWaitingParts, rec.Status)
}

func (e *testEnv) toRepairing(t *testing.T, id uint64, partType string, itemID uint64) {
	t.Helper()
	e.toWaitingParts(t, id, partType)
	_, err := e.svc.ReserveComponent(actorCtx(), id, dto.ReserveComponentDTO{InventoryItemID: itemID})
	require.NoError(t, err)
	rec, err := e.svc.StartRepair(actorCtx(), id)
	require.NoError(t, err)
	require.Equal(t, constants.StatusRepairing, rec.Status)
}

// --- Тесты. ---

func TestCreateDefect(t *testing.T) {
	env := newTestEnv()

	rec, err := env.svc.CreateDefect(actorCtx(), dto.CreateDefectDTO{
		ServerID:           10,
		ProblemDescription: "перезагружается под нагрузкой",
		DetectedAt:         time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusNew, rec.Status)
	assert.NotZero(t, rec.ID)

	require.Len(t, env.events.events, 1)
	assert.Equal(t, "create", env.events.events[0].Operation)
	assert.Equal(t, constants.StatusNew, env.events.events[0].ToStatus)
	assert.Equal(t, uint64(7), env.events.events[0].ActorID)
}

func TestCreateDefect_DuplicateOpenRecord(t *testing.T) {
	env := newTestEnv()
	env.createDefect(t, 10)

	_, err := env.svc.CreateDefect(actorCtx(), dto.CreateDefectDTO{
		ServerID:           10,
		ProblemDescription: "второй дефект того же сервера",
		DetectedAt:         time.Now(),
	})
	var inputErr *apperrors.InvalidInputError
	require.ErrorAs(t, err, &inputErr)
}

func TestCreateDefect_NoActorInContext(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateDefect(context.Background(), dto.CreateDefectDTO{
		ServerID:           10,
		ProblemDescription: "без актёра",
		DetectedAt:         time.Now(),
	})
	require.ErrorIs(t, err, apperrors.ErrActorIDNotFoundInContext)
}

func TestStartDiagnosis_AssignsActorAsDiagnostician(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	rec, err := env.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusDiagnosing, rec.Status)
	require.True(t, rec.DiagnosticianID.Valid)
	assert.Equal(t, uint64(7), rec.DiagnosticianID.Uint64)

	// Уже назначенный диагност не перезаписывается.
	other := uint64(99)
	env.defects.records[id].DiagnosticianID = &other
	env.defects.records[id].Status = constants.StatusNew
	rec, err = env.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)
	require.True(t, rec.DiagnosticianID.Valid)
	assert.Equal(t, other, rec.DiagnosticianID.Uint64)
}

func TestCompleteDiagnosis_RoutesToWaitingParts(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	_, err := env.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)

	rec, err := env.svc.CompleteDiagnosis(actorCtx(), id, dto.CompleteDiagnosisDTO{
		RepairPartType:         constants.PartRAM,
		DiagnosisResult:        "сбойный модуль памяти",
		DefectPartSerialVendor: utils.ToPtr("SN-123"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusWaitingParts, rec.Status)
	assert.Equal(t, constants.PartRAM, rec.RepairPartType.String)
	assert.Equal(t, "SN-123", rec.DefectPartSerialVendor.String)
	assert.False(t, rec.IsRepeatedDefect)
}

func TestCompleteDiagnosis_WithReservationRoutesToRepairing(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	_, err := env.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)

	// Бронь уже действует — диагностика уводит запись сразу в ремонт.
	env.reservations.reservations = append(env.reservations.reservations, &entities.InventoryReservation{
		ID: 1, DefectRecordID: id, InventoryItemID: 500, ReservedAt: time.Now(),
	})

	rec, err := env.svc.CompleteDiagnosis(actorCtx(), id, dto.CompleteDiagnosisDTO{
		RepairPartType:  constants.PartPSU,
		DiagnosisResult: "блок питания не держит нагрузку",
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusRepairing, rec.Status)
}

func TestReserveComponent_Conflict(t *testing.T) {
	env := newTestEnv()
	first := env.createDefect(t, 10)
	second := env.createDefect(t, 20)
	env.toWaitingParts(t, first, constants.PartHDD)
	env.toWaitingParts(t, second, constants.PartHDD)

	_, err := env.svc.ReserveComponent(actorCtx(), first, dto.ReserveComponentDTO{InventoryItemID: 500})
	require.NoError(t, err)

	_, err = env.svc.ReserveComponent(actorCtx(), second, dto.ReserveComponentDTO{InventoryItemID: 500})
	var conflict *apperrors.InventoryConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(500), conflict.InventoryItemID)
	assert.Equal(t, first, conflict.CompetingDefectID)

	// Конфликтная транзакция откатилась целиком: статус второй записи не тронут.
	rec, err := env.svc.FindDefect(actorCtx(), second)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusWaitingParts, rec.Status)

	// После снятия брони первой записью позиция снова доступна.
	_, err = env.svc.StartRepair(actorCtx(), first)
	require.NoError(t, err)
	_, err = env.svc.PerformReplacement(actorCtx(), first, dto.PerformReplacementDTO{
		ReplacementPartSerialVendor: "SN-NEW-1",
	})
	require.NoError(t, err)

	_, err = env.svc.ReserveComponent(actorCtx(), second, dto.ReserveComponentDTO{InventoryItemID: 500})
	require.NoError(t, err)
}

func TestStartRepair_RequiresActiveReservation(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toWaitingParts(t, id, constants.PartSSD)

	_, err := env.svc.StartRepair(actorCtx(), id)
	var transitionErr *apperrors.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, constants.OpStartRepair, transitionErr.Operation)

	_, err = env.svc.ReserveComponent(actorCtx(), id, dto.ReserveComponentDTO{InventoryItemID: 42})
	require.NoError(t, err)

	rec, err := env.svc.StartRepair(actorCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusRepairing, rec.Status)
}

func TestPerformReplacement_ReleasesReservation(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toRepairing(t, id, constants.PartHDD, 42)

	rec, err := env.svc.PerformReplacement(actorCtx(), id, dto.PerformReplacementDTO{
		ReplacementPartSerialVendor:       "SN-NEW-7",
		ReplacementPartSerialManufacturer: utils.ToPtr("MFG-NEW-7"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusRepairing, rec.Status)
	assert.Equal(t, "SN-NEW-7", rec.ReplacementPartSerialVendor.String)

	_, err = env.reservations.FindActiveByDefect(context.Background(), nil, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestVendorRoundTrip(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toWaitingParts(t, id, constants.PartMotherboard)

	rec, err := env.svc.SendToVendor(actorCtx(), id, dto.SendToVendorDTO{VendorTicketNumber: "VND-1001"})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSentToVendor, rec.Status)
	assert.Equal(t, "VND-1001", rec.VendorTicketNumber.String)
	assert.True(t, rec.SentToVendorAt.Valid)

	// Из SENT_TO_VENDOR нельзя сразу решить запись.
	_, err = env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "рано"})
	var transitionErr *apperrors.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)

	rec, err = env.svc.ReturnFromVendor(actorCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusReturned, rec.Status)
	assert.True(t, rec.ReturnedFromVendorAt.Valid)

	rec, err = env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "плата заменена вендором"})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusResolved, rec.Status)
	assert.True(t, rec.ResolvedAt.Valid)
}

func TestIssueSubstitute_ExclusivePerServer(t *testing.T) {
	env := newTestEnv()
	first := env.createDefect(t, 10)
	second := env.createDefect(t, 20)

	rec, err := env.svc.IssueSubstitute(actorCtx(), first, dto.IssueSubstituteDTO{
		SubstituteServerID:     900,
		SubstituteServerSerial: utils.ToPtr("SUB-900"),
	})
	require.NoError(t, err)
	assert.Equal(t, "SUB-900", rec.SubstituteServerSerial.String)

	// Один подменный сервер не выдаётся по двум записям одновременно.
	_, err = env.svc.IssueSubstitute(actorCtx(), second, dto.IssueSubstituteDTO{SubstituteServerID: 900})
	var unavailable *apperrors.SubstituteUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, uint64(900), unavailable.ServerID)

	// После возврата тот же сервер можно выдать повторно.
	rec, err = env.svc.ReturnSubstitute(actorCtx(), first)
	require.NoError(t, err)
	assert.False(t, rec.SubstituteServerSerial.Valid)

	_, err = env.svc.IssueSubstitute(actorCtx(), second, dto.IssueSubstituteDTO{SubstituteServerID: 900})
	require.NoError(t, err)
}

func TestIssueSubstitute_ServerUnderRepair(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.createDefect(t, 901)

	// Сервер с собственной открытой записью не годится в подменные.
	_, err := env.svc.IssueSubstitute(actorCtx(), id, dto.IssueSubstituteDTO{SubstituteServerID: 901})
	var unavailable *apperrors.SubstituteUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestIssueSubstitute_AlreadyIssuedForDefect(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	_, err := env.svc.IssueSubstitute(actorCtx(), id, dto.IssueSubstituteDTO{SubstituteServerID: 900})
	require.NoError(t, err)

	_, err = env.svc.IssueSubstitute(actorCtx(), id, dto.IssueSubstituteDTO{SubstituteServerID: 902})
	var inputErr *apperrors.InvalidInputError
	require.ErrorAs(t, err, &inputErr)
}

func TestReturnSubstitute_NoneActive(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	_, err := env.svc.ReturnSubstitute(actorCtx(), id)
	var inputErr *apperrors.InvalidInputError
	require.ErrorAs(t, err, &inputErr)
}

func TestResolve_RepetitionRouting(t *testing.T) {
	env := newTestEnv()

	// Предыдущий дефект того же сервера по HDD, решён 10 дней назад.
	priorResolved := time.Now().Add(-10 * 24 * time.Hour)
	env.defects.records[99] = &entities.DefectRecord{
		ID:             99,
		ServerID:       10,
		Status:         constants.StatusResolved,
		RepairPartType: utils.ToPtr(constants.PartHDD),
		DetectedAt:     priorResolved.Add(-5 * 24 * time.Hour),
		ResolvedAt:     &priorResolved,
	}

	id := env.createDefect(t, 10)
	_, err := env.svc.StartDiagnosis(actorCtx(), id)
	require.NoError(t, err)

	// Признак повторности проставляется уже на диагностике.
	rec, err := env.svc.CompleteDiagnosis(actorCtx(), id, dto.CompleteDiagnosisDTO{
		RepairPartType:  constants.PartHDD,
		DiagnosisResult: "тот же диск снова сыпется",
	})
	require.NoError(t, err)
	assert.True(t, rec.IsRepeatedDefect)
	assert.True(t, rec.RepeatedDefectDate.Valid)

	_, err = env.svc.ReserveComponent(actorCtx(), id, dto.ReserveComponentDTO{InventoryItemID: 42})
	require.NoError(t, err)
	_, err = env.svc.StartRepair(actorCtx(), id)
	require.NoError(t, err)

	rec, err = env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "диск заменён"})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusRepeated, rec.Status)
	assert.True(t, rec.IsRepeatedDefect)
	assert.True(t, rec.RepeatedDefectReason.Valid)
}

func TestResolve_NoPriorStaysResolved(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toRepairing(t, id, constants.PartCPU, 42)

	rec, err := env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "процессор заменён"})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusResolved, rec.Status)
	assert.False(t, rec.IsRepeatedDefect)
}

func TestResolve_ReleasesResources(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toRepairing(t, id, constants.PartHDD, 42)

	_, err := env.svc.IssueSubstitute(actorCtx(), id, dto.IssueSubstituteDTO{
		SubstituteServerID:     900,
		SubstituteServerSerial: utils.ToPtr("SUB-900"),
	})
	require.NoError(t, err)

	rec, err := env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "готово"})
	require.NoError(t, err)
	assert.False(t, rec.SubstituteServerSerial.Valid)

	_, err = env.reservations.FindActiveByDefect(context.Background(), nil, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = env.substitutes.FindActiveByDefect(context.Background(), nil, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdateStatus_Override(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	// Административный перевод в обход таблицы переходов.
	rec, err := env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{
		Status:  constants.StatusRepairing,
		Comment: utils.ToPtr("запись восстановлена после сбоя импорта"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusRepairing, rec.Status)

	last := env.events.events[len(env.events.events)-1]
	assert.Equal(t, constants.OpUpdateStatus, last.Operation)
	assert.True(t, last.IsOverride)
	assert.Equal(t, constants.StatusNew, last.FromStatus)
	assert.Equal(t, constants.StatusRepairing, last.ToStatus)
}

func TestUpdateStatus_TerminalImmutability(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toRepairing(t, id, constants.PartHDD, 42)

	_, err := env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "готово"})
	require.NoError(t, err)

	// Из RESOLVED нельзя назад в работу даже административно.
	_, err = env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{Status: constants.StatusRepairing})
	var transitionErr *apperrors.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)

	rec, err := env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{Status: constants.StatusClosed})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusClosed, rec.Status)

	// CLOSED — точка невозврата: ни обычные операции, ни override.
	_, err = env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{Status: constants.StatusNew})
	require.ErrorAs(t, err, &transitionErr)
	_, err = env.svc.StartDiagnosis(actorCtx(), id)
	require.ErrorAs(t, err, &transitionErr)
	_, err = env.svc.ReturnSubstitute(actorCtx(), id)
	require.ErrorAs(t, err, &transitionErr)
}

func TestUpdateStatus_CloseReleasesResources(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toWaitingParts(t, id, constants.PartHDD)

	_, err := env.svc.ReserveComponent(actorCtx(), id, dto.ReserveComponentDTO{InventoryItemID: 42})
	require.NoError(t, err)
	_, err = env.svc.IssueSubstitute(actorCtx(), id, dto.IssueSubstituteDTO{SubstituteServerID: 900})
	require.NoError(t, err)

	rec, err := env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{Status: constants.StatusClosed})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusClosed, rec.Status)
	assert.True(t, rec.ResolvedAt.Valid)

	_, err = env.reservations.FindActiveByDefect(context.Background(), nil, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = env.substitutes.FindActiveByDefect(context.Background(), nil, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetAvailableActions(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	actions, err := env.svc.GetAvailableActions(actorCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusNew, actions.Status)
	assert.Contains(t, actions.Actions, constants.OpStartDiagnosis)
	assert.Contains(t, actions.Actions, constants.OpIssueSubstitute)
	assert.NotContains(t, actions.Actions, constants.OpResolve)
	// Без активной выдачи возврат подменного не предлагается.
	assert.NotContains(t, actions.Actions, constants.OpReturnSubstitute)

	env.toWaitingParts(t, id, constants.PartHDD)

	// Без брони ремонт начать нельзя, операция скрыта.
	actions, err = env.svc.GetAvailableActions(actorCtx(), id)
	require.NoError(t, err)
	assert.NotContains(t, actions.Actions, constants.OpStartRepair)

	_, err = env.svc.ReserveComponent(actorCtx(), id, dto.ReserveComponentDTO{InventoryItemID: 42})
	require.NoError(t, err)

	actions, err = env.svc.GetAvailableActions(actorCtx(), id)
	require.NoError(t, err)
	assert.Contains(t, actions.Actions, constants.OpStartRepair)

	_, err = env.svc.UpdateStatus(actorCtx(), id, dto.UpdateStatusDTO{Status: constants.StatusClosed})
	require.NoError(t, err)

	actions, err = env.svc.GetAvailableActions(actorCtx(), id)
	require.NoError(t, err)
	assert.Empty(t, actions.Actions)
}

func TestGetStats_CacheLifecycle(t *testing.T) {
	env := newTestEnv()

	// Первый запрос идёт в хранилище, второй — из кеша.
	_, err := env.svc.GetStats(actorCtx(), types.Filter{})
	require.NoError(t, err)
	stats, err := env.svc.GetStats(actorCtx(), types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.defects.statsCalls)
	assert.Equal(t, uint64(3), stats.Total)

	// Запрос с фильтром кеш обходит.
	_, err = env.svc.GetStats(actorCtx(), types.Filter{
		Filter: map[string]interface{}{"status": constants.StatusNew},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, env.defects.statsCalls)

	// Любая мутация сбрасывает кеш.
	env.createDefect(t, 10)
	_, ok := env.cache.store[statsCacheKey]
	assert.False(t, ok)

	_, err = env.svc.GetStats(actorCtx(), types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, env.defects.statsCalls)
}

func TestListDefects(t *testing.T) {
	env := newTestEnv()
	env.createDefect(t, 10)
	env.createDefect(t, 20)

	records, total, err := env.svc.ListDefects(actorCtx(), types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
	assert.Len(t, records, 2)
	for _, rec := range records {
		assert.False(t, rec.SLABreached)
		assert.False(t, rec.SLADeadline.IsZero())
	}
}

func TestListEvents(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)
	env.toWaitingParts(t, id, constants.PartHDD)

	events, err := env.svc.ListEvents(actorCtx(), id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "create", events[0].Operation)
	assert.Equal(t, constants.OpStartDiagnosis, events[1].Operation)
	assert.Equal(t, constants.OpCompleteDiagnosis, events[2].Operation)

	_, err = env.svc.ListEvents(actorCtx(), 777)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv()
	id := env.createDefect(t, 10)

	var transitionErr *apperrors.InvalidTransitionError

	_, err := env.svc.Resolve(actorCtx(), id, dto.ResolveDTO{Resolution: "рано"})
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, constants.OpResolve, transitionErr.Operation)
	assert.Equal(t, constants.StatusNew, transitionErr.Status)

	_, err = env.svc.CompleteDiagnosis(actorCtx(), id, dto.CompleteDiagnosisDTO{
		RepairPartType:  constants.PartHDD,
		DiagnosisResult: "диагностика не начиналась",
	})
	require.ErrorAs(t, err, &transitionErr)

	_, err = env.svc.ReturnFromVendor(actorCtx(), id)
	require.ErrorAs(t, err, &transitionErr)
}
