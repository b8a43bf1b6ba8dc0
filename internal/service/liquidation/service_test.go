package liquidation

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	core "github.com/jwalitptl/clinic-liquidation/internal/liquidation"
	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/queue"
	"github.com/jwalitptl/clinic-liquidation/pkg/errors"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/messaging"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
)

type fakeStore struct {
	mu          sync.Mutex
	records     []model.Record
	rates       map[int]decimal.Decimal
	settlements []model.Settlement
	deleted     []string
	listCalls   int
	rateCalls   int

	listErr   error
	createErr error
	deleteErr error
	doctorErr error

	// listGate, when set, holds ListRecords after it has read the records
	// until the channel is closed. listStarted is signalled on each hold.
	listGate    chan struct{}
	listStarted chan struct{}
}

func (f *fakeStore) ListDoctors(context.Context, model.Credentials, string) ([]string, error) {
	if f.doctorErr != nil {
		return nil, f.doctorErr
	}
	return []string{"Dra. Gómez"}, nil
}

func (f *fakeStore) ListAssistants(context.Context, model.Credentials, string) ([]string, error) {
	return []string{"Laura"}, nil
}

func (f *fakeStore) ListServices(context.Context, model.Credentials) ([]model.ServiceItem, error) {
	return []model.ServiceItem{{Name: "Ortodoncia", Price: decimal.NewFromInt(100000)}}, nil
}

func (f *fakeStore) ListPaymentMethods(context.Context, model.Credentials) ([]string, error) {
	return []string{"Efectivo", "Tarjeta"}, nil
}

func (f *fakeStore) GetPercentage(_ context.Context, _ model.Credentials, ruleID int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateCalls++
	rate, ok := f.rates[ruleID]
	if !ok {
		return decimal.Zero, stderrors.New("no such rule")
	}
	return rate, nil
}

func (f *fakeStore) ListRecords(context.Context, model.Credentials, string) ([]model.Record, error) {
	f.mu.Lock()
	f.listCalls++
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	records := append([]model.Record(nil), f.records...)
	gate, started := f.listGate, f.listStarted
	f.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return records, nil
}

func (f *fakeStore) CreateSettlement(_ context.Context, _ model.Credentials, s *model.Settlement) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.settlements = append(f.settlements, *s)
	return nil
}

func (f *fakeStore) DeleteRecords(_ context.Context, _ model.Credentials, _ string, ids []string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeStore) ListSettlements(context.Context, model.Credentials, string) ([]model.Settlement, error) {
	return f.settlements, nil
}

type atomicStore struct {
	*fakeStore
	settleErr error
	settled   int
}

func (a *atomicStore) Settle(_ context.Context, _ model.Credentials, s *model.Settlement) error {
	if a.settleErr != nil {
		return a.settleErr
	}
	a.settled++
	a.settlements = append(a.settlements, *s)
	return nil
}

func day(d int) model.Date {
	return model.NewDate(2024, time.March, d)
}

func rec(id, patient, service string, d int, total int64, completed bool) model.Record {
	r := model.Record{
		ID:                 id,
		SiteID:             "1",
		PatientName:        patient,
		PractitionerName:   "Dra. Gómez",
		Service:            service,
		Date:               day(d),
		Total:              decimal.NewFromInt(total),
		SessionsCompleted:  1,
		SessionsToComplete: 2,
		OwnPatient:         true,
		PercentageRuleID:   2,
		PaymentMethod:      "Efectivo",
	}
	if completed {
		done := day(d)
		r.CompletionDate = &done
	}
	return r
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: []model.Record{
			rec("1", "Ana", "Ortodoncia", 1, 100000, true),
			rec("2", "Ana", "Ortodoncia", 8, 50000, true),
			rec("3", "Luis", "Resina", 5, 60000, true),
			rec("4", "Luis", "Resina", 9, 30000, false),
			rec("5", "Marta", "Limpieza", 10, 80000, true),
		},
		rates: map[int]decimal.Decimal{2: decimal.NewFromInt(50)},
	}
}

var creds = model.Credentials{Token: "t"}

func query() model.ViewQuery {
	return model.ViewQuery{
		SiteID:           "1",
		Practitioner:     "Dra. Gómez",
		PractitionerType: model.PractitionerDoctor,
		From:             day(1),
		To:               day(31),
	}
}

func newTestService(store repository.RecordStore, opts ...Option) *Service {
	clock := WithClock(func() time.Time { return time.Date(2024, 4, 2, 15, 0, 0, 0, time.UTC) })
	return NewService(store, Config{}, metrics.New("test", nil), logger.Nop(), append([]Option{clock}, opts...)...)
}

func TestViewClassifiesAndTotals(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	view, err := svc.View(context.Background(), creds, "s1", query(), false)
	require.NoError(t, err)

	require.Len(t, view.Complete, 2)
	require.Len(t, view.Pending, 1)
	assert.Equal(t, "Ana|Ortodoncia", view.Complete[0].Key)
	assert.Equal(t, "75000", view.Complete[0].Payable.String())
	assert.Equal(t, "Luis|Resina", view.Pending[0].Key)
	assert.Equal(t, "115000", view.Total.String())
	assert.Equal(t, 5, view.RecordCount)
	assert.Equal(t, []string{"Ana", "Luis", "Marta"}, view.Patients)
	assert.Empty(t, view.Settled)
	assert.Equal(t, 1, store.rateCalls)
}

func TestViewUsesSnapshotUntilReload(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.View(ctx, creds, "", query(), false)
	require.NoError(t, err)
	_, err = svc.View(ctx, creds, "", query(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, store.listCalls)

	_, err = svc.View(ctx, creds, "", query(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
}

func TestViewRejectsInvalidQuery(t *testing.T) {
	svc := newTestService(newFakeStore())
	q := query()
	q.From = day(20)
	q.To = day(10)

	_, err := svc.View(context.Background(), creds, "", q, false)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestViewUpstreamFailure(t *testing.T) {
	store := newFakeStore()
	store.listErr = stderrors.New("dial tcp: refused")
	svc := newTestService(store)

	_, err := svc.View(context.Background(), creds, "", query(), false)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrUpstream, appErr.Code)
	assert.Equal(t, "error loading data, please try again", appErr.Message)
}

func TestSettleGroupRemovesRecordsFromLocalState(t *testing.T) {
	store := newFakeStore()
	pub := &messaging.MemoryPublisher{}
	svc := newTestService(store, WithPublisher(pub))
	ctx := context.Background()

	res, err := svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Ana", Service: "Ortodoncia"})
	require.NoError(t, err)
	assert.False(t, res.CleanupPending)
	assert.Equal(t, "75000", res.Total.String())
	assert.Equal(t, "2024-04-02", res.Settlement.SettledOn.String())
	assert.Equal(t, []string{"1", "2"}, res.Settlement.RecordIDs())

	require.Len(t, store.settlements, 1)
	assert.Equal(t, []string{"1", "2"}, store.deleted)

	view, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	for _, g := range append(view.Complete, view.Pending...) {
		assert.NotEqual(t, "Ana|Ortodoncia", g.Key)
	}
	require.Len(t, view.Settled, 1)
	assert.Equal(t, "Ana|Ortodoncia", view.Settled[0].Key)
	assert.Equal(t, 1, store.listCalls)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventSettled, msgs[0].Type)
	event := msgs[0].Payload.(model.SettledEvent)
	assert.Equal(t, res.Settlement.ID, event.SettlementID)
}

func TestSettleGroupPendingAndUnknown(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.SettleGroup(ctx, creds, "", query(), core.GroupKey{Patient: "Luis", Service: "Resina"})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = svc.SettleGroup(ctx, creds, "", query(), core.GroupKey{Patient: "Nadie", Service: "Resina"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Empty(t, store.settlements)
}

func TestSettleGroupMatchesKeyPartsExactly(t *testing.T) {
	store := newFakeStore()
	store.records = []model.Record{
		rec("1", "Ana|María", "Ortodoncia", 1, 100000, true),
		rec("2", "Ana", "María|Ortodoncia", 2, 40000, true),
		rec("3", "Luis", "", 3, 20000, true),
	}
	svc := newTestService(store)
	ctx := context.Background()

	res, err := svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Ana|María", Service: "Ortodoncia"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Settlement.RecordIDs())

	res, err = svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Luis", Service: ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, res.Settlement.RecordIDs())

	view, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	require.Len(t, view.Complete, 1)
	assert.Equal(t, "Ana", view.Complete[0].Patient)
	assert.Equal(t, "María|Ortodoncia", view.Complete[0].Service)
}

func TestSettleAll(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	res, err := svc.SettleAll(ctx, creds, "s1", query())
	require.NoError(t, err)
	require.Len(t, res.Settled, 2)
	assert.Equal(t, "115000", res.Total.String())
	assert.ElementsMatch(t, []string{"1", "2", "5"}, store.deleted)

	_, err = svc.SettleAll(ctx, creds, "s1", query())
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSettlePersistFailureHasNoSideEffects(t *testing.T) {
	store := newFakeStore()
	store.createErr = stderrors.New("timeout")
	pub := &messaging.MemoryPublisher{}
	svc := newTestService(store, WithPublisher(pub))
	ctx := context.Background()

	_, err := svc.SettleAll(ctx, creds, "s1", query())
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrUpstream, appErr.Code)
	assert.Equal(t, "error settling services, please try again", appErr.Message)
	assert.Empty(t, store.deleted)
	assert.Empty(t, pub.Messages())

	view, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	assert.Len(t, view.Complete, 2)
	assert.Empty(t, view.Settled)
}

func TestSettleDeleteFailureQueuesPendingDeletion(t *testing.T) {
	store := newFakeStore()
	store.deleteErr = stderrors.New("503")
	pending := queue.NewMemory()
	svc := newTestService(store, WithPendingQueue(pending))
	ctx := context.Background()

	res, err := svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Marta", Service: "Limpieza"})
	require.NoError(t, err)
	assert.True(t, res.CleanupPending)

	p, err := pending.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, res.Settlement.ID, p.SettlementID)
	assert.Equal(t, "1", p.SiteID)
	assert.Equal(t, []string{"5"}, p.RecordIDs)

	view, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	for _, g := range view.Complete {
		assert.NotEqual(t, "Marta|Limpieza", g.Key)
	}
}

func TestSettledRecordsStayHiddenAfterReloadWhenDeleteFails(t *testing.T) {
	store := newFakeStore()
	store.deleteErr = stderrors.New("503")
	svc := newTestService(store, WithPendingQueue(queue.NewMemory()))
	ctx := context.Background()

	res, err := svc.SettleAll(ctx, creds, "s1", query())
	require.NoError(t, err)
	assert.True(t, res.CleanupPending)

	view, err := svc.View(ctx, creds, "s1", query(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
	assert.Empty(t, view.Complete)
	assert.Equal(t, 2, view.RecordCount)

	_, err = svc.SettleAll(ctx, creds, "s1", query())
	assert.True(t, errors.Is(err, errors.ErrConflict))
	_, err = svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Marta", Service: "Limpieza"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Len(t, store.settlements, 1)
}

func TestReloadRacingSettleDoesNotRestoreSettledRecords(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)

	store.mu.Lock()
	store.listGate = make(chan struct{})
	store.listStarted = make(chan struct{}, 1)
	store.mu.Unlock()

	reloaded := make(chan error, 1)
	go func() {
		_, err := svc.View(ctx, creds, "s2", query(), true)
		reloaded <- err
	}()
	<-store.listStarted

	_, err = svc.SettleAll(ctx, creds, "s1", query())
	require.NoError(t, err)

	close(store.listGate)
	require.NoError(t, <-reloaded)

	_, err = svc.SettleAll(ctx, creds, "s1", query())
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Len(t, store.settlements, 1)

	view, err := svc.View(ctx, creds, "s2", query(), false)
	require.NoError(t, err)
	assert.Empty(t, view.Complete)
}

func TestSettleConflictFromAtomicSettler(t *testing.T) {
	store := &atomicStore{
		fakeStore: newFakeStore(),
		settleErr: fmt.Errorf("deleted 2 of 3 records: %w", repository.ErrConflict),
	}
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.SettleAll(ctx, creds, "s1", query())
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrConflict, appErr.Code)
	assert.Empty(t, store.settlements)

	_, err = svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
}

func TestSettleUsesAtomicSettler(t *testing.T) {
	store := &atomicStore{fakeStore: newFakeStore()}
	svc := newTestService(store)

	_, err := svc.SettleAll(context.Background(), creds, "", query())
	require.NoError(t, err)
	assert.Equal(t, 1, store.settled)
	assert.Empty(t, store.deleted)

	store2 := &atomicStore{fakeStore: newFakeStore(), settleErr: stderrors.New("serialization failure")}
	svc2 := newTestService(store2)
	_, err = svc2.SettleAll(context.Background(), creds, "", query())
	assert.True(t, errors.Is(err, errors.ErrUpstream))
}

func TestResetClearsSettledMemory(t *testing.T) {
	svc := newTestService(newFakeStore())
	ctx := context.Background()

	_, err := svc.SettleAll(ctx, creds, "s1", query())
	require.NoError(t, err)
	require.NoError(t, svc.Reset("s1", query()))

	view, err := svc.View(ctx, creds, "s1", query(), false)
	require.NoError(t, err)
	assert.Empty(t, view.Settled)
}

func readSheet(t *testing.T, body []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(ExportSheet)
	require.NoError(t, err)
	return rows
}

func TestExportPrefersSettledGroups(t *testing.T) {
	svc := newTestService(newFakeStore())
	ctx := context.Background()

	file, err := svc.Export(ctx, creds, "s1", query())
	require.NoError(t, err)
	assert.Equal(t, "complete", file.Source)
	assert.Equal(t, "Liquidacion_Dra._Gómez_2024-03-01_a_2024-03-31.xlsx", file.Name)
	assert.Len(t, readSheet(t, file.Body), 3)

	_, err = svc.SettleGroup(ctx, creds, "s1", query(), core.GroupKey{Patient: "Ana", Service: "Ortodoncia"})
	require.NoError(t, err)

	file, err = svc.Export(ctx, creds, "s1", query())
	require.NoError(t, err)
	assert.Equal(t, "settled", file.Source)
	rows := readSheet(t, file.Body)
	require.Len(t, rows, 2)
	assert.Equal(t, core.ExportHeaders, rows[0])
	assert.Equal(t, "Ana", rows[1][0])
}

func TestExportEmptyProducesHeaderOnly(t *testing.T) {
	store := newFakeStore()
	store.records = nil
	svc := newTestService(store)

	file, err := svc.Export(context.Background(), creds, "", query())
	require.NoError(t, err)
	rows := readSheet(t, file.Body)
	require.Len(t, rows, 1)
	assert.Equal(t, core.ExportHeaders, rows[0])
}

func TestReferenceDataDegradesToEmpty(t *testing.T) {
	store := newFakeStore()
	store.doctorErr = stderrors.New("down")
	svc := newTestService(store)

	ref, err := svc.ReferenceData(context.Background(), creds, "1", model.PractitionerDoctor)
	require.NoError(t, err)
	assert.Empty(t, ref.Practitioners)
	assert.NotNil(t, ref.Practitioners)
	assert.Len(t, ref.Services, 1)
	assert.Equal(t, []string{"Efectivo", "Tarjeta"}, ref.PaymentMethods)

	ref, err = svc.ReferenceData(context.Background(), creds, "1", model.PractitionerAssistant)
	require.NoError(t, err)
	assert.Equal(t, []string{"Laura"}, ref.Practitioners)

	_, err = svc.ReferenceData(context.Background(), creds, "", model.PractitionerDoctor)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestListSettlements(t *testing.T) {
	svc := newTestService(newFakeStore())
	list, err := svc.ListSettlements(context.Background(), creds, "Dra. Gómez")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
