package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/store"
	"ticket-gate/models"
)

const (
	testEventID = "evt-1"
	testUserID  = "user-1"
)

// MockGate records gate and feed notifications.
type MockGate struct {
	mock.Mock
}

func (m *MockGate) SendOpenCommand(ctx context.Context, deviceID, ticketID string, level models.GateAccessLevel) error {
	args := m.Called(deviceID, ticketID, level)
	return args.Error(0)
}

func (m *MockGate) PublishScan(ctx context.Context, eventID string, result models.ScanResult) error {
	args := m.Called(eventID, result.Status)
	return args.Error(0)
}

type auditEntry struct {
	Action   string
	Metadata map[string]any
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
	err     error
}

func (a *recordingAudit) Record(_ context.Context, action string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, auditEntry{Action: action, Metadata: metadata})
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// faultyStore fails reads of selected collections while leaving
// transactions untouched.
type faultyStore struct {
	store.Store
	mu         sync.Mutex
	getErr     map[string]error
	queryErr   map[string]error
	queryCalls int
}

func newFaultyStore(inner store.Store) *faultyStore {
	return &faultyStore{Store: inner, getErr: map[string]error{}, queryErr: map[string]error{}}
}

func (f *faultyStore) failGet(collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr[collection] = err
}

func (f *faultyStore) failQuery(collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr[collection] = err
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = map[string]error{}
	f.queryErr = map[string]error{}
}

func (f *faultyStore) Get(ctx context.Context, collection, id string, out any) error {
	f.mu.Lock()
	err := f.getErr[collection]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Get(ctx, collection, id, out)
}

func (f *faultyStore) Query(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	f.mu.Lock()
	err := f.queryErr[collection]
	f.queryCalls++
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, collection, q)
}

type fakeLimiter struct {
	err   error
	calls int
}

func (l *fakeLimiter) AllowManualEntry(context.Context, string) error {
	l.calls++
	return l.err
}

type fixture struct {
	mem       *store.MemoryStore
	store     *faultyStore
	signer    *secureqr.Signer
	inventory *InventoryService
	issuance  *IssuanceService
	checkout  *CheckoutService
	refunds   *RefundService
	checkin   *CheckInService
	edge      *EdgeValidator
	audit     *recordingAudit
}

func newFixture(t testing.TB) *fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	st := newFaultyStore(mem)
	signer, err := secureqr.NewSigner("test-signing-secret")
	require.NoError(t, err)

	f := &fixture{
		mem:    mem,
		store:  st,
		signer: signer,
		audit:  &recordingAudit{},
	}
	f.inventory = NewInventoryService(st, nil)
	f.issuance = NewIssuanceService(st, signer, nil)
	f.checkout = NewCheckoutService(st, f.inventory, f.issuance)
	f.refunds = NewRefundService(st, f.inventory, f.audit, nil)
	f.edge = NewEdgeValidator(st, time.Hour)
	f.checkin = NewCheckInService(CheckInDeps{
		Store:  st,
		Signer: signer,
		Edge:   f.edge,
		Audit:  f.audit,
	})

	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, store.Events, testEventID, models.Event{
		ID:     testEventID,
		Title:  "Summer Festival",
		Date:   time.Now().Add(48 * time.Hour),
		Status: "published",
	}))
	require.NoError(t, mem.Put(ctx, store.Events, "evt-2", models.Event{
		ID:     "evt-2",
		Title:  "Winter Gala",
		Date:   time.Now().Add(96 * time.Hour),
		Status: "published",
	}))
	require.NoError(t, mem.Put(ctx, store.TicketTiers, "ga", models.TicketTier{
		ID: "ga", EventID: testEventID, Name: "General", Quantity: 100, Price: decimal.NewFromInt(25),
	}))
	require.NoError(t, mem.Put(ctx, store.TicketTiers, "vip", models.TicketTier{
		ID: "vip", EventID: testEventID, Name: "VIP", AltID: "vip-legacy", Quantity: 2, Price: decimal.RequireFromString("99.50"),
	}))

	t.Cleanup(f.checkin.Wait)
	return f
}

// purchase runs checkout and payment confirmation for one user.
func (f *fixture) purchase(t testing.TB, items ...models.TierRequest) (*models.Booking, []models.Ticket) {
	t.Helper()
	ctx := context.Background()

	booking, err := f.checkout.Checkout(ctx, CheckoutRequest{
		UserID:        testUserID,
		EventID:       testEventID,
		Items:         items,
		AttendeeName:  "Ada Lovelace",
		AttendeeEmail: "ada@example.com",
		PaymentID:     "pay-" + uuid.NewString(),
	})
	require.NoError(t, err)

	res, err := f.checkout.ConfirmPayment(ctx, booking.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	return res.Booking, res.Report.Tickets
}

func (f *fixture) tier(t testing.TB, id string) models.TicketTier {
	t.Helper()
	var tier models.TicketTier
	require.NoError(t, f.mem.Get(context.Background(), store.TicketTiers, id, &tier))
	return tier
}

func (f *fixture) ticket(t testing.TB, id string) models.Ticket {
	t.Helper()
	var ticket models.Ticket
	require.NoError(t, f.mem.Get(context.Background(), store.Tickets, id, &ticket))
	return ticket
}

func (f *fixture) scan(code string, method models.ScanMethod) models.ScanResult {
	return f.checkin.Process(context.Background(), ScanInput{
		EventID:    testEventID,
		DeviceID:   "gate-a",
		OperatorID: "op-1",
		Code:       code,
		Method:     method,
	})
}
