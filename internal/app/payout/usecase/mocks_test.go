package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/memory"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// Common test errors
var (
	ErrMockPublish  = errors.New("mock publish error")
	ErrMockProvider = errors.New("mock provider unavailable")
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockProvider implements usecase.Provider for testing
type MockProvider struct {
	mu            sync.Mutex
	TransferFunc  func(ctx context.Context, req usecase.TransferRequest) (*usecase.TransferResult, error)
	FetchFunc     func(ctx context.Context, reference string) (*domain.Outcome, error)
	Requests      []usecase.TransferRequest
	FetchedRefs   []string
	transferCalls int
}

func (m *MockProvider) Transfer(ctx context.Context, req usecase.TransferRequest) (*usecase.TransferResult, error) {
	m.mu.Lock()
	m.transferCalls++
	m.Requests = append(m.Requests, req)
	fn := m.TransferFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &usecase.TransferResult{TransferID: "TRF_" + req.Reference, Status: domain.TransferPending}, nil
}

func (m *MockProvider) FetchTransfer(ctx context.Context, reference string) (*domain.Outcome, error) {
	m.mu.Lock()
	m.FetchedRefs = append(m.FetchedRefs, reference)
	fn := m.FetchFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, reference)
	}
	return &domain.Outcome{Reference: reference, Status: domain.TransferPending}, nil
}

func (m *MockProvider) TransferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferCalls
}

func (m *MockProvider) LastRequest() usecase.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[len(m.Requests)-1]
}

// MockParser implements usecase.CallbackParser; the body is used as the reference
type MockParser struct {
	Outcomes map[string]*domain.Outcome
	Err      error
}

func (m *MockParser) ParseCallback(body []byte, _ string) (*domain.Outcome, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out, ok := m.Outcomes[string(body)]
	if !ok {
		return nil, &domain.ValidationError{Field: "body", Reason: "unknown test payload"}
	}
	c := *out
	return &c, nil
}

// MockJournal implements usecase.CallbackJournal in memory
type MockJournal struct {
	mu        sync.Mutex
	entries   []usecase.JournalEntry
	AppendErr error
	Applied   []string
}

func (m *MockJournal) Append(entry usecase.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockJournal) MarkApplied(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Applied = append(m.Applied, id)
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].Applied = true
		}
	}
	return nil
}

func (m *MockJournal) Pending() ([]usecase.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []usecase.JournalEntry
	for _, e := range m.entries {
		if !e.Applied {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecordingPublisher implements usecase.EventPublisher
type RecordingPublisher struct {
	mu         sync.Mutex
	Events     []domain.OutboxEvent
	FailOnCall int // Fail on Nth call (0 = never fail)
	CallCount  int
}

func (p *RecordingPublisher) Publish(_ context.Context, events []domain.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCount++
	if p.FailOnCall > 0 && p.CallCount == p.FailOnCall {
		return ErrMockPublish
	}
	p.Events = append(p.Events, events...)
	return nil
}

// fixture 以 memory store 組出完整的 usecase
type fixture struct {
	store       *memory.Store
	bank        *memory.StaticRegistry
	provider    *MockProvider
	clock       *fakeClock
	cfg         usecase.Config
	obligations *usecase.ObligationService
	aggregator  *usecase.Aggregator
	reconciler  *usecase.Reconciler
	submitter   *usecase.Submitter
	operator    *usecase.OperatorService
}

func newFixture(t *testing.T, opts ...usecase.ReconcilerOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		store:    memory.NewStore(),
		bank:     memory.NewStaticRegistry(nil),
		provider: &MockProvider{},
		clock:    clock,
		cfg: usecase.Config{
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffMax:  time.Hour,
			Currency:    "NGN",
			PollAfter:   10 * time.Minute,
			BatchSize:   100,
			Clock:       clock.Now,
		},
	}
	f.obligations = usecase.NewObligationService(f.store)
	f.aggregator = usecase.NewAggregator(f.store, f.bank, f.cfg)
	f.reconciler = usecase.NewReconciler(f.store, f.provider, f.cfg, opts...)
	f.submitter = usecase.NewSubmitter(f.store, f.provider, f.reconciler, f.cfg)
	f.operator = usecase.NewOperatorService(f.store, f.aggregator, f.submitter)
	return f
}

func testBank(restaurantID string) domain.BankDetails {
	return domain.BankDetails{
		AccountNumber: "0000" + restaurantID,
		AccountName:   "Restaurant " + restaurantID,
		BankCode:      "058",
	}
}

func money(t *testing.T, s string) domain.Money {
	t.Helper()
	m, err := domain.ParseMoney(s)
	if err != nil {
		t.Fatalf("parse money %q: %v", s, err)
	}
	return m
}

func strPtr(s string) *string { return &s }

// seed 建立一筆 order_settlement obligation
func (f *fixture) seed(t *testing.T, restaurantID, amount string) *domain.Obligation {
	t.Helper()
	o, err := f.obligations.CreateObligation(context.Background(), usecase.CreateObligationInput{
		RestaurantID: restaurantID,
		Amount:       money(t, amount),
		Reason:       domain.ReasonOrderSettlement,
	})
	if err != nil {
		t.Fatalf("seed obligation: %v", err)
	}
	return o
}

func (f *fixture) aggregate(t *testing.T) *usecase.BatchResult {
	t.Helper()
	res, err := f.aggregator.RunAggregationCycle(context.Background())
	if err != nil {
		t.Fatalf("aggregation cycle: %v", err)
	}
	return res
}

func (f *fixture) submit(t *testing.T) *usecase.SubmitResult {
	t.Helper()
	res, err := f.submitter.SubmitReady(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (f *fixture) detail(t *testing.T, aggregateID string) *usecase.AggregateDetail {
	t.Helper()
	d, err := f.operator.GetAggregate(context.Background(), aggregateID)
	if err != nil {
		t.Fatalf("get aggregate %s: %v", aggregateID, err)
	}
	return d
}

func (f *fixture) obligation(t *testing.T, id string) *domain.Obligation {
	t.Helper()
	o, err := f.obligations.GetObligation(context.Background(), id)
	if err != nil {
		t.Fatalf("get obligation %s: %v", id, err)
	}
	return o
}

func (f *fixture) openAlerts(t *testing.T) []domain.Alert {
	t.Helper()
	alerts, err := f.operator.ListAlerts(context.Background(), true)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return alerts
}

func (f *fixture) events(t *testing.T) []domain.OutboxEvent {
	t.Helper()
	var out []domain.OutboxEvent
	err := f.store.Transaction(context.Background(), func(tx usecase.Repository) error {
		var err error
		out, err = tx.LockUnpublishedEvents(context.Background(), 0)
		return err
	})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return out
}

func eventTypes(events []domain.OutboxEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func hasEvent(events []domain.OutboxEvent, typ domain.EventType, entityID string) bool {
	for _, e := range events {
		if e.Type == typ && e.EntityID == entityID {
			return true
		}
	}
	return false
}

func acceptWith(status domain.TransferStatus) func(context.Context, usecase.TransferRequest) (*usecase.TransferResult, error) {
	return func(_ context.Context, req usecase.TransferRequest) (*usecase.TransferResult, error) {
		return &usecase.TransferResult{TransferID: "TRF_" + req.Reference, Status: status}, nil
	}
}

func rejectWith(code string) func(context.Context, usecase.TransferRequest) (*usecase.TransferResult, error) {
	return func(context.Context, usecase.TransferRequest) (*usecase.TransferResult, error) {
		return nil, &domain.ProviderRejectionError{Code: code, Message: "rejected by test"}
	}
}
