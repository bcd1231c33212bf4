package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// Store 是一個使用 Mutex 實現的付款資料庫 (單機、測試用)
//
// 結構:
//
//	mu: 整個 transaction 期間持有，交易彼此完全序列化
//	state: 已提交的資料
//
// Transaction 在複本上執行 fn，成功才替換成新的 state，失敗則丟棄複本 (rollback)。
// 回傳給呼叫端的都是複本，修改後必須透過 Update* 寫回。
type Store struct {
	mu    sync.Mutex
	state *state
	seq   int64
}

type state struct {
	obligations map[string]*domain.Obligation
	aggregates  map[string]*domain.AggregatedPayout
	batches     map[string]*domain.PayoutBatch
	alerts      map[string]*domain.Alert
	events      []*domain.OutboxEvent
	// orderKeys (order_id, reason) 唯一索引
	orderKeys map[string]string
	// seq 記錄寫入順序，created_at 相同時用來穩定排序
	seq map[string]int64
}

// NewStore 建立一個空的 Store
func NewStore() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		obligations: make(map[string]*domain.Obligation),
		aggregates:  make(map[string]*domain.AggregatedPayout),
		batches:     make(map[string]*domain.PayoutBatch),
		alerts:      make(map[string]*domain.Alert),
		orderKeys:   make(map[string]string),
		seq:         make(map[string]int64),
	}
}

// Transaction 執行 fn，fn 回傳錯誤時不保留任何變更
//
// 參數:
//
//	ctx: 上下文
//	fn: 交易內的操作
//
// 回傳:
//
//	error: fn 的錯誤或 ctx 已取消
func (s *Store) Transaction(ctx context.Context, fn func(tx usecase.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &repo{store: s, st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.obligations {
		c.obligations[k] = cloneObligation(v)
	}
	for k, v := range s.aggregates {
		c.aggregates[k] = cloneAggregate(v)
	}
	for k, v := range s.batches {
		c.batches[k] = cloneBatch(v)
	}
	for k, v := range s.alerts {
		a := *v
		c.alerts[k] = &a
	}
	c.events = make([]*domain.OutboxEvent, 0, len(s.events))
	for _, e := range s.events {
		ev := *e
		c.events = append(c.events, &ev)
	}
	for k, v := range s.orderKeys {
		c.orderKeys[k] = v
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	return c
}

// repo 交易內的 Repository，只操作 st (複本)
type repo struct {
	store *Store
	st    *state
}

func (r *repo) nextSeq(id string) {
	r.store.seq++
	r.st.seq[id] = r.store.seq
}

func (r *repo) less(idA, idB string, a, b time.Time) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return r.st.seq[idA] < r.st.seq[idB]
}

// --- obligations ---

func orderKey(o *domain.Obligation) string {
	if o.OrderID == nil {
		return ""
	}
	return *o.OrderID + "\x00" + o.Reason
}

func (r *repo) CreateObligation(_ context.Context, o *domain.Obligation) error {
	if key := orderKey(o); key != "" {
		if _, ok := r.st.orderKeys[key]; ok {
			return domain.ErrDuplicateObligation
		}
		r.st.orderKeys[key] = o.ID
	}
	r.st.obligations[o.ID] = cloneObligation(o)
	r.nextSeq(o.ID)
	return nil
}

func (r *repo) GetObligation(_ context.Context, id string) (*domain.Obligation, error) {
	o, ok := r.st.obligations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneObligation(o), nil
}

func (r *repo) LockObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	return r.GetObligation(ctx, id)
}

func (r *repo) UpdateObligation(_ context.Context, o *domain.Obligation) error {
	if _, ok := r.st.obligations[o.ID]; !ok {
		return domain.ErrNotFound
	}
	r.st.obligations[o.ID] = cloneObligation(o)
	return nil
}

func (r *repo) ListClaimable(_ context.Context, restaurantID string) ([]domain.Obligation, error) {
	return r.obligationsWhere(func(o *domain.Obligation) bool {
		return o.Status == domain.ObligationPending && !o.IsLinked() &&
			(restaurantID == "" || o.RestaurantID == restaurantID)
	}), nil
}

func (r *repo) PendingRestaurants(_ context.Context, limit int) ([]string, error) {
	pending := r.obligationsWhere(func(o *domain.Obligation) bool {
		return o.Status == domain.ObligationPending && !o.IsLinked()
	})
	seen := make(map[string]bool)
	var out []string
	for _, o := range pending {
		if seen[o.RestaurantID] {
			continue
		}
		seen[o.RestaurantID] = true
		out = append(out, o.RestaurantID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LockRestaurant Store 的交易已完全序列化，永遠取得成功
func (r *repo) LockRestaurant(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (r *repo) LockPendingObligations(ctx context.Context, restaurantID string) ([]domain.Obligation, error) {
	if restaurantID == "" {
		return nil, nil
	}
	return r.ListClaimable(ctx, restaurantID)
}

func (r *repo) ListObligationsByAggregate(_ context.Context, aggregateID string) ([]domain.Obligation, error) {
	return r.obligationsWhere(func(o *domain.Obligation) bool {
		return o.ParentAggregateID != nil && *o.ParentAggregateID == aggregateID
	}), nil
}

func (r *repo) SetObligationsStatus(_ context.Context, aggregateID string, status domain.ObligationStatus, now time.Time) error {
	for _, o := range r.st.obligations {
		if o.ParentAggregateID != nil && *o.ParentAggregateID == aggregateID {
			o.Status = status
			o.UpdatedAt = now
		}
	}
	return nil
}

func (r *repo) ReleaseObligations(_ context.Context, aggregateID string, now time.Time) (int, error) {
	n := 0
	for _, o := range r.st.obligations {
		if o.ParentAggregateID != nil && *o.ParentAggregateID == aggregateID {
			o.Release(now)
			n++
		}
	}
	return n, nil
}

func (r *repo) obligationsWhere(match func(*domain.Obligation) bool) []domain.Obligation {
	out := make([]domain.Obligation, 0)
	for _, o := range r.st.obligations {
		if match(o) {
			out = append(out, *cloneObligation(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.less(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out
}

// --- aggregates ---

func (r *repo) CreateAggregate(_ context.Context, a *domain.AggregatedPayout) error {
	if !a.Status.IsTerminal() {
		for _, other := range r.st.aggregates {
			if other.RestaurantID == a.RestaurantID && !other.Status.IsTerminal() {
				return domain.ErrInvalidTransition
			}
		}
	}
	r.st.aggregates[a.ID] = cloneAggregate(a)
	r.nextSeq(a.ID)
	return nil
}

func (r *repo) GetAggregate(_ context.Context, id string) (*domain.AggregatedPayout, error) {
	a, ok := r.st.aggregates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAggregate(a), nil
}

func (r *repo) LockAggregate(ctx context.Context, id string) (*domain.AggregatedPayout, error) {
	return r.GetAggregate(ctx, id)
}

func (r *repo) UpdateAggregate(_ context.Context, a *domain.AggregatedPayout) error {
	if _, ok := r.st.aggregates[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.st.aggregates[a.ID] = cloneAggregate(a)
	return nil
}

func (r *repo) FindOpenAggregate(_ context.Context, restaurantID string) (*domain.AggregatedPayout, error) {
	open := r.aggregatesWhere(func(a *domain.AggregatedPayout) bool {
		return a.RestaurantID == restaurantID && !a.Status.IsTerminal()
	}, 1)
	if len(open) == 0 {
		return nil, domain.ErrNotFound
	}
	return &open[0], nil
}

func (r *repo) LockUnbatchedAggregates(_ context.Context) ([]domain.AggregatedPayout, error) {
	return r.aggregatesWhere(func(a *domain.AggregatedPayout) bool {
		return a.Status == domain.AggregateBatched && a.Amount > 0 && a.PayoutBatchID == nil
	}, 0), nil
}

func (r *repo) ListReadyAggregates(_ context.Context, batchID string, limit int) ([]domain.AggregatedPayout, error) {
	return r.aggregatesWhere(func(a *domain.AggregatedPayout) bool {
		return a.IsReady() && (batchID == "" || *a.PayoutBatchID == batchID)
	}, limit), nil
}

func (r *repo) ListStaleProcessing(_ context.Context, before time.Time, limit int) ([]domain.AggregatedPayout, error) {
	return r.aggregatesWhere(func(a *domain.AggregatedPayout) bool {
		return a.Status == domain.AggregateProcessing && a.UpdatedAt.Before(before)
	}, limit), nil
}

func (r *repo) ListAggregatesByBatch(_ context.Context, batchID string) ([]domain.AggregatedPayout, error) {
	return r.aggregatesWhere(func(a *domain.AggregatedPayout) bool {
		return a.PayoutBatchID != nil && *a.PayoutBatchID == batchID
	}, 0), nil
}

func (r *repo) aggregatesWhere(match func(*domain.AggregatedPayout) bool, limit int) []domain.AggregatedPayout {
	out := make([]domain.AggregatedPayout, 0)
	for _, a := range r.st.aggregates {
		if match(a) {
			out = append(out, *cloneAggregate(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.less(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- batches ---

func (r *repo) CreateBatch(_ context.Context, b *domain.PayoutBatch) error {
	r.st.batches[b.ID] = cloneBatch(b)
	r.nextSeq(b.ID)
	return nil
}

func (r *repo) GetBatch(_ context.Context, id string) (*domain.PayoutBatch, error) {
	b, ok := r.st.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (r *repo) LockBatch(ctx context.Context, id string) (*domain.PayoutBatch, error) {
	return r.GetBatch(ctx, id)
}

func (r *repo) UpdateBatch(_ context.Context, b *domain.PayoutBatch) error {
	if _, ok := r.st.batches[b.ID]; !ok {
		return domain.ErrNotFound
	}
	r.st.batches[b.ID] = cloneBatch(b)
	return nil
}

func (r *repo) AttachAggregates(_ context.Context, batchID string, aggregateIDs []string, now time.Time) error {
	if _, ok := r.st.batches[batchID]; !ok {
		return domain.ErrNotFound
	}
	for _, id := range aggregateIDs {
		a, ok := r.st.aggregates[id]
		if !ok {
			return domain.ErrNotFound
		}
		if a.PayoutBatchID != nil {
			continue
		}
		bid := batchID
		a.PayoutBatchID = &bid
		a.UpdatedAt = now
	}
	return nil
}

// --- alerts ---

func (r *repo) UpsertAlert(_ context.Context, a *domain.Alert) (*domain.Alert, error) {
	for _, existing := range r.st.alerts {
		if existing.Kind == a.Kind && existing.SubjectID == a.SubjectID && existing.IsOpen() {
			existing.Occurrences++
			existing.Message = a.Message
			existing.UpdatedAt = a.UpdatedAt
			out := *existing
			return &out, nil
		}
	}
	c := *a
	if c.Occurrences <= 0 {
		c.Occurrences = 1
	}
	r.st.alerts[c.ID] = &c
	r.nextSeq(c.ID)
	out := c
	return &out, nil
}

func (r *repo) ResolveAlerts(_ context.Context, kind domain.AlertKind, subjectID string, now time.Time) (int, error) {
	n := 0
	for _, a := range r.st.alerts {
		if a.Kind == kind && a.SubjectID == subjectID && a.IsOpen() {
			t := now
			a.ResolvedAt = &t
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *repo) ResolveAlert(_ context.Context, id string, now time.Time) error {
	a, ok := r.st.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.IsOpen() {
		t := now
		a.ResolvedAt = &t
		a.UpdatedAt = now
	}
	return nil
}

func (r *repo) ListAlerts(_ context.Context, openOnly bool) ([]domain.Alert, error) {
	out := make([]domain.Alert, 0)
	for _, a := range r.st.alerts {
		if openOnly && !a.IsOpen() {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.less(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out, nil
}

// --- outbox ---

func (r *repo) AppendEvent(_ context.Context, e *domain.OutboxEvent) error {
	ev := *e
	r.st.events = append(r.st.events, &ev)
	return nil
}

func (r *repo) LockUnpublishedEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	out := make([]domain.OutboxEvent, 0)
	for _, e := range r.st.events {
		if e.PublishedAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *repo) MarkEventsPublished(_ context.Context, ids []string, at time.Time) error {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, e := range r.st.events {
		if set[e.ID] && e.PublishedAt == nil {
			t := at
			e.PublishedAt = &t
		}
	}
	return nil
}

// --- clone helpers ---

func cloneObligation(o *domain.Obligation) *domain.Obligation {
	c := *o
	c.OrderID = cloneString(o.OrderID)
	c.PaymentID = cloneString(o.PaymentID)
	c.ParentAggregateID = cloneString(o.ParentAggregateID)
	c.Meta = cloneMap(o.Meta)
	return &c
}

func cloneAggregate(a *domain.AggregatedPayout) *domain.AggregatedPayout {
	c := *a
	c.PayoutBatchID = cloneString(a.PayoutBatchID)
	c.ProviderTransferID = cloneString(a.ProviderTransferID)
	c.LastError = cloneString(a.LastError)
	if a.NextAttemptAt != nil {
		t := *a.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if a.Split != nil {
		s := *a.Split
		s.Shares = append([]domain.SplitShare(nil), a.Split.Shares...)
		c.Split = &s
	}
	c.ProviderResponse = cloneMap(a.ProviderResponse)
	c.Meta = cloneMap(a.Meta)
	return &c
}

func cloneBatch(b *domain.PayoutBatch) *domain.PayoutBatch {
	c := *b
	c.ProviderBatchID = cloneString(b.ProviderBatchID)
	if b.ProcessedAt != nil {
		t := *b.ProcessedAt
		c.ProcessedAt = &t
	}
	c.Meta = cloneMap(b.Meta)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

var _ usecase.Store = (*Store)(nil)
var _ usecase.Repository = (*repo)(nil)
