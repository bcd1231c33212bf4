package rdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/database"
)

// Store 以 GORM 實作的付款資料庫 (MySQL / Postgres / SQLite)
type Store struct {
	client *database.Client
}

func NewStore(client *database.Client) *Store {
	return &Store{client: client}
}

// Migrate 建立或更新所有付款相關的表
func (s *Store) Migrate(ctx context.Context) error {
	return s.client.DB().WithContext(ctx).AutoMigrate(models()...)
}

// Transaction 開啟資料庫交易並執行 fn
func (s *Store) Transaction(ctx context.Context, fn func(tx usecase.Repository) error) error {
	return s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx, rowLocks: s.client.SupportsSkipLocked()})
	})
}

// repo 交易內的 Repository
type repo struct {
	db *gorm.DB
	// rowLocks false 時 (sqlite) 不加 FOR UPDATE，整個資料庫同時只有一個寫入者
	rowLocks bool
}

// forUpdate 悲觀鎖
func (r *repo) forUpdate() *gorm.DB {
	if !r.rowLocks {
		return r.db
	}
	return r.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// skipLocked 已被其他交易鎖住的列直接略過
func (r *repo) skipLocked() *gorm.DB {
	if !r.rowLocks {
		return r.db
	}
	return r.db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func limited(db *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return db.Limit(limit)
	}
	return db
}

// --- obligations ---

func (r *repo) CreateObligation(ctx context.Context, o *domain.Obligation) error {
	if o.OrderID != nil {
		var n int64
		if err := r.db.WithContext(ctx).Model(&sqlObligation{}).
			Where("order_id = ? AND reason = ?", *o.OrderID, o.Reason).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrDuplicateObligation
		}
	}
	m, err := fromObligation(o)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateObligation
		}
		return err
	}
	return nil
}

func (r *repo) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	return r.firstObligation(r.db.WithContext(ctx), id)
}

func (r *repo) LockObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	return r.firstObligation(r.forUpdate().WithContext(ctx), id)
}

func (r *repo) firstObligation(db *gorm.DB, id string) (*domain.Obligation, error) {
	var m sqlObligation
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toDomain()
}

func (r *repo) UpdateObligation(ctx context.Context, o *domain.Obligation) error {
	m, err := fromObligation(o)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *repo) ListClaimable(ctx context.Context, restaurantID string) ([]domain.Obligation, error) {
	db := r.db.WithContext(ctx).
		Where("status = ? AND parent_aggregate_id IS NULL", string(domain.ObligationPending))
	if restaurantID != "" {
		db = db.Where("restaurant_id = ?", restaurantID)
	}
	return findObligations(db)
}

func (r *repo) PendingRestaurants(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	db := r.db.WithContext(ctx).Model(&sqlObligation{}).
		Where("status = ? AND parent_aggregate_id IS NULL", string(domain.ObligationPending)).
		Group("restaurant_id").
		Order("MIN(created_at), restaurant_id")
	if err := limited(db, limit).Pluck("restaurant_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// LockRestaurant 先確保鎖定列存在，再以 SKIP LOCKED 嘗試鎖住
func (r *repo) LockRestaurant(ctx context.Context, restaurantID string) (bool, error) {
	if !r.rowLocks {
		return true, nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sqlRestaurantLock{RestaurantID: restaurantID}).Error
	if err != nil {
		return false, fmt.Errorf("ensure restaurant lock row: %w", err)
	}
	var locks []sqlRestaurantLock
	if err := r.skipLocked().WithContext(ctx).
		Where("restaurant_id = ?", restaurantID).
		Find(&locks).Error; err != nil {
		return false, err
	}
	return len(locks) == 1, nil
}

func (r *repo) LockPendingObligations(ctx context.Context, restaurantID string) ([]domain.Obligation, error) {
	return findObligations(r.forUpdate().WithContext(ctx).
		Where("restaurant_id = ? AND status = ? AND parent_aggregate_id IS NULL",
			restaurantID, string(domain.ObligationPending)))
}

func (r *repo) ListObligationsByAggregate(ctx context.Context, aggregateID string) ([]domain.Obligation, error) {
	return findObligations(r.db.WithContext(ctx).Where("parent_aggregate_id = ?", aggregateID))
}

func (r *repo) SetObligationsStatus(ctx context.Context, aggregateID string, status domain.ObligationStatus, now time.Time) error {
	return r.db.WithContext(ctx).Model(&sqlObligation{}).
		Where("parent_aggregate_id = ?", aggregateID).
		Updates(map[string]any{"status": string(status), "updated_at": now}).Error
}

func (r *repo) ReleaseObligations(ctx context.Context, aggregateID string, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&sqlObligation{}).
		Where("parent_aggregate_id = ?", aggregateID).
		Updates(map[string]any{
			"status":              string(domain.ObligationPending),
			"parent_aggregate_id": nil,
			"updated_at":          now,
		})
	return int(res.RowsAffected), res.Error
}

func findObligations(db *gorm.DB) ([]domain.Obligation, error) {
	var rows []sqlObligation
	if err := db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Obligation, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// --- aggregates ---

func (r *repo) CreateAggregate(ctx context.Context, a *domain.AggregatedPayout) error {
	m, err := fromAggregate(a)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *repo) GetAggregate(ctx context.Context, id string) (*domain.AggregatedPayout, error) {
	return firstAggregate(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) LockAggregate(ctx context.Context, id string) (*domain.AggregatedPayout, error) {
	return firstAggregate(r.forUpdate().WithContext(ctx).Where("id = ?", id))
}

func (r *repo) UpdateAggregate(ctx context.Context, a *domain.AggregatedPayout) error {
	m, err := fromAggregate(a)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *repo) FindOpenAggregate(ctx context.Context, restaurantID string) (*domain.AggregatedPayout, error) {
	return firstAggregate(r.db.WithContext(ctx).
		Where("restaurant_id = ? AND status IN ?", restaurantID, openAggregateStatuses()).
		Order("created_at, id"))
}

func (r *repo) LockUnbatchedAggregates(ctx context.Context) ([]domain.AggregatedPayout, error) {
	return findAggregates(r.skipLocked().WithContext(ctx).
		Where("status = ? AND amount > 0 AND payout_batch_id IS NULL", string(domain.AggregateBatched)))
}

func (r *repo) ListReadyAggregates(ctx context.Context, batchID string, limit int) ([]domain.AggregatedPayout, error) {
	db := r.db.WithContext(ctx).
		Where("status = ? AND amount > 0 AND payout_batch_id IS NOT NULL", string(domain.AggregateBatched))
	if batchID != "" {
		db = db.Where("payout_batch_id = ?", batchID)
	}
	return findAggregates(limited(db, limit))
}

func (r *repo) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]domain.AggregatedPayout, error) {
	db := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.AggregateProcessing), before)
	return findAggregates(limited(db, limit))
}

func (r *repo) ListAggregatesByBatch(ctx context.Context, batchID string) ([]domain.AggregatedPayout, error) {
	return findAggregates(r.db.WithContext(ctx).Where("payout_batch_id = ?", batchID))
}

func openAggregateStatuses() []string {
	return []string{string(domain.AggregateBatched), string(domain.AggregateProcessing)}
}

func firstAggregate(db *gorm.DB) (*domain.AggregatedPayout, error) {
	var m sqlAggregate
	if err := db.First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toDomain()
}

func findAggregates(db *gorm.DB) ([]domain.AggregatedPayout, error) {
	var rows []sqlAggregate
	if err := db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AggregatedPayout, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// --- batches ---

func (r *repo) CreateBatch(ctx context.Context, b *domain.PayoutBatch) error {
	m, err := fromBatch(b)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *repo) GetBatch(ctx context.Context, id string) (*domain.PayoutBatch, error) {
	return firstBatch(r.db.WithContext(ctx), id)
}

func (r *repo) LockBatch(ctx context.Context, id string) (*domain.PayoutBatch, error) {
	return firstBatch(r.forUpdate().WithContext(ctx), id)
}

func firstBatch(db *gorm.DB, id string) (*domain.PayoutBatch, error) {
	var m sqlBatch
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toDomain()
}

func (r *repo) UpdateBatch(ctx context.Context, b *domain.PayoutBatch) error {
	m, err := fromBatch(b)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

// AttachAggregates 只會寫入尚未有批次的 aggregate，payout_batch_id 設定後不再變更
func (r *repo) AttachAggregates(ctx context.Context, batchID string, aggregateIDs []string, now time.Time) error {
	if len(aggregateIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&sqlAggregate{}).
		Where("id IN ? AND payout_batch_id IS NULL", aggregateIDs).
		Updates(map[string]any{"payout_batch_id": batchID, "updated_at": now}).Error
}

// --- alerts ---

func (r *repo) UpsertAlert(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	var existing []sqlAlert
	if err := r.forUpdate().WithContext(ctx).
		Where("kind = ? AND subject_id = ? AND resolved_at IS NULL", string(a.Kind), a.SubjectID).
		Limit(1).
		Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) == 1 {
		m := existing[0]
		m.Occurrences++
		m.Message = a.Message
		m.UpdatedAt = a.UpdatedAt
		if err := r.db.WithContext(ctx).Save(&m).Error; err != nil {
			return nil, err
		}
		out := m.toDomain()
		return &out, nil
	}

	m := fromAlert(a)
	if m.Occurrences <= 0 {
		m.Occurrences = 1
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	out := m.toDomain()
	return &out, nil
}

func (r *repo) ResolveAlerts(ctx context.Context, kind domain.AlertKind, subjectID string, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&sqlAlert{}).
		Where("kind = ? AND subject_id = ? AND resolved_at IS NULL", string(kind), subjectID).
		Updates(map[string]any{"resolved_at": now, "updated_at": now})
	return int(res.RowsAffected), res.Error
}

func (r *repo) ResolveAlert(ctx context.Context, id string, now time.Time) error {
	var m sqlAlert
	if err := r.forUpdate().WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return notFound(err)
	}
	if m.ResolvedAt != nil {
		return nil
	}
	m.ResolvedAt = &now
	m.UpdatedAt = now
	return r.db.WithContext(ctx).Save(&m).Error
}

func (r *repo) ListAlerts(ctx context.Context, openOnly bool) ([]domain.Alert, error) {
	db := r.db.WithContext(ctx)
	if openOnly {
		db = db.Where("resolved_at IS NULL")
	}
	var rows []sqlAlert
	if err := db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Alert, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// --- outbox ---

func (r *repo) AppendEvent(ctx context.Context, e *domain.OutboxEvent) error {
	payload, err := toJSON(e.Payload)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&sqlOutboxEvent{
		ID:        e.ID,
		Type:      string(e.Type),
		EntityID:  e.EntityID,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}).Error
}

func (r *repo) LockUnpublishedEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var rows []sqlOutboxEvent
	db := r.skipLocked().WithContext(ctx).Where("published_at IS NULL").Order("seq")
	if err := limited(db, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.OutboxEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *repo) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&sqlOutboxEvent{}).
		Where("id IN ? AND published_at IS NULL", ids).
		Update("published_at", at).Error
}

var _ usecase.Store = (*Store)(nil)
var _ usecase.Repository = (*repo)(nil)
