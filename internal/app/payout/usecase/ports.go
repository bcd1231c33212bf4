package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
)

// Store 付款資料存取的入口
// 所有讀寫都經過 Transaction，fn 回傳錯誤時整筆 rollback
type Store interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

// Repository 交易內可用的資料操作
// Lock 開頭的方法在支援的資料庫上會取得 row lock (SELECT ... FOR UPDATE)
type Repository interface {
	// --- obligations ---

	// CreateObligation 新增；(order_id, reason) 重複時回傳 domain.ErrDuplicateObligation
	CreateObligation(ctx context.Context, o *domain.Obligation) error
	GetObligation(ctx context.Context, id string) (*domain.Obligation, error)
	LockObligation(ctx context.Context, id string) (*domain.Obligation, error)
	UpdateObligation(ctx context.Context, o *domain.Obligation) error
	// ListClaimable status=pending，依 created_at 由舊到新；restaurantID 為空代表全部
	ListClaimable(ctx context.Context, restaurantID string) ([]domain.Obligation, error)
	// PendingRestaurants 有 pending obligation 的餐廳，最舊的優先
	PendingRestaurants(ctx context.Context, limit int) ([]string, error)
	// LockRestaurant 取得餐廳層級的鎖；已被其他交易持有時回傳 false (不等待)
	LockRestaurant(ctx context.Context, restaurantID string) (bool, error)
	// LockPendingObligations 鎖定餐廳所有 pending obligations，依 created_at 排序
	LockPendingObligations(ctx context.Context, restaurantID string) ([]domain.Obligation, error)
	ListObligationsByAggregate(ctx context.Context, aggregateID string) ([]domain.Obligation, error)
	// SetObligationsStatus 更新某 aggregate 底下所有 obligations 的狀態
	SetObligationsStatus(ctx context.Context, aggregateID string, status domain.ObligationStatus, now time.Time) error
	// ReleaseObligations 清除 parent_aggregate_id 並回到 pending
	ReleaseObligations(ctx context.Context, aggregateID string, now time.Time) (int, error)

	// --- aggregates ---

	CreateAggregate(ctx context.Context, a *domain.AggregatedPayout) error
	GetAggregate(ctx context.Context, id string) (*domain.AggregatedPayout, error)
	LockAggregate(ctx context.Context, id string) (*domain.AggregatedPayout, error)
	UpdateAggregate(ctx context.Context, a *domain.AggregatedPayout) error
	// FindOpenAggregate 餐廳唯一的非終態 aggregate，沒有時回傳 domain.ErrNotFound
	FindOpenAggregate(ctx context.Context, restaurantID string) (*domain.AggregatedPayout, error)
	// LockUnbatchedAggregates 已認領但尚未歸入批次的 aggregates (SKIP LOCKED)
	LockUnbatchedAggregates(ctx context.Context) ([]domain.AggregatedPayout, error)
	// ListReadyAggregates 等待送出的 aggregates；batchID 為空代表全部
	ListReadyAggregates(ctx context.Context, batchID string, limit int) ([]domain.AggregatedPayout, error)
	// ListStaleProcessing processing 且 updated_at 早於 before 的 aggregates
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]domain.AggregatedPayout, error)
	ListAggregatesByBatch(ctx context.Context, batchID string) ([]domain.AggregatedPayout, error)

	// --- batches ---

	CreateBatch(ctx context.Context, b *domain.PayoutBatch) error
	GetBatch(ctx context.Context, id string) (*domain.PayoutBatch, error)
	LockBatch(ctx context.Context, id string) (*domain.PayoutBatch, error)
	UpdateBatch(ctx context.Context, b *domain.PayoutBatch) error
	AttachAggregates(ctx context.Context, batchID string, aggregateIDs []string, now time.Time) error

	// --- alerts ---

	// UpsertAlert 同 (kind, subject) 已有未解決告警時累加次數，否則新增
	UpsertAlert(ctx context.Context, a *domain.Alert) (*domain.Alert, error)
	ResolveAlerts(ctx context.Context, kind domain.AlertKind, subjectID string, now time.Time) (int, error)
	ResolveAlert(ctx context.Context, id string, now time.Time) error
	ListAlerts(ctx context.Context, openOnly bool) ([]domain.Alert, error)

	// --- outbox ---

	AppendEvent(ctx context.Context, e *domain.OutboxEvent) error
	// LockUnpublishedEvents 依建立順序取出未送出的事件 (SKIP LOCKED)
	LockUnpublishedEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error
}

// BankDetailsSource 餐廳收款帳戶 (subaccount registry)
type BankDetailsSource interface {
	// Lookup 未設定時回傳 domain.ErrNotFound
	Lookup(ctx context.Context, restaurantID string) (*domain.BankDetails, error)
}

// TransferRequest 送給金流商的單筆轉帳
type TransferRequest struct {
	// Reference 冪等參考碼 = aggregate.ID，重送時不可變
	Reference     string
	Amount        domain.Money
	Currency      string
	AccountNumber string
	AccountName   string
	BankCode      string
	Reason        string
	Split         *domain.Split
}

// TransferResult 金流商接受轉帳後的同步回應
type TransferResult struct {
	TransferID string
	Status     domain.TransferStatus
	Raw        map[string]any
}

// Provider 金流商轉帳 API
//
// Transfer 明確拒絕時回傳 *domain.ProviderRejectionError；
// 逾時或結果不明時回傳 *domain.ProviderTimeoutError。
type Provider interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	FetchTransfer(ctx context.Context, reference string) (*domain.Outcome, error)
}

// CallbackParser 驗證並解析金流商 webhook
type CallbackParser interface {
	ParseCallback(body []byte, signature string) (*domain.Outcome, error)
}

// JournalEntry 已收到、尚待套用的 callback
type JournalEntry struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"received_at"`
	Outcome    *domain.Outcome `json:"outcome,omitempty"`
	Applied    bool            `json:"applied"`
}

// CallbackJournal callback 收件匣，先落地再套用
type CallbackJournal interface {
	Append(entry JournalEntry) error
	MarkApplied(id string) error
	// Pending 回傳尚未標記 applied 的紀錄
	Pending() ([]JournalEntry, error)
}

// EventPublisher 將 outbox 事件送到外部
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.OutboxEvent) error
}
