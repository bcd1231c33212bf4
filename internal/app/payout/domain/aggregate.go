package domain

import (
	"fmt"
	"time"
)

// AggregateStatus 彙總付款狀態
type AggregateStatus string

const (
	AggregateBatched    AggregateStatus = "batched"
	AggregateProcessing AggregateStatus = "processing"
	AggregatePaid       AggregateStatus = "paid"
	AggregateFailed     AggregateStatus = "failed"
	AggregateCancelled  AggregateStatus = "cancelled"
)

func (s AggregateStatus) IsTerminal() bool {
	switch s {
	case AggregatePaid, AggregateFailed, AggregateCancelled:
		return true
	}
	return false
}

// aggregateTransitions 允許的狀態轉換
//
//	batched    -> processing (送出) / cancelled
//	processing -> paid / failed / batched (可重試的失敗，釋放 obligations) / cancelled
var aggregateTransitions = map[AggregateStatus][]AggregateStatus{
	AggregateBatched:    {AggregateProcessing, AggregateCancelled},
	AggregateProcessing: {AggregatePaid, AggregateFailed, AggregateBatched, AggregateCancelled},
}

// CanTransition 檢查狀態轉換是否合法
func (s AggregateStatus) CanTransition(to AggregateStatus) bool {
	for _, next := range aggregateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// BankDetails 餐廳收款帳戶 (subaccount registry 的快照)
type BankDetails struct {
	AccountNumber string
	AccountName   string
	BankCode      string
	// Split 一筆轉帳要分給多個收款人時使用，可為 nil
	Split *Split
}

// SplitType 分帳方式
type SplitType string

const (
	SplitPercentage SplitType = "percentage"
	SplitFlat       SplitType = "flat"
)

// Split 多收款人分帳設定
type Split struct {
	Type   SplitType    `json:"type"`
	Shares []SplitShare `json:"shares"`
}

// SplitShare 單一收款人的份額
// Type 為 percentage 時 Share 是百分比 (如 "20.5")；flat 時是金額 (如 "150.00")
type SplitShare struct {
	Subaccount string `json:"subaccount"`
	Share      string `json:"share"`
}

// AggregatedPayout 一家餐廳在一次彙總中的合併付款 (parent)
type AggregatedPayout struct {
	ID                 string
	PayoutBatchID      *string
	RestaurantID       string
	Amount             Money
	AccountNumber      string
	AccountName        string
	BankCode           string
	ProviderTransferID *string
	ProviderResponse   map[string]any
	Status             AggregateStatus
	AttemptCount       int
	LastError          *string
	NextAttemptAt      *time.Time
	Split              *Split
	Meta               map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Reference 送給金流商的冪等參考碼，同一個 aggregate 永遠相同
func (a *AggregatedPayout) Reference() string {
	return a.ID
}

// Transition 變更狀態，不合法時回傳 ErrInvalidTransition
func (a *AggregatedPayout) Transition(to AggregateStatus, now time.Time) error {
	if a.Status.IsTerminal() {
		return &AlreadyTerminalError{Entity: "aggregate", ID: a.ID, Status: string(a.Status)}
	}
	if !a.Status.CanTransition(to) {
		return fmt.Errorf("%w: aggregate %s %s -> %s", ErrInvalidTransition, a.ID, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// Snapshot 重新寫入收款帳戶與金額 (建立時或重新認領時)
func (a *AggregatedPayout) Snapshot(bank BankDetails, amount Money, now time.Time) {
	a.AccountNumber = bank.AccountNumber
	a.AccountName = bank.AccountName
	a.BankCode = bank.BankCode
	a.Split = bank.Split
	a.Amount = amount
	a.NextAttemptAt = nil
	a.UpdatedAt = now
}

// SetLastError 記錄最後一次錯誤
func (a *AggregatedPayout) SetLastError(msg string) {
	if msg == "" {
		a.LastError = nil
		return
	}
	a.LastError = &msg
}

const (
	// MetaReleasedAmount 釋放時把原金額記在 meta，方便追查
	MetaReleasedAmount = "released_amount"
	// MetaPreviousTransferIDs 先前各次嘗試的 provider transfer id
	MetaPreviousTransferIDs = "previous_transfer_ids"
)

// Release 解除與 obligations 的連結
// 金額歸零，讓「連結的 obligations 加總 == Amount」永遠成立；原金額保留在 meta
// 目前追蹤的 transfer id 移入歷史，下一次嘗試從空白開始
func (a *AggregatedPayout) Release(now time.Time) {
	meta := make(map[string]any, len(a.Meta)+2)
	for k, v := range a.Meta {
		meta[k] = v
	}
	if a.Amount > 0 {
		meta[MetaReleasedAmount] = a.Amount.String()
	}
	if a.ProviderTransferID != nil {
		history := append(a.PreviousTransferIDs(), *a.ProviderTransferID)
		meta[MetaPreviousTransferIDs] = history
		a.ProviderTransferID = nil
	}
	a.Meta = meta
	a.Amount = 0
	a.UpdatedAt = now
}

// PreviousTransferIDs 回傳先前嘗試的 transfer id
// 經過 JSON 欄位讀回來時會是 []any
func (a *AggregatedPayout) PreviousTransferIDs() []string {
	switch v := a.Meta[MetaPreviousTransferIDs].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

// IsPreviousTransfer 判斷 transfer id 是否屬於已放棄的嘗試
func (a *AggregatedPayout) IsPreviousTransfer(id string) bool {
	if id == "" {
		return false
	}
	for _, prev := range a.PreviousTransferIDs() {
		if prev == id {
			return true
		}
	}
	return false
}

// IsReleased 可重試失敗後回到 batched、等待下一輪重新認領
func (a *AggregatedPayout) IsReleased() bool {
	return a.Status == AggregateBatched && a.Amount == 0
}

// IsReady 已認領 obligations、已歸入批次、等待送出
func (a *AggregatedPayout) IsReady() bool {
	return a.Status == AggregateBatched && a.Amount > 0 && a.PayoutBatchID != nil
}

// ReadyAt 釋放後的 aggregate 在退避時間內不可重新認領
func (a *AggregatedPayout) ReadyAt(now time.Time) bool {
	return a.NextAttemptAt == nil || !now.Before(*a.NextAttemptAt)
}
