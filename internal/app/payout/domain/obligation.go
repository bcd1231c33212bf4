package domain

import "time"

// ObligationStatus 應付款項狀態
type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "pending"
	ObligationBatched   ObligationStatus = "batched"
	ObligationPaid      ObligationStatus = "paid"
	ObligationFailed    ObligationStatus = "failed"
	ObligationCancelled ObligationStatus = "cancelled"
)

// 常見的 reason 分類
const (
	ReasonOrderSettlement    = "order_settlement"
	ReasonPromoPlatformTopup = "promo_platform_topup"
)

// IsTerminal paid / failed / cancelled 不會再自動轉換
func (s ObligationStatus) IsTerminal() bool {
	switch s {
	case ObligationPaid, ObligationFailed, ObligationCancelled:
		return true
	}
	return false
}

func (s ObligationStatus) IsValid() bool {
	switch s {
	case ObligationPending, ObligationBatched, ObligationPaid, ObligationFailed, ObligationCancelled:
		return true
	}
	return false
}

// Obligation 一筆應付給餐廳的款項 (child)
//
// 只會由上游結算邏輯建立，之後只有 Status 與 ParentAggregateID 會被修改。
type Obligation struct {
	ID                string
	OrderID           *string
	PaymentID         *string
	RestaurantID      string
	Amount            Money
	Status            ObligationStatus
	ParentAggregateID *string
	Reason            string
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsLinked 是否已被某個 aggregate 認領
func (o *Obligation) IsLinked() bool {
	return o.ParentAggregateID != nil
}

// Claim 連結到 aggregate，狀態改為 batched
func (o *Obligation) Claim(aggregateID string, now time.Time) error {
	if o.Status != ObligationPending || o.IsLinked() {
		return ErrObligationClaimed
	}
	id := aggregateID
	o.ParentAggregateID = &id
	o.Status = ObligationBatched
	o.UpdatedAt = now
	return nil
}

// Release 解除連結並回到 pending，讓下一輪彙總可以重新認領
func (o *Obligation) Release(now time.Time) {
	o.ParentAggregateID = nil
	o.Status = ObligationPending
	o.UpdatedAt = now
}
