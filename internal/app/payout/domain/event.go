package domain

import "time"

// EventType 對外發佈的付款事件
type EventType string

const (
	EventAggregatePaid      EventType = "payout.aggregate.paid"
	EventAggregateFailed    EventType = "payout.aggregate.failed"
	EventAggregateCancelled EventType = "payout.aggregate.cancelled"
	EventBatchCompleted     EventType = "payout.batch.completed"
	EventBatchFailed        EventType = "payout.batch.failed"
)

// OutboxEvent 與狀態變更寫在同一個 transaction 的事件，由 relay 非同步送出
type OutboxEvent struct {
	ID          string
	Type        EventType
	EntityID    string
	Payload     map[string]any
	CreatedAt   time.Time
	PublishedAt *time.Time
}
