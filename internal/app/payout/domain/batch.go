package domain

import "time"

// BatchStatus 批次狀態
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchCreated    BatchStatus = "created"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// PayoutBatch 一次送出給金流商的單位
type PayoutBatch struct {
	ID              string
	Status          BatchStatus
	TotalAmount     Money
	ProviderBatchID *string
	AttemptCount    int
	Meta            map[string]any
	CreatedAt       time.Time
	ProcessedAt     *time.Time
	UpdatedAt       time.Time
}

// RollupBatchStatus 由所有 aggregate 的狀態推導批次狀態
//
//	completed: 全部 paid 或 cancelled
//	failed:    全部進入終態，且至少一筆 failed
//	其餘維持 current (尚未送出時為 created，送出後為 processing)
func RollupBatchStatus(current BatchStatus, statuses []AggregateStatus) BatchStatus {
	if len(statuses) == 0 {
		return current
	}
	allTerminal := true
	anyFailed := false
	for _, s := range statuses {
		if !s.IsTerminal() {
			allTerminal = false
			break
		}
		if s == AggregateFailed {
			anyFailed = true
		}
	}
	switch {
	case allTerminal && anyFailed:
		return BatchFailed
	case allTerminal:
		return BatchCompleted
	case current == BatchPending || current == BatchCreated:
		return current
	default:
		return BatchProcessing
	}
}

// ApplyRollup 套用 rollup 結果，進入終態時記錄 ProcessedAt
func (b *PayoutBatch) ApplyRollup(statuses []AggregateStatus, now time.Time) bool {
	next := RollupBatchStatus(b.Status, statuses)
	if next == b.Status {
		return false
	}
	b.Status = next
	b.UpdatedAt = now
	if next.IsTerminal() {
		t := now
		b.ProcessedAt = &t
	} else {
		b.ProcessedAt = nil
	}
	return true
}
