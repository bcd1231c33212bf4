package domain

import "time"

// AlertKind 常駐告警類型
type AlertKind string

const (
	AlertMissingBankDetails AlertKind = "missing_bank_details"
	AlertPayoutFailed       AlertKind = "payout_failed"
	AlertOutcomeConflict    AlertKind = "outcome_conflict"
)

// Alert 需要人工處理的狀況，直到 resolve 前都可以被查詢
// 同一個 (Kind, SubjectID) 只會有一筆未解決的告警
type Alert struct {
	ID           string
	Kind         AlertKind
	SubjectID    string
	RestaurantID string
	Message      string
	Occurrences  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
}

func (a *Alert) IsOpen() bool {
	return a.ResolvedAt == nil
}
