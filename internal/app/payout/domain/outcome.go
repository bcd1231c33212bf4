package domain

// TransferStatus 金流商回報的轉帳狀態
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// OutcomeSource 結果來源
type OutcomeSource string

const (
	SourceSubmission OutcomeSource = "submission"
	SourceCallback   OutcomeSource = "callback"
	SourcePoll       OutcomeSource = "poll"
)

// Outcome 金流商對一筆轉帳的結果 (同步回應 / callback / 查詢)
type Outcome struct {
	// Reference 即 aggregate.ID
	Reference  string
	TransferID string
	Status     TransferStatus
	Reason     string
	Source     OutcomeSource
	Raw        map[string]any
}
