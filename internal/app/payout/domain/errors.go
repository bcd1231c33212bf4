package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 建立 obligation 時參數不合法
	ErrValidation = errors.New("validation failed")

	// ErrMissingBankDetails 餐廳尚未設定收款帳戶
	ErrMissingBankDetails = errors.New("missing bank details")

	// ErrProviderRejected 金流商明確拒絕
	ErrProviderRejected = errors.New("provider rejected transfer")

	// ErrProviderTimeout 金流商沒有回應，結果未知
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrAlreadyTerminal 記錄已經是終態
	ErrAlreadyTerminal = errors.New("already terminal")

	// ErrNotFound 找不到記錄
	ErrNotFound = errors.New("not found")

	// ErrDuplicateObligation 同一個 (order_id, reason) 已經存在
	ErrDuplicateObligation = errors.New("duplicate obligation")

	// ErrObligationClaimed obligation 已被 aggregate 認領
	ErrObligationClaimed = errors.New("obligation already claimed")

	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidSignature webhook 簽章錯誤
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrOutcomeConflict 金流商結果與本地狀態矛盾
	ErrOutcomeConflict = errors.New("outcome conflicts with local state")

	// ErrIgnoredCallback 與轉帳結果無關的 webhook 事件
	ErrIgnoredCallback = errors.New("callback event ignored")
)

// RejectionDuplicateReference 金流商表示參考碼重複，不可直接重送，改為查詢
const RejectionDuplicateReference = "duplicate_reference"

// ValidationError 參數錯誤，不會進入待付池
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MissingBankDetailsError obligations 保持 pending，下一輪重試
type MissingBankDetailsError struct {
	RestaurantID string
}

func (e *MissingBankDetailsError) Error() string {
	return fmt.Sprintf("restaurant %s has no bank details configured", e.RestaurantID)
}

func (e *MissingBankDetailsError) Unwrap() error { return ErrMissingBankDetails }

// ProviderRejectionError 金流商的永久性拒絕
type ProviderRejectionError struct {
	Code    string
	Message string
}

func (e *ProviderRejectionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider rejected transfer: %s", e.Message)
	}
	return fmt.Sprintf("provider rejected transfer (%s): %s", e.Code, e.Message)
}

func (e *ProviderRejectionError) Unwrap() error { return ErrProviderRejected }

// IsDuplicateReference 結果不明的拒絕，需要查詢才能確認
func (e *ProviderRejectionError) IsDuplicateReference() bool {
	return e.Code == RejectionDuplicateReference
}

// ProviderTimeoutError 呼叫結果不明，只能靠查詢確認
type ProviderTimeoutError struct {
	Op  string
	Err error
}

func (e *ProviderTimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: timeout", e.Op)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderTimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderTimeout}
	}
	return []error{ErrProviderTimeout, e.Err}
}

// AlreadyTerminalError 操作人員嘗試修改已結束的記錄
type AlreadyTerminalError struct {
	Entity string
	ID     string
	Status string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("%s %s is already %s", e.Entity, e.ID, e.Status)
}

func (e *AlreadyTerminalError) Unwrap() error { return ErrAlreadyTerminal }
