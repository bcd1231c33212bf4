package provider

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// SignatureHeader webhook 簽章所在的 header
const SignatureHeader = "X-Provider-Signature"

// 轉帳相關的 webhook 事件
const (
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

type callbackBody struct {
	Event string       `json:"event"`
	Data  transferData `json:"data"`
}

// CallbackParser 驗證 HMAC-SHA512 簽章並轉成 domain.Outcome
type CallbackParser struct {
	secret []byte
}

func NewCallbackParser(secret string) *CallbackParser {
	return &CallbackParser{secret: []byte(secret)}
}

// Sign 計算 body 的簽章 (hex)
func (p *CallbackParser) Sign(body []byte) string {
	mac := hmac.New(sha512.New, p.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseCallback 簽章錯誤回傳 domain.ErrInvalidSignature；
// 非轉帳事件回傳 domain.ErrIgnoredCallback。
func (p *CallbackParser) ParseCallback(body []byte, signature string) (*domain.Outcome, error) {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return nil, domain.ErrInvalidSignature
	}
	want, _ := hex.DecodeString(p.Sign(body))
	if !hmac.Equal(got, want) {
		return nil, domain.ErrInvalidSignature
	}

	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, &domain.ValidationError{Field: "body", Reason: err.Error()}
	}

	var status domain.TransferStatus
	switch cb.Event {
	case EventTransferSuccess:
		status = domain.TransferSuccess
	case EventTransferFailed, EventTransferReversed:
		status = domain.TransferFailed
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrIgnoredCallback, cb.Event)
	}
	if cb.Data.Reference == "" {
		return nil, &domain.ValidationError{Field: "data.reference", Reason: "is required"}
	}

	reason := firstNonEmpty(cb.Data.Reason, cb.Data.Message)
	if cb.Event == EventTransferReversed && reason == "" {
		reason = "transfer reversed"
	}
	return &domain.Outcome{
		Reference:  cb.Data.Reference,
		TransferID: cb.Data.TransferCode,
		Status:     status,
		Reason:     reason,
		Source:     domain.SourceCallback,
		Raw:        rawMap(mustJSON(cb.Data)),
	}, nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

var _ usecase.CallbackParser = (*CallbackParser)(nil)
