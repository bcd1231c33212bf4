package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// Config 金流商連線設定
type Config struct {
	BaseURL string
	// SecretKey 同時用於 Authorization 與 webhook 簽章
	SecretKey string
	// Timeout 單次呼叫的上限，逾時視為結果不明
	Timeout time.Duration
	// Source 轉帳扣款來源 (例如 balance)
	Source string
}

// Client 金流商轉帳 API 的 fasthttp 實作
//
// 送出格式為 application/x-www-form-urlencoded：
//
//	POST {base}/transfer
//	GET  {base}/transfer/verify/{reference}
type Client struct {
	cfg    Config
	http   *fasthttp.Client
	logger *slog.Logger
}

// Option 設定 Client
type Option func(*Client)

// WithDialer 自訂連線方式 (測試時接 fasthttputil.InmemoryListener)
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) {
		c.http.Dial = dial
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "balance"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:                "payout-engine",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		logger: slog.Default().With("component", "provider_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse 金流商回應的共用外層
type apiResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// transferData transfer 與 verify 共用的 data 欄位
type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
}

// Transfer 送出單筆轉帳
//
// 參數:
//
//	ctx: 上下文 (deadline 會縮短本次的 timeout)
//	req: 轉帳內容，Reference 為冪等參考碼
//
// 回傳:
//
//	*usecase.TransferResult: 金流商接受後的結果
//	error: *domain.ProviderRejectionError / *domain.ProviderTimeoutError
func (c *Client) Transfer(ctx context.Context, req usecase.TransferRequest) (*usecase.TransferResult, error) {
	form, err := encodeTransfer(c.cfg.Source, req)
	if err != nil {
		return nil, &domain.ProviderRejectionError{Code: "invalid_request", Message: err.Error()}
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.cfg.BaseURL + "/transfer")
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	httpReq.SetBodyString(form)

	if err := c.do(ctx, httpReq, httpResp); err != nil {
		return nil, &domain.ProviderTimeoutError{Op: "transfer", Err: err}
	}

	status := httpResp.StatusCode()
	body := httpResp.Body()
	if status >= 500 {
		return nil, &domain.ProviderTimeoutError{Op: "transfer", Err: fmt.Errorf("http status %d", status)}
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if status >= 400 {
			return nil, &domain.ProviderRejectionError{Code: "http_" + strconv.Itoa(status), Message: string(body)}
		}
		return nil, &domain.ProviderTimeoutError{Op: "transfer", Err: fmt.Errorf("decode response: %w", err)}
	}
	if status >= 400 || !resp.Status {
		code := resp.Code
		if code == "" {
			code = "http_" + strconv.Itoa(status)
		}
		return nil, &domain.ProviderRejectionError{Code: code, Message: resp.Message}
	}

	var data transferData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, &domain.ProviderTimeoutError{Op: "transfer", Err: fmt.Errorf("decode data: %w", err)}
	}
	c.logger.Debug("transfer accepted", "reference", req.Reference, "transfer_code", data.TransferCode, "status", data.Status)
	return &usecase.TransferResult{
		TransferID: data.TransferCode,
		Status:     mapStatus(data.Status),
		Raw:        rawMap(resp.Data),
	}, nil
}

// FetchTransfer 以參考碼查詢轉帳狀態
//
// 金流商沒有這筆時回傳 domain.ErrNotFound；其他錯誤一律視為結果不明。
func (c *Client) FetchTransfer(ctx context.Context, reference string) (*domain.Outcome, error) {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.cfg.BaseURL + "/transfer/verify/" + url.PathEscape(reference))
	httpReq.Header.SetMethod(fasthttp.MethodGet)
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)

	if err := c.do(ctx, httpReq, httpResp); err != nil {
		return nil, &domain.ProviderTimeoutError{Op: "verify", Err: err}
	}

	status := httpResp.StatusCode()
	if status == fasthttp.StatusNotFound {
		return nil, fmt.Errorf("transfer %s: %w", reference, domain.ErrNotFound)
	}
	if status != fasthttp.StatusOK {
		return nil, &domain.ProviderTimeoutError{Op: "verify", Err: fmt.Errorf("http status %d", status)}
	}

	var resp apiResponse
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return nil, &domain.ProviderTimeoutError{Op: "verify", Err: fmt.Errorf("decode response: %w", err)}
	}
	var data transferData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, &domain.ProviderTimeoutError{Op: "verify", Err: fmt.Errorf("decode data: %w", err)}
	}
	return &domain.Outcome{
		Reference:  reference,
		TransferID: data.TransferCode,
		Status:     mapStatus(data.Status),
		Reason:     firstNonEmpty(data.Reason, data.Message),
		Raw:        rawMap(resp.Data),
	}, nil
}

// do 送出請求，timeout 取設定值與 ctx deadline 較短者
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	err := c.http.DoTimeout(req, resp, timeout)
	if errors.Is(err, fasthttp.ErrTimeout) {
		return fmt.Errorf("no response within %s: %w", timeout, err)
	}
	return err
}

// encodeTransfer 組成 form body
// 分帳以不帶索引的重複欄位送出：subaccounts[subaccount]=..&subaccounts[share]=..
func encodeTransfer(source string, req usecase.TransferRequest) (string, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)

	args.Set("source", source)
	args.Set("amount", strconv.FormatInt(req.Amount.Minor(), 10))
	args.Set("currency", req.Currency)
	args.Set("reference", req.Reference)
	args.Set("reason", req.Reason)
	args.Set("account_number", req.AccountNumber)
	args.Set("account_name", req.AccountName)
	args.Set("bank_code", req.BankCode)

	if req.Split != nil && len(req.Split.Shares) > 0 {
		switch req.Split.Type {
		case domain.SplitPercentage, domain.SplitFlat:
		default:
			return "", fmt.Errorf("unknown split type %q", req.Split.Type)
		}
		args.Set("split_type", string(req.Split.Type))
		for _, share := range req.Split.Shares {
			value, err := encodeShare(req.Split.Type, share.Share)
			if err != nil {
				return "", fmt.Errorf("subaccount %s: %w", share.Subaccount, err)
			}
			args.Add("subaccounts[subaccount]", share.Subaccount)
			args.Add("subaccounts[share]", value)
		}
	}
	return args.String(), nil
}

// encodeShare percentage 原樣送出；flat 轉成最小貨幣單位
func encodeShare(typ domain.SplitType, share string) (string, error) {
	if typ == domain.SplitPercentage {
		return share, nil
	}
	m, err := domain.ParseMoney(share)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(m.Minor(), 10), nil
}

// mapStatus 金流商狀態對應
func mapStatus(s string) domain.TransferStatus {
	switch strings.ToLower(s) {
	case "success", "successful", "completed":
		return domain.TransferSuccess
	case "failed", "reversed", "rejected", "abandoned":
		return domain.TransferFailed
	default:
		return domain.TransferPending
	}
}

func rawMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ usecase.Provider = (*Client)(nil)
