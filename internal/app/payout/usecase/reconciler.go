package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// ApplyResult 套用一筆 outcome 之後的狀態
type ApplyResult struct {
	AggregateID string
	Status      domain.AggregateStatus
	// Applied false 代表 no-op (已是終態、過期的 callback 等)
	Applied bool
	// Retrying 失敗但仍可重試，obligations 已釋放
	Retrying bool
	// Conflict 金流商回報與本地狀態矛盾，已發出告警
	Conflict bool
}

// PollResult 一輪主動查詢的結果
type PollResult struct {
	Checked   int
	Resolved  int
	Ambiguous int
}

// Reconciler 將金流商的結果套用回 aggregate / batch / obligations
type Reconciler struct {
	store    Store
	provider Provider
	parser   CallbackParser
	journal  CallbackJournal
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// ReconcilerOption 設定 Reconciler 的選項
type ReconcilerOption func(*Reconciler)

// WithCallbackJournal callback 先寫入收件匣再套用
func WithCallbackJournal(j CallbackJournal) ReconcilerOption {
	return func(r *Reconciler) {
		r.journal = j
	}
}

// WithCallbackParser 設定 webhook 解析器
func WithCallbackParser(p CallbackParser) ReconcilerOption {
	return func(r *Reconciler) {
		r.parser = p
	}
}

func NewReconciler(store Store, provider Provider, cfg Config, opts ...ReconcilerOption) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      cfg.Clock,
		logger:   slog.Default().With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyOutcome 套用一筆金流商結果
//
// aggregate 以 row lock 保護；callback 與查詢同時到達時，先寫入的生效，
// 後到的遇到終態即為 no-op。
func (r *Reconciler) ApplyOutcome(ctx context.Context, out domain.Outcome) (*ApplyResult, error) {
	var res *ApplyResult
	err := r.store.Transaction(ctx, func(tx Repository) error {
		agg, err := tx.LockAggregate(ctx, out.Reference)
		if err != nil {
			return fmt.Errorf("lock aggregate %s: %w", out.Reference, err)
		}
		res, err = r.apply(ctx, tx, agg, out, r.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.Outcomes.WithLabelValues(string(out.Source), string(out.Status)).Inc()
	r.logger.Info("outcome applied",
		"aggregate_id", out.Reference,
		"source", out.Source,
		"transfer_status", out.Status,
		"aggregate_status", res.Status,
		"applied", res.Applied,
		"retrying", res.Retrying,
		"conflict", res.Conflict)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx Repository, agg *domain.AggregatedPayout, out domain.Outcome, now time.Time) (*ApplyResult, error) {
	res := &ApplyResult{AggregateID: agg.ID, Status: agg.Status}

	if agg.Status.IsTerminal() {
		// 先到者為準；但 cancelled/failed 之後的成功代表錢已經出去，obligations 可能被重付
		if out.Status == domain.TransferSuccess && agg.Status != domain.AggregatePaid {
			return r.conflict(ctx, tx, agg, res, fmt.Sprintf(
				"success reported for %s aggregate", agg.Status), now)
		}
		return res, nil
	}

	// 先前嘗試的 callback 晚到
	if out.Source != domain.SourceSubmission && agg.IsPreviousTransfer(out.TransferID) &&
		(agg.ProviderTransferID == nil || *agg.ProviderTransferID != out.TransferID) {
		if out.Status == domain.TransferSuccess {
			return r.conflict(ctx, tx, agg, res, fmt.Sprintf(
				"success reported for earlier transfer %s", out.TransferID), now)
		}
		return res, nil
	}
	if out.TransferID != "" && agg.ProviderTransferID != nil && *agg.ProviderTransferID != out.TransferID {
		r.logger.Warn("provider reported a different transfer id for the current attempt",
			"aggregate_id", agg.ID,
			"tracked", *agg.ProviderTransferID,
			"reported", out.TransferID)
	}

	if agg.Status == domain.AggregateBatched {
		// 尚未送出或已釋放；成功代表錢可能已經出去了，必須人工確認
		if out.Status == domain.TransferSuccess {
			return r.conflict(ctx, tx, agg, res, "success reported for an aggregate that is not in flight", now)
		}
		return res, nil
	}

	if out.TransferID != "" {
		id := out.TransferID
		agg.ProviderTransferID = &id
	}
	if out.Raw != nil {
		agg.ProviderResponse = out.Raw
	}

	switch out.Status {
	case domain.TransferPending:
		agg.UpdatedAt = now
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return nil, err
		}
	case domain.TransferSuccess:
		if err := markPaid(ctx, tx, agg, now); err != nil {
			return nil, err
		}
	case domain.TransferFailed:
		reason := out.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		retrying, err := failAggregate(ctx, tx, r.cfg, agg, reason, now)
		if err != nil {
			return nil, err
		}
		res.Retrying = retrying
	default:
		return nil, fmt.Errorf("unknown transfer status %q", out.Status)
	}

	res.Status = agg.Status
	res.Applied = true
	return res, nil
}

func (r *Reconciler) conflict(ctx context.Context, tx Repository, agg *domain.AggregatedPayout, res *ApplyResult, msg string, now time.Time) (*ApplyResult, error) {
	r.logger.Error("outcome conflict", "aggregate_id", agg.ID, "restaurant_id", agg.RestaurantID, "detail", msg)
	if err := raiseAlert(ctx, tx, domain.AlertOutcomeConflict, agg.ID, agg.RestaurantID, msg, now); err != nil {
		return nil, err
	}
	res.Conflict = true
	return res, nil
}

// HandleCallback 處理金流商 webhook (至少一次送達、順序不保證)
//
// 先寫入收件匣再套用；資料庫錯誤時回傳錯誤讓金流商重送，收件匣的紀錄也會在重啟時重播。
func (r *Reconciler) HandleCallback(ctx context.Context, body []byte, signature string) (*ApplyResult, error) {
	if r.parser == nil {
		return nil, errors.New("callback parser not configured")
	}
	out, err := r.parser.ParseCallback(body, signature)
	if err != nil {
		return nil, err
	}
	out.Source = domain.SourceCallback

	entry := JournalEntry{ID: uuid.NewString(), ReceivedAt: r.now().UTC(), Outcome: out}
	if r.journal != nil {
		if err := r.journal.Append(entry); err != nil {
			return nil, fmt.Errorf("journal callback: %w", err)
		}
	}
	return r.applyJournaled(ctx, entry)
}

func (r *Reconciler) applyJournaled(ctx context.Context, entry JournalEntry) (*ApplyResult, error) {
	res, err := r.ApplyOutcome(ctx, *entry.Outcome)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		// 不認得的參考碼，重送也不會有結果
		r.logger.Warn("callback for unknown reference", "reference", entry.Outcome.Reference)
		res = &ApplyResult{AggregateID: entry.Outcome.Reference}
	}
	if r.journal != nil {
		if err := r.journal.MarkApplied(entry.ID); err != nil {
			r.logger.Error("mark callback applied", "entry_id", entry.ID, "error", err)
		}
	}
	return res, nil
}

// ReplayJournal 重新套用收件匣中尚未標記完成的 callback
func (r *Reconciler) ReplayJournal(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	entries, err := r.journal.Pending()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, entry := range entries {
		if entry.Outcome == nil {
			continue
		}
		if _, err := r.applyJournaled(ctx, entry); err != nil {
			return replayed, fmt.Errorf("replay callback %s: %w", entry.ID, err)
		}
		replayed++
	}
	if replayed > 0 {
		r.logger.Info("callback journal replayed", "entries", replayed)
	}
	return replayed, nil
}

// PollProcessing 主動查詢 processing 過久的 aggregates
//
// 沒收到 callback 不代表成功或失敗；查詢失敗時保持原狀，下一輪再試。
func (r *Reconciler) PollProcessing(ctx context.Context) (*PollResult, error) {
	before := r.now().UTC().Add(-r.cfg.PollAfter)
	var stale []domain.AggregatedPayout
	err := r.store.Transaction(ctx, func(tx Repository) error {
		var err error
		stale, err = tx.ListStaleProcessing(ctx, before, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &PollResult{}
	for _, agg := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		out, err := r.provider.FetchTransfer(ctx, agg.Reference())
		switch {
		case err == nil:
		case isNotFound(err):
			// 標記 processing 後、送出前就中斷，金流商沒有這筆
			out = &domain.Outcome{
				Reference: agg.Reference(),
				Status:    domain.TransferFailed,
				Reason:    "transfer not found at provider",
			}
		default:
			res.Ambiguous++
			r.logger.Warn("poll transfer failed", "aggregate_id", agg.ID, "error", err)
			continue
		}
		out.Reference = agg.Reference()
		out.Source = domain.SourcePoll
		applied, err := r.ApplyOutcome(ctx, *out)
		if err != nil {
			return res, err
		}
		if applied.Applied && applied.Status != domain.AggregateProcessing {
			res.Resolved++
		}
	}
	return res, nil
}
