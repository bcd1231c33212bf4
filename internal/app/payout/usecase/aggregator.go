package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// 餐廳被略過的原因
const (
	SkipLocked             = "locked"
	SkipEmpty              = "empty"
	SkipInFlight           = "in_flight"
	SkipAwaitingSubmission = "awaiting_submission"
	SkipBackoff            = "backoff"
	SkipMissingBankDetails = "missing_bank_details"
)

// AggregateSummary 一次彙總產生 (或重新認領) 的 aggregate
type AggregateSummary struct {
	AggregateID  string
	RestaurantID string
	Amount       domain.Money
	Obligations  int
	Reclaimed    bool
}

// SkippedRestaurant 本輪沒有處理的餐廳
type SkippedRestaurant struct {
	RestaurantID string
	Reason       string
	Err          error
}

// BatchResult 一輪彙總的結果
type BatchResult struct {
	// BatchID 本輪沒有新的 aggregate 時為 nil
	BatchID     *string
	TotalAmount domain.Money
	// Aggregates 本輪歸入新批次的 aggregates
	Aggregates []AggregateSummary
	// Reclaimed 重新認領的 aggregates，留在原本的批次等待送出
	Reclaimed []AggregateSummary
	Skipped   []SkippedRestaurant
}

// Aggregator 將 pending obligations 依餐廳彙總成 aggregate，再組成批次
type Aggregator struct {
	store  Store
	bank   BankDetailsSource
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewAggregator(store Store, bank BankDetailsSource, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		store:  store,
		bank:   bank,
		cfg:    cfg,
		now:    cfg.Clock,
		logger: slog.Default().With("component", "aggregator"),
	}
}

// RunAggregationCycle 執行一輪彙總
//
// 每家餐廳一個 transaction，互不阻塞；單一餐廳的錯誤 (例如缺少銀行資料) 只影響該餐廳。
// 資料庫層級的錯誤會中止整輪，已提交的餐廳會在下一輪被歸入批次。
func (a *Aggregator) RunAggregationCycle(ctx context.Context) (result *BatchResult, err error) {
	start := time.Now()
	defer func() {
		metrics.AggregationDuration.Observe(time.Since(start).Seconds())
		res := "ok"
		if err != nil {
			res = "error"
		}
		metrics.AggregationCycles.WithLabelValues(res).Inc()
	}()

	var restaurants []string
	err = a.store.Transaction(ctx, func(tx Repository) error {
		var err error
		restaurants, err = tx.PendingRestaurants(ctx, a.cfg.RestaurantsPerCycle)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list pending restaurants: %w", err)
	}

	result = &BatchResult{}
	for _, restaurantID := range restaurants {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summary, skipped, err := a.claimRestaurant(ctx, restaurantID)
		if err != nil {
			return result, fmt.Errorf("aggregate restaurant %s: %w", restaurantID, err)
		}
		if skipped != nil {
			metrics.RestaurantsSkipped.WithLabelValues(skipped.Reason).Inc()
			result.Skipped = append(result.Skipped, *skipped)
			continue
		}
		metrics.AggregatesClaimed.Inc()
		if summary.Reclaimed {
			result.Reclaimed = append(result.Reclaimed, *summary)
		}
	}

	batch, attached, err := a.createBatch(ctx)
	if err != nil {
		return result, fmt.Errorf("create batch: %w", err)
	}
	if batch != nil {
		id := batch.ID
		result.BatchID = &id
		result.TotalAmount = batch.TotalAmount
		result.Aggregates = attached
	}

	a.logger.Info("aggregation cycle finished",
		"restaurants", len(restaurants),
		"batched", len(result.Aggregates),
		"reclaimed", len(result.Reclaimed),
		"skipped", len(result.Skipped),
		"total_amount", result.TotalAmount.String())
	return result, nil
}

// claimRestaurant 在單一 transaction 內認領一家餐廳的 pending obligations
func (a *Aggregator) claimRestaurant(ctx context.Context, restaurantID string) (*AggregateSummary, *SkippedRestaurant, error) {
	var (
		summary *AggregateSummary
		skipped *SkippedRestaurant
	)
	skip := func(reason string, err error) error {
		skipped = &SkippedRestaurant{RestaurantID: restaurantID, Reason: reason, Err: err}
		return nil
	}

	err := a.store.Transaction(ctx, func(tx Repository) error {
		now := a.now().UTC()

		locked, err := tx.LockRestaurant(ctx, restaurantID)
		if err != nil {
			return err
		}
		if !locked {
			return skip(SkipLocked, nil)
		}

		obligations, err := tx.LockPendingObligations(ctx, restaurantID)
		if err != nil {
			return err
		}
		if len(obligations) == 0 {
			return skip(SkipEmpty, nil)
		}

		var reuse *domain.AggregatedPayout
		open, err := tx.FindOpenAggregate(ctx, restaurantID)
		switch {
		case err == nil:
			switch {
			case open.Status == domain.AggregateProcessing:
				return skip(SkipInFlight, nil)
			case !open.IsReleased():
				return skip(SkipAwaitingSubmission, nil)
			case !open.ReadyAt(now):
				return skip(SkipBackoff, nil)
			}
			if reuse, err = tx.LockAggregate(ctx, open.ID); err != nil {
				return err
			}
		case !isNotFound(err):
			return err
		}

		bank, err := a.lookupBankDetails(ctx, restaurantID)
		if err != nil {
			var missing *domain.MissingBankDetailsError
			if !errors.As(err, &missing) {
				return err
			}
			a.logger.Warn("restaurant not payout-ready", "restaurant_id", restaurantID)
			if err := raiseAlert(ctx, tx, domain.AlertMissingBankDetails, restaurantID, restaurantID, missing.Error(), now); err != nil {
				return err
			}
			return skip(SkipMissingBankDetails, missing)
		}

		amounts := make([]domain.Money, 0, len(obligations))
		for _, o := range obligations {
			amounts = append(amounts, o.Amount)
		}
		total := domain.Sum(amounts...)

		agg := reuse
		if agg == nil {
			agg = &domain.AggregatedPayout{
				ID:           uuid.NewString(),
				RestaurantID: restaurantID,
				Status:       domain.AggregateBatched,
				CreatedAt:    now,
			}
			agg.Snapshot(*bank, total, now)
			if err := tx.CreateAggregate(ctx, agg); err != nil {
				return err
			}
		} else {
			agg.Snapshot(*bank, total, now)
			if err := tx.UpdateAggregate(ctx, agg); err != nil {
				return err
			}
		}

		for i := range obligations {
			o := &obligations[i]
			if err := o.Claim(agg.ID, now); err != nil {
				return fmt.Errorf("claim obligation %s: %w", o.ID, err)
			}
			if err := tx.UpdateObligation(ctx, o); err != nil {
				return err
			}
		}

		if _, err := tx.ResolveAlerts(ctx, domain.AlertMissingBankDetails, restaurantID, now); err != nil {
			return err
		}

		summary = &AggregateSummary{
			AggregateID:  agg.ID,
			RestaurantID: restaurantID,
			Amount:       agg.Amount,
			Obligations:  len(obligations),
			Reclaimed:    reuse != nil,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return summary, skipped, nil
}

func (a *Aggregator) lookupBankDetails(ctx context.Context, restaurantID string) (*domain.BankDetails, error) {
	bank, err := a.bank.Lookup(ctx, restaurantID)
	if err != nil {
		if isNotFound(err) {
			return nil, &domain.MissingBankDetailsError{RestaurantID: restaurantID}
		}
		return nil, fmt.Errorf("lookup bank details: %w", err)
	}
	if bank == nil || strings.TrimSpace(bank.AccountNumber) == "" || strings.TrimSpace(bank.BankCode) == "" {
		return nil, &domain.MissingBankDetailsError{RestaurantID: restaurantID}
	}
	return bank, nil
}

// createBatch 把所有尚未歸入批次的 aggregates 組成一個新批次
// 包含本輪新建的，以及之前因中斷而遺留的
func (a *Aggregator) createBatch(ctx context.Context) (*domain.PayoutBatch, []AggregateSummary, error) {
	var (
		batch    *domain.PayoutBatch
		attached []AggregateSummary
	)
	err := a.store.Transaction(ctx, func(tx Repository) error {
		now := a.now().UTC()
		aggs, err := tx.LockUnbatchedAggregates(ctx)
		if err != nil {
			return err
		}
		if len(aggs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(aggs))
		amounts := make([]domain.Money, 0, len(aggs))
		attached = make([]AggregateSummary, 0, len(aggs))
		for _, agg := range aggs {
			ids = append(ids, agg.ID)
			amounts = append(amounts, agg.Amount)
			attached = append(attached, AggregateSummary{
				AggregateID:  agg.ID,
				RestaurantID: agg.RestaurantID,
				Amount:       agg.Amount,
			})
		}

		batch = &domain.PayoutBatch{
			ID:          uuid.NewString(),
			Status:      domain.BatchPending,
			TotalAmount: domain.Sum(amounts...),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.AttachAggregates(ctx, batch.ID, ids, now); err != nil {
			return err
		}
		batch.Status = domain.BatchCreated
		return tx.UpdateBatch(ctx, batch)
	})
	if err != nil {
		return nil, nil, err
	}
	return batch, attached, nil
}
