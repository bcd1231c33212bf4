package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// SubmitResult 一次送出的統計
type SubmitResult struct {
	Batches   int
	Accepted  int
	Paid      int
	Retrying  int
	Failed    int
	Ambiguous int
}

func (r *SubmitResult) add(o *SubmitResult) {
	r.Batches += o.Batches
	r.Accepted += o.Accepted
	r.Paid += o.Paid
	r.Retrying += o.Retrying
	r.Failed += o.Failed
	r.Ambiguous += o.Ambiguous
}

// Submitter 將批次中等待送出的 aggregates 送給金流商
type Submitter struct {
	store      Store
	provider   Provider
	reconciler *Reconciler
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

func NewSubmitter(store Store, provider Provider, reconciler *Reconciler, cfg Config) *Submitter {
	cfg = cfg.withDefaults()
	return &Submitter{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		cfg:        cfg,
		now:        cfg.Clock,
		logger:     slog.Default().With("component", "submitter"),
	}
}

// SubmitReady 送出所有批次中等待送出的 aggregates
func (s *Submitter) SubmitReady(ctx context.Context) (*SubmitResult, error) {
	var ready []domain.AggregatedPayout
	err := s.store.Transaction(ctx, func(tx Repository) error {
		var err error
		ready, err = tx.ListReadyAggregates(ctx, "", s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var batchIDs []string
	for _, agg := range ready {
		id := *agg.PayoutBatchID
		if !seen[id] {
			seen[id] = true
			batchIDs = append(batchIDs, id)
		}
	}

	total := &SubmitResult{}
	for _, id := range batchIDs {
		res, err := s.SubmitBatch(ctx, id)
		if res != nil {
			total.add(res)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SubmitBatch 送出單一批次
// 批次狀態 created -> processing，每次送出 attempt_count + 1
func (s *Submitter) SubmitBatch(ctx context.Context, batchID string) (*SubmitResult, error) {
	var ready []domain.AggregatedPayout
	err := s.store.Transaction(ctx, func(tx Repository) error {
		now := s.now().UTC()
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status == domain.BatchPending || b.Status.IsTerminal() {
			return nil
		}
		ready, err = tx.ListReadyAggregates(ctx, b.ID, s.cfg.BatchSize)
		if err != nil || len(ready) == 0 {
			return err
		}
		b.Status = domain.BatchProcessing
		b.AttemptCount++
		b.UpdatedAt = now
		return tx.UpdateBatch(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("prepare batch %s: %w", batchID, err)
	}

	res := &SubmitResult{}
	if len(ready) == 0 {
		return res, nil
	}
	res.Batches = 1
	for _, agg := range ready {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.submitAggregate(ctx, agg.ID, res); err != nil {
			return res, err
		}
	}
	s.logger.Info("batch submitted",
		"batch_id", batchID,
		"accepted", res.Accepted,
		"paid", res.Paid,
		"retrying", res.Retrying,
		"failed", res.Failed,
		"ambiguous", res.Ambiguous)
	return res, nil
}

// submitAggregate 先在交易內標記 processing，再呼叫金流商
// 這樣兩個 submitter 不會同時送出同一筆；中途中斷則由 PollProcessing 查詢確認
func (s *Submitter) submitAggregate(ctx context.Context, aggregateID string, res *SubmitResult) error {
	var req *TransferRequest
	err := s.store.Transaction(ctx, func(tx Repository) error {
		now := s.now().UTC()
		agg, err := tx.LockAggregate(ctx, aggregateID)
		if err != nil {
			return err
		}
		if !agg.IsReady() {
			return nil
		}
		if err := agg.Transition(domain.AggregateProcessing, now); err != nil {
			return err
		}
		agg.AttemptCount++
		agg.SetLastError("")
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		req = &TransferRequest{
			Reference:     agg.Reference(),
			Amount:        agg.Amount,
			Currency:      s.cfg.Currency,
			AccountNumber: agg.AccountNumber,
			AccountName:   agg.AccountName,
			BankCode:      agg.BankCode,
			Reason:        fmt.Sprintf("payout %s", agg.ID),
			Split:         agg.Split,
		}
		return rollupBatch(ctx, tx, agg.PayoutBatchID, now)
	})
	if err != nil {
		return fmt.Errorf("claim aggregate %s for submission: %w", aggregateID, err)
	}
	if req == nil {
		return nil
	}

	result, err := s.provider.Transfer(ctx, *req)
	if err == nil {
		metrics.Submissions.WithLabelValues("accepted").Inc()
		applied, err := s.reconciler.ApplyOutcome(ctx, domain.Outcome{
			Reference:  req.Reference,
			TransferID: result.TransferID,
			Status:     result.Status,
			Source:     domain.SourceSubmission,
			Raw:        result.Raw,
		})
		if err != nil {
			return err
		}
		switch applied.Status {
		case domain.AggregatePaid:
			res.Paid++
		case domain.AggregateFailed:
			res.Failed++
		case domain.AggregateBatched:
			res.Retrying++
		default:
			res.Accepted++
		}
		return nil
	}

	var rejection *domain.ProviderRejectionError
	if errors.As(err, &rejection) && !rejection.IsDuplicateReference() {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		s.logger.Warn("transfer rejected", "aggregate_id", aggregateID, "code", rejection.Code, "error", rejection.Message)
		applied, err := s.reconciler.ApplyOutcome(ctx, domain.Outcome{
			Reference: req.Reference,
			Status:    domain.TransferFailed,
			Reason:    rejection.Error(),
			Source:    domain.SourceSubmission,
		})
		if err != nil {
			return err
		}
		if applied.Retrying {
			res.Retrying++
		} else {
			res.Failed++
		}
		return nil
	}

	// 逾時或參考碼重複：結果不明，維持 processing 交給 PollProcessing
	callErr := err
	metrics.Submissions.WithLabelValues("ambiguous").Inc()
	s.logger.Warn("transfer outcome unknown", "aggregate_id", aggregateID, "error", callErr)
	res.Ambiguous++
	return s.store.Transaction(ctx, func(tx Repository) error {
		agg, err := tx.LockAggregate(ctx, aggregateID)
		if err != nil {
			return err
		}
		if agg.Status != domain.AggregateProcessing {
			return nil
		}
		agg.SetLastError(callErr.Error())
		agg.UpdatedAt = s.now().UTC()
		return tx.UpdateAggregate(ctx, agg)
	})
}
