package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
)

// AggregateDetail aggregate 與其連結的 obligations
type AggregateDetail struct {
	Aggregate   domain.AggregatedPayout
	Obligations []domain.Obligation
	Batch       *domain.PayoutBatch
}

// OperatorService 人工操作：手動彙總、取消、查看錯誤與告警
type OperatorService struct {
	store      Store
	aggregator *Aggregator
	submitter  *Submitter
	now        func() time.Time
	logger     *slog.Logger
}

func NewOperatorService(store Store, aggregator *Aggregator, submitter *Submitter) *OperatorService {
	s := &OperatorService{
		store:      store,
		aggregator: aggregator,
		submitter:  submitter,
		now:        time.Now,
		logger:     slog.Default().With("component", "operator"),
	}
	if aggregator != nil {
		s.now = aggregator.now
	}
	return s
}

// TriggerAggregation 手動執行一輪彙總
func (s *OperatorService) TriggerAggregation(ctx context.Context) (*BatchResult, error) {
	s.logger.Info("manual aggregation triggered")
	return s.aggregator.RunAggregationCycle(ctx)
}

// TriggerSubmission 手動送出等待中的 aggregates
func (s *OperatorService) TriggerSubmission(ctx context.Context) (*SubmitResult, error) {
	s.logger.Info("manual submission triggered")
	return s.submitter.SubmitReady(ctx)
}

// CancelObligation 取消一筆卡住的 obligation
//
// 終態回傳 *domain.AlreadyTerminalError；已被 aggregate 認領的必須先取消 aggregate。
func (s *OperatorService) CancelObligation(ctx context.Context, id, reason string) (*domain.Obligation, error) {
	var out *domain.Obligation
	err := s.store.Transaction(ctx, func(tx Repository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return &domain.AlreadyTerminalError{Entity: "obligation", ID: o.ID, Status: string(o.Status)}
		}
		if o.IsLinked() {
			return domain.ErrObligationClaimed
		}
		now := s.now().UTC()
		o.Status = domain.ObligationCancelled
		o.UpdatedAt = now
		o.Meta = withMeta(o.Meta, "cancel_reason", reason)
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("obligation cancelled", "obligation_id", id, "reason", reason)
	return out, nil
}

// CancelAggregate 取消一筆卡住的 aggregate
//
// obligations 會被釋放回 pending，由之後的彙總重新處理 (或再由人工個別取消)。
// 注意：processing 中的 aggregate 可能已經在金流商端成功，取消前應先查詢。
func (s *OperatorService) CancelAggregate(ctx context.Context, id, reason string) (*domain.AggregatedPayout, error) {
	var out *domain.AggregatedPayout
	err := s.store.Transaction(ctx, func(tx Repository) error {
		agg, err := tx.LockAggregate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := agg.Transition(domain.AggregateCancelled, now); err != nil {
			return err
		}
		agg.Release(now)
		agg.NextAttemptAt = nil
		agg.SetLastError("cancelled by operator: " + reason)
		if _, err := tx.ReleaseObligations(ctx, agg.ID, now); err != nil {
			return err
		}
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, domain.EventAggregateCancelled, agg.ID, aggregatePayload(agg), now); err != nil {
			return err
		}
		if err := rollupBatch(ctx, tx, agg.PayoutBatchID, now); err != nil {
			return err
		}
		out = agg
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("aggregate cancelled", "aggregate_id", id, "reason", reason)
	return out, nil
}

// GetAggregate 查看 aggregate (含 last_error) 與其 obligations
func (s *OperatorService) GetAggregate(ctx context.Context, id string) (*AggregateDetail, error) {
	var out *AggregateDetail
	err := s.store.Transaction(ctx, func(tx Repository) error {
		agg, err := tx.GetAggregate(ctx, id)
		if err != nil {
			return err
		}
		obligations, err := tx.ListObligationsByAggregate(ctx, id)
		if err != nil {
			return err
		}
		out = &AggregateDetail{Aggregate: *agg, Obligations: obligations}
		if agg.PayoutBatchID != nil {
			b, err := tx.GetBatch(ctx, *agg.PayoutBatchID)
			if err != nil {
				return err
			}
			out.Batch = b
		}
		return nil
	})
	return out, err
}

// GetBatch 查看批次
func (s *OperatorService) GetBatch(ctx context.Context, id string) (*domain.PayoutBatch, []domain.AggregatedPayout, error) {
	var (
		batch *domain.PayoutBatch
		aggs  []domain.AggregatedPayout
	)
	err := s.store.Transaction(ctx, func(tx Repository) error {
		var err error
		if batch, err = tx.GetBatch(ctx, id); err != nil {
			return err
		}
		aggs, err = tx.ListAggregatesByBatch(ctx, id)
		return err
	})
	return batch, aggs, err
}

// ListAlerts 常駐告警
func (s *OperatorService) ListAlerts(ctx context.Context, openOnly bool) ([]domain.Alert, error) {
	var out []domain.Alert
	err := s.store.Transaction(ctx, func(tx Repository) error {
		var err error
		out, err = tx.ListAlerts(ctx, openOnly)
		return err
	})
	return out, err
}

// ResolveAlert 人工結案
func (s *OperatorService) ResolveAlert(ctx context.Context, id string) error {
	return s.store.Transaction(ctx, func(tx Repository) error {
		return tx.ResolveAlert(ctx, id, s.now().UTC())
	})
}

func withMeta(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}
