package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// 以下函式都必須在同一個 transaction 內呼叫
// 鎖定順序固定為 aggregate -> obligations -> batch

// markPaid processing -> paid，並把 obligations 一起設為 paid
func markPaid(ctx context.Context, tx Repository, agg *domain.AggregatedPayout, now time.Time) error {
	if err := agg.Transition(domain.AggregatePaid, now); err != nil {
		return err
	}
	agg.SetLastError("")
	agg.NextAttemptAt = nil
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	if err := tx.SetObligationsStatus(ctx, agg.ID, domain.ObligationPaid, now); err != nil {
		return err
	}
	if _, err := tx.ResolveAlerts(ctx, domain.AlertPayoutFailed, agg.RestaurantID, now); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, domain.EventAggregatePaid, agg.ID, aggregatePayload(agg), now); err != nil {
		return err
	}
	return rollupBatch(ctx, tx, agg.PayoutBatchID, now)
}

// failAggregate 套用永久失敗的規則
//
// attempt_count < maxAttempts：回到 batched，obligations 釋放回 pending，等下一輪重新快照銀行資料。
// 否則 aggregate 與 obligations 都進入 failed，並發出告警。
// 回傳 true 代表會再重試。
func failAggregate(ctx context.Context, tx Repository, cfg Config, agg *domain.AggregatedPayout, reason string, now time.Time) (bool, error) {
	agg.SetLastError(reason)
	if agg.AttemptCount < cfg.MaxAttempts {
		if err := agg.Transition(domain.AggregateBatched, now); err != nil {
			return false, err
		}
		next := now.Add(cfg.Backoff(agg.AttemptCount))
		agg.Release(now)
		agg.NextAttemptAt = &next
		if _, err := tx.ReleaseObligations(ctx, agg.ID, now); err != nil {
			return false, err
		}
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return false, err
		}
		return true, rollupBatch(ctx, tx, agg.PayoutBatchID, now)
	}

	if err := agg.Transition(domain.AggregateFailed, now); err != nil {
		return false, err
	}
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return false, err
	}
	if err := tx.SetObligationsStatus(ctx, agg.ID, domain.ObligationFailed, now); err != nil {
		return false, err
	}
	msg := fmt.Sprintf("aggregate %s failed after %d attempts: %s", agg.ID, agg.AttemptCount, reason)
	if err := raiseAlert(ctx, tx, domain.AlertPayoutFailed, agg.RestaurantID, agg.RestaurantID, msg, now); err != nil {
		return false, err
	}
	if err := appendEvent(ctx, tx, domain.EventAggregateFailed, agg.ID, aggregatePayload(agg), now); err != nil {
		return false, err
	}
	return false, rollupBatch(ctx, tx, agg.PayoutBatchID, now)
}

// rollupBatch 依 aggregates 重新計算批次狀態
func rollupBatch(ctx context.Context, tx Repository, batchID *string, now time.Time) error {
	if batchID == nil {
		return nil
	}
	b, err := tx.LockBatch(ctx, *batchID)
	if err != nil {
		return err
	}
	aggs, err := tx.ListAggregatesByBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	statuses := make([]domain.AggregateStatus, 0, len(aggs))
	for _, a := range aggs {
		statuses = append(statuses, a.Status)
	}
	if !b.ApplyRollup(statuses, now) {
		return nil
	}
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return err
	}
	payload := map[string]any{
		"batch_id":     b.ID,
		"status":       string(b.Status),
		"total_amount": b.TotalAmount.String(),
		"aggregates":   len(aggs),
	}
	switch b.Status {
	case domain.BatchCompleted:
		return appendEvent(ctx, tx, domain.EventBatchCompleted, b.ID, payload, now)
	case domain.BatchFailed:
		return appendEvent(ctx, tx, domain.EventBatchFailed, b.ID, payload, now)
	}
	return nil
}

func raiseAlert(ctx context.Context, tx Repository, kind domain.AlertKind, subjectID, restaurantID, msg string, now time.Time) error {
	_, err := tx.UpsertAlert(ctx, &domain.Alert{
		ID:           uuid.NewString(),
		Kind:         kind,
		SubjectID:    subjectID,
		RestaurantID: restaurantID,
		Message:      msg,
		Occurrences:  1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	metrics.AlertsRaised.WithLabelValues(string(kind)).Inc()
	return nil
}

func appendEvent(ctx context.Context, tx Repository, typ domain.EventType, entityID string, payload map[string]any, now time.Time) error {
	return tx.AppendEvent(ctx, &domain.OutboxEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		EntityID:  entityID,
		Payload:   payload,
		CreatedAt: now,
	})
}

func aggregatePayload(a *domain.AggregatedPayout) map[string]any {
	p := map[string]any{
		"aggregate_id":  a.ID,
		"restaurant_id": a.RestaurantID,
		"status":        string(a.Status),
		"amount":        a.Amount.String(),
		"attempt_count": a.AttemptCount,
	}
	if a.PayoutBatchID != nil {
		p["batch_id"] = *a.PayoutBatchID
	}
	if a.ProviderTransferID != nil {
		p["provider_transfer_id"] = *a.ProviderTransferID
	}
	if a.LastError != nil {
		p["last_error"] = *a.LastError
	}
	return p
}

// isNotFound 小工具，讓呼叫端少寫一點
func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
