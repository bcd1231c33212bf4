package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// OutboxRelay 把 outbox 中尚未送出的事件送到 EventPublisher
//
// 事件在 publish 成功後才標記 published；publish 失敗時整批保留，下一輪再送 (at-least-once)。
type OutboxRelay struct {
	store     Store
	publisher EventPublisher
	limit     int
	now       func() time.Time
	logger    *slog.Logger
}

func NewOutboxRelay(store Store, publisher EventPublisher, limit int) *OutboxRelay {
	if limit <= 0 {
		limit = DefaultConfig().BatchSize
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		limit:     limit,
		now:       time.Now,
		logger:    slog.Default().With("component", "outbox_relay"),
	}
}

// RelayOnce 送出一批事件，回傳送出的筆數
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var sent int
	err := r.store.Transaction(ctx, func(tx Repository) error {
		events, err := tx.LockUnpublishedEvents(ctx, r.limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := r.publisher.Publish(ctx, events); err != nil {
			return fmt.Errorf("publish %d events: %w", len(events), err)
		}
		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		if err := tx.MarkEventsPublished(ctx, ids, r.now().UTC()); err != nil {
			return err
		}
		sent = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		metrics.EventsPublished.Add(float64(sent))
		r.logger.Debug("outbox relayed", "events", sent)
	}
	return sent, nil
}

// LogPublisher 沒有設定 broker 時只把事件寫進 log
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "event_log")}
}

func (p *LogPublisher) Publish(_ context.Context, events []domain.OutboxEvent) error {
	for _, e := range events {
		p.logger.Info("payout event", "event_id", e.ID, "type", e.Type, "entity_id", e.EntityID, "payload", e.Payload)
	}
	return nil
}

var _ EventPublisher = (*LogPublisher)(nil)
