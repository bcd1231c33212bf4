package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
)

func TestCancelObligation(t *testing.T) {
	t.Run("Given a pending obligation When cancelled Then it is terminal with the reason recorded", func(t *testing.T) {
		f := newFixture(t)
		o := f.seed(t, "r1", "10.00")

		got, err := f.operator.CancelObligation(context.Background(), o.ID, "order refunded")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != domain.ObligationCancelled || got.Meta["cancel_reason"] != "order refunded" {
			t.Errorf("unexpected obligation %+v", got)
		}
	})

	t.Run("Given a cancelled obligation When cancelled again Then already terminal", func(t *testing.T) {
		f := newFixture(t)
		o := f.seed(t, "r1", "10.00")
		_, _ = f.operator.CancelObligation(context.Background(), o.ID, "first")

		_, err := f.operator.CancelObligation(context.Background(), o.ID, "second")
		var terminal *domain.AlreadyTerminalError
		if !errors.As(err, &terminal) || terminal.Status != string(domain.ObligationCancelled) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("Given a claimed obligation When cancelled Then refused", func(t *testing.T) {
		f := newFixture(t)
		f.bank.Set("r1", testBank("r1"))
		o := f.seed(t, "r1", "10.00")
		f.aggregate(t)

		if _, err := f.operator.CancelObligation(context.Background(), o.ID, "late"); !errors.Is(err, domain.ErrObligationClaimed) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("Given an unknown id When cancelled Then not found", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.operator.CancelObligation(context.Background(), "missing", ""); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("got %v", err)
		}
	})
}

func TestCancelAggregate(t *testing.T) {
	t.Run("Given a batched aggregate When cancelled Then obligations return to pending and the batch completes", func(t *testing.T) {
		f := newFixture(t)
		id := readyAggregate(t, f, "r1", "10.00", "2.50")

		agg, err := f.operator.CancelAggregate(context.Background(), id, "wrong account")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if agg.Status != domain.AggregateCancelled || agg.Amount != 0 || agg.LastError == nil {
			t.Errorf("unexpected aggregate %+v", agg)
		}
		pending, _ := f.obligations.ListClaimable(context.Background(), "r1")
		if len(pending) != 2 {
			t.Errorf("claimable = %d, want 2", len(pending))
		}
		d := f.detail(t, id)
		if d.Batch.Status != domain.BatchCompleted {
			t.Errorf("batch status %s", d.Batch.Status)
		}
		if !hasEvent(f.events(t), domain.EventAggregateCancelled, id) {
			t.Error("missing cancelled event")
		}

		res := f.aggregate(t)
		if len(res.Aggregates) != 1 || res.Aggregates[0].AggregateID == id || res.Aggregates[0].Amount.String() != "12.50" {
			t.Errorf("released obligations not re-aggregated: %+v", res)
		}
	})

	t.Run("Given a paid aggregate When cancelled Then already terminal", func(t *testing.T) {
		f := newFixture(t)
		id := readyAggregate(t, f, "r1", "10.00")
		f.provider.TransferFunc = acceptWith(domain.TransferSuccess)
		f.submit(t)

		_, err := f.operator.CancelAggregate(context.Background(), id, "too late")
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			t.Errorf("got %v", err)
		}
		if d := f.detail(t, id); d.Aggregate.Status != domain.AggregatePaid {
			t.Errorf("status %s", d.Aggregate.Status)
		}
	})
}

func TestOperatorTriggersAndAlerts(t *testing.T) {
	t.Run("Given pending work When triggered manually Then aggregation and submission run", func(t *testing.T) {
		f := newFixture(t)
		f.bank.Set("r1", testBank("r1"))
		f.seed(t, "r1", "10.00")
		f.provider.TransferFunc = acceptWith(domain.TransferSuccess)

		agg, err := f.operator.TriggerAggregation(context.Background())
		if err != nil || len(agg.Aggregates) != 1 {
			t.Fatalf("aggregation: %+v %v", agg, err)
		}
		sub, err := f.operator.TriggerSubmission(context.Background())
		if err != nil || sub.Paid != 1 {
			t.Fatalf("submission: %+v %v", sub, err)
		}
		batch, aggs, err := f.operator.GetBatch(context.Background(), *agg.BatchID)
		if err != nil || batch.Status != domain.BatchCompleted || len(aggs) != 1 {
			t.Errorf("batch %+v aggs %d err %v", batch, len(aggs), err)
		}
	})

	t.Run("Given an open alert When resolved Then it leaves the open list", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "r9", "1.00")
		f.aggregate(t)
		alerts := f.openAlerts(t)
		if len(alerts) != 1 {
			t.Fatalf("alerts %+v", alerts)
		}

		if err := f.operator.ResolveAlert(context.Background(), alerts[0].ID); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if open := f.openAlerts(t); len(open) != 0 {
			t.Errorf("still open: %+v", open)
		}
		all, _ := f.operator.ListAlerts(context.Background(), false)
		if len(all) != 1 || all[0].ResolvedAt == nil {
			t.Errorf("resolved alert missing from history: %+v", all)
		}
	})
}
