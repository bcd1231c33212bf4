package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// CreateObligationInput 上游結算邏輯建立 obligation 時的參數
type CreateObligationInput struct {
	RestaurantID string
	Amount       domain.Money
	Reason       string
	OrderID      *string
	PaymentID    *string
	Meta         map[string]any
}

// ObligationService 應付款項的建立與查詢
type ObligationService struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewObligationService(store Store) *ObligationService {
	return &ObligationService{
		store:  store,
		now:    time.Now,
		logger: slog.Default().With("component", "obligations"),
	}
}

// CreateObligation 建立一筆 pending obligation
//
// 金額 <= 0 回傳 *domain.ValidationError，不會進入待付池。
func (s *ObligationService) CreateObligation(ctx context.Context, in CreateObligationInput) (*domain.Obligation, error) {
	if err := validateObligation(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	o := &domain.Obligation{
		ID:           uuid.NewString(),
		OrderID:      in.OrderID,
		PaymentID:    in.PaymentID,
		RestaurantID: strings.TrimSpace(in.RestaurantID),
		Amount:       in.Amount,
		Status:       domain.ObligationPending,
		Reason:       strings.TrimSpace(in.Reason),
		Meta:         in.Meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.Transaction(ctx, func(tx Repository) error {
		return tx.CreateObligation(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	metrics.ObligationsCreated.WithLabelValues(o.Reason).Inc()
	s.logger.Info("obligation created",
		"obligation_id", o.ID, "restaurant_id", o.RestaurantID, "amount", o.Amount.String(), "reason", o.Reason)
	return o, nil
}

// ListClaimable 所有 pending obligations，最舊的在前
func (s *ObligationService) ListClaimable(ctx context.Context, restaurantID string) ([]domain.Obligation, error) {
	var out []domain.Obligation
	err := s.store.Transaction(ctx, func(tx Repository) error {
		var err error
		out, err = tx.ListClaimable(ctx, restaurantID)
		return err
	})
	return out, err
}

// GetObligation 查詢單筆
func (s *ObligationService) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	var out *domain.Obligation
	err := s.store.Transaction(ctx, func(tx Repository) error {
		var err error
		out, err = tx.GetObligation(ctx, id)
		return err
	})
	return out, err
}

func validateObligation(in CreateObligationInput) error {
	if !in.Amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(in.RestaurantID) == "" {
		return &domain.ValidationError{Field: "restaurant_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return &domain.ValidationError{Field: "reason", Reason: "is required"}
	}
	if in.OrderID != nil && strings.TrimSpace(*in.OrderID) == "" {
		return &domain.ValidationError{Field: "order_id", Reason: "must not be blank when set"}
	}
	return nil
}
