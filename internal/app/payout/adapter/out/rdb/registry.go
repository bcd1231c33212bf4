package rdb

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/database"
)

// SubaccountRegistry 從 restaurant_subaccounts 表讀取餐廳收款帳戶
type SubaccountRegistry struct {
	client *database.Client
}

func NewSubaccountRegistry(client *database.Client) *SubaccountRegistry {
	return &SubaccountRegistry{client: client}
}

// Lookup 未設定的餐廳回傳 domain.ErrNotFound
func (r *SubaccountRegistry) Lookup(ctx context.Context, restaurantID string) (*domain.BankDetails, error) {
	var m sqlSubaccount
	if err := r.client.DB().WithContext(ctx).Where("restaurant_id = ?", restaurantID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	split, err := toSplit(m.Split)
	if err != nil {
		return nil, err
	}
	return &domain.BankDetails{
		AccountNumber: m.AccountNumber,
		AccountName:   m.AccountName,
		BankCode:      m.BankCode,
		Split:         split,
	}, nil
}

// Upsert 新增或更新收款帳戶
func (r *SubaccountRegistry) Upsert(ctx context.Context, restaurantID string, bank domain.BankDetails) error {
	split, err := toJSON(bank.Split)
	if err != nil {
		return err
	}
	m := &sqlSubaccount{
		RestaurantID:  restaurantID,
		AccountNumber: bank.AccountNumber,
		AccountName:   bank.AccountName,
		BankCode:      bank.BankCode,
		Split:         split,
		UpdatedAt:     time.Now().UTC(),
	}
	return r.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "restaurant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_number", "account_name", "bank_code", "split", "updated_at"}),
		}).
		Create(m).Error
}

var _ usecase.BankDetailsSource = (*SubaccountRegistry)(nil)
