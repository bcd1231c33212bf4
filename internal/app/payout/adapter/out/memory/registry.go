package memory

import (
	"context"
	"sync"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// StaticRegistry 記憶體中的餐廳收款帳戶表
type StaticRegistry struct {
	mu       sync.RWMutex
	accounts map[string]domain.BankDetails
}

func NewStaticRegistry(accounts map[string]domain.BankDetails) *StaticRegistry {
	r := &StaticRegistry{accounts: make(map[string]domain.BankDetails, len(accounts))}
	for id, bank := range accounts {
		r.accounts[id] = bank
	}
	return r
}

// Lookup 未設定的餐廳回傳 domain.ErrNotFound
func (r *StaticRegistry) Lookup(_ context.Context, restaurantID string) (*domain.BankDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bank, ok := r.accounts[restaurantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &bank, nil
}

// Set 新增或更新一家餐廳的收款帳戶
func (r *StaticRegistry) Set(restaurantID string, bank domain.BankDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[restaurantID] = bank
}

// Remove 移除一家餐廳的收款帳戶
func (r *StaticRegistry) Remove(restaurantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, restaurantID)
}

var _ usecase.BankDetailsSource = (*StaticRegistry)(nil)
