package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// amount 使用 int64 最小貨幣單位 (分)，精度：小數點後 2 位
const (
	CurrencyScale    = 100
	currencyExponent = 2
)

// Money 金額，以最小貨幣單位儲存，避免浮點誤差
type Money int64

var decScale = decimal.NewFromInt(CurrencyScale)

// ParseMoney 將 "123.45" 形式的字串轉為 Money
// 超過 2 位小數視為錯誤，而不是默默四捨五入
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal 將 decimal 轉為 Money
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Mul(decScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), currencyExponent)
	}
	return Money(minor.IntPart()), nil
}

// Decimal 回傳以主貨幣單位表示的 decimal
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -currencyExponent)
}

// String 固定輸出兩位小數，例如 "100.00"
func (m Money) String() string {
	return m.Decimal().StringFixed(currencyExponent)
}

// Minor 回傳最小貨幣單位數值
func (m Money) Minor() int64 {
	return int64(m)
}

// IsPositive 金額是否大於 0
func (m Money) IsPositive() bool {
	return m > 0
}

// Sum 加總
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
