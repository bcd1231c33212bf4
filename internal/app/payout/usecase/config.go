package usecase

import "time"

// Config 付款引擎的可調參數
type Config struct {
	// MaxAttempts 單一 aggregate 最多送出次數，用盡後進入 failed 終態
	MaxAttempts int
	// BackoffBase / BackoffMax 可重試失敗後的指數退避
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Currency 送給金流商的幣別
	Currency string
	// PollAfter processing 超過多久沒有更新就主動查詢金流商
	PollAfter time.Duration
	// RestaurantsPerCycle 單輪最多處理幾家餐廳 (0 = 不限)
	RestaurantsPerCycle int
	// BatchSize 單次送出 / 查詢 / relay 的筆數上限
	BatchSize int
	// Clock 目前時間，nil 時使用 time.Now
	Clock func() time.Time
}

// DefaultConfig 保守的預設值
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		BackoffBase:         time.Minute,
		BackoffMax:          time.Hour,
		Currency:            "NGN",
		PollAfter:           10 * time.Minute,
		RestaurantsPerCycle: 0,
		BatchSize:           100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	if c.PollAfter <= 0 {
		c.PollAfter = d.PollAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Backoff 第 attempt 次失敗後要等多久：base * 2^(attempt-1)，上限 BackoffMax
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
