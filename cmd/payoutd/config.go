package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/database"
)

// DriverMemory 不連資料庫，資料只存在記憶體 (本機測試用)
const DriverMemory = "memory"

// 覆蓋設定檔的環境變數 (機密不寫在 yaml)
const (
	EnvConfigPath     = "PAYOUT_CONFIG"
	EnvDBPassword     = "PAYOUT_DB_PASSWORD"
	EnvProviderSecret = "PAYOUT_PROVIDER_SECRET"
)

type Config struct {
	Database database.Config `yaml:"database"`
	Provider ProviderConfig  `yaml:"provider"`
	Payout   PayoutConfig    `yaml:"payout"`
	GRPC     ServerConfig    `yaml:"grpc"`
	HTTP     ServerConfig    `yaml:"http"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Journal  JournalConfig   `yaml:"journal"`
	Log      LogConfig       `yaml:"log"`
	// Restaurants memory 模式下的收款帳戶 (SQL 模式讀 restaurant_subaccounts 表)
	Restaurants map[string]BankConfig `yaml:"restaurants"`
}

type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
	Source    string        `yaml:"source"`
}

type PayoutConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	Currency            string        `yaml:"currency"`
	PollAfter           time.Duration `yaml:"poll_after"`
	RestaurantsPerCycle int           `yaml:"restaurants_per_cycle"`
	BatchSize           int           `yaml:"batch_size"`

	// 排程間隔，0 代表停用該工作
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	SubmitInterval    time.Duration `yaml:"submit_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RelayInterval     time.Duration `yaml:"relay_interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type JournalConfig struct {
	// Path 空字串代表不啟用 callback 收件匣
	Path string `yaml:"path"`
	// CompactInterval 定期清掉已套用的紀錄
	CompactInterval time.Duration `yaml:"compact_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BankConfig struct {
	AccountNumber string        `yaml:"account_number"`
	AccountName   string        `yaml:"account_name"`
	BankCode      string        `yaml:"bank_code"`
	Split         *domain.Split `yaml:"split"`
}

// loadConfig 讀取 .env 與 yaml 設定，補上預設值
//
// 參數:
//
//	path: 設定檔路徑；PAYOUT_CONFIG 有設定時以環境變數為準
//
// 回傳:
//
//	Config: 完整設定
//	error: 讀取或解析失敗
func loadConfig(path string) (Config, error) {
	// .env 不存在不是錯誤
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		path = p
	}

	cfgData, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv(EnvDBPassword); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv(EnvProviderSecret); v != "" {
		cfg.Provider.SecretKey = v
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(cfg *Config) {
	// 資料庫
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = database.DriverMySQL
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}

	// 金流商
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 15 * time.Second
	}

	// 排程
	if cfg.Payout.AggregateInterval == 0 {
		cfg.Payout.AggregateInterval = 5 * time.Minute
	}
	if cfg.Payout.SubmitInterval == 0 {
		cfg.Payout.SubmitInterval = time.Minute
	}
	if cfg.Payout.PollInterval == 0 {
		cfg.Payout.PollInterval = 5 * time.Minute
	}
	if cfg.Payout.RelayInterval == 0 {
		cfg.Payout.RelayInterval = 5 * time.Second
	}
	if cfg.Journal.CompactInterval == 0 {
		cfg.Journal.CompactInterval = time.Hour
	}

	// 服務
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = ":50051"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "payout-events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case database.DriverMySQL, database.DriverPostgres, database.DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if c.Provider.SecretKey == "" {
		return fmt.Errorf("provider.secret_key is required (or set %s)", EnvProviderSecret)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// usecaseConfig 轉成 usecase 層的設定 (未設定的欄位由 usecase 補預設值)
func (c Config) usecaseConfig() usecase.Config {
	return usecase.Config{
		MaxAttempts:         c.Payout.MaxAttempts,
		BackoffBase:         c.Payout.BackoffBase,
		BackoffMax:          c.Payout.BackoffMax,
		Currency:            c.Payout.Currency,
		PollAfter:           c.Payout.PollAfter,
		RestaurantsPerCycle: c.Payout.RestaurantsPerCycle,
		BatchSize:           c.Payout.BatchSize,
	}
}

// bankDetails memory 模式的收款帳戶表
func (c Config) bankDetails() map[string]domain.BankDetails {
	out := make(map[string]domain.BankDetails, len(c.Restaurants))
	for id, b := range c.Restaurants {
		out[id] = domain.BankDetails{
			AccountNumber: b.AccountNumber,
			AccountName:   b.AccountName,
			BankCode:      b.BankCode,
			Split:         b.Split,
		}
	}
	return out
}

// newLogger 依設定建立 slog.Logger
func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
