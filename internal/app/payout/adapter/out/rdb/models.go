package rdb

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
)

// 時間欄位都由 domain 決定，關閉 gorm 的自動時間

// sqlObligation 對應資料庫的 payout_obligations 表
type sqlObligation struct {
	ID                string  `gorm:"primaryKey;size:36"`
	OrderID           *string `gorm:"size:64;uniqueIndex:ux_obligation_order_reason"`
	PaymentID         *string `gorm:"size:64"`
	RestaurantID      string  `gorm:"size:64;not null;index:ix_obligation_restaurant_status"`
	Amount            int64   `gorm:"not null"`
	Status            string  `gorm:"size:16;not null;index:ix_obligation_restaurant_status"`
	ParentAggregateID *string `gorm:"size:36;index"`
	Reason            string  `gorm:"size:64;not null;uniqueIndex:ux_obligation_order_reason"`
	Meta              datatypes.JSON
	CreatedAt         time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (*sqlObligation) TableName() string {
	return "payout_obligations"
}

// sqlAggregate 對應資料庫的 payout_aggregates 表
type sqlAggregate struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	PayoutBatchID      *string `gorm:"size:36;index"`
	RestaurantID       string  `gorm:"size:64;not null;index:ix_aggregate_restaurant_status"`
	Amount             int64   `gorm:"not null"`
	AccountNumber      string  `gorm:"size:64"`
	AccountName        string  `gorm:"size:255"`
	BankCode           string  `gorm:"size:32"`
	ProviderTransferID *string `gorm:"size:128;index"`
	ProviderResponse   datatypes.JSON
	Status             string `gorm:"size:16;not null;index:ix_aggregate_restaurant_status"`
	AttemptCount       int    `gorm:"not null;default:0"`
	LastError          *string
	NextAttemptAt      *time.Time
	Split              datatypes.JSON
	Meta               datatypes.JSON
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false;index"`
}

func (*sqlAggregate) TableName() string {
	return "payout_aggregates"
}

// sqlBatch 對應資料庫的 payout_batches 表
type sqlBatch struct {
	ID              string  `gorm:"primaryKey;size:36"`
	Status          string  `gorm:"size:16;not null;index"`
	TotalAmount     int64   `gorm:"not null"`
	ProviderBatchID *string `gorm:"size:128"`
	AttemptCount    int     `gorm:"not null;default:0"`
	Meta            datatypes.JSON
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	ProcessedAt     *time.Time
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (*sqlBatch) TableName() string {
	return "payout_batches"
}

// sqlAlert 對應資料庫的 payout_alerts 表
type sqlAlert struct {
	ID           string     `gorm:"primaryKey;size:36"`
	Kind         string     `gorm:"size:32;not null;index:ix_alert_subject"`
	SubjectID    string     `gorm:"size:64;not null;index:ix_alert_subject"`
	RestaurantID string     `gorm:"size:64"`
	Message      string     `gorm:"type:text"`
	Occurrences  int        `gorm:"not null;default:1"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime:false"`
	ResolvedAt   *time.Time `gorm:"index"`
}

func (*sqlAlert) TableName() string {
	return "payout_alerts"
}

// sqlOutboxEvent 對應資料庫的 payout_outbox 表
type sqlOutboxEvent struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"size:36;uniqueIndex"`
	Type        string `gorm:"size:64;not null"`
	EntityID    string `gorm:"size:36;not null"`
	Payload     datatypes.JSON
	CreatedAt   time.Time  `gorm:"autoCreateTime:false"`
	PublishedAt *time.Time `gorm:"index"`
}

func (*sqlOutboxEvent) TableName() string {
	return "payout_outbox"
}

// sqlRestaurantLock 每家餐廳一列，彙總時以 FOR UPDATE SKIP LOCKED 取得
type sqlRestaurantLock struct {
	RestaurantID string `gorm:"primaryKey;size:64"`
	CreatedAt    time.Time
}

func (*sqlRestaurantLock) TableName() string {
	return "payout_restaurant_locks"
}

// sqlSubaccount 對應資料庫的 restaurant_subaccounts 表 (收款帳戶)
type sqlSubaccount struct {
	RestaurantID  string `gorm:"primaryKey;size:64"`
	AccountNumber string `gorm:"size:64"`
	AccountName   string `gorm:"size:255"`
	BankCode      string `gorm:"size:32"`
	Split         datatypes.JSON
	UpdatedAt     time.Time
}

func (*sqlSubaccount) TableName() string {
	return "restaurant_subaccounts"
}

// models AutoMigrate 的所有表
func models() []any {
	return []any{
		&sqlObligation{},
		&sqlAggregate{},
		&sqlBatch{},
		&sqlAlert{},
		&sqlOutboxEvent{},
		&sqlRestaurantLock{},
		&sqlSubaccount{},
	}
}

// --- 轉換 ---

func toJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	case *domain.Split:
		if m == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func toMap(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toSplit(raw datatypes.JSON) (*domain.Split, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s domain.Split
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func fromObligation(o *domain.Obligation) (*sqlObligation, error) {
	meta, err := toJSON(o.Meta)
	if err != nil {
		return nil, err
	}
	return &sqlObligation{
		ID:                o.ID,
		OrderID:           o.OrderID,
		PaymentID:         o.PaymentID,
		RestaurantID:      o.RestaurantID,
		Amount:            o.Amount.Minor(),
		Status:            string(o.Status),
		ParentAggregateID: o.ParentAggregateID,
		Reason:            o.Reason,
		Meta:              meta,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}, nil
}

func (m *sqlObligation) toDomain() (*domain.Obligation, error) {
	meta, err := toMap(m.Meta)
	if err != nil {
		return nil, err
	}
	return &domain.Obligation{
		ID:                m.ID,
		OrderID:           m.OrderID,
		PaymentID:         m.PaymentID,
		RestaurantID:      m.RestaurantID,
		Amount:            domain.Money(m.Amount),
		Status:            domain.ObligationStatus(m.Status),
		ParentAggregateID: m.ParentAggregateID,
		Reason:            m.Reason,
		Meta:              meta,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}, nil
}

func fromAggregate(a *domain.AggregatedPayout) (*sqlAggregate, error) {
	resp, err := toJSON(a.ProviderResponse)
	if err != nil {
		return nil, err
	}
	split, err := toJSON(a.Split)
	if err != nil {
		return nil, err
	}
	meta, err := toJSON(a.Meta)
	if err != nil {
		return nil, err
	}
	return &sqlAggregate{
		ID:                 a.ID,
		PayoutBatchID:      a.PayoutBatchID,
		RestaurantID:       a.RestaurantID,
		Amount:             a.Amount.Minor(),
		AccountNumber:      a.AccountNumber,
		AccountName:        a.AccountName,
		BankCode:           a.BankCode,
		ProviderTransferID: a.ProviderTransferID,
		ProviderResponse:   resp,
		Status:             string(a.Status),
		AttemptCount:       a.AttemptCount,
		LastError:          a.LastError,
		NextAttemptAt:      a.NextAttemptAt,
		Split:              split,
		Meta:               meta,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}, nil
}

func (m *sqlAggregate) toDomain() (*domain.AggregatedPayout, error) {
	resp, err := toMap(m.ProviderResponse)
	if err != nil {
		return nil, err
	}
	split, err := toSplit(m.Split)
	if err != nil {
		return nil, err
	}
	meta, err := toMap(m.Meta)
	if err != nil {
		return nil, err
	}
	a := &domain.AggregatedPayout{
		ID:                 m.ID,
		PayoutBatchID:      m.PayoutBatchID,
		RestaurantID:       m.RestaurantID,
		Amount:             domain.Money(m.Amount),
		AccountNumber:      m.AccountNumber,
		AccountName:        m.AccountName,
		BankCode:           m.BankCode,
		ProviderTransferID: m.ProviderTransferID,
		ProviderResponse:   resp,
		Status:             domain.AggregateStatus(m.Status),
		AttemptCount:       m.AttemptCount,
		LastError:          m.LastError,
		Split:              split,
		Meta:               meta,
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
	if m.NextAttemptAt != nil {
		t := m.NextAttemptAt.UTC()
		a.NextAttemptAt = &t
	}
	return a, nil
}

func fromBatch(b *domain.PayoutBatch) (*sqlBatch, error) {
	meta, err := toJSON(b.Meta)
	if err != nil {
		return nil, err
	}
	return &sqlBatch{
		ID:              b.ID,
		Status:          string(b.Status),
		TotalAmount:     b.TotalAmount.Minor(),
		ProviderBatchID: b.ProviderBatchID,
		AttemptCount:    b.AttemptCount,
		Meta:            meta,
		CreatedAt:       b.CreatedAt,
		ProcessedAt:     b.ProcessedAt,
		UpdatedAt:       b.UpdatedAt,
	}, nil
}

func (m *sqlBatch) toDomain() (*domain.PayoutBatch, error) {
	meta, err := toMap(m.Meta)
	if err != nil {
		return nil, err
	}
	b := &domain.PayoutBatch{
		ID:              m.ID,
		Status:          domain.BatchStatus(m.Status),
		TotalAmount:     domain.Money(m.TotalAmount),
		ProviderBatchID: m.ProviderBatchID,
		AttemptCount:    m.AttemptCount,
		Meta:            meta,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
	if m.ProcessedAt != nil {
		t := m.ProcessedAt.UTC()
		b.ProcessedAt = &t
	}
	return b, nil
}

func fromAlert(a *domain.Alert) *sqlAlert {
	return &sqlAlert{
		ID:           a.ID,
		Kind:         string(a.Kind),
		SubjectID:    a.SubjectID,
		RestaurantID: a.RestaurantID,
		Message:      a.Message,
		Occurrences:  a.Occurrences,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		ResolvedAt:   a.ResolvedAt,
	}
}

func (m *sqlAlert) toDomain() domain.Alert {
	a := domain.Alert{
		ID:           m.ID,
		Kind:         domain.AlertKind(m.Kind),
		SubjectID:    m.SubjectID,
		RestaurantID: m.RestaurantID,
		Message:      m.Message,
		Occurrences:  m.Occurrences,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.ResolvedAt != nil {
		t := m.ResolvedAt.UTC()
		a.ResolvedAt = &t
	}
	return a
}

func (m *sqlOutboxEvent) toDomain() (domain.OutboxEvent, error) {
	payload, err := toMap(m.Payload)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	e := domain.OutboxEvent{
		ID:        m.ID,
		Type:      domain.EventType(m.Type),
		EntityID:  m.EntityID,
		Payload:   payload,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.PublishedAt != nil {
		t := m.PublishedAt.UTC()
		e.PublishedAt = &t
	}
	return e, nil
}
