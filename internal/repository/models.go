package repository

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
)

type candleModel struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"size:32;not null;uniqueIndex:idx_candle_key,priority:1"`
	Timeframe string          `gorm:"size:8;not null;uniqueIndex:idx_candle_key,priority:2"`
	OpenTime  time.Time       `gorm:"not null;uniqueIndex:idx_candle_key,priority:3"`
	Open      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	High      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Low       decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Close     decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Volume    int64           `gorm:"not null"`
}

func (candleModel) TableName() string { return "candles" }

type signalModel struct {
	ID                string          `gorm:"primaryKey;size:64"`
	Strategy          string          `gorm:"size:64;not null"`
	Symbol            string          `gorm:"size:32;not null;index:idx_signal_symbol_ts,priority:1"`
	Action            string          `gorm:"size:8;not null"`
	Confidence        float64         `gorm:"not null"`
	Reason            string          `gorm:"type:text"`
	SuggestedQuantity int64           `gorm:"not null;default:0"`
	Price             decimal.Decimal `gorm:"type:decimal(20,4)"`
	Metadata          string          `gorm:"type:text"`
	Timestamp         time.Time       `gorm:"not null;index:idx_signal_symbol_ts,priority:2"`
	RiskReason        string          `gorm:"size:32"`
	RiskMessage       string          `gorm:"type:text"`
	ApprovedQuantity  int64           `gorm:"not null;default:0"`
	CreatedAt         time.Time
}

func (signalModel) TableName() string { return "signals" }

type orderModel struct {
	ID             string          `gorm:"primaryKey;size:32"`
	BrokerOrderID  *string         `gorm:"size:64;index"`
	SignalID       string          `gorm:"size:64;index"`
	Symbol         string          `gorm:"size:32;not null;index:idx_order_symbol_created,priority:1"`
	Side           string          `gorm:"size:8;not null"`
	OrderType      string          `gorm:"size:8;not null"`
	Quantity       int64           `gorm:"not null"`
	FilledQuantity int64           `gorm:"not null;default:0"`
	Price          decimal.Decimal `gorm:"type:decimal(20,4)"`
	Status         string          `gorm:"size:16;not null;index"`
	RejectReason   string          `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_order_symbol_created,priority:2"`
	UpdatedAt      time.Time       `gorm:"not null;autoUpdateTime:false"`
}

func (orderModel) TableName() string { return "orders" }

type fillModel struct {
	ID           string          `gorm:"primaryKey;size:64"`
	OrderID      string          `gorm:"size:32;not null;uniqueIndex:idx_fill_broker,priority:1"`
	BrokerFillID *string         `gorm:"size:64;uniqueIndex:idx_fill_broker,priority:2"`
	Symbol       string          `gorm:"size:32;not null"`
	Side         string          `gorm:"size:8;not null"`
	Quantity     int64           `gorm:"not null"`
	Price        decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Commission   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Timestamp    time.Time       `gorm:"not null;index"`
}

func (fillModel) TableName() string { return "fills" }

type positionModel struct {
	Symbol    string          `gorm:"primaryKey;size:32"`
	Quantity  int64           `gorm:"not null"`
	AvgPrice  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime:false"`
}

func (positionModel) TableName() string { return "positions" }

type botRunModel struct {
	ID        string     `gorm:"primaryKey;size:64"`
	StartedAt time.Time  `gorm:"not null"`
	EndedAt   *time.Time `gorm:"index"`
	Status    string     `gorm:"size:16;not null"`
	Note      string     `gorm:"type:text"`
}

func (botRunModel) TableName() string { return "bot_runs" }

type errorLogModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Source    string    `gorm:"size:64;not null"`
	Code      string    `gorm:"size:64"`
	Message   string    `gorm:"type:text"`
	Ref       string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (errorLogModel) TableName() string { return "error_logs" }

func allModels() []any {
	return []any{
		&candleModel{},
		&signalModel{},
		&orderModel{},
		&fillModel{},
		&positionModel{},
		&botRunModel{},
		&errorLogModel{},
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toCandleModel(c schema.Candle) candleModel {
	return candleModel{
		Symbol:    c.Symbol,
		Timeframe: string(c.Timeframe),
		OpenTime:  c.OpenTime.UTC(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

func (m candleModel) toSchema() schema.Candle {
	return schema.Candle{
		Symbol:    m.Symbol,
		Timeframe: schema.Timeframe(m.Timeframe),
		OpenTime:  m.OpenTime,
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
		Closed:    true,
	}
}

func toSignalModel(s schema.Signal) (signalModel, error) {
	var metadata string
	if len(s.Metadata) != 0 {
		b, err := sonic.Marshal(s.Metadata)
		if err != nil {
			return signalModel{}, err
		}
		metadata = string(b)
	}
	return signalModel{
		ID:                s.ID,
		Strategy:          s.Strategy,
		Symbol:            s.Symbol,
		Action:            string(s.Action),
		Confidence:        s.Confidence,
		Reason:            s.Reason,
		SuggestedQuantity: s.SuggestedQuantity,
		Price:             s.Price,
		Metadata:          metadata,
		Timestamp:         s.Timestamp,
	}, nil
}

func (m signalModel) toSchema() (schema.Signal, error) {
	s := schema.Signal{
		ID:                m.ID,
		Strategy:          m.Strategy,
		Symbol:            m.Symbol,
		Action:            schema.Action(m.Action),
		Confidence:        m.Confidence,
		Reason:            m.Reason,
		SuggestedQuantity: m.SuggestedQuantity,
		Price:             m.Price,
		Timestamp:         m.Timestamp,
	}
	if m.Metadata != "" {
		if err := sonic.UnmarshalString(m.Metadata, &s.Metadata); err != nil {
			return s, err
		}
	}
	return s, nil
}

func toOrderModel(o schema.Order) orderModel {
	return orderModel{
		ID:             o.ID,
		BrokerOrderID:  optional(o.BrokerOrderID),
		SignalID:       o.SignalID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		OrderType:      string(o.Type),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Price:          o.Price,
		Status:         string(o.Status),
		RejectReason:   o.RejectReason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (m orderModel) toSchema() schema.Order {
	return schema.Order{
		ID:             m.ID,
		BrokerOrderID:  deref(m.BrokerOrderID),
		SignalID:       m.SignalID,
		Symbol:         m.Symbol,
		Side:           schema.OrderSide(m.Side),
		Type:           schema.OrderType(m.OrderType),
		Quantity:       m.Quantity,
		FilledQuantity: m.FilledQuantity,
		Price:          m.Price,
		Status:         schema.OrderStatus(m.Status),
		RejectReason:   m.RejectReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toFillModel(f schema.Fill) fillModel {
	return fillModel{
		ID:           f.ID,
		OrderID:      f.OrderID,
		BrokerFillID: optional(f.BrokerFillID),
		Symbol:       f.Symbol,
		Side:         string(f.Side),
		Quantity:     f.Quantity,
		Price:        f.Price,
		Commission:   f.Commission,
		Timestamp:    f.Timestamp,
	}
}

func (m fillModel) toSchema() schema.Fill {
	return schema.Fill{
		ID:           m.ID,
		OrderID:      m.OrderID,
		BrokerFillID: deref(m.BrokerFillID),
		Symbol:       m.Symbol,
		Side:         schema.OrderSide(m.Side),
		Quantity:     m.Quantity,
		Price:        m.Price,
		Commission:   m.Commission,
		Timestamp:    m.Timestamp,
	}
}

func toPositionModel(p schema.Position) positionModel {
	return positionModel{
		Symbol:    p.Symbol,
		Quantity:  p.Quantity,
		AvgPrice:  p.AvgPrice,
		UpdatedAt: p.UpdatedAt,
	}
}

func (m positionModel) toSchema() schema.Position {
	return schema.Position{
		Symbol:    m.Symbol,
		Quantity:  m.Quantity,
		AvgPrice:  m.AvgPrice,
		UpdatedAt: m.UpdatedAt,
	}
}

func toBotRunModel(r schema.BotRun) botRunModel {
	return botRunModel{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Status:    string(r.Status),
		Note:      r.Note,
	}
}

func (m botRunModel) toSchema() schema.BotRun {
	return schema.BotRun{
		ID:        m.ID,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Status:    schema.RunStatus(m.Status),
		Note:      m.Note,
	}
}
