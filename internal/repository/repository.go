package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/pkg/exception"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists the trading state through gorm. All methods are safe
// for concurrent use.
type Repository struct {
	db *gorm.DB
}

// New wraps an open database.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates every table.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return wrap(err, "migrate")
	}
	return nil
}

func wrap(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return exception.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Join(exception.ErrAlreadyExists, err)
	default:
		return errors.Join(errors.New("repository: "+op), err)
	}
}

// SaveCandle upserts a closed candle; a second write of the same bar replaces it.
func (r *Repository) SaveCandle(ctx context.Context, c schema.Candle) error {
	m := toCandleModel(c)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(&m).Error
	return wrap(err, "save candle")
}

// Candles returns the latest limit candles, oldest first.
func (r *Repository) Candles(ctx context.Context, symbol string, tf schema.Timeframe, limit int) ([]schema.Candle, error) {
	var rows []candleModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, string(tf)).
		Order("open_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err, "candles")
	}
	out := make([]schema.Candle, len(rows))
	for i, m := range rows {
		out[len(rows)-1-i] = m.toSchema()
	}
	return out, nil
}

// CandlesBetween returns candles with open time in [from, to), oldest first.
func (r *Repository) CandlesBetween(ctx context.Context, symbol string, tf schema.Timeframe, from, to time.Time) ([]schema.Candle, error) {
	var rows []candleModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?", symbol, string(tf), from.UTC(), to.UTC()).
		Order("open_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err, "candles between")
	}
	out := make([]schema.Candle, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toSchema())
	}
	return out, nil
}

// SaveSignal stores a generated signal.
func (r *Repository) SaveSignal(ctx context.Context, s schema.Signal) error {
	m, err := toSignalModel(s)
	if err != nil {
		return wrap(err, "encode signal metadata")
	}
	return wrap(r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error, "save signal")
}

// RecordSignalOutcome attaches the risk verdict to a stored signal.
func (r *Repository) RecordSignalOutcome(ctx context.Context, signalID string, res schema.ValidationResult) error {
	reason := ""
	if !res.Approved {
		reason = res.Reason.String()
	}
	err := r.db.WithContext(ctx).Model(&signalModel{}).Where("id = ?", signalID).Updates(map[string]any{
		"risk_reason":       reason,
		"risk_message":      res.Message,
		"approved_quantity": res.ApprovedQuantity,
	}).Error
	return wrap(err, "record signal outcome")
}

// Signal loads one signal.
func (r *Repository) Signal(ctx context.Context, id string) (schema.Signal, error) {
	var m signalModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return schema.Signal{}, wrap(err, "signal")
	}
	s, err := m.toSchema()
	return s, wrap(err, "decode signal metadata")
}

// CreateOrder inserts a new order row.
func (r *Repository) CreateOrder(ctx context.Context, o schema.Order) error {
	m := toOrderModel(o)
	return wrap(r.db.WithContext(ctx).Create(&m).Error, "create order")
}

// UpdateOrder overwrites an existing order row.
func (r *Repository) UpdateOrder(ctx context.Context, o schema.Order) error {
	return updateOrder(r.db.WithContext(ctx), o)
}

func updateOrder(tx *gorm.DB, o schema.Order) error {
	m := toOrderModel(o)
	res := tx.Model(&orderModel{}).Where("id = ?", m.ID).Select("*").Omit("id", "created_at").Updates(&m)
	if res.Error != nil {
		return wrap(res.Error, "update order")
	}
	if res.RowsAffected == 0 {
		return exception.ErrNotFound
	}
	return nil
}

// Order loads one order by id.
func (r *Repository) Order(ctx context.Context, id string) (schema.Order, error) {
	var m orderModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return schema.Order{}, wrap(err, "order")
	}
	return m.toSchema(), nil
}

// OrderByBrokerID loads one order by its broker-assigned id.
func (r *Repository) OrderByBrokerID(ctx context.Context, brokerOrderID string) (schema.Order, error) {
	var m orderModel
	if err := r.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&m).Error; err != nil {
		return schema.Order{}, wrap(err, "order by broker id")
	}
	return m.toSchema(), nil
}

// OpenOrders lists non-terminal orders, oldest first.
func (r *Repository) OpenOrders(ctx context.Context) ([]schema.Order, error) {
	statuses := make([]string, 0, len(schema.OpenOrderStatuses))
	for _, s := range schema.OpenOrderStatuses {
		statuses = append(statuses, string(s))
	}
	return r.findOrders(ctx, "open orders", r.db.WithContext(ctx).Where("status IN ?", statuses))
}

// OrdersBetween lists orders created in [from, to), oldest first.
func (r *Repository) OrdersBetween(ctx context.Context, from, to time.Time) ([]schema.Order, error) {
	return r.findOrders(ctx, "orders between", r.db.WithContext(ctx).Where("created_at >= ? AND created_at < ?", from, to))
}

func (r *Repository) findOrders(_ context.Context, op string, q *gorm.DB) ([]schema.Order, error) {
	var rows []orderModel
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, wrap(err, op)
	}
	out := make([]schema.Order, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toSchema())
	}
	return out, nil
}

// CountOrdersSince counts orders that reached the broker since t.
func (r *Repository) CountOrdersSince(ctx context.Context, t time.Time) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&orderModel{}).
		Where("created_at >= ? AND status <> ?", t, string(schema.OrderStatusRejected)).
		Count(&n).Error
	return int(n), wrap(err, "count orders")
}

// ApplyFill writes the fill, the order and the resulting position in one
// transaction. A flat position removes the row.
func (r *Repository) ApplyFill(ctx context.Context, o schema.Order, f schema.Fill, p schema.Position) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fm := toFillModel(f)
		if err := tx.Create(&fm).Error; err != nil {
			return wrap(err, "insert fill")
		}
		if err := updateOrder(tx, o); err != nil {
			return err
		}
		return savePosition(tx, p)
	})
	if err != nil {
		logs.Errorf("repository: apply fill %s for order %s rolled back, err: %+v", f.ID, o.ID, err)
	}
	return err
}

// FillExists reports whether a broker fill id was already recorded for an order.
func (r *Repository) FillExists(ctx context.Context, orderID, brokerFillID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&fillModel{}).
		Where("order_id = ? AND broker_fill_id = ?", orderID, brokerFillID).
		Count(&n).Error
	return n > 0, wrap(err, "fill exists")
}

// Fills lists the fills of one order in execution order.
func (r *Repository) Fills(ctx context.Context, orderID string) ([]schema.Fill, error) {
	return r.findFills(r.db.WithContext(ctx).Where("order_id = ?", orderID))
}

// AllFills lists every fill in execution order.
func (r *Repository) AllFills(ctx context.Context) ([]schema.Fill, error) {
	return r.findFills(r.db.WithContext(ctx))
}

func (r *Repository) findFills(q *gorm.DB) ([]schema.Fill, error) {
	var rows []fillModel
	if err := q.Order("timestamp ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, wrap(err, "fills")
	}
	out := make([]schema.Fill, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toSchema())
	}
	return out, nil
}

// FilledQuantity sums the recorded fills of one order.
func (r *Repository) FilledQuantity(ctx context.Context, orderID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&fillModel{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	return total, wrap(err, "filled quantity")
}

// SavePosition upserts a position, deleting it when flat.
func (r *Repository) SavePosition(ctx context.Context, p schema.Position) error {
	return savePosition(r.db.WithContext(ctx), p)
}

func savePosition(tx *gorm.DB, p schema.Position) error {
	if p.Quantity == 0 {
		return wrap(tx.Where("symbol = ?", p.Symbol).Delete(&positionModel{}).Error, "delete position")
	}
	m := toPositionModel(p)
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "avg_price", "updated_at"}),
	}).Create(&m).Error
	return wrap(err, "save position")
}

// DeletePosition removes one position row.
func (r *Repository) DeletePosition(ctx context.Context, symbol string) error {
	return wrap(r.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&positionModel{}).Error, "delete position")
}

// Positions lists every stored position by symbol.
func (r *Repository) Positions(ctx context.Context) ([]schema.Position, error) {
	var rows []positionModel
	if err := r.db.WithContext(ctx).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, wrap(err, "positions")
	}
	out := make([]schema.Position, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toSchema())
	}
	return out, nil
}

// ReplacePositions swaps the whole position table in one transaction.
func (r *Repository) ReplacePositions(ctx context.Context, positions []schema.Position) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&positionModel{}).Error; err != nil {
			return wrap(err, "clear positions")
		}
		for _, p := range positions {
			if err := savePosition(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// StartRun inserts a new run row.
func (r *Repository) StartRun(ctx context.Context, run schema.BotRun) error {
	m := toBotRunModel(run)
	return wrap(r.db.WithContext(ctx).Create(&m).Error, "start run")
}

// EndRun closes a run with a terminal status.
func (r *Repository) EndRun(ctx context.Context, id string, status schema.RunStatus, endedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&botRunModel{}).Where("id = ?", id).Updates(map[string]any{
		"ended_at": endedAt,
		"status":   string(status),
	})
	if res.Error != nil {
		return wrap(res.Error, "end run")
	}
	if res.RowsAffected == 0 {
		return exception.ErrNotFound
	}
	return nil
}

// UnfinishedRuns lists runs that never recorded an end time.
func (r *Repository) UnfinishedRuns(ctx context.Context) ([]schema.BotRun, error) {
	var rows []botRunModel
	if err := r.db.WithContext(ctx).Where("ended_at IS NULL").Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, wrap(err, "unfinished runs")
	}
	out := make([]schema.BotRun, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toSchema())
	}
	return out, nil
}

// LastRun returns the most recently started run.
func (r *Repository) LastRun(ctx context.Context) (schema.BotRun, error) {
	var m botRunModel
	if err := r.db.WithContext(ctx).Order("started_at DESC").First(&m).Error; err != nil {
		return schema.BotRun{}, wrap(err, "last run")
	}
	return m.toSchema(), nil
}

// LogError appends to the error log.
func (r *Repository) LogError(ctx context.Context, e schema.ErrorEvent, at time.Time) error {
	m := errorLogModel{Source: e.Source, Code: e.Code, Message: e.Message, Ref: e.Ref, CreatedAt: at}
	return wrap(r.db.WithContext(ctx).Create(&m).Error, "log error")
}

// RecentErrors returns the newest error log entries, newest first.
func (r *Repository) RecentErrors(ctx context.Context, limit int) ([]schema.ErrorEvent, error) {
	var rows []errorLogModel
	if err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrap(err, "recent errors")
	}
	out := make([]schema.ErrorEvent, 0, len(rows))
	for _, m := range rows {
		out = append(out, schema.ErrorEvent{Source: m.Source, Code: m.Code, Message: m.Message, Ref: m.Ref})
	}
	return out, nil
}
