// Package feed streams trade ticks from a websocket venue.
//
// # Source
//
//   - trade stream frames {"e":"trade","s":symbol,"p":price,"q":qty,"T":millis}
//
// # Produce
//
//   - schema.Tick for each trade of a subscribed symbol
package feed

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kpLEE-HYU/krader/internal/broker"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/ws"
)

const (
	streamSuffix    = "@trade"
	defaultSyncEach = time.Second
)

var ErrMalformedTrade = errors.New("malformed trade")

// Trade is one trade stream frame.
type Trade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// Tick converts a frame; the quantity is truncated to whole shares.
func (t Trade) Tick() (schema.Tick, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return schema.Tick{}, errors.Wrapf(ErrMalformedTrade, "price %q", t.Price)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return schema.Tick{}, errors.Wrapf(ErrMalformedTrade, "quantity %q", t.Quantity)
	}
	tick := schema.Tick{
		Symbol:    strings.ToUpper(t.Symbol),
		Price:     price,
		Size:      qty.IntPart(),
		Timestamp: time.UnixMilli(t.TradeTime),
	}
	if err := tick.Validate(); err != nil {
		return schema.Tick{}, errors.Wrap(ErrMalformedTrade, err.Error())
	}
	return tick, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// Feed is a broker.TickSource that keeps the venue subscriptions in line
// with the symbols the broker wants.
type Feed struct {
	url      string
	syncEach time.Duration

	reqID atomic.Int64

	mu      sync.Mutex
	streams map[string]struct{}
}

var _ broker.TickSource = (*Feed)(nil)

// New creates a feed for url. syncEach is how often subscriptions are
// compared with the wanted symbols.
func New(url string, syncEach time.Duration) *Feed {
	if syncEach <= 0 {
		syncEach = defaultSyncEach
	}
	return &Feed{url: url, syncEach: syncEach, streams: make(map[string]struct{})}
}

func (f *Feed) Run(ctx context.Context, symbols func() []string, emit func(schema.Tick)) error {
	wss := ws.New(ctx, f.url)
	defer wss.Close()
	if err := wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	ch, cancel := wss.Subscribe()
	defer cancel()

	ticker := time.NewTicker(f.syncEach)
	defer ticker.Stop()
	f.sync(ctx, wss, symbols())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.sync(ctx, wss, symbols())
		case m, ok := <-ch:
			if !ok {
				return errors.New("feed: websocket closed")
			}
			trade, ok := ws.ReadMessage[Trade](m)
			if !ok || trade.EventType != "trade" {
				continue
			}
			tick, err := trade.Tick()
			if err != nil {
				logs.Warnf("feed: drop frame, err: %+v", err)
				continue
			}
			emit(tick)
		}
	}
}

func (f *Feed) sync(ctx context.Context, wss *ws.WebSocket, want []string) {
	add, remove := f.plan(want)
	if len(add) != 0 {
		if err := f.send(ctx, wss, "SUBSCRIBE", add); err != nil {
			logs.Errorf("feed: subscribe %v, err: %+v", add, err)
		} else {
			f.commit(add, nil)
		}
	}
	if len(remove) != 0 {
		if err := f.send(ctx, wss, "UNSUBSCRIBE", remove); err != nil {
			logs.Errorf("feed: unsubscribe %v, err: %+v", remove, err)
		} else {
			f.commit(nil, remove)
		}
	}
}

// plan returns the streams to open and close to match want.
func (f *Feed) plan(want []string) (add, remove []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := make(map[string]struct{}, len(want))
	for _, s := range want {
		stream := strings.ToLower(s) + streamSuffix
		wanted[stream] = struct{}{}
		if _, ok := f.streams[stream]; !ok {
			add = append(add, stream)
		}
	}
	for stream := range f.streams {
		if _, ok := wanted[stream]; !ok {
			remove = append(remove, stream)
		}
	}
	return add, remove
}

func (f *Feed) commit(add, remove []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range add {
		f.streams[s] = struct{}{}
	}
	for _, s := range remove {
		delete(f.streams, s)
	}
}

func (f *Feed) send(ctx context.Context, wss *ws.WebSocket, method string, streams []string) error {
	id := f.reqID.Add(1)
	appendIntoRegister := method == "SUBSCRIBE"
	return wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, conn *ws.WebSocket) error {
			payload := subscribeRequest{Method: method, Params: streams, ID: id}
			if err := conn.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp subscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != id {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("%s rejected: %+v", strings.ToLower(method), resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister)
}
