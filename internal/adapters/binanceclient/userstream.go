package binanceclient

import (
	"context"
	"strconv"
	"sync"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
)

// StreamUserData opens the futures user data stream. The listen key is
// refreshed on every reconnect and kept alive while the stream runs.
func (c *Client) StreamUserData(ctx context.Context, handlers ports.UserStreamHandlers) (<-chan struct{}, error) {
	op := "StreamUserData"

	// Fail fast on bad credentials before going async.
	if _, err := c.futuresClient.NewStartUserStreamService().Do(ctx); err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var (
		keyMu     sync.Mutex
		listenKey string
	)

	serve := func(ctx context.Context) (chan struct{}, chan struct{}, error) {
		key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
		if err != nil {
			return nil, nil, err
		}
		keyMu.Lock()
		listenKey = key
		keyMu.Unlock()

		wsHandler := func(event *futures.WsUserDataEvent) {
			dispatchUserEvent(event, handlers)
		}
		wsErrHandler := func(err error) {
			if handlers.OnError != nil {
				handlers.OnError(err)
			}
		}
		return futures.WsUserDataServe(key, wsHandler, wsErrHandler)
	}

	doneCh, _ := c.supervise(ctx, op, map[string]interface{}{"stream": "userData"}, serve)

	go func() {
		ticker := time.NewTicker(c.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-doneCh:
				return
			case <-ticker.C:
				keyMu.Lock()
				key := listenKey
				keyMu.Unlock()
				if key == "" {
					continue
				}
				if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
					_ = c.handleError(ctx, err, op+" keepalive")
				} else {
					c.logger.Debug(ctx, op+": listen key kept alive")
				}
			}
		}
	}()

	return doneCh, nil
}

// dispatchUserEvent translates a raw user data event and hands it to handlers.
func dispatchUserEvent(event *futures.WsUserDataEvent, handlers ports.UserStreamHandlers) {
	if event == nil {
		return
	}
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		if handlers.OnOrderUpdate != nil {
			handlers.OnOrderUpdate(translateOrderTradeUpdate(&event.OrderTradeUpdate))
		}
	case futures.UserDataEventTypeAccountUpdate:
		if handlers.OnBalanceUpdate == nil {
			return
		}
		for _, b := range event.AccountUpdate.Balances {
			balance, err := strconv.ParseFloat(b.Balance, 64)
			if err != nil {
				continue
			}
			handlers.OnBalanceUpdate(&ports.BalanceUpdate{Asset: b.Asset, Balance: balance})
		}
	}
}

func translateOrderTradeUpdate(u *futures.WsOrderTradeUpdate) *ports.OrderUpdate {
	price, _ := strconv.ParseFloat(u.OriginalPrice, 64)
	avgPrice, _ := strconv.ParseFloat(u.AveragePrice, 64)
	filled, _ := strconv.ParseFloat(u.AccumulatedFilledQty, 64)

	return &ports.OrderUpdate{
		ExchangeID:    u.ID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          domain.OrderSide(u.Side),
		Type:          domain.OrderType(u.Type),
		Status:        domain.OrderStatus(u.Status),
		Price:         price,
		AvgPrice:      avgPrice,
		FilledQty:     filled,
		Time:          time.UnixMilli(u.TradeTime),
	}
}
