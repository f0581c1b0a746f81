package binanceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bracketBot/internal/ports"

	"github.com/gorilla/websocket"
)

const wsReadTimeout = time.Minute

// StreamMarkPrices subscribes to the 1s mark price stream of symbols over a
// single combined connection.
func (c *Client) StreamMarkPrices(ctx context.Context, symbols []string, handler func(symbol string, price float64), errHandler func(err error)) (doneCh, stopCh chan struct{}, err error) {
	op := "StreamMarkPrices"
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("%s: %w: no symbols to stream", op, ports.ErrInvalidRequest)
	}

	url := markPriceURL(c.wsBaseURL, symbols)
	serve := func(context.Context) (chan struct{}, chan struct{}, error) {
		return serveMarkPrices(url, handler, errHandler)
	}

	doneCh, stopCh = c.supervise(ctx, op, map[string]interface{}{"symbols": len(symbols)}, serve)
	return doneCh, stopCh, nil
}

func markPriceURL(base string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

func serveMarkPrices(url string, handler func(symbol string, price float64), errHandler func(err error)) (doneC, stopC chan struct{}, err error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, nil, err
	}

	doneC = make(chan struct{})
	stopC = make(chan struct{})

	go func() {
		defer close(doneC)

		var silent atomic.Bool
		go func() {
			select {
			case <-stopC:
				silent.Store(true)
			case <-doneC:
			}
			_ = conn.Close()
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !silent.Load() {
					errHandler(err)
				}
				return
			}
			symbol, price, err := parseMarkPrice(msg)
			if err != nil {
				errHandler(err)
				continue
			}
			handler(symbol, price)
		}
	}()

	return doneC, stopC, nil
}

type markPriceMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	} `json:"data"`
}

func parseMarkPrice(msg []byte) (string, float64, error) {
	var m markPriceMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return "", 0, fmt.Errorf("decoding mark price message: %w", err)
	}
	if m.Data.Symbol == "" {
		return "", 0, fmt.Errorf("mark price message without symbol on stream %q", m.Stream)
	}
	price, err := strconv.ParseFloat(m.Data.MarkPrice, 64)
	if err != nil {
		return "", 0, fmt.Errorf("parsing mark price '%s': %w", m.Data.MarkPrice, err)
	}
	return m.Data.Symbol, price, nil
}
