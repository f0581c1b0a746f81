package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	wsURLProduction = "wss://fstream.binance.com"
	wsURLTestnet    = "wss://stream.binancefuture.com"
)

// Client implements ports.ExchangeClient, ports.UserStream and
// ports.PriceStreamer on top of the go-binance futures client.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	limiter              *rate.Limiter
	wsBaseURL            string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	keepAliveInterval    time.Duration

	symbolsMu sync.RWMutex
	symbols   map[string]*ports.SymbolInfo
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
	OrderRateLimit       float64       // order endpoint calls per second
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	wsBase := wsURLProduction
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		futures.UseTestnet = true // user data stream endpoint
		wsBase = wsURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	orderRate := cfg.OrderRateLimit
	if orderRate <= 0 {
		orderRate = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		limiter:              rate.NewLimiter(rate.Limit(orderRate), int(orderRate)+1),
		wsBaseURL:            wsBase,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		keepAliveInterval:    30 * time.Minute,
		symbols:              make(map[string]*ports.SymbolInfo),
	}, nil
}

// throttle blocks until the order rate limiter admits another call.
func (c *Client) throttle(ctx context.Context, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit wait failed: %w: %w", operation, ports.ErrRateLimited, err)
	}
	return nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Bad signature, key format or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrUnknownSymbol
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022, -4131: // Rejected, reduce-only rejected, counterparty price out of range
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel rejected; "Unknown order sent" when it no longer exists
			if strings.Contains(strings.ToLower(apiErr.Message), "unknown order") {
				mappedErr = ports.ErrOrderNotFound
			} else {
				mappedErr = ports.ErrOrderCancelFailed
			}
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2019, -2018, -4047: // Margin or position limit
			mappedErr = ports.ErrInsufficientMargin
		case -2021: // Order would immediately trigger
			mappedErr = ports.ErrEntryCrossed
		case -4003, -4164: // Quantity out of range, notional too small
			mappedErr = ports.ErrInsufficientQuantity
		case -4014, -4015:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	indexes, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(indexes) == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("no price data returned for symbol %s", symbol), op)
	}

	price, err := strconv.ParseFloat(indexes[0].MarkPrice, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", indexes[0].MarkPrice, err), op)
	}
	return price, nil
}

// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
			if err != nil {
				return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err), op)
			}
			return balance, nil
		}
	}

	return 0, c.handleError(ctx, fmt.Errorf("asset %s not found in account balance", asset), op)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// CreateOrder places an order described by req.
func (c *Client) CreateOrder(ctx context.Context, req *ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "CreateOrder"
	if err := c.throttle(ctx, op); err != nil {
		return nil, err
	}

	info, _ := c.Symbol(req.Symbol)
	tick, step := 0.0, 0.0
	if info != nil {
		tick, step = info.TickSize, info.StepSize
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewClientOrderID(req.ClientOrderID)

	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(formatStep(req.Quantity, step))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.Price(formatStep(req.Price, tick)).TimeInForce(futures.TimeInForceTypeGTC)
	case domain.OrderTypeStop:
		svc = svc.Price(formatStep(req.Price, tick)).
			StopPrice(formatStep(req.StopPrice, tick)).
			TimeInForce(futures.TimeInForceTypeGTC)
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(formatStep(req.StopPrice, tick))
	}

	fields := map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          req.Side,
		"type":          req.Type,
		"quantity":      req.Quantity,
		"price":         req.Price,
		"stopPrice":     req.StopPrice,
		"clientOrderID": req.ClientOrderID,
	}
	c.logger.Debug(ctx, op+": Placing order", fields)

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateCreateResponse(order)
	fields["orderID"] = resp.OrderID
	fields["status"] = resp.Status
	c.logger.Info(ctx, op+" successful", fields)
	return resp, nil
}

// CancelOrder cancels an open order by its client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	if err := c.throttle(ctx, op); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "clientOrderID": clientOrderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateCancelResponse(res)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "clientOrderID": clientOrderID, "status": resp.Status})
	return resp, nil
}

// GetOrder queries an order by its client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "GetOrder"
	if err := c.throttle(ctx, op); err != nil {
		return nil, err
	}
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// GetOpenOrders lists the open orders of every symbol.
func (c *Client) GetOpenOrders(ctx context.Context) ([]*ports.OrderResponse, error) {
	op := "GetOpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*ports.OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetPositions lists every position with a non-zero amount.
func (c *Client) GetPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	op := "GetPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*ports.PositionRisk, 0)
	for _, p := range positions {
		risk := translatePositionRisk(p)
		if risk == nil || risk.PositionAmt == 0 {
			continue
		}
		out = append(out, risk)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"open": len(out)})
	return out, nil
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}

	return domainKlines, nil
}

// --- Translation Helpers ---

// rawOrder collects the string fields shared by the go-binance order types.
type rawOrder struct {
	orderID       int64
	symbol        string
	clientOrderID string
	price         string
	stopPrice     string
	avgPrice      string
	origQty       string
	executedQty   string
	status        futures.OrderStatusType
	orderType     futures.OrderType
	side          futures.SideType
	reduceOnly    bool
	updateTime    int64
}

func (r rawOrder) translate() *ports.OrderResponse {
	price, _ := strconv.ParseFloat(r.price, 64)
	stop, _ := strconv.ParseFloat(r.stopPrice, 64)
	avgPrice, _ := strconv.ParseFloat(r.avgPrice, 64)
	origQty, _ := strconv.ParseFloat(r.origQty, 64)
	execQty, _ := strconv.ParseFloat(r.executedQty, 64)

	return &ports.OrderResponse{
		OrderID:       r.orderID,
		Symbol:        r.symbol,
		ClientOrderID: r.clientOrderID,
		Price:         price,
		StopPrice:     stop,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        domain.OrderStatus(r.status),
		Type:          domain.OrderType(r.orderType),
		Side:          domain.OrderSide(r.side),
		ReduceOnly:    r.reduceOnly,
		Timestamp:     time.UnixMilli(r.updateTime),
	}
}

func translateCreateResponse(o *futures.CreateOrderResponse) *ports.OrderResponse {
	if o == nil {
		return nil
	}
	return rawOrder{
		orderID: o.OrderID, symbol: o.Symbol, clientOrderID: o.ClientOrderID,
		price: o.Price, stopPrice: o.StopPrice, avgPrice: o.AvgPrice,
		origQty: o.OrigQuantity, executedQty: o.ExecutedQuantity,
		status: o.Status, orderType: o.Type, side: o.Side,
		reduceOnly: o.ReduceOnly, updateTime: o.UpdateTime,
	}.translate()
}

func translateCancelResponse(o *futures.CancelOrderResponse) *ports.OrderResponse {
	if o == nil {
		return nil
	}
	return rawOrder{
		orderID: o.OrderID, symbol: o.Symbol, clientOrderID: o.ClientOrderID,
		price: o.Price, stopPrice: o.StopPrice,
		origQty: o.OrigQuantity, executedQty: o.ExecutedQuantity,
		status: o.Status, orderType: o.Type, side: o.Side,
		reduceOnly: o.ReduceOnly, updateTime: o.UpdateTime,
	}.translate()
}

func translateOrder(o *futures.Order) *ports.OrderResponse {
	if o == nil {
		return nil
	}
	return rawOrder{
		orderID: o.OrderID, symbol: o.Symbol, clientOrderID: o.ClientOrderID,
		price: o.Price, stopPrice: o.StopPrice, avgPrice: o.AvgPrice,
		origQty: o.OrigQuantity, executedQty: o.ExecutedQuantity,
		status: o.Status, orderType: o.Type, side: o.Side,
		reduceOnly: o.ReduceOnly, updateTime: o.UpdateTime,
	}.translate()
}

func translatePositionRisk(pos *futures.PositionRisk) *ports.PositionRisk {
	if pos == nil {
		return nil
	}
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
	}
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	parse := func(name, v string) (float64, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s '%s': %w", name, v, err)
		}
		return f, nil
	}
	open, err := parse("open price", bk.Open)
	if err != nil {
		return nil, err
	}
	high, err := parse("high price", bk.High)
	if err != nil {
		return nil, err
	}
	low, err := parse("low price", bk.Low)
	if err != nil {
		return nil, err
	}
	cls, err := parse("close price", bk.Close)
	if err != nil {
		return nil, err
	}
	vol, err := parse("volume", bk.Volume)
	if err != nil {
		return nil, err
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true,
	}, nil
}
