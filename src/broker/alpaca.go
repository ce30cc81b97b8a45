package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultPaperAPIURL = "https://paper-api.alpaca.markets"

	// submitTimeout bounds every call to the backend. Retries are the
	// engine's job; the client itself never retries so the retry policy's
	// observable contract stays in one place.
	submitTimeout = 5 * time.Second
)

// AlpacaClient talks to an Alpaca-compatible brokerage REST API.
type AlpacaClient struct {
	http *resty.Client
}

func NewAlpacaClient(apiKey, apiSecret, baseURL string) *AlpacaClient {
	if baseURL == "" {
		baseURL = defaultPaperAPIURL
		logger.Warnf("No broker base URL provided, using default: %s", baseURL)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(submitTimeout).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", apiSecret)

	return &AlpacaClient{http: httpClient}
}

type alpacaOrder struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
}

type alpacaAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// normalizeFailure maps transport and HTTP failures onto the fixed taxonomy.
func normalizeFailure(resp *resty.Response, err error) error {
	if err != nil {
		return &Error{Kind: KindTransient, Msg: err.Error(), Err: err}
	}

	code := resp.StatusCode()
	if code < 400 {
		return nil
	}

	var apiErr alpacaAPIError
	_ = json.Unmarshal(resp.Body(), &apiErr)

	switch {
	case code == 429 || code == 408 || code >= 500:
		return &Error{Kind: KindTransient, Code: apiErr.Code,
			Msg: fmt.Sprintf("HTTP %d: %s", code, apiErr.Message)}
	case code == 403 || code == 422:
		return &Error{Kind: KindRejected, Code: apiErr.Code,
			Msg: rejectionMsg(apiErr.Code, apiErr.Message)}
	default:
		return &Error{Kind: KindUnknown, Code: apiErr.Code,
			Msg: fmt.Sprintf("HTTP %d: %s", code, apiErr.Message)}
	}
}

func (c *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]interface{}{
		"symbol":          req.Ticker,
		"qty":             strconv.FormatInt(req.Qty, 10),
		"side":            req.Side,
		"type":            req.OrderType,
		"time_in_force":   "day",
		"client_order_id": req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		body["limit_price"] = fmt.Sprintf("%g", *req.LimitPrice)
	}
	if req.StopLoss != nil || req.TakeProfit != nil {
		body["order_class"] = "bracket"
		if req.StopLoss != nil {
			body["stop_loss"] = map[string]string{"stop_price": fmt.Sprintf("%g", *req.StopLoss)}
		}
		if req.TakeProfit != nil {
			body["take_profit"] = map[string]string{"limit_price": fmt.Sprintf("%g", *req.TakeProfit)}
		}
	}

	var order alpacaOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&order).
		Post("/v2/orders")
	if failure := normalizeFailure(resp, err); failure != nil {
		return "", failure
	}

	return order.ID, nil
}

func (c *AlpacaClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + brokerOrderID)
	return normalizeFailure(resp, err)
}

func (c *AlpacaClient) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	var order alpacaOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&order).
		Get("/v2/orders/" + brokerOrderID)
	if failure := normalizeFailure(resp, err); failure != nil {
		return nil, failure
	}

	status := &OrderStatus{Status: normalizeStatus(order.Status)}
	if order.FilledQty != "" {
		if qty, parseErr := strconv.ParseFloat(order.FilledQty, 64); parseErr == nil {
			status.FilledQty = qty
		}
	}
	if order.FilledAvgPrice != nil {
		if price, parseErr := strconv.ParseFloat(*order.FilledAvgPrice, 64); parseErr == nil {
			status.AvgFillPrice = price
		}
	}

	return status, nil
}

func (c *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	var account alpacaAccount
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&account).
		Get("/v2/account")
	if failure := normalizeFailure(resp, err); failure != nil {
		return nil, failure
	}

	equity, err := decimal.NewFromString(account.Equity)
	if err != nil {
		return nil, fmt.Errorf("parse account equity %q: %w", account.Equity, err)
	}
	buyingPower, err := decimal.NewFromString(account.BuyingPower)
	if err != nil {
		return nil, fmt.Errorf("parse buying power %q: %w", account.BuyingPower, err)
	}

	return &Account{Equity: equity, BuyingPower: buyingPower}, nil
}

// normalizeStatus maps backend status names to our fixed vocabulary.
// Anything unrecognized stays non-terminal so the reconciler keeps polling.
func normalizeStatus(status string) string {
	switch status {
	case "new", "accepted", "pending_new", "pending_cancel", "accepted_for_bidding", "held":
		return StatusAccepted
	case "partially_filled":
		return StatusPartiallyFilled
	case "filled":
		return StatusFilled
	case "canceled", "done_for_day":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "rejected", "stopped", "suspended":
		return StatusRejected
	default:
		return StatusAccepted
	}
}
