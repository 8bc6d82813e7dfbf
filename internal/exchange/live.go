package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"spreadarb/internal/core"
	apperrors "spreadarb/pkg/errors"
	httpclient "spreadarb/pkg/http"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// VenueClient is one venue's REST connection with its own rate limiter
type VenueClient struct {
	client  *httpclient.Client
	limiter *rate.Limiter
	symbol  string
}

// NewVenueClient wraps a signed REST client. ordersPerSec bounds order
// submissions; 0 falls back to 5/s.
func NewVenueClient(baseURL, symbol string, timeout time.Duration, signer httpclient.Signer, ordersPerSec float64) *VenueClient {
	if ordersPerSec <= 0 {
		ordersPerSec = 5
	}
	return &VenueClient{
		client:  httpclient.NewClient(baseURL, timeout, signer),
		limiter: rate.NewLimiter(rate.Limit(ordersPerSec), 1),
		symbol:  symbol,
	}
}

// LivePort places real orders through per-venue REST clients
type LivePort struct {
	venues map[core.Venue]*VenueClient
	logger core.ILogger
}

// NewLivePort creates a live port. Both venues must be configured.
func NewLivePort(venues map[core.Venue]*VenueClient, logger core.ILogger) (*LivePort, error) {
	for _, v := range []core.Venue{core.VenueV1, core.VenueV2} {
		if venues[v] == nil {
			return nil, fmt.Errorf("%w: venue %s not configured", apperrors.ErrPortUnavailable, v)
		}
	}
	return &LivePort{
		venues: venues,
		logger: logger.WithField("component", "live_port"),
	}, nil
}

// Mode implements core.IExecutionPort
func (p *LivePort) Mode() core.Mode {
	return core.ModeReal
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	PriceHint     string `json:"price_hint,omitempty"`
	ClientOrderID string `json:"client_order_id"`
	TimeInForce   string `json:"time_in_force"`
}

type placeOrderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executed_qty"`
	AvgPrice    string `json:"avg_price"`
	Fee         string `json:"fee"`
}

// PlaceOrder submits a fill-or-kill market order. The client order ID rides
// through to the venue so a retried submission cannot double-execute.
func (p *LivePort) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	vc, ok := p.venues[req.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPortUnavailable, req.Venue)
	}

	if err := vc.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRateLimited, err)
	}

	body := placeOrderRequest{
		Symbol:        vc.symbol,
		Side:          string(req.Side),
		Type:          "market",
		Quantity:      req.Contracts.String(),
		ClientOrderID: req.ClientOrderID,
		TimeInForce:   "FOK",
	}
	if !req.PriceHint.IsZero() {
		body.PriceHint = req.PriceHint.String()
	}

	respBody, err := vc.client.Post(ctx, "/orders", body)
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == 409 {
				return nil, fmt.Errorf("%w: venue %s client order %s", apperrors.ErrDuplicateOrder, req.Venue, req.ClientOrderID)
			}
			return nil, fmt.Errorf("%w: venue %s: %v", apperrors.ErrOrderRejected, req.Venue, apiErr)
		}
		return nil, fmt.Errorf("%w: venue %s: %v", apperrors.ErrNetwork, req.Venue, err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid order response from %s: %w", req.Venue, err)
	}

	result := &core.OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: req.ClientOrderID,
		Venue:         req.Venue,
		Side:          req.Side,
		Requested:     req.Contracts,
		FilledAt:      time.Now(),
	}
	if result.Filled, err = decimal.NewFromString(resp.ExecutedQty); err != nil {
		return nil, fmt.Errorf("invalid executed_qty from %s: %w", req.Venue, err)
	}
	if resp.AvgPrice != "" {
		if result.AvgPrice, err = decimal.NewFromString(resp.AvgPrice); err != nil {
			return nil, fmt.Errorf("invalid avg_price from %s: %w", req.Venue, err)
		}
	}
	if resp.Fee != "" {
		if result.Fee, err = decimal.NewFromString(resp.Fee); err != nil {
			return nil, fmt.Errorf("invalid fee from %s: %w", req.Venue, err)
		}
	}

	telemetry.OrdersPlaced.WithLabelValues(string(req.Venue), string(req.Side), string(core.ModeReal)).Inc()
	p.logger.Info("Live order placed",
		"venue", req.Venue, "side", req.Side, "order_id", result.OrderID,
		"requested", result.Requested, "filled", result.Filled, "avg_price", result.AvgPrice)
	return result, nil
}

// CancelOrder cancels an open order on the venue
func (p *LivePort) CancelOrder(ctx context.Context, venue core.Venue, orderID string) error {
	vc, ok := p.venues[venue]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPortUnavailable, venue)
	}

	_, err := vc.client.Delete(ctx, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
		}
		return fmt.Errorf("%w: cancel %s on %s: %v", apperrors.ErrNetwork, orderID, venue, err)
	}
	return nil
}
