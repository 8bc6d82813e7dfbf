package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"spreadarb/internal/core"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveFixture(t *testing.T, handler http.HandlerFunc) (*LivePort, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	vc := NewVenueClient(server.URL, "TESTUSDT", 2*time.Second, nil, 100)
	port, err := NewLivePort(map[core.Venue]*VenueClient{
		core.VenueV1: vc,
		core.VenueV2: vc,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	return port, server
}

func TestLivePort_PlaceOrder(t *testing.T) {
	var gotReq placeOrderRequest
	port, _ := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(placeOrderResponse{
			OrderID:     "ord_123",
			Status:      "filled",
			ExecutedQty: "1",
			AvgPrice:    "100.02",
			Fee:         "0.05",
		})
	})

	res, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue:         core.VenueV1,
		Side:          core.SideBuy,
		Contracts:     decimal.NewFromInt(1),
		ClientOrderID: "cli_1",
	})
	require.NoError(t, err)

	assert.Equal(t, "TESTUSDT", gotReq.Symbol)
	assert.Equal(t, "FOK", gotReq.TimeInForce)
	assert.Equal(t, "cli_1", gotReq.ClientOrderID)

	assert.Equal(t, "ord_123", res.OrderID)
	assert.True(t, res.IsFullFill())
	assert.True(t, res.AvgPrice.Equal(decimal.NewFromFloat(100.02)))
	assert.True(t, res.Fee.Equal(decimal.NewFromFloat(0.05)))
}

func TestLivePort_RejectedOrder(t *testing.T) {
	port, _ := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient margin"}`))
	})

	_, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue:     core.VenueV1,
		Side:      core.SideBuy,
		Contracts: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
}

func TestLivePort_DuplicateOrder(t *testing.T) {
	port, _ := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"client order id already used"}`))
	})

	_, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue:         core.VenueV1,
		Side:          core.SideBuy,
		Contracts:     decimal.NewFromInt(1),
		ClientOrderID: "cli_dup",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestLivePort_PartialFillReported(t *testing.T) {
	port, _ := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(placeOrderResponse{
			OrderID:     "ord_9",
			Status:      "expired",
			ExecutedQty: "0",
		})
	})

	res, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue:     core.VenueV2,
		Side:      core.SideSell,
		Contracts: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.False(t, res.IsFullFill())
	assert.True(t, res.Filled.IsZero())
}

func TestLivePort_CancelNotFound(t *testing.T) {
	port, _ := newLiveFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	err := port.CancelOrder(context.Background(), core.VenueV1, "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestNewLivePort_RequiresBothVenues(t *testing.T) {
	vc := NewVenueClient("http://localhost:1", "X", time.Second, nil, 1)
	_, err := NewLivePort(map[core.Venue]*VenueClient{core.VenueV1: vc}, logging.NewNopLogger())
	assert.ErrorIs(t, err, apperrors.ErrPortUnavailable)
}
