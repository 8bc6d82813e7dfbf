package feed

import (
	"sync"
	"testing"
	"time"

	"spreadarb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validQuote(venue core.Venue, bid, ask float64, at time.Time) core.Quote {
	return core.Quote{
		Venue:      venue,
		Bid:        decimal.NewFromFloat(bid),
		Ask:        decimal.NewFromFloat(ask),
		ReceivedAt: at,
	}
}

func TestQuoteBoard_PublishAndLatest(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	_, ok := b.Latest(core.VenueV1)
	assert.False(t, ok)

	require.NoError(t, b.Publish(validQuote(core.VenueV1, 99.90, 99.95, now)))
	q, ok := b.Latest(core.VenueV1)
	require.True(t, ok)
	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(99.90)))

	// Second publish replaces the first wholesale
	require.NoError(t, b.Publish(validQuote(core.VenueV1, 100.00, 100.05, now.Add(time.Second))))
	q, _ = b.Latest(core.VenueV1)
	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(100.00)))
}

func TestQuoteBoard_RejectsMalformedQuotes(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	tests := []struct {
		name     string
		bid, ask float64
	}{
		{"crossed", 100.05, 100.00},
		{"zero bid", 0, 100.00},
		{"negative ask", 100.00, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Publish(validQuote(core.VenueV2, tt.bid, tt.ask, now))
			assert.Error(t, err)
		})
	}

	// The board stays empty after rejected publishes
	_, ok := b.Latest(core.VenueV2)
	assert.False(t, ok)
}

func TestQuoteBoard_Staleness(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	// Never-reported venue is stale
	assert.True(t, b.IsStale(core.VenueV1, time.Second, now))

	require.NoError(t, b.Publish(validQuote(core.VenueV1, 99.90, 99.95, now)))
	assert.False(t, b.IsStale(core.VenueV1, time.Second, now.Add(500*time.Millisecond)))
	assert.True(t, b.IsStale(core.VenueV1, time.Second, now.Add(1500*time.Millisecond)))
}

func TestQuoteBoard_Pair(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	require.NoError(t, b.Publish(validQuote(core.VenueV1, 99.90, 99.95, now)))
	assert.Len(t, b.Pair(), 1)

	require.NoError(t, b.Publish(validQuote(core.VenueV2, 100.50, 100.55, now)))
	pair := b.Pair()
	require.Len(t, pair, 2)
	assert.True(t, pair[core.VenueV2].Ask.Equal(decimal.NewFromFloat(100.55)))
}

func TestQuoteBoard_ConcurrentPublish(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = b.Publish(validQuote(core.VenueV1, 99.90, 99.95, now))
				b.Latest(core.VenueV1)
			}
		}(i)
	}
	wg.Wait()

	q, ok := b.Latest(core.VenueV1)
	require.True(t, ok)
	require.NoError(t, q.Validate())
}

func TestAccountBoard(t *testing.T) {
	b := NewAccountBoard()

	_, ok := b.Latest(core.VenueV1)
	assert.False(t, ok)

	b.Publish(core.AccountState{
		Venue:     core.VenueV1,
		Cash:      decimal.NewFromInt(1000),
		Contracts: decimal.NewFromInt(2),
	})
	st, ok := b.Latest(core.VenueV1)
	require.True(t, ok)
	assert.True(t, st.Cash.Equal(decimal.NewFromInt(1000)))
}

func TestJSONTickerDecoder(t *testing.T) {
	dec := JSONTickerDecoder{}
	now := time.Now()

	tests := []struct {
		name    string
		message string
		wantOK  bool
		wantErr bool
	}{
		{"full ticker", `{"type":"ticker","bid":"99.90","ask":"99.95","bid_size":"12","ask_size":"8"}`, true, false},
		{"untyped ticker", `{"bid":"99.90","ask":"99.95"}`, true, false},
		{"heartbeat skipped", `{"type":"heartbeat"}`, false, false},
		{"missing fields skipped", `{"type":"ticker","bid":"99.90"}`, false, false},
		{"bad json", `{bid}`, false, true},
		{"bad number", `{"bid":"abc","ask":"99.95"}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok, err := dec.DecodeTicker([]byte(tt.message), now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, now, q.ReceivedAt)
				assert.True(t, q.Bid.IsPositive())
			}
		})
	}
}
