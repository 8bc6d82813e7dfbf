package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"spreadarb/internal/core"
	"spreadarb/pkg/websocket"
)

// TickerDecoder turns one raw venue message into a quote. Venue adapters
// implement this per wire format; messages that are not tickers (heartbeats,
// subscription acks) return ok=false.
type TickerDecoder interface {
	DecodeTicker(message []byte, receivedAt time.Time) (core.Quote, bool, error)
}

// StreamConfig describes one venue's quote stream
type StreamConfig struct {
	Venue        core.Venue
	URL          string
	SubscribeMsg interface{} // sent after every (re)connect when non-nil
	PingInterval time.Duration
}

// Stream connects one venue's websocket feed to the QuoteBoard
type Stream struct {
	cfg     StreamConfig
	decoder TickerDecoder
	board   *QuoteBoard
	client  *websocket.Client
	logger  core.ILogger
}

// NewStream builds a stream. Start begins the reconnecting read loop.
func NewStream(cfg StreamConfig, decoder TickerDecoder, board *QuoteBoard, logger core.ILogger) *Stream {
	s := &Stream{
		cfg:     cfg,
		decoder: decoder,
		board:   board,
		logger:  logger.WithField("component", "quote_stream").WithField("venue", cfg.Venue),
	}

	s.client = websocket.NewClient(string(cfg.Venue), cfg.URL, s.handleMessage, logger)
	if cfg.PingInterval > 0 {
		s.client.SetPingConfig(cfg.PingInterval, 10*time.Second, 2*cfg.PingInterval)
	}
	if cfg.SubscribeMsg != nil {
		s.client.SetOnConnected(func() {
			if err := s.client.Send(cfg.SubscribeMsg); err != nil {
				s.logger.Error("Subscribe failed", "error", err)
			}
		})
	}
	return s
}

// Start begins streaming
func (s *Stream) Start() {
	s.client.Start()
}

// Stop disconnects and stops the stream
func (s *Stream) Stop() {
	s.client.Stop()
}

func (s *Stream) handleMessage(message []byte) {
	quote, ok, err := s.decoder.DecodeTicker(message, time.Now())
	if err != nil {
		s.logger.Warn("Ticker decode failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if quote.Venue != s.cfg.Venue {
		quote.Venue = s.cfg.Venue
	}
	if err := s.board.Publish(quote); err != nil {
		s.logger.Warn("Quote rejected", "error", err, "bid", quote.Bid, "ask", quote.Ask)
	}
}

// JSONTickerDecoder decodes the common {"bid":..,"ask":..,"bid_size":..,
// "ask_size":..} ticker shape used by the simulated feed and test servers
type JSONTickerDecoder struct{}

type jsonTicker struct {
	Type    string `json:"type,omitempty"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
	BidSize string `json:"bid_size,omitempty"`
	AskSize string `json:"ask_size,omitempty"`
}

// DecodeTicker implements TickerDecoder
func (JSONTickerDecoder) DecodeTicker(message []byte, receivedAt time.Time) (core.Quote, bool, error) {
	var t jsonTicker
	if err := json.Unmarshal(message, &t); err != nil {
		return core.Quote{}, false, fmt.Errorf("invalid ticker json: %w", err)
	}
	if t.Type != "" && t.Type != "ticker" {
		return core.Quote{}, false, nil
	}
	if t.Bid == "" || t.Ask == "" {
		return core.Quote{}, false, nil
	}

	q := core.Quote{ReceivedAt: receivedAt}
	var err error
	if q.Bid, err = parseDecimal(t.Bid); err != nil {
		return core.Quote{}, false, err
	}
	if q.Ask, err = parseDecimal(t.Ask); err != nil {
		return core.Quote{}, false, err
	}
	if t.BidSize != "" {
		if q.BidSize, err = parseDecimal(t.BidSize); err != nil {
			return core.Quote{}, false, err
		}
	}
	if t.AskSize != "" {
		if q.AskSize, err = parseDecimal(t.AskSize); err != nil {
			return core.Quote{}, false, err
		}
	}
	return q, true, nil
}
