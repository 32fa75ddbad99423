package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbaxter/fopbot/internal/models"
)

const (
	feedHandshakeTimeout = 10 * time.Second
	feedReadTimeout      = 30 * time.Second
	feedPingInterval     = 15 * time.Second
	feedReconnectMin     = time.Second
	feedReconnectMax     = 30 * time.Second
)

// Feed is a websocket quote subscriber. It keeps one connection per
// underlying alive, restamps the adapter's health flag around disconnects,
// and reconnects with capped exponential backoff.
type Feed struct {
	url     string
	adapter *Adapter
	logger  *log.Logger
	dialer  *websocket.Dialer
}

// NewFeed creates a feed that streams into the given adapter.
func NewFeed(url string, adapter *Adapter, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	return &Feed{
		url:     url,
		adapter: adapter,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: feedHandshakeTimeout},
	}
}

// Run streams quotes until the context is cancelled. Connection errors are
// logged and retried; they never propagate out of Run.
func (f *Feed) Run(ctx context.Context) error {
	wait := feedReconnectMin
	for {
		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.adapter.SetConnected(false)
			f.logger.Printf("[FEED] %s session ended: %v (reconnecting in %s)",
				f.adapter.Symbol(), err, wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > feedReconnectMax {
			wait = feedReconnectMax
		}
	}
}

// session runs one connection lifetime: dial, subscribe, pump messages.
func (f *Feed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	sub := map[string]string{"action": "subscribe", "symbol": f.adapter.Symbol()}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.adapter.SetConnected(true)
	f.logger.Printf("[FEED] %s connected to %s", f.adapter.Symbol(), f.url)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

	// Close the socket on cancellation so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(feedPingInterval)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
		return err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return err
		}
		f.dispatch(raw)
	}
}

// feedMessage is the wire shape shared by tick and quote events.
type feedMessage struct {
	Type       string  `json:"type"`
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Strike     float64 `json:"strike"`
	Expiry     string  `json:"expiry"`
	Right      string  `json:"right"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Delta      float64 `json:"delta"`
	ImpliedVol float64 `json:"implied_vol"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
}

func (f *Feed) dispatch(raw []byte) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Printf("[FEED] %s bad message: %v", f.adapter.Symbol(), err)
		return
	}
	ts := time.UnixMilli(msg.Timestamp).UTC()
	if msg.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	switch msg.Type {
	case "tick":
		f.adapter.ApplyTick(msg.Price, ts)
	case "quote":
		expiry, err := time.Parse("2006-01-02", msg.Expiry)
		if err != nil {
			f.logger.Printf("[FEED] %s quote with bad expiry %q: %v", f.adapter.Symbol(), msg.Expiry, err)
			return
		}
		right := models.OptionRight(msg.Right)
		if right != models.RightCall && right != models.RightPut {
			f.logger.Printf("[FEED] %s quote with bad right %q", f.adapter.Symbol(), msg.Right)
			return
		}
		f.adapter.ApplyQuote(StrikeQuote{
			Strike:     msg.Strike,
			Expiry:     expiry,
			Right:      right,
			Bid:        msg.Bid,
			Ask:        msg.Ask,
			Delta:      msg.Delta,
			ImpliedVol: msg.ImpliedVol,
			Timestamp:  ts,
		})
	default:
		// Heartbeats and acks are ignored.
	}
}
