// Package stream maintains a realtime quote feed over the broker's market
// events websocket. The monitor reads the latest cached quotes instead of
// polling REST on every tick; a watchdog resubscribes when the feed goes
// stale during market hours.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zerodte/straddlebot/internal/broker"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second
)

// Quote is a cached realtime quote for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// SessionFunc mints a fresh streaming session. Sessions are short-lived, so
// one is requested on every (re)connect.
type SessionFunc func(ctx context.Context) (*broker.StreamSession, error)

// Client is a websocket client for the broker's market events stream. It
// keeps the most recent quote per subscribed symbol.
type Client struct {
	session     SessionFunc
	urlOverride string
	logger      *log.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	closed    bool
	symbols   []string
	sessionID string

	quoteMu    sync.RWMutex
	quotes     map[string]Quote
	lastUpdate time.Time

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewClient creates a stream client. urlOverride, when non-empty, replaces
// the session URL (tests point it at a local server).
func NewClient(session SessionFunc, urlOverride string, logger *log.Logger) *Client {
	return &Client{
		session:     session,
		urlOverride: urlOverride,
		logger:      logger,
		quotes:      make(map[string]Quote),
		done:        make(chan struct{}),
	}
}

// Connect establishes the websocket connection and subscribes to any
// previously requested symbols.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("stream: client closed")
	}

	session, err := c.session(ctx)
	if err != nil {
		return fmt.Errorf("stream: create session: %w", err)
	}

	wsURL := session.URL
	if c.urlOverride != "" {
		wsURL = c.urlOverride
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("stream: connect: %w", err)
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn

	// Keep-alive via pong deadline extension
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.sessionID = session.SessionID
	if len(c.symbols) > 0 {
		if err := c.sendSubscribe(c.sessionID, c.symbols); err != nil {
			return fmt.Errorf("stream: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe replaces the watched symbol set. The set survives reconnects.
func (c *Client) Subscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.symbols = append([]string(nil), symbols...)
	if c.conn == nil {
		return fmt.Errorf("stream: not connected")
	}
	return c.sendSubscribe(c.sessionID, c.symbols)
}

// Subscribed reports whether any symbols are being watched.
func (c *Client) Subscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols) > 0
}

// Resubscribe tears down the connection and re-establishes it with a fresh
// session, restoring the current symbol set.
func (c *Client) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("stream: client closed")
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return c.connectLocked(ctx)
}

// GetQuote returns the latest cached quote for a symbol.
func (c *Client) GetQuote(symbol string) (Quote, bool) {
	c.quoteMu.RLock()
	defer c.quoteMu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// LastUpdate returns when any quote was last received.
func (c *Client) LastUpdate() time.Time {
	c.quoteMu.RLock()
	defer c.quoteMu.RUnlock()
	return c.lastUpdate
}

// Close shuts down the websocket connection and stops the loops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}
	return nil
}

// subscribePayload is the Tradier market events subscribe message.
type subscribePayload struct {
	Symbols   []string `json:"symbols"`
	SessionID string   `json:"sessionid"`
	Filter    []string `json:"filter"`
	Linebreak bool     `json:"linebreak"`
}

// sendSubscribe writes the subscribe message. Caller must hold c.mu.
func (c *Client) sendSubscribe(sessionID string, symbols []string) error {
	payload := subscribePayload{
		Symbols:   symbols,
		SessionID: sessionID,
		Filter:    []string{"quote", "trade"},
		Linebreak: true,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages until the connection dies. Reconnection is the
// watchdog's decision, not an automatic loop here.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Printf("stream: read loop ended: %v", err)
			}
			return
		}

		c.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventMessage is the envelope for Tradier market events.
type eventMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Price  float64 `json:"price"`
	Last   float64 `json:"last"`
}

func (c *Client) handleMessage(raw []byte) {
	var msg eventMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // drop unparseable messages
	}
	if msg.Symbol == "" {
		return
	}

	now := time.Now()

	c.quoteMu.Lock()
	defer c.quoteMu.Unlock()

	q := c.quotes[msg.Symbol]
	q.Symbol = msg.Symbol

	switch msg.Type {
	case "quote":
		if msg.Bid > 0 {
			q.Bid = msg.Bid
		}
		if msg.Ask > 0 {
			q.Ask = msg.Ask
		}
	case "trade":
		price := msg.Price
		if price == 0 {
			price = msg.Last
		}
		if price > 0 {
			q.Last = price
		}
	default:
		return
	}

	q.At = now
	c.quotes[msg.Symbol] = q
	c.lastUpdate = now
}
