package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"holder-analytics/internal/observability"
)

// ErrClientClosed is returned by a closed WebSocketClient.
var ErrClientClosed = errors.New("websocket client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	ReconnectDelay    time.Duration // first wait before redialing
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration // extended by every message and pong
	WriteTimeout      time.Duration
	SubscribeTimeout  time.Duration // wait for the eth_subscribe response
	BufferSize        int           // per-subscription channel capacity
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		BufferSize:        10000,
	}
}

// WebSocketClient implements WSClient. Each log subscription owns its own
// connection and a single goroutine that reads it, redialing and
// resubscribing with exponential backoff when the connection drops. Logs
// mined while a subscription is down are not replayed by the node.
type WebSocketClient struct {
	endpoint string
	config   WSClientConfig
	dialer   websocket.Dialer
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	spare *websocket.Conn // dialed by NewWSClient, used by the first subscription

	requestID atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWSClient creates a new WebSocket client. It dials the endpoint once so
// an unreachable node is reported immediately.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, logger *zap.Logger) (*WebSocketClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &WebSocketClient{
		endpoint: endpoint,
		config:   cfg,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.Named("ws"),
		conns:    make(map[*websocket.Conn]struct{}),
		done:     make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.spare = conn
	return c, nil
}

// dial opens and registers a connection.
func (c *WebSocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return nil, ErrClientClosed
	}
	c.conns[conn] = struct{}{}
	return conn, nil
}

func (c *WebSocketClient) release(conn *websocket.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.Close()
}

// SubscribeLogs subscribes to new logs matching the filter. Logs are
// delivered in arrival order and never dropped; a slow reader stalls the
// subscription. The channel is closed by Close.
func (c *WebSocketClient) SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	c.mu.Lock()
	conn := c.spare
	c.spare = nil
	c.mu.Unlock()

	if conn == nil {
		var err error
		if conn, err = c.dial(ctx); err != nil {
			return nil, err
		}
	}

	subID, err := c.subscribe(ctx, conn, filter)
	if err != nil {
		c.release(conn)
		return nil, err
	}
	if c.closed.Load() {
		c.release(conn)
		return nil, ErrClientClosed
	}
	c.logger.Info("subscribed to logs", zap.String("subscription", subID))

	ch := make(chan types.Log, c.config.BufferSize)
	c.wg.Add(1)
	go c.follow(conn, subID, filter, ch)
	return ch, nil
}

// subscribe sends eth_subscribe on conn and reads until its response.
// It must run before any other reader of conn.
func (c *WebSocketClient) subscribe(ctx context.Context, conn *websocket.Conn, filter LogFilter) (string, error) {
	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"logs", filter.toArg(false)},
	}

	deadline := time.Now().Add(c.config.SubscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("write eth_subscribe: %w", err)
	}

	conn.SetReadDeadline(deadline)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("await eth_subscribe response: %w", err)
		}
		if msg.ID != reqID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("eth_subscribe: %w", msg.Error)
		}
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil || subID == "" {
			return "", fmt.Errorf("eth_subscribe: unexpected result %s", msg.Result)
		}
		return subID, nil
	}
}

// follow streams one subscription until the client is closed.
func (c *WebSocketClient) follow(conn *websocket.Conn, subID string, filter LogFilter, ch chan<- types.Log) {
	defer c.wg.Done()
	defer close(ch)

	for {
		err := c.stream(conn, subID, ch)
		c.release(conn)
		if c.closed.Load() {
			return
		}
		c.logger.Warn("subscription lost", zap.String("subscription", subID), zap.Error(err))

		if conn, subID = c.resubscribe(filter); conn == nil {
			return
		}
		observability.RecordWSReconnect()
		c.logger.Info("resubscribed to logs", zap.String("subscription", subID))
	}
}

// resubscribe redials until a new subscription is confirmed or the client
// is closed, in which case it returns a nil connection.
func (c *WebSocketClient) resubscribe(filter LogFilter) (*websocket.Conn, string) {
	delay := c.config.ReconnectDelay
	for {
		select {
		case <-c.done:
			return nil, ""
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.SubscribeTimeout)
		conn, err := c.dial(ctx)
		if err == nil {
			var subID string
			if subID, err = c.subscribe(ctx, conn, filter); err == nil {
				cancel()
				return conn, subID
			}
			c.release(conn)
		}
		cancel()

		if errors.Is(err, ErrClientClosed) {
			return nil, ""
		}
		c.logger.Warn("resubscribe failed", zap.Error(err), zap.Duration("delay", delay))
		if delay *= 2; delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

// stream forwards notifications of subID from conn until the connection fails.
func (c *WebSocketClient) stream(conn *websocket.Conn, subID string, ch chan<- types.Log) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	c.wg.Add(1)
	go c.keepAlive(conn, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Method != "eth_subscription" || msg.Params == nil || msg.Params.Subscription != subID {
			continue
		}

		var log types.Log
		if err := json.Unmarshal(msg.Params.Result, &log); err != nil {
			c.logger.Warn("undecodable log notification", zap.String("subscription", subID), zap.Error(err))
			continue
		}

		select {
		case ch <- log:
		case <-c.done:
			return ErrClientClosed
		}
	}
}

// keepAlive pings conn until stop is closed. WriteControl may run
// concurrently with the reader.
func (c *WebSocketClient) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// Close closes every connection and waits for the subscription channels to close.
func (c *WebSocketClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	for conn := range c.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout))
		conn.Close()
	}
	c.spare = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

var _ WSClient = (*WebSocketClient)(nil)

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsMessage is either a response to a request or an eth_subscription notification.
type wsMessage struct {
	ID     uint64                `json:"id"`
	Method string                `json:"method"`
	Result json.RawMessage       `json:"result"`
	Error  *rpcError             `json:"error"`
	Params *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}
