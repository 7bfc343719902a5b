// Package chainrpc implements the chain.Client boundary over the JSON-RPC
// websocket surface of a mining-network gateway node. It carries only the
// transport; every chain semantic the bot depends on is defined in package
// chain.
package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"minebot/chain"
)

const (
	writeTimeout       = 10 * time.Second
	unsubscribeTimeout = 5 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *uint64          `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  *rpcNotification `json:"params,omitempty"`
}

type rpcNotification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// RPCError is a JSON-RPC error object returned by the gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// codeNotFound is the gateway's error code for a missing block or account.
const codeNotFound = -32004

// Client is a JSON-RPC websocket connection to one gateway node. It is safe
// for concurrent use; responses are matched to calls by request id, and
// subscription notifications are routed by subscription id.
type Client struct {
	logger log.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan rpcMessage
	subs    map[string]chan json.RawMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway's websocket endpoint and starts the read
// loop.
func Dial(ctx context.Context, url string, logger log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		logger:  log.With(logger, "module", "chainrpc"),
		conn:    conn,
		pending: map[uint64]chan rpcMessage{},
		subs:    map[string]chan json.RawMessage{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. In-flight calls fail, and subscription
// channels are closed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}()

	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				level.Warn(c.logger).Log("msg", "connection lost", "err", err)
			}
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(buf, &msg); err != nil {
			level.Warn(c.logger).Log("msg", "unparseable message", "err", err)
			continue
		}

		switch {
		case msg.Params != nil:
			c.mu.Lock()
			ch, ok := c.subs[msg.Params.Subscription]
			if ok {
				select {
				case ch <- msg.Params.Result:
				default:
					level.Warn(c.logger).Log("msg", "subscription consumer too slow, dropping", "subscription", msg.Params.Subscription)
				}
			}
			c.mu.Unlock()

		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

// call performs one request/response round trip. A nil result discards the
// response payload.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("%s: connection closed", method)
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed", method)
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, wireError(msg.Error))
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

// subscribe opens a notification stream. The returned cancel func
// unsubscribes on the gateway and closes the channel.
func (c *Client) subscribe(ctx context.Context, method, unsubMethod string, params []any) (<-chan json.RawMessage, func(), error) {
	var subID string
	if err := c.call(ctx, method, params, &subID); err != nil {
		return nil, nil, err
	}

	ch := make(chan json.RawMessage, 16)
	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			_, registered := c.subs[subID]
			delete(c.subs, subID)
			c.mu.Unlock()
			if !registered {
				return
			}
			close(ch)
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer cancel()
			if err := c.call(ctx, unsubMethod, []any{subID}, nil); err != nil {
				level.Warn(c.logger).Log("msg", "unsubscribe", "method", unsubMethod, "err", err)
			}
		})
	}
	return ch, cancel, nil
}

func wireError(e *RPCError) error {
	if e.Code == codeNotFound {
		return fmt.Errorf("%w: %s", chain.ErrNotFound, e.Message)
	}
	return e
}
