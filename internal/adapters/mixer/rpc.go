package mixer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("snapcast: not connected")

// rpcError is a JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("snapcast rpc %d: %s", e.Code, e.Message)
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// rpcClient speaks Snapcast's JSON-RPC over a websocket (ws://, wss://) or a
// raw line-delimited TCP stream (tcp://).
type rpcClient struct {
	log    *zap.Logger
	notify func(method string, params json.RawMessage)

	mu   sync.Mutex
	ws   *websocket.Conn
	tcp  net.Conn
	next atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcReply
}

func dialRPC(ctx context.Context, log *zap.Logger, serverURL string, notify func(string, json.RawMessage)) (*rpcClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid snapcast url: %w", err)
	}
	c := &rpcClient{log: log, notify: notify, pending: map[uint64]chan rpcReply{}}

	switch u.Scheme {
	case "tcp":
		d := net.Dialer{Timeout: 10 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("tcp dial: %w", err)
		}
		c.tcp = conn
		go c.readTCP(conn)
	case "ws", "wss":
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		headers := http.Header{}
		headers.Set("Origin", serverURL)
		conn, _, err := dialer.DialContext(ctx, serverURL, headers)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		c.ws = conn
		go c.readWS(conn)
	default:
		return nil, fmt.Errorf("unsupported snapcast scheme %q", u.Scheme)
	}
	return c, nil
}

func (c *rpcClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.ws != nil {
		err = c.ws.Close()
		c.ws = nil
	}
	if c.tcp != nil {
		err = errors.Join(err, c.tcp.Close())
		c.tcp = nil
	}
	c.failPending(errNotConnected)
	return err
}

func (c *rpcClient) readTCP(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.dispatch(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("snapcast tcp read", zap.Error(err))
	}
	_ = c.close()
}

func (c *rpcClient) readWS(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("snapcast websocket read", zap.Error(err))
			_ = c.close()
			return
		}
		c.dispatch(message)
	}
}

func (c *rpcClient) dispatch(data []byte) {
	var msg struct {
		ID     *uint64         `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *rpcError       `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.ID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			ch <- rpcReply{err: msg.Error}
			return
		}
		ch <- rpcReply{result: msg.Result}
		return
	}

	if msg.Method != "" && c.notify != nil {
		c.notify(msg.Method, msg.Params)
	}
}

func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.next.Add(1)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan rpcReply, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	c.mu.Lock()
	switch {
	case c.tcp != nil:
		_, err = c.tcp.Write(append(data, '\n'))
	case c.ws != nil:
		err = c.ws.WriteMessage(websocket.TextMessage, data)
	default:
		err = errNotConnected
	}
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case reply := <-replyCh:
		return reply.result, reply.err
	}
}

func (c *rpcClient) forget(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *rpcClient) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcReply{err: err}
		delete(c.pending, id)
	}
}
