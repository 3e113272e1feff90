// internal/ipc/client.go
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/user/threadrelay/internal/types"
)

// ErrClosed is returned by calls made on (or interrupted by) a closed
// connection.
var ErrClosed = errors.New("ipc connection closed")

// Client multiplexes request/response calls and server pushes over one
// connection. Used by the CLI, the standby probe, and agent embedders.
type Client struct {
	conn net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	onPush  func(*Response)

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay at the given listen address (unix socket path or
// numeric localhost port).
func Dial(addr string) (*Client, error) {
	return DialContext(context.Background(), addr)
}

// DialContext is Dial bounded by a context deadline.
func DialContext(ctx context.Context, addr string) (*Client, error) {
	network, target := NetworkFor(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnPush installs the handler for server-initiated lines. Install it before
// registering, or early pushes are dropped.
func (c *Client) OnPush(fn func(*Response)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

// Call sends a request and waits for the response carrying the same
// correlation id. A missing correlation id is filled in. Cancelling the
// context abandons the wait and forgets the pending entry; the server side
// still runs the command.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = types.NewCorrelationID()
	}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.forget(req.CorrelationID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(req.CorrelationID)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Send writes a request without waiting for any response. For
// fire-and-forget commands like typing.
func (c *Client) Send(req *Request) error {
	return c.send(req)
}

// Auth authenticates the connection with the shared token.
func (c *Client) Auth(ctx context.Context, token string) error {
	resp, err := c.Call(ctx, &Request{Type: CmdAuth, Token: token})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.Error)
	}
	return nil
}

// Ping checks liveness. Works without auth.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, &Request{Type: CmdPing})
	if err != nil {
		return err
	}
	if resp.Type != "pong" {
		return fmt.Errorf("unexpected ping reply %q", resp.Type)
	}
	return nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(req *Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *Client) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, waiting := c.pending[resp.CorrelationID]
		if waiting {
			delete(c.pending, resp.CorrelationID)
		}
		push := c.onPush
		c.mu.Unlock()

		if waiting {
			ch <- &resp
			continue
		}
		if resp.CorrelationID == "" && push != nil {
			push(&resp)
		}
	}
	close(c.closed)
	_ = c.Close()
}
