// internal/ipc/server.go
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/user/threadrelay/internal/types"
)

// Handler processes authenticated requests. A nil response means nothing is
// written back (fire-and-forget commands, ignored unknowns). ConnClosed runs
// once per connection after its read loop ends, however it ended.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, req *Request) *Response
	ConnClosed(conn *Conn)
}

// NetworkFor maps a listen address onto a network: a purely numeric address
// is a localhost TCP port, anything else is a unix socket path.
func NetworkFor(addr string) (network, target string) {
	if addr != "" && strings.Trim(addr, "0123456789") == "" {
		return "tcp", "127.0.0.1:" + addr
	}
	return "unix", addr
}

// Conn is one accepted connection. Writes are serialized so responses from
// the read loop and pushes from chat dispatch can interleave safely.
type Conn struct {
	raw net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	authed  bool
	session types.SessionID
}

// NewConn wraps an accepted raw connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Send writes one newline-terminated JSON line.
func (c *Conn) Send(resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.raw.Write(append(b, '\n'))
	return err
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// BindSession records which session this connection registered as.
func (c *Conn) BindSession(id types.SessionID) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// Session returns the bound session id, empty when the connection never
// registered.
func (c *Conn) Session() types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) authedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// Server accepts newline-delimited JSON connections on a unix socket or a
// localhost TCP port and routes authenticated requests to its handler.
type Server struct {
	network string
	target  string
	token   string
	handler Handler

	ln net.Listener

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewServer builds a server for the given listen address. An empty token is
// refused outright: a relay must never come up unauthenticated.
func NewServer(listen, token string, handler Handler) (*Server, error) {
	if token == "" {
		return nil, errors.New("auth token is empty, refusing to serve")
	}
	network, target := NetworkFor(listen)
	return &Server{
		network: network,
		target:  target,
		token:   token,
		handler: handler,
		conns:   make(map[*Conn]struct{}),
	}, nil
}

// Listen binds the shared address. Bind conflicts surface here, unwrapped,
// so the lifecycle coordinator can tell address-in-use from anything else.
func (s *Server) Listen() error {
	ln, err := net.Listen(s.network, s.target)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the context is cancelled or the listener
// is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("serve before listen")
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := NewConn(raw)
		s.track(c)
		go s.handleConn(ctx, c)
	}
}

// Close stops the listener and drops every live connection. Closing a unix
// listener also unlinks its socket file, which is correct: only the process
// that bound it ever calls Close.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, c *Conn) {
	defer func() {
		s.untrack(c)
		_ = c.Close()
		s.handler.ConnClosed(c)
	}()

	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("malformed ipc line skipped", "remote", c.RemoteAddr(), "error", err)
			continue
		}

		// Liveness probes carry no capability and are answered for anyone,
		// authenticated or not.
		if req.Type == CmdPing {
			_ = c.Send(&Response{Type: "pong", CorrelationID: req.CorrelationID, Success: true})
			continue
		}

		if !c.authedNow() {
			if req.Type != CmdAuth {
				slog.Warn("command before auth, closing connection", "remote", c.RemoteAddr(), "type", req.Type)
				return
			}
			if req.Token != s.token {
				_ = c.Send(&Response{Type: "auth_ack", CorrelationID: req.CorrelationID, Success: false, Error: "invalid token"})
				slog.Warn("auth failed, closing connection", "remote", c.RemoteAddr())
				return
			}
			c.setAuthed()
			_ = c.Send(&Response{Type: "auth_ack", CorrelationID: req.CorrelationID, Success: true})
			continue
		}
		if req.Type == CmdAuth {
			_ = c.Send(&Response{Type: "auth_ack", CorrelationID: req.CorrelationID, Success: true})
			continue
		}

		resp := s.handler.Handle(ctx, c, &req)
		if resp != nil {
			resp.CorrelationID = req.CorrelationID
			if err := c.Send(resp); err != nil {
				slog.Warn("response write failed", "remote", c.RemoteAddr(), "error", err)
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			slog.Warn("line exceeds buffer limit, closing connection", "remote", c.RemoteAddr(), "limit", MaxLineBytes)
		} else {
			slog.Debug("connection read ended", "remote", c.RemoteAddr(), "error", err)
		}
	}
}
