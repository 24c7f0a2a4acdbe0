package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Client wraps one accepted websocket connection. Writes are serialized by
// SendMu so pings and events never interleave.
type Client struct {
	Conn         *websocket.Conn
	SendMu       sync.Mutex
	WriteTimeout time.Duration
}

type AcceptOptions struct {
	OriginPatterns []string
	ReadLimit      int64
	WriteTimeout   time.Duration
}

// Accept completes the websocket handshake on w.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Client, error) {
	patterns := opts.OriginPatterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: patterns,
	})
	if err != nil {
		return nil, err
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &Client{Conn: conn, WriteTimeout: wt}, nil
}

// Read blocks until the next data frame arrives or ctx is done.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.Conn.Read(ctx)
	return data, err
}

func (c *Client) WriteEvent(ctx context.Context, ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.Write(ctx, data)
}

func (c *Client) Write(ctx context.Context, data []byte) error {
	c.SendMu.Lock()
	defer c.SendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	return c.Conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) Ping(ctx context.Context) error {
	c.SendMu.Lock()
	defer c.SendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	return c.Conn.Ping(ctx)
}

func (c *Client) Close(code websocket.StatusCode, reason string) error {
	return c.Conn.Close(code, reason)
}

// IsClosed reports whether err is the result of a close handshake or a
// cancelled read rather than a protocol failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
