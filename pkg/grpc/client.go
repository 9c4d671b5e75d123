package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/google/uuid"
)

const dialTimeout = 5 * time.Second

// Client is a lightweight JSON-over-TCP RPC client. A connection broken by
// an I/O error or a cancelled call is dropped and redialled on the next Call.
type Client struct {
	addr    string
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
}

// clientResponse keeps Data raw so it decodes straight into the caller's
// result.
type clientResponse struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

// Dial connects to an RPC server at the given address.
func Dial(addr string) (*Client, error) {
	c := &Client{addr: addr}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return apperrors.Newf(apperrors.ErrTransientTransport, 0, "dialing %s: %v", c.addr, err)
	}
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Call invokes the named RPC method with params and decodes the response
// into result. Server errors come back matching the sentinel the server
// classified them as; transport failures match ErrTransientTransport. Call
// is safe for concurrent use.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	req := Request{
		Method: method,
		ID:     uuid.NewString(),
		Params: raw,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return err
		}
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer func() {
		if !stop() {
			c.drop()
		}
	}()

	var resp clientResponse
	if err := c.encoder.Encode(req); err != nil {
		return c.transportError(ctx, "sending request", err)
	}
	if err := c.decoder.Decode(&resp); err != nil {
		return c.transportError(ctx, "reading response", err)
	}
	if resp.ID != req.ID {
		c.drop()
		return apperrors.Newf(apperrors.ErrInternal, 0, "response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %w", method, ErrorFor(resp.Code, resp.Error))
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	c.drop()
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return apperrors.Newf(apperrors.ErrTransientTransport, 0, "%s: %v", op, err)
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
