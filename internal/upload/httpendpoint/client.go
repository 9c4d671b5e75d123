// Package httpendpoint implements upload.Endpoint against the contentd
// chunk API. Every call runs under a per-request timeout inside a circuit
// breaker, and HTTP statuses are mapped onto the transient/rejection split
// the upload manager acts on.
package httpendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/upload"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/resilience"
)

const maxErrorBody = 4 << 10

// Client talks to one ingestion server.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

var (
	_ upload.Endpoint  = (*Client)(nil)
	_ upload.Finalizer = (*Client)(nil)
)

// New creates a client for cfg.IngestionURL. mt may be nil.
func New(cfg config.RemoteConfig, mt *metrics.Metrics) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.IngestionURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Configf("invalid ingestion url %q", cfg.IngestionURL)
	}
	breaker := resilience.NewCircuitBreaker("ingestion", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(name string, from, to resilience.State) {
			mt.SetBreakerState(name, int(to))
		},
	})
	return &Client{
		base:    base,
		http:    &http.Client{},
		timeout: cfg.RequestTimeout,
		breaker: breaker,
		logger:  slog.Default().With("component", "ingestion-client", "url", base.String()),
	}, nil
}

// BreakerState exposes the circuit state for status output.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.GetState()
}

// SubmitChunk PUTs one chunk. The server acknowledges replays of chunks it
// already holds, so resubmitting after a lost ack is safe.
func (c *Client) SubmitChunk(ctx context.Context, sessionID string, offset int64, data []byte) (upload.Ack, error) {
	u := c.endpoint(sessionID, "chunks")
	u.RawQuery = url.Values{"offset": {strconv.FormatInt(offset, 10)}}.Encode()

	var resp ingest.ChunkResponse
	err := c.do(ctx, "submit-chunk", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, &resp)
	if err != nil {
		return upload.Ack{}, err
	}
	return upload.Ack{Offset: resp.Offset}, nil
}

// AbortSession asks the server to drop partial data. An upload the server
// never saw counts as aborted.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	u := c.endpoint(sessionID)
	err := c.do(ctx, "abort", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	}, nil)
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// FinalizeSession asks the server to import the completed upload.
func (c *Client) FinalizeSession(ctx context.Context, s *upload.Session) error {
	body, err := json.Marshal(ingest.FinalizeRequest{
		Size:     s.Size,
		RepoID:   s.RepoID,
		UnitType: s.UnitType,
		UnitKey:  s.UnitKey,
		Metadata: s.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding finalize request: %w", err)
	}
	u := c.endpoint(s.ID, "finalize")
	var resp ingest.FinalizeResponse
	err = c.do(ctx, "finalize", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		return err
	}
	c.logger.Info("upload imported", "session_id", s.ID, "unit_id", resp.UnitID)
	return nil
}

// Status fetches the server's view of an upload.
func (c *Client) Status(ctx context.Context, sessionID string) (ingest.StatusResponse, error) {
	u := c.endpoint(sessionID)
	var resp ingest.StatusResponse
	err := c.do(ctx, "status", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}, &resp)
	return resp, err
}

func (c *Client) endpoint(id string, rest ...string) *url.URL {
	u := *c.base
	u.Path = strings.Join(append([]string{u.Path, "api/v1/uploads", url.PathEscape(id)}, rest...), "/")
	return &u
}

// do runs one request through the breaker and timeout and decodes a 2xx
// JSON body into out.
func (c *Client) do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), out any) error {
	return c.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, c.timeout, op, func(ctx context.Context) error {
			req, err := build(ctx)
			if err != nil {
				return fmt.Errorf("building %s request: %w", op, err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return apperrors.Newf(apperrors.ErrTransientTransport, 0, "%s: %v", op, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return apperrors.FromHTTPStatus(resp.StatusCode, errorMessage(resp.Body))
			}
			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return apperrors.Newf(apperrors.ErrTransientTransport, 0, "%s: decoding response: %v", op, err)
			}
			return nil
		})
	})
}

// errorMessage pulls the "error" field out of a JSON error body, falling
// back to the raw text.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
