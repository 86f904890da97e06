// Package poe submits observation chunks to the downstream POE ingestion
// service over its line-delimited JSON socket protocol.
//
// One request per chunk:
//
//	{"ingest":"acme_wx","seq":0,"observations":[{"key":"AWXKSLC|2024-01-01T00:00:00Z","variables":{"TMPF":{"value":21.5,"unit":"degC"}}}]}
//
// and one response line:
//
//	{"statuses":[{"key":"AWXKSLC|2024-01-01T00:00:00Z","status":"inserted"}]}
//
// with status one of inserted, duplicate, or rejected (with a reason).
package poe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// Client is a POE socket client with a small connection pool. Connections are
// checked out per chunk submission and returned on success; a failed attempt
// discards its connection rather than risking a desynchronized stream.
type Client struct {
	addr    string
	ingest  string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	idle    []*poolConn
	maxIdle int
}

type poolConn struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewClient creates a POE client. timeout bounds each request round trip.
func NewClient(addr, ingest string, timeout time.Duration, maxIdle int, logger *slog.Logger) *Client {
	if maxIdle < 1 {
		maxIdle = 1
	}
	return &Client{
		addr:    addr,
		ingest:  ingest,
		timeout: timeout,
		maxIdle: maxIdle,
		logger:  logger,
	}
}

// Ping dials the service once and pools the connection. Called before the
// first chunk so an unreachable or misconfigured address fails the run before
// any submission is attempted.
func (c *Client) Ping(ctx context.Context) error {
	pc, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("poe unreachable at %s: %w", c.addr, err)
	}
	c.checkin(pc)
	return nil
}

// SubmitChunk sends one chunk and returns the per-record statuses.
func (c *Client) SubmitChunk(ctx context.Context, chunk domain.SubmissionChunk) (domain.ChunkResponse, error) {
	pc, err := c.checkout(ctx)
	if err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("chunk %d: connect: %w", chunk.Seq, err)
	}

	resp, err := c.roundTrip(ctx, pc, chunk)
	if err != nil {
		pc.conn.Close()
		return domain.ChunkResponse{}, fmt.Errorf("chunk %d: %w", chunk.Seq, err)
	}

	c.checkin(pc)
	return resp, nil
}

// Close discards all pooled connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pc := range c.idle {
		pc.conn.Close()
	}
	c.idle = nil
	return nil
}

func (c *Client) roundTrip(ctx context.Context, pc *poolConn, chunk domain.SubmissionChunk) (domain.ChunkResponse, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.conn.SetDeadline(deadline); err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("set deadline: %w", err)
	}

	req := request{
		Ingest:       c.ingest,
		Seq:          chunk.Seq,
		Observations: wireObservations(chunk.Observations),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')
	if _, err := pc.conn.Write(data); err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("write: %w", err)
	}

	line, err := pc.br.ReadBytes('\n')
	if err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("read response: %w", err)
	}

	var resp domain.ChunkResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return domain.ChunkResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if n := len(resp.Statuses); n != len(chunk.Observations) {
		return domain.ChunkResponse{}, fmt.Errorf("response has %d statuses for %d records", n, len(chunk.Observations))
	}
	return resp, nil
}

func (c *Client) checkout(ctx context.Context) (*poolConn, error) {
	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		pc := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) checkin(pc *poolConn) {
	pc.conn.SetDeadline(time.Time{}) //nolint:errcheck // pooled conn, next checkout resets it
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.idle) >= c.maxIdle {
		pc.conn.Close()
		return
	}
	c.idle = append(c.idle, pc)
}

func (c *Client) dial(ctx context.Context) (*poolConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("poe connection opened", "addr", c.addr)
	return &poolConn{conn: conn, br: bufio.NewReader(conn)}, nil
}

// Wire types.

type request struct {
	Ingest       string            `json:"ingest"`
	Seq          int               `json:"seq"`
	Observations []wireObservation `json:"observations"`
}

type wireObservation struct {
	Key       string                        `json:"key"`
	Variables map[string]domain.Measurement `json:"variables"`
}

func wireObservations(obs []domain.GroupedObservation) []wireObservation {
	out := make([]wireObservation, len(obs))
	for i, o := range obs {
		out[i] = wireObservation{
			Key:       o.Key.String(),
			Variables: o.Variables,
		}
	}
	return out
}
