// Package client provides a Go client for the marketplace wire
// protocol over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://market.example.com/wire",
//	    client.WithToken("wk_..."),
//	)
//	defer c.Close()
//
//	// Post an escrowed job.
//	jobID, err := c.CreateJob(ctx, "index rebuild", "", tok, 1600, time.Hour)
//
//	// Watch its lifecycle events.
//	ch, err := c.WatchJob(ctx, jobID)
//	for evt := range ch {
//	    fmt.Printf("%s: %s\n", evt.Type, evt.Data)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/workmesh/escrow/backoff"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/stream"
	"github.com/workmesh/escrow/wire"
)

// Client is a wire protocol client that communicates with a remote
// marketplace server.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	// Reconnection.
	reconnect  bool
	maxRetries int
	strategy   backoff.Strategy

	// Connection state.
	conn      net.Conn
	mu        sync.Mutex
	closed    atomic.Bool
	sessionID string
	account   id.AccountID

	// Request-response correlation.
	pending sync.Map // frameID → chan *wire.Frame

	// Subscriptions.
	subs sync.Map // channel → chan *stream.Event
}

// Dial connects to a wire server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a wire server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		logger:     slog.Default(),
		maxRetries: 5,
		strategy:   backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	// Start the read loop.
	go c.readLoop()

	return c, nil
}

// connect establishes the WebSocket connection and sends the auth frame.
// It reads the auth response directly since the readLoop hasn't started yet.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	// Send auth frame. The client always negotiates JSON framing.
	authFrame := &wire.Frame{
		ID:     wire.GenerateFrameID(),
		Type:   wire.FrameRequest,
		Method: wire.MethodAuth,
		Token:  c.token,
	}
	authData, marshalErr := json.Marshal(wire.AuthRequest{
		Token:  c.token,
		Format: wire.CodecNameJSON,
	})
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", marshalErr)
	}
	authFrame.Data = authData
	authFrame.Timestamp = time.Now().UTC()

	if writeErr := c.writeFrame(authFrame); writeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", writeErr)
	}

	// Read the auth response directly from the WebSocket.
	// We cannot use readLoop here because it hasn't been started yet
	// (DialContext starts it after connect returns).
	type readResult struct {
		resp *wire.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		var frame wire.Frame
		if unmarshalErr := json.Unmarshal(data, &frame); unmarshalErr != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal auth response: %w", unmarshalErr)}
			return
		}
		resultCh <- readResult{resp: &frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == wire.FrameErr {
			_ = conn.Close()
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("auth failed: %s", msg)
		}
		var authResp wire.AuthResponse
		if len(resp.Data) > 0 {
			if unmarshalErr := json.Unmarshal(resp.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("failed to unmarshal auth response", slog.String("error", unmarshalErr.Error()))
			}
		}
		c.sessionID = authResp.SessionID
		if authResp.Account != "" {
			if account, parseErr := id.ParseAccountID(authResp.Account); parseErr == nil {
				c.account = account
			}
		}
		c.logger.Info("wire client connected",
			slog.String("session_id", c.sessionID),
			slog.String("account", authResp.Account),
		)
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return fmt.Errorf("auth timeout")
	}
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("wire client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		var frame wire.Frame
		if unmarshalErr := json.Unmarshal(data, &frame); unmarshalErr != nil {
			c.logger.Warn("wire client: invalid frame", slog.String("error", unmarshalErr.Error()))
			continue
		}

		// Route the frame.
		switch frame.Type {
		case wire.FrameResponse, wire.FrameErr:
			// Correlate with pending request.
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *wire.Frame) //nolint:errcheck // pending map always stores chan *wire.Frame
				select {
				case ch <- &frame:
				default:
				}
			}
		case wire.FrameEvent:
			c.routeEvent(&frame)
		case wire.FramePong:
			// Ignore pong frames.
		}
	}
}

// routeEvent delivers an event frame to every local subscription whose
// channel the event resolves to. An event for job 42 reaches
// subscribers on "job:42", "jobs", and "firehose" alike.
func (c *Client) routeEvent(frame *wire.Frame) {
	var evt stream.Event
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		return
	}
	for _, topic := range stream.ResolveTopics(&evt) {
		val, ok := c.subs.Load(topic)
		if !ok {
			continue
		}
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		select {
		case ch <- &evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// tryReconnect attempts to reconnect using the configured backoff.
func (c *Client) tryReconnect() {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		delay := c.strategy.Delay(attempt)
		c.logger.Info("wire client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("wire client reconnect failed", slog.String("error", err.Error()))
			continue
		}

		c.logger.Info("wire client reconnected")
		go c.readLoop()
		return
	}
	c.logger.Error("wire client: max reconnection attempts reached")
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*wire.Frame, error) {
	frame := &wire.Frame{
		ID:        wire.GenerateFrameID(),
		Type:      wire.FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == wire.FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("wire error: %s", msg)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame JSON-encodes and sends a frame over the WebSocket.
func (c *Client) writeFrame(frame *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return wsutil.WriteClientText(c.conn, data)
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// Account returns the account the server bound this session to.
func (c *Client) Account() id.AccountID { return c.account }

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	// Close all subscription channels.
	c.subs.Range(func(key, val any) bool {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
		c.subs.Delete(key)
		return true
	})

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
