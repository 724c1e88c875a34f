package client

import (
	"log/slog"

	"github.com/workmesh/escrow/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the authentication token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection. A nil strategy uses
// backoff.DefaultStrategy.
func WithReconnect(maxRetries int, strategy backoff.Strategy) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		if strategy != nil {
			c.strategy = strategy
		}
	}
}
