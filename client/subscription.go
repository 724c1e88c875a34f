package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workmesh/escrow/stream"
	"github.com/workmesh/escrow/wire"
)

// Subscribe subscribes to a stream topic and returns a channel of
// events. The channel is closed when the client disconnects or
// Unsubscribe is called.
//
// Topics follow the stream convention:
//   - "job:<jobID>"    — events for a specific job
//   - "pool:<poolID>"  — events for a specific reward pool
//   - "jobs"           — all job lifecycle events
//   - "pools"          — all reward-pool events
//   - "audit"          — invariant-auditor violations
//   - "firehose"       — everything
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	_, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: channel,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	ch := make(chan *stream.Event, 64)
	c.subs.Store(channel, ch)

	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(channel); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}

	return err
}

// WatchJob subscribes to lifecycle events for a specific job. This is
// a convenience method that subscribes to "job:<jobID>".
func (c *Client) WatchJob(ctx context.Context, jobID uint64) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.JobTopic(jobID))
}

// Stats retrieves broker and connection statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, wire.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
