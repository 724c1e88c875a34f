package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
)

// PublishEvent persists a new event and notifies subscribers via NOTIFY.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_events (
			id, name, job_id, pool_id, actor, payload, acked, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID.String(), evt.Name, int64(evt.JobID), evt.PoolID.String(),
		evt.Actor.String(), evt.Payload, evt.Acked, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: publish event: %w", err)
	}

	// Notify listeners on the event channel.
	_, notifyErr := s.pool.Exec(ctx,
		`SELECT pg_notify('escrow_events', $1)`,
		evt.Name,
	)
	if notifyErr != nil {
		// The event is persisted, subscribers will fall back to polling.
		s.logger.Warn("failed to notify event subscribers",
			"event", evt.Name, "error", notifyErr)
	}

	return nil
}

// SubscribeEvent waits for an unacked event matching the given name.
// Uses a polling approach with short intervals.
func (s *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		// Check context cancellation.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		row := s.pool.QueryRow(ctx, `
			SELECT id, name, job_id, pool_id, actor, payload, acked, created_at
			FROM escrow_events
			WHERE name = $1 AND acked = FALSE
			ORDER BY created_at ASC
			LIMIT 1`,
			name,
		)

		evt, err := scanEvent(row)
		if err != nil {
			if isNoRows(err) {
				// No event yet — wait and retry.
				sleepCtx(ctx, 50*time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("escrow/postgres: subscribe event: %w", err)
		}
		return evt, nil
	}
}

// AckEvent acknowledges an event, marking it as consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrow_events SET acked = TRUE WHERE id = $1`,
		eventID.String(),
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: ack event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrEventNotFound
	}
	return nil
}

// scanEvent scans a single event row.
func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt     event.Event
		idStr   string
		poolStr string
		actor   string
		jobID   int64
	)
	err := row.Scan(
		&idStr, &evt.Name, &jobID, &poolStr,
		&actor, &evt.Payload, &evt.Acked, &evt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	evt.JobID = uint64(jobID)

	evt.ID, err = id.ParseEventID(idStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse event id %q: %w", idStr, err)
	}
	if poolStr != "" {
		evt.PoolID, err = id.ParsePoolID(poolStr)
		if err != nil {
			return nil, fmt.Errorf("escrow/postgres: parse pool id %q: %w", poolStr, err)
		}
	}
	if actor != "" {
		evt.Actor, err = id.ParseAccountID(actor)
		if err != nil {
			return nil, fmt.Errorf("escrow/postgres: parse actor %q: %w", actor, err)
		}
	}

	return &evt, nil
}

// sleepCtx sleeps for the given duration, or returns early if the context
// is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
