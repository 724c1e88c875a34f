package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/engine"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/store/memory"
	"github.com/workmesh/escrow/stream"
	"github.com/workmesh/escrow/token"
)

func TestBuild_RequiresStore(t *testing.T) {
	m, err := escrow.New()
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	if _, err := engine.Build(m, engine.WithTokenLedger(token.NewMemory())); !errors.Is(err, escrow.ErrNoStore) {
		t.Fatalf("Build without store error = %v, want ErrNoStore", err)
	}
}

func TestBuild_RequiresTokenLedger(t *testing.T) {
	m, err := escrow.New(escrow.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	if _, err := engine.Build(m); !errors.Is(err, escrow.ErrNoTokenLedger) {
		t.Fatalf("Build without token ledger error = %v, want ErrNoTokenLedger", err)
	}
}

// TestEndToEnd walks the full marketplace flow through an engine: fund,
// stake, offer, accept (fee routed), vest, claim wage, claim reward.
func TestEndToEnd(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tokens := token.NewMemory()
	m, err := escrow.New(
		escrow.WithStore(memory.New()),
		escrow.WithClock(clock),
	)
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}

	eng, err := engine.Build(m, engine.WithTokenLedger(tokens))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background()) //nolint:errcheck // shutdown best-effort in tests

	ctx := context.Background()
	manager := id.NewAccountID()
	worker := id.NewAccountID()
	backer := id.NewAccountID()
	tok := id.NewTokenID()
	tokens.Mint(tok, manager, 1_600)
	tokens.Mint(tok, backer, 100)

	// A backer stands behind the worker before any job exists.
	if err := eng.Ledger().Stake(ctx, worker, tok, backer, 100); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	j, err := eng.Board().Create(ctx, manager, "engine flow", "", tok, 1_600, 1_000*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Board().Offer(ctx, manager, j.ID, &job.Offer{Candidate: worker}); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := eng.Board().Accept(ctx, worker, j.ID, nil); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// The acceptance fee landed as snapshot 1 in the worker's pool.
	snap, err := eng.Ledger().SnapshotAt(ctx, worker, tok, 1)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if snap.Quantity != 160 {
		t.Fatalf("fee snapshot quantity = %d, want 160", snap.Quantity)
	}

	// Half the duration elapses; the worker claims 720.
	now = now.Add(500 * time.Second)
	wage, err := eng.Board().Claim(ctx, worker, j.ID, worker)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if wage != 720 {
		t.Fatalf("wage = %d, want 720", wage)
	}

	// The sole backer claims the whole fee.
	payouts, err := eng.Ledger().Claim(ctx, worker, tok, backer, []uint64{1})
	if err != nil {
		t.Fatalf("reward Claim: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 160 {
		t.Fatalf("reward payouts = %+v, want one 160-token payout", payouts)
	}

	// The query layer sees the derived state.
	view, err := eng.Query().Job(ctx, j.ID)
	if err != nil {
		t.Fatalf("Query.Job: %v", err)
	}
	if view.Status != job.StatusWorking || view.TimeWorked != 500*time.Second {
		t.Fatalf("job view = status %q worked %v", view.Status, view.TimeWorked)
	}

	// Lifecycle events flowed through the bus.
	evt, err := eng.EventBus().Subscribe(ctx, event.JobAccepted, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if evt == nil || evt.JobID != j.ID {
		t.Fatalf("accepted event = %+v", evt)
	}

	// A sweep over this state finds nothing wrong.
	violations, err := eng.Auditor().Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations = %+v, want none", violations)
	}
}

func TestBuild_StreamBroker(t *testing.T) {
	m, err := escrow.New(escrow.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}

	eng, err := engine.Build(m,
		engine.WithTokenLedger(token.NewMemory()),
		engine.WithStreamBroker(),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	broker := eng.StreamBroker()
	if broker == nil {
		t.Fatal("StreamBroker should be set when enabled")
	}

	sub := broker.Subscribe("test-sub", stream.TopicFirehose)
	if _, err := eng.EventBus().Publish(context.Background(), &event.Event{
		Name:  event.JobCreated,
		JobID: 1,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.Type != stream.EventJobCreated {
			t.Errorf("event type = %q, want %q", evt.Type, stream.EventJobCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broker event")
	}

	// Broker is nil when not requested.
	m2, err := escrow.New(escrow.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	eng2, err := engine.Build(m2, engine.WithTokenLedger(token.NewMemory()))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if eng2.StreamBroker() != nil {
		t.Error("StreamBroker should be nil when not enabled")
	}
}
