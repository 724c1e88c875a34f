package wire

import (
	"testing"

	"golang.org/x/time/rate"

	"github.com/workmesh/escrow/id"
)

func TestConnectionSubscriptions(t *testing.T) {
	t.Parallel()

	conn := NewConnection("c-1", &Identity{Account: id.NewAccountID()}, &JSONCodec{}, nil)

	conn.AddSubscription("jobs")
	conn.AddSubscription("pools")
	conn.AddSubscription("jobs") // duplicate

	subs := conn.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("Subscriptions = %v, want 2 entries", subs)
	}

	conn.RemoveSubscription("jobs")
	subs = conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "pools" {
		t.Errorf("Subscriptions after remove = %v, want [pools]", subs)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	t.Parallel()

	// Burst of 2 with a tiny refill rate: the first two frames pass,
	// the third is throttled.
	conn := NewConnection("c-2", &Identity{}, &JSONCodec{}, rate.NewLimiter(rate.Limit(0.001), 2))

	if !conn.Allow() {
		t.Fatal("first frame should pass")
	}
	if !conn.Allow() {
		t.Fatal("second frame should pass")
	}
	if conn.Allow() {
		t.Fatal("third frame should be throttled")
	}

	// No limiter disables throttling.
	open := NewConnection("c-3", &Identity{}, &JSONCodec{}, nil)
	for range 100 {
		if !open.Allow() {
			t.Fatal("unlimited connection should never throttle")
		}
	}
}

func TestConnectionManager(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager()

	c1 := NewConnection("c-1", &Identity{Subject: "a"}, &JSONCodec{}, nil)
	c2 := NewConnection("c-2", &Identity{Subject: "b"}, &JSONCodec{}, nil)

	cm.Add(c1)
	cm.Add(c2)

	if cm.Count() != 2 {
		t.Errorf("Count = %d, want 2", cm.Count())
	}

	got, ok := cm.Get("c-1")
	if !ok || got.Identity.Subject != "a" {
		t.Errorf("Get(c-1) = %v, %v", got, ok)
	}

	if all := cm.All(); len(all) != 2 {
		t.Errorf("All = %d connections, want 2", len(all))
	}

	cm.Remove("c-1")
	if cm.Count() != 1 {
		t.Errorf("Count after remove = %d, want 1", cm.Count())
	}
	if _, ok := cm.Get("c-1"); ok {
		t.Error("removed connection should not be found")
	}
}
