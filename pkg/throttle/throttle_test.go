package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

func TestLocal_BurstThenDeny(t *testing.T) {
	th := NewLocal(Policy{PerSecond: 1, Burst: 2})
	ctx := context.Background()

	if err := th.Allow(ctx, "alice"); err != nil {
		t.Fatalf("first submission denied: %v", err)
	}
	if err := th.Allow(ctx, "alice"); err != nil {
		t.Fatalf("second submission denied: %v", err)
	}

	err := th.Allow(ctx, "alice")
	if err == nil {
		t.Fatal("third submission allowed, want rate limited")
	}
	if !fault.IsTransient(err) {
		t.Errorf("denial class = %v, want transient", fault.ClassOf(err))
	}
}

func TestLocal_PartiesIsolated(t *testing.T) {
	th := NewLocal(Policy{PerSecond: 1, Burst: 1})
	ctx := context.Background()

	if err := th.Allow(ctx, "alice"); err != nil {
		t.Fatalf("alice denied: %v", err)
	}
	if err := th.Allow(ctx, "bob"); err != nil {
		t.Fatalf("bob denied by alice's bucket: %v", err)
	}
	if err := th.Allow(ctx, "alice"); err == nil {
		t.Fatal("alice's second submission allowed, want rate limited")
	}
}

func TestLocal_Refills(t *testing.T) {
	th := NewLocal(Policy{PerSecond: 50, Burst: 1})
	ctx := context.Background()

	if err := th.Allow(ctx, "alice"); err != nil {
		t.Fatalf("first submission denied: %v", err)
	}
	if err := th.Allow(ctx, "alice"); err == nil {
		t.Fatal("second immediate submission allowed, want rate limited")
	}

	time.Sleep(30 * time.Millisecond)
	if err := th.Allow(ctx, "alice"); err != nil {
		t.Fatalf("submission after refill denied: %v", err)
	}
}

func TestNoLimit(t *testing.T) {
	var th Throttle = NoLimit{}
	for i := 0; i < 100; i++ {
		if err := th.Allow(context.Background(), "alice"); err != nil {
			t.Fatalf("NoLimit denied: %v", err)
		}
	}
}

// TestRedis_Integration requires a running Redis. We skip if connection fails.
func TestRedis_Integration(t *testing.T) {
	th := NewRedis("localhost:6379", "", 0, Policy{PerSecond: 1, Burst: 1})
	ctx := context.Background()
	if _, err := th.client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer th.Close()

	party := "throttle-test-party"

	if err := th.Allow(ctx, party); err != nil {
		t.Fatalf("fresh bucket denied: %v", err)
	}
	if err := th.Allow(ctx, party); err == nil {
		t.Error("immediate retry allowed, want rate limited")
	}

	time.Sleep(1100 * time.Millisecond)
	if err := th.Allow(ctx, party); err != nil {
		t.Errorf("submission after refill denied: %v", err)
	}
}
