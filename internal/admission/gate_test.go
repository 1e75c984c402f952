package admission

import (
	"testing"
	"time"
)

func TestGate_AcquireRelease(t *testing.T) {
	g := New(Config{GlobalMax: 2, PerTenantMax: 1, SlotTTL: time.Minute})
	defer g.Close()

	tok, err := g.Acquire("call-1", "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	global, tenant := g.InUse("tenant-a")
	if global != 1 || tenant != 1 {
		t.Fatalf("InUse = (%d,%d), want (1,1)", global, tenant)
	}

	tok.Release()
	global, tenant = g.InUse("tenant-a")
	if global != 0 || tenant != 0 {
		t.Fatalf("InUse after release = (%d,%d), want (0,0)", global, tenant)
	}
}

func TestGate_GlobalCapRejects(t *testing.T) {
	g := New(Config{GlobalMax: 1, SlotTTL: time.Minute})
	defer g.Close()

	if _, err := g.Acquire("call-1", "tenant-a"); err != nil {
		t.Fatalf("first acquire: unexpected error: %v", err)
	}
	_, err := g.Acquire("call-2", "tenant-b")
	if err == nil {
		t.Fatal("expected rejection on second acquire, got nil")
	}
	reason, ok := AsRejection(err)
	if !ok || reason != RejectGlobalCap {
		t.Fatalf("reason = %v (ok=%v), want RejectGlobalCap", reason, ok)
	}
}

func TestGate_TenantCapRejects(t *testing.T) {
	g := New(Config{GlobalMax: 10, PerTenantMax: 1, SlotTTL: time.Minute})
	defer g.Close()

	if _, err := g.Acquire("call-1", "tenant-a"); err != nil {
		t.Fatalf("first acquire: unexpected error: %v", err)
	}
	_, err := g.Acquire("call-2", "tenant-a")
	if err == nil {
		t.Fatal("expected rejection for second session on same tenant, got nil")
	}
	reason, ok := AsRejection(err)
	if !ok || reason != RejectTenantCap {
		t.Fatalf("reason = %v (ok=%v), want RejectTenantCap", reason, ok)
	}

	// A different tenant is unaffected.
	if _, err := g.Acquire("call-3", "tenant-b"); err != nil {
		t.Fatalf("different tenant should not be capped: %v", err)
	}
}

func TestGate_ReleaseIsIdempotent(t *testing.T) {
	g := New(Config{GlobalMax: 1, SlotTTL: time.Minute})
	defer g.Close()

	tok, err := g.Acquire("call-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok.Release()
	tok.Release() // must not panic or double-decrement

	global, _ := g.InUse("")
	if global != 0 {
		t.Fatalf("global in-use = %d, want 0 after double release", global)
	}
}

func TestGate_RefreshKeepsSlotAlive(t *testing.T) {
	g := New(Config{GlobalMax: 1, SlotTTL: 40 * time.Millisecond})
	defer g.Close()

	tok, err := g.Acquire("call-1", "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		tok.Refresh()
		time.Sleep(10 * time.Millisecond)
	}

	global, _ := g.InUse("tenant-a")
	if global != 1 {
		t.Fatalf("slot should still be held after repeated refresh, global = %d", global)
	}
}

func TestGate_TTLReclaimsAbandonedSlot(t *testing.T) {
	g := New(Config{GlobalMax: 1, SlotTTL: 20 * time.Millisecond})
	defer g.Close()

	if _, err := g.Acquire("call-1", "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wait long enough for at least one sweep past the TTL, without calling
	// Release or Refresh (simulating a crashed supervisor).
	time.Sleep(200 * time.Millisecond)

	if _, err := g.Acquire("call-2", "tenant-b"); err != nil {
		t.Fatalf("expected slot to be reclaimed by TTL sweep, got error: %v", err)
	}
}

func TestGate_ZeroPerTenantMaxIsUnlimited(t *testing.T) {
	g := New(Config{GlobalMax: 10, SlotTTL: time.Minute})
	defer g.Close()

	for i := 0; i < 5; i++ {
		if _, err := g.Acquire(string(rune('a'+i)), "tenant-a"); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
	}
}

func TestRejectReason_String(t *testing.T) {
	cases := []struct {
		reason RejectReason
		want   string
	}{
		{RejectNone, ""},
		{RejectGlobalCap, "global_cap_reached"},
		{RejectTenantCap, "campaign_cap_reached"},
	}
	for _, c := range cases {
		if got := c.reason.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
