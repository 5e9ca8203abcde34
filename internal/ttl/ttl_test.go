package ttl

import (
	"testing"
	"time"
)

func TestSetExpiry_RejectsNegative(t *testing.T) {
	m := NewManager()
	if m.SetExpiry("k", -1) {
		t.Fatal("expected SetExpiry to reject negative ttl")
	}
	if m.GetTTLMillis("k") != NoDeadline {
		t.Fatal("negative ttl must not record a deadline")
	}
}

func TestSetExpiry_GetTTLMillis(t *testing.T) {
	m := NewManager()
	if !m.SetExpiry("k", 10_000) {
		t.Fatal("expected SetExpiry to succeed")
	}
	remaining := m.GetTTLMillis("k")
	if remaining <= 0 || remaining > 10_000 {
		t.Fatalf("unexpected remaining ttl: %d", remaining)
	}
}

func TestGetTTLMillis_NoDeadline(t *testing.T) {
	m := NewManager()
	if got := m.GetTTLMillis("missing"); got != NoDeadline {
		t.Fatalf("expected NoDeadline, got %d", got)
	}
}

func TestGetTTLMillis_PassedDeadlineAlsoReportsNoDeadline(t *testing.T) {
	m := NewManager()
	m.SetExpiry("k", 0)
	time.Sleep(2 * time.Millisecond)
	if got := m.GetTTLMillis("k"); got != NoDeadline {
		t.Fatalf("expected NoDeadline for passed deadline (engine handles -2), got %d", got)
	}
	if !m.IsExpired("k") {
		t.Fatal("expected IsExpired to report true for a passed deadline")
	}
}

func TestIsExpired_NoDeadlineIsNotExpired(t *testing.T) {
	m := NewManager()
	if m.IsExpired("missing") {
		t.Fatal("a key with no deadline is not expired")
	}
}

func TestRemoveTTL(t *testing.T) {
	m := NewManager()
	m.SetExpiry("k", 10_000)
	if !m.RemoveTTL("k") {
		t.Fatal("expected RemoveTTL to report removal")
	}
	if m.GetTTLMillis("k") != NoDeadline {
		t.Fatal("expected no deadline after RemoveTTL")
	}
	if m.RemoveTTL("k") {
		t.Fatal("expected second RemoveTTL to report no-op")
	}
}

func TestSetExpiry_Overwrite(t *testing.T) {
	m := NewManager()
	m.SetExpiry("k", 10_000)
	m.SetExpiry("k", 20_000)
	remaining := m.GetTTLMillis("k")
	if remaining <= 10_000 {
		t.Fatalf("expected overwritten deadline to reflect the later ttl, got %d", remaining)
	}
}

func TestCleanupExpired_ForceReturnsPassedKeys(t *testing.T) {
	m := NewManager()
	m.SetExpiry("a", 0)
	m.SetExpiry("b", 0)
	m.SetExpiry("c", 10_000)
	time.Sleep(2 * time.Millisecond)

	expired := m.CleanupExpired(true)
	set := map[string]bool{}
	for _, k := range expired {
		set[k] = true
	}
	if !set["a"] || !set["b"] {
		t.Fatalf("expected a and b expired, got %v", expired)
	}
	if set["c"] {
		t.Fatalf("c should not have expired yet, got %v", expired)
	}
	if m.GetTTLMillis("a") != NoDeadline || m.GetTTLMillis("b") != NoDeadline {
		t.Fatal("expired keys must be removed from the deadline map")
	}
}

func TestCleanupExpired_ThrottledUnlessForced(t *testing.T) {
	m := NewManager()
	m.SetExpiry("a", 0)
	time.Sleep(2 * time.Millisecond)

	first := m.CleanupExpired(false)
	if len(first) != 1 {
		t.Fatalf("expected first unthrottled sweep to find the expired key, got %v", first)
	}

	m.SetExpiry("b", 0)
	time.Sleep(2 * time.Millisecond)
	second := m.CleanupExpired(false)
	if second != nil {
		t.Fatalf("expected throttled sweep to return nil, got %v", second)
	}

	forced := m.CleanupExpired(true)
	if len(forced) != 1 || forced[0] != "b" {
		t.Fatalf("expected forced sweep to find b, got %v", forced)
	}
}

func TestCleanupExpired_StaleHeapEntryDiscarded(t *testing.T) {
	m := NewManager()
	m.SetExpiry("k", 0)
	// Overwrite with a later deadline: the original heap entry becomes stale.
	m.SetExpiry("k", 10_000)
	time.Sleep(2 * time.Millisecond)

	expired := m.CleanupExpired(true)
	for _, k := range expired {
		if k == "k" {
			t.Fatalf("stale heap entry should not report k as expired")
		}
	}
	if m.GetTTLMillis("k") == NoDeadline {
		t.Fatal("k should still carry its later deadline")
	}
}

func TestClear(t *testing.T) {
	m := NewManager()
	m.SetExpiry("a", 10_000)
	m.SetExpiry("b", 0)
	m.Clear()
	if m.GetTTLMillis("a") != NoDeadline {
		t.Fatal("expected Clear to wipe all deadlines")
	}
	time.Sleep(2 * time.Millisecond)
	if expired := m.CleanupExpired(true); len(expired) != 0 {
		t.Fatalf("expected Clear to wipe the heap too, got %v", expired)
	}
}
