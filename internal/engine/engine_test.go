package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"redikv/internal/aof"
	"redikv/internal/filter"
	"redikv/internal/protocol"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.aof")
	mgr := aof.NewManager(path, aof.PolicyAlways)
	if err := mgr.Start(); err != nil {
		t.Fatalf("aof Start: %v", err)
	}
	t.Cleanup(func() { mgr.Stop() })
	return New(mgr, nil)
}

func execOK(t *testing.T, e *Engine, cmd string, args ...string) protocol.Value {
	t.Helper()
	byteArgs := make([][]byte, len(args))
	for i, a := range args {
		byteArgs[i] = []byte(a)
	}
	v, err := e.Execute(context.Background(), cmd, byteArgs)
	if err != nil {
		t.Fatalf("%s %v: %v", cmd, args, err)
	}
	return v
}

func TestSetGet(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	got := execOK(t, e, "GET", "k")
	if string(got.Bulk) != "v" {
		t.Fatalf("got %+v", got)
	}
}

func TestGet_MissingReturnsNull(t *testing.T) {
	e := newTestEngine(t)
	got := execOK(t, e, "GET", "missing")
	if !got.IsNull() {
		t.Fatalf("expected null, got %+v", got)
	}
}

func TestSet_WrongArity(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), "SET", [][]byte{[]byte("k")})
	if _, ok := err.(*CommandError); !ok {
		t.Fatalf("expected *CommandError, got %v (%T)", err, err)
	}
}

func TestUnknownCommand(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), "BOGUS", nil)
	if err == nil || err.Error() != "ERR unknown command BOGUS" {
		t.Fatalf("got %v", err)
	}
}

func TestDelete(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	if got := execOK(t, e, "DELETE", "k"); got.Int != 1 {
		t.Fatalf("expected 1, got %+v", got)
	}
	if got := execOK(t, e, "DELETE", "k"); got.Int != 0 {
		t.Fatalf("expected 0 for second delete, got %+v", got)
	}
	if got := execOK(t, e, "GET", "k"); !got.IsNull() {
		t.Fatalf("expected null after delete, got %+v", got)
	}
}

func TestFlush(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "a", "1")
	execOK(t, e, "SET", "b", "2")
	if got := execOK(t, e, "FLUSH"); got.Int != 2 {
		t.Fatalf("expected prior count 2, got %+v", got)
	}
	if got := execOK(t, e, "GET", "a"); !got.IsNull() {
		t.Fatalf("expected empty keyspace after flush")
	}
}

func TestMGetMSet(t *testing.T) {
	e := newTestEngine(t)
	if got := execOK(t, e, "MSET", "a", "1", "b", "2"); got.Int != 2 {
		t.Fatalf("expected 2 pairs written, got %+v", got)
	}
	got := execOK(t, e, "MGET", "a", "b", "missing")
	if len(got.Array) != 3 {
		t.Fatalf("got %+v", got.Array)
	}
	if string(got.Array[0].Bulk) != "1" || string(got.Array[1].Bulk) != "2" || !got.Array[2].IsNull() {
		t.Fatalf("got %+v", got.Array)
	}
}

func TestMSet_OddTrailingArgIgnored(t *testing.T) {
	e := newTestEngine(t)
	got := execOK(t, e, "MSET", "a", "1", "stray")
	if got.Int != 1 {
		t.Fatalf("expected 1 pair written, got %+v", got)
	}
	if got := execOK(t, e, "GET", "stray"); !got.IsNull() {
		t.Fatal("stray trailing key should not be written")
	}
}

func TestExpireAndTTL(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	if got := execOK(t, e, "EXPIRE", "k", "100"); got.Int != 1 {
		t.Fatalf("expected 1, got %+v", got)
	}
	ttlVal := execOK(t, e, "TTL", "k")
	if ttlVal.Int <= 0 || ttlVal.Int > 100 {
		t.Fatalf("unexpected ttl %+v", ttlVal)
	}
	pttlVal := execOK(t, e, "PTTL", "k")
	if pttlVal.Int <= 0 || pttlVal.Int > 100_000 {
		t.Fatalf("unexpected pttl %+v", pttlVal)
	}
}

func TestExpire_MissingKey(t *testing.T) {
	e := newTestEngine(t)
	if got := execOK(t, e, "EXPIRE", "missing", "10"); got.Int != 0 {
		t.Fatalf("expected 0, got %+v", got)
	}
}

func TestExpire_ZeroDeletesImmediately(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	if got := execOK(t, e, "EXPIRE", "k", "0"); got.Int != 1 {
		t.Fatalf("expected 1, got %+v", got)
	}
	if got := execOK(t, e, "GET", "k"); !got.IsNull() {
		t.Fatal("expected key deleted by zero-ttl EXPIRE")
	}
}

func TestTTL_NoDeadline(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	if got := execOK(t, e, "TTL", "k"); got.Int != -1 {
		t.Fatalf("expected -1, got %+v", got)
	}
}

func TestTTL_MissingKey(t *testing.T) {
	e := newTestEngine(t)
	if got := execOK(t, e, "TTL", "missing"); got.Int != -2 {
		t.Fatalf("expected -2, got %+v", got)
	}
}

func TestTTL_RoundsUpToAtLeastOneSecond(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "k", "v")
	execOK(t, e, "PEXPIRE", "k", "50")
	if got := execOK(t, e, "TTL", "k"); got.Int != 1 {
		t.Fatalf("expected ttl clamped to 1 second, got %+v", got)
	}
}

func TestExists(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "a", "1")
	got := execOK(t, e, "EXISTS", "a", "missing", "a")
	if got.Int != 2 {
		t.Fatalf("expected 2, got %+v", got)
	}
}

func TestKeys_OnlyStarSupported(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), "KEYS", [][]byte{[]byte("a*")})
	if err == nil {
		t.Fatal("expected error for non-* pattern")
	}
}

func TestKeys_ReturnsRemainingAfterSweep(t *testing.T) {
	e := newTestEngine(t)
	execOK(t, e, "SET", "a", "1")
	execOK(t, e, "SET", "b", "2")
	execOK(t, e, "PEXPIRE", "b", "1")
	time.Sleep(5 * time.Millisecond)

	got := execOK(t, e, "KEYS", "*")
	if len(got.Array) != 1 || string(got.Array[0].Bulk) != "a" {
		t.Fatalf("expected only 'a' to remain, got %+v", got.Array)
	}
}

func TestReplay_AppliesWithoutReLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.aof")
	mgr := aof.NewManager(path, aof.PolicyAlways)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e1 := New(mgr, nil)
	execOK(t, e1, "SET", "x", "1")
	execOK(t, e1, "SET", "y", "2")
	execOK(t, e1, "DELETE", "x")
	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mgr2 := aof.NewManager(path, aof.PolicyAlways)
	if err := mgr2.Start(); err != nil {
		t.Fatalf("Start reopen: %v", err)
	}
	defer mgr2.Stop()
	e2 := New(mgr2, nil)
	count, err := e2.LoadFromAOF()
	if err != nil {
		t.Fatalf("LoadFromAOF: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 replayed records, got %d", count)
	}

	if got := execOK(t, e2, "GET", "x"); !got.IsNull() {
		t.Fatal("x should have been deleted by replay")
	}
	if got := execOK(t, e2, "GET", "y"); string(got.Bulk) != "2" {
		t.Fatalf("expected y=2 after replay, got %+v", got)
	}

	sizeBefore := mgr2.FileSize()
	if sizeBefore == 0 {
		t.Fatal("expected non-empty AOF size after replay")
	}
}

// TestNegativeFilter_NeverCausesFalseNegative drives the cuckoo prefilter
// past capacity and asserts GET still finds every key that was actually
// set: the filter is correctness-neutral even when Add starts failing.
func TestNegativeFilter_NeverCausesFalseNegative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.aof")
	mgr := aof.NewManager(path, aof.PolicyAlways)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	cfg := filter.DefaultCuckooConfig("test", 4)
	cf, err := filter.NewCuckooFilter(cfg)
	if err != nil {
		t.Fatalf("NewCuckooFilter: %v", err)
	}
	e := New(mgr, cf)

	for i := 0; i < 64; i++ {
		k := string(rune('a' + (i % 26)))
		execOK(t, e, "SET", k+string(rune('0'+i/26)), "v")
	}
	for i := 0; i < 64; i++ {
		k := string(rune('a'+(i%26))) + string(rune('0'+i/26))
		got := execOK(t, e, "GET", k)
		if got.IsNull() {
			t.Fatalf("key %q should be present regardless of filter saturation", k)
		}
	}
}
