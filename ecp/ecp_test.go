package ecp

import (
	"context"
	"testing"
	"time"

	"github.com/blockshim/blockshim"
	"github.com/blockshim/blockshim/memstore"
)

const (
	testBlockSize     = 8
	testCacheSize     = 4
	testMinWriteDelay = 100 * time.Millisecond
	testCacheTime     = 500 * time.Millisecond
)

func newTestLayer(t *testing.T) (*Layer, *memstore.Store) {
	t.Helper()
	inner := memstore.New(testBlockSize, 16)
	l, err := NewLayer(blockshim.ECPConfig{
		BlockSize:     testBlockSize,
		MinWriteDelay: testMinWriteDelay,
		CacheTime:     testCacheTime,
		CacheSize:     testCacheSize,
	}, inner)
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	return l, inner
}

func mustWrite(t *testing.T, l *Layer, n blockshim.BlockNum, data []byte) {
	t.Helper()
	if err := l.WriteBlock(context.Background(), n, data, nil); err != nil {
		t.Fatalf("WriteBlock(%d): %v", n, err)
	}
}

func mustRead(t *testing.T, l *Layer, n blockshim.BlockNum, expectMD5 *blockshim.MD5) []byte {
	t.Helper()
	dst := make([]byte, testBlockSize)
	if err := l.ReadBlock(context.Background(), n, dst, expectMD5); err != nil {
		t.Fatalf("ReadBlock(%d): %v", n, err)
	}
	return dst
}

func TestNewLayerRejectsBadConfig(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	cases := []blockshim.ECPConfig{
		{BlockSize: 0, MinWriteDelay: 0, CacheTime: 0, CacheSize: 1},
		{BlockSize: 8, MinWriteDelay: 100 * time.Millisecond, CacheTime: 50 * time.Millisecond, CacheSize: 1},
		{BlockSize: 8, MinWriteDelay: 0, CacheTime: 0, CacheSize: 0},
	}
	for _, c := range cases {
		if _, err := NewLayer(c, inner); err == nil {
			t.Errorf("NewLayer(%+v) = nil error, want error", c)
		}
	}
}

// Scenario 1: single write visibility.
func TestSingleWriteVisibility(t *testing.T) {
	l, _ := newTestLayer(t)
	mustWrite(t, l, 3, []byte("ABCDEFGH"))

	before := l.Stats().CacheDataHits
	got := mustRead(t, l, 3, nil)
	if string(got) != "ABCDEFGH" {
		t.Fatalf("read = %q, want ABCDEFGH", got)
	}
	if l.Stats().CacheDataHits <= before {
		t.Errorf("expected cache_data_hits to increase")
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// Scenario 2: zero elision.
func TestZeroElision(t *testing.T) {
	l, inner := newTestLayer(t)
	mustWrite(t, l, 5, make([]byte, testBlockSize))

	var probe [testBlockSize]byte
	if err := inner.ReadBlock(context.Background(), 5, probe[:], nil); err != nil {
		t.Fatalf("inner read: %v", err)
	}
	for _, b := range probe {
		if b != 0 {
			t.Fatalf("inner store holds non-zero bytes for an elided write: %v", probe)
		}
	}

	got := mustRead(t, l, 5, nil)
	for _, b := range got {
		if b != 0 {
			t.Fatalf("read(5) = %v, want all zero", got)
		}
	}
}

// Scenario 3: repeated write delay.
func TestRepeatedWriteDelay(t *testing.T) {
	l, _ := newTestLayer(t)
	mustWrite(t, l, 7, []byte("XXXXXXXX"))

	start := time.Now()
	mustWrite(t, l, 7, []byte("YYYYYYYY"))
	elapsed := time.Since(start)

	if elapsed < 90*time.Millisecond {
		t.Errorf("second write on same block returned after %v, want >= ~min_write_delay", elapsed)
	}
	if l.Stats().RepeatedWriteDelay < 90*time.Millisecond {
		t.Errorf("repeated_write_delay = %v, want >= 90ms", l.Stats().RepeatedWriteDelay)
	}
}

// Counterpart of scenario 4: once the entry has expired, a stale fetch is no
// longer detected.
func TestStaleUndetectedAfterExpiry(t *testing.T) {
	l, inner := newTestLayer(t)
	mustWrite(t, l, 2, []byte("ABCDEFGH"))

	// Wait past cache_time so the read's scrub removes the entry and the read
	// goes to the inner store with no expected MD5.
	time.Sleep(testCacheTime + 50*time.Millisecond)

	stale := []byte("ZZZZZZZZ")
	inner.ReturnStaleOnNextReads(2, stale, 1)

	dst := make([]byte, testBlockSize)
	err := l.ReadBlock(context.Background(), 2, dst, nil)
	if err != nil {
		t.Fatalf("ReadBlock after expiry returned %v, want nil (no expect_md5 supplied, so a stale fetch isn't detectable)", err)
	}
}

// Scenario 4: stale rejection. Exercises the WRITTEN+expect_md5 path by
// reading before cache_time elapses so the entry is still in the table.
func TestStaleRejectionWhileCached(t *testing.T) {
	l, inner := newTestLayer(t)
	mustWrite(t, l, 2, []byte("ABCDEFGH"))
	// The entry is already WRITTEN when WriteBlock returns; this short pause
	// stays well inside cache_time.
	time.Sleep(10 * time.Millisecond)

	inner.ReturnStaleOnNextReads(2, []byte("ZZZZZZZZ"), 1)

	dst := make([]byte, testBlockSize)
	err := l.ReadBlock(context.Background(), 2, dst, nil)
	if !blockshim.IsStale(err) {
		t.Fatalf("ReadBlock = %v, want a Stale error", err)
	}
}

// Scenario 5: capacity back-pressure.
func TestCapacityBackPressure(t *testing.T) {
	l, _ := newTestLayer(t)
	for n := blockshim.BlockNum(0); n < testCacheSize; n++ {
		mustWrite(t, l, n, []byte{byte(n), 1, 2, 3, 4, 5, 6, 7})
	}

	done := make(chan error, 1)
	go func() {
		done <- l.WriteBlock(context.Background(), 4, []byte("IIIIIIII"), nil)
	}()

	select {
	case <-done:
		t.Fatalf("fifth write returned before any entry expired")
	case <-time.After(testCacheTime / 2):
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fifth write: %v", err)
		}
	case <-time.After(testCacheTime + 200*time.Millisecond):
		t.Fatalf("fifth write never unblocked after expiry")
	}

	if l.Stats().CacheFullDelay <= 0 {
		t.Errorf("cache_full_delay = %v, want > 0", l.Stats().CacheFullDelay)
	}
}

// Scenario 6: failure does not record.
func TestFailureDoesNotRecord(t *testing.T) {
	l, inner := newTestLayer(t)
	inner.FailNextWrites(9, 1)

	if err := l.WriteBlock(context.Background(), 9, []byte("ABCDEFGH"), nil); err == nil {
		t.Fatalf("WriteBlock(9) = nil, want the induced inner error")
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants after failed write: %v", err)
	}

	start := time.Now()
	mustWrite(t, l, 9, []byte("ABCDEFGH"))
	if elapsed := time.Since(start); elapsed >= testMinWriteDelay {
		t.Errorf("write after a failed attempt waited %v, want < min_write_delay (no prior successful write recorded)", elapsed)
	}
}

func TestMinWriteDelayZeroNeverSleeps(t *testing.T) {
	inner := memstore.New(testBlockSize, 4)
	l, err := NewLayer(blockshim.ECPConfig{
		BlockSize:     testBlockSize,
		MinWriteDelay: 0,
		CacheTime:     0,
		CacheSize:     2,
	}, inner)
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}

	start := time.Now()
	mustWrite(t, l, 1, []byte("AAAAAAAA"))
	mustWrite(t, l, 1, []byte("BBBBBBBB"))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("back-to-back writes with min_write_delay=0 took %v, want near-instant", elapsed)
	}
}

func TestInvariantsAfterConcurrentWrites(t *testing.T) {
	l, _ := newTestLayer(t)
	done := make(chan struct{})
	for i := 0; i < testCacheSize; i++ {
		go func(n blockshim.BlockNum) {
			mustWrite(t, l, n, []byte{byte(n), 0, 0, 0, 0, 0, 0, 0})
			done <- struct{}{}
		}(blockshim.BlockNum(i))
	}
	for i := 0; i < testCacheSize; i++ {
		<-done
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}
