package blockcache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/blockshim/blockshim"
	"github.com/blockshim/blockshim/memstore"
)

const testBlockSize = 8

func TestReadBlockPopulatesCacheOnMiss(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	c := New(inner, time.Minute)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := inner.WriteBlock(context.Background(), 1, want, nil); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	dst := make([]byte, testBlockSize)
	if err := c.ReadBlock(context.Background(), 1, dst, nil); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(dst, want) {
		t.Fatalf("ReadBlock: got %v, want %v", dst, want)
	}

	if _, ok := c.Get(context.Background(), 1); !ok {
		t.Fatalf("expected block 1 to be cached after a miss")
	}
}

func TestReadBlockServesCacheHitOverStaleInnerContent(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	c := New(inner, time.Minute)

	cached := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	c.Put(context.Background(), 2, cached)

	// The inner store holds different bytes; a cache hit must win, proving
	// ReadBlock serves straight from the cache rather than re-reading inner.
	if err := inner.WriteBlock(context.Background(), 2, []byte{1, 1, 1, 1, 1, 1, 1, 1}, nil); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	dst := make([]byte, testBlockSize)
	if err := c.ReadBlock(context.Background(), 2, dst, nil); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(dst, cached) {
		t.Fatalf("ReadBlock: got %v, want %v", dst, cached)
	}
}

func TestWriteBlockInvalidatesCache(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	c := New(inner, time.Minute)

	c.Put(context.Background(), 3, []byte{1, 1, 1, 1, 1, 1, 1, 1})

	newData := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	if err := c.WriteBlock(context.Background(), 3, newData, nil); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if _, ok := c.Get(context.Background(), 3); ok {
		t.Fatalf("expected block 3 to be evicted from cache after write")
	}

	dst := make([]byte, testBlockSize)
	if err := c.ReadBlock(context.Background(), 3, dst, nil); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(dst, newData) {
		t.Fatalf("ReadBlock after write: got %v, want %v", dst, newData)
	}
}

func TestDetectSizesAndDestroyDelegateToInner(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	c := New(inner, time.Minute)

	fileSize, blockSize, err := c.DetectSizes(context.Background())
	if err != nil {
		t.Fatalf("DetectSizes: %v", err)
	}
	if blockSize != testBlockSize || fileSize != testBlockSize*16 {
		t.Fatalf("DetectSizes: got (%d, %d), want (%d, %d)", fileSize, blockSize, testBlockSize*16, testBlockSize)
	}

	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestReadAheadWarmsCache(t *testing.T) {
	inner := memstore.New(testBlockSize, 16)
	c := New(inner, time.Minute)

	for _, n := range []blockshim.BlockNum{0, 1, 2} {
		if err := inner.WriteBlock(context.Background(), n, bytes.Repeat([]byte{byte(n)}, testBlockSize), nil); err != nil {
			t.Fatalf("WriteBlock(%d): %v", n, err)
		}
	}

	if err := ReadAhead(context.Background(), c, inner, []blockshim.BlockNum{0, 1, 2}, testBlockSize, 2); err != nil {
		t.Fatalf("ReadAhead: %v", err)
	}

	for _, n := range []blockshim.BlockNum{0, 1, 2} {
		if _, ok := c.Get(context.Background(), n); !ok {
			t.Fatalf("expected block %d to be warmed by ReadAhead", n)
		}
	}
}
