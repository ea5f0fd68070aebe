// Package ecp implements the eventual-consistency protection layer: a Store
// that wraps an inner Store of weaker consistency and makes it behave like a
// strongly consistent one, at the cost of bounded memory and a configurable
// write-rate limit.
//
// It does this by remembering, for a bounded time and a bounded number of
// blocks, what was written: while a write is in flight the block is served
// straight from the in-flight buffer, and once it lands a content digest is
// kept so a later read that comes back with stale bytes can be detected
// instead of silently returned.
package ecp

import (
	"context"
	"crypto/md5"
	log "log/slog"
	"sync"
	"time"

	"github.com/blockshim/blockshim"
)

// Layer is a Store implementing the eventual-consistency protection described
// in the package doc. It wraps exactly one inner Store.
type Layer struct {
	config blockshim.ECPConfig
	inner  blockshim.Store

	mu    sync.Mutex
	table map[blockshim.BlockNum]*entry
	queue expiryQueue
	stats Stats

	// spaceCh is closed and replaced every time an entry leaves the table,
	// waking every goroutine parked in sleepUntilLocked waiting for room. Go's
	// sync.Cond has no timed wait, so waiting-with-a-deadline is built on a
	// channel close instead of Cond.Wait/Signal.
	spaceCh chan struct{}

	zeroBlock     []byte
	zeroBlockOnce sync.Once
}

// NewLayer validates config and returns a Layer wrapping inner.
func NewLayer(config blockshim.ECPConfig, inner blockshim.Store) (*Layer, error) {
	if config.BlockSize == 0 {
		return nil, blockshim.Error{Code: blockshim.InvalidArgument, UserData: "block_size"}
	}
	if config.CacheTime < config.MinWriteDelay {
		return nil, blockshim.Error{Code: blockshim.InvalidArgument, UserData: "cache_time < min_write_delay"}
	}
	if config.CacheSize < 1 {
		return nil, blockshim.Error{Code: blockshim.InvalidArgument, UserData: "cache_size"}
	}
	return &Layer{
		config:  config,
		inner:   inner,
		table:   make(map[blockshim.BlockNum]*entry),
		spaceCh: make(chan struct{}),
	}, nil
}

func nowMillis() int64 {
	return blockshim.Now().UnixNano() / int64(time.Millisecond)
}

// zero lazily allocates the all-zero comparison buffer exactly once, avoiding
// the race the original had between checking and allocating it outside the lock.
func (l *Layer) zero() []byte {
	l.zeroBlockOnce.Do(func() {
		l.zeroBlock = make([]byte, l.config.BlockSize)
	})
	return l.zeroBlock
}

// scrubExpiredLocked removes WRITTEN entries whose cache_time has elapsed,
// waking every waiter parked on spaceCh if at least one entry was removed.
// The original distinguishes signal-one from broadcast-many; this collapses
// both into one broadcast-style wakeup, since a spurious extra wakeup here
// just costs a waiter a re-check of the table under the lock. Must be
// called with l.mu held.
func (l *Layer) scrubExpiredLocked(currentTime int64) {
	removed := 0
	for {
		e := l.queue.front()
		if e == nil || currentTime < e.timestampMillis+l.config.CacheTime.Milliseconds() {
			break
		}
		l.queue.remove(e)
		delete(l.table, e.blockNum)
		removed++
	}
	if removed > 0 {
		l.signalSpaceLocked()
	}
}

// signalSpaceLocked wakes every goroutine parked on spaceCh. Must be called
// with l.mu held.
func (l *Layer) signalSpaceLocked() {
	close(l.spaceCh)
	l.spaceCh = make(chan struct{})
}

// sleepUntilLocked releases l.mu, waits until wakeMillis (if non-zero) or
// until spaceCh fires (if waitForSpace), then reacquires l.mu. It returns how
// long the wait actually took. Passing waitForSpace=false and wakeMillis=0 is
// a programming error.
func (l *Layer) sleepUntilLocked(ctx context.Context, waitForSpace bool, wakeMillis int64) time.Duration {
	start := blockshim.Now()

	var timerC <-chan time.Time
	if wakeMillis != 0 {
		d := time.Duration(wakeMillis-nowMillis()) * time.Millisecond
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	var ch chan struct{}
	if waitForSpace {
		ch = l.spaceCh
	}

	l.mu.Unlock()
	select {
	case <-ch: // nil channel blocks forever, disabling this case when !waitForSpace
	case <-timerC: // nil channel blocks forever, disabling this case when wakeMillis == 0
	case <-ctx.Done():
	}
	l.mu.Lock()

	return blockshim.Now().Sub(start)
}

// ReadBlock implements blockshim.Store.
func (l *Layer) ReadBlock(ctx context.Context, n blockshim.BlockNum, dst []byte, expectMD5 *blockshim.MD5) error {
	l.mu.Lock()
	l.scrubExpiredLocked(nowMillis())

	if e, ok := l.table[n]; ok {
		if e.state == stateWriting {
			if e.writingPayload == nil {
				clear(dst)
			} else {
				copy(dst, e.writingPayload)
			}
			l.stats.CacheDataHits++
			l.mu.Unlock()
			return nil
		}

		// WRITTEN: special-case the zero block, otherwise use the cached
		// digest as the effective expected MD5 for the inner read.
		if e.writtenMD5 == blockshim.ZeroMD5 {
			clear(dst)
			l.stats.CacheDataHits++
			l.mu.Unlock()
			return nil
		}
		md5 := e.writtenMD5
		if expectMD5 != nil && *expectMD5 != md5 {
			log.Warn("ec_protect: impossible expected MD5?", "block", n)
		}
		l.mu.Unlock()
		return l.inner.ReadBlock(ctx, n, dst, &md5)
	}

	l.mu.Unlock()
	return l.inner.ReadBlock(ctx, n, dst, expectMD5)
}

// WriteBlock implements blockshim.Store. src == nil is a zero-elision write.
func (l *Layer) WriteBlock(ctx context.Context, n blockshim.BlockNum, src []byte, md5sum *blockshim.MD5) error {
	if l.config.BlockSize == 0 {
		return blockshim.Error{Code: blockshim.InvalidArgument, UserData: "block_size"}
	}

	if src != nil && bytesEqual(src, l.zero()) {
		src = nil
	}

	var digest blockshim.MD5
	if src == nil {
		digest = blockshim.ZeroMD5
	} else if md5sum != nil {
		digest = *md5sum
	} else {
		digest = md5.Sum(src)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		currentTime := nowMillis()
		l.scrubExpiredLocked(currentTime)

		e, ok := l.table[n]

		// CLEAN: admit a new WRITING entry, subject to capacity.
		if !ok {
			if len(l.table) >= l.config.CacheSize {
				var wakeMillis int64
				if front := l.queue.front(); front != nil {
					wakeMillis = front.timestampMillis + l.config.CacheTime.Milliseconds()
				}
				delay := l.sleepUntilLocked(ctx, true, wakeMillis)
				l.stats.CacheFullDelay += delay
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}

			e = newWritingEntry(n, src)
			l.table[n] = e
			if err := l.commitLocked(ctx, e, src, digest); err != nil {
				return err
			}
			return nil
		}

		// WRITING: another write to this block is already in flight. The
		// next attempt will have to wait min_write_delay after that one
		// completes anyway, so sleep that long now rather than waking for
		// the completion and sleeping again right after.
		if e.state == stateWriting {
			delay := l.sleepUntilLocked(ctx, false, currentTime+l.config.MinWriteDelay.Milliseconds())
			l.stats.RepeatedWriteDelay += delay
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		// WRITTEN: enforce min_write_delay since the previous write landed.
		if currentTime < e.timestampMillis+l.config.MinWriteDelay.Milliseconds() {
			delay := l.sleepUntilLocked(ctx, false, e.timestampMillis+l.config.MinWriteDelay.Milliseconds())
			l.stats.RepeatedWriteDelay += delay
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		// min_write_delay has elapsed: reuse the entry, back to WRITING.
		l.queue.remove(e)
		e.toWriting(src)
		if err := l.commitLocked(ctx, e, src, digest); err != nil {
			return err
		}
		return nil
	}
}

// commitLocked performs the inner write for a freshly-WRITING entry e,
// releasing l.mu for the duration of the call. On success e becomes WRITTEN
// and is appended to the expiry queue; on failure e is dropped from the
// table entirely and space is signaled. Must be called with l.mu held; it is
// held again on return.
func (l *Layer) commitLocked(ctx context.Context, e *entry, src []byte, digest blockshim.MD5) error {
	l.mu.Unlock()
	err := l.inner.WriteBlock(ctx, e.blockNum, src, &digest)
	l.mu.Lock()

	if err != nil {
		delete(l.table, e.blockNum)
		l.signalSpaceLocked()
		return err
	}

	e.toWritten(nowMillis(), digest)
	l.queue.pushTail(e)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DetectSizes implements blockshim.Store by delegating to the inner store.
func (l *Layer) DetectSizes(ctx context.Context) (int64, uint32, error) {
	return l.inner.DetectSizes(ctx)
}

// Destroy implements blockshim.Store. The caller must ensure no other call on
// l is outstanding.
func (l *Layer) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.table = nil
	return nil
}

// Stats returns a snapshot of the layer's counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.CurrentCacheSize = len(l.table)
	return s
}
