package ecp

import (
	"fmt"

	"github.com/blockshim/blockshim"
)

// CheckInvariants walks the table and expiry queue and returns the first
// violation found, or nil if none. It is not called on any hot path; tests
// call it directly after operations that mutate the layer's state.
func (l *Layer) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkInvariantsLocked()
}

func (l *Layer) checkInvariantsLocked() error {
	if len(l.table) > l.config.CacheSize {
		return fmt.Errorf("table size %d exceeds cache_size %d", len(l.table), l.config.CacheSize)
	}

	inQueue := make(map[blockshim.BlockNum]bool, l.queue.len())
	var prevTimestamp int64 = -1
	count := 0
	for n := l.queue.head; n != nil; n = n.next {
		e := n.entry
		if e.state != stateWritten {
			return fmt.Errorf("block %d is in the expiry queue but not WRITTEN", e.blockNum)
		}
		if e.timestampMillis == 0 {
			return fmt.Errorf("block %d is in the expiry queue with a zero timestamp", e.blockNum)
		}
		if e.timestampMillis < prevTimestamp {
			return fmt.Errorf("expiry queue timestamps not non-decreasing at block %d", e.blockNum)
		}
		prevTimestamp = e.timestampMillis
		inQueue[e.blockNum] = true
		count++
	}
	if count != l.queue.len() {
		return fmt.Errorf("expiry queue length %d does not match walked count %d", l.queue.len(), count)
	}

	for n, e := range l.table {
		if e.blockNum != n {
			return fmt.Errorf("table key %d maps to entry for block %d", n, e.blockNum)
		}
		switch e.state {
		case stateWriting:
			if e.timestampMillis != 0 {
				return fmt.Errorf("block %d is WRITING but has a non-zero timestamp", n)
			}
			if e.link != nil {
				return fmt.Errorf("block %d is WRITING but is linked into the expiry queue", n)
			}
		case stateWritten:
			if e.timestampMillis == 0 {
				return fmt.Errorf("block %d is WRITTEN but has a zero timestamp", n)
			}
			if !inQueue[n] {
				return fmt.Errorf("block %d is WRITTEN but not linked into the expiry queue", n)
			}
		}
	}

	return nil
}
