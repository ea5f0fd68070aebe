package ecp

import "time"

// Stats is the protection layer's stats surface, snapshotted under the
// layer's lock by Layer.Stats.
type Stats struct {
	CurrentCacheSize   int
	CacheDataHits      uint64
	CacheFullDelay     time.Duration
	RepeatedWriteDelay time.Duration
	OutOfMemoryErrors  uint64
}
