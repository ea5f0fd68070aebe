package blockshim

import "time"

// BackendType selects which inner Store transport a Config builds.
type BackendType int

const (
	// Memory uses the in-memory, fault-injectable store. Appropriate for tests
	// and for exercising the eventual-consistency behaviors ECP protects against.
	Memory BackendType = iota
	// S3 uses the AWS S3-backed store.
	S3
)

// CacheType selects which blockcache tier backs the optional outer cache.
type CacheType int

const (
	// NoCache disables the outer block cache entirely; reads/writes go straight to ECP.
	NoCache CacheType = iota
	// LocalCache uses an in-process sharded cache only.
	LocalCache
	// RedisCache layers a Redis-backed second tier on top of the local cache.
	RedisCache
)

// RedisConfig holds configuration for connecting to a Redis server or cluster.
type RedisConfig struct {
	// Address is the host:port of the Redis server.
	Address string `json:"address"`
	// Password is the password used to authenticate.
	Password string `json:"password"`
	// DB is the database index to select.
	DB int `json:"db"`
}

// S3Config holds configuration for the S3-backed transport.
type S3Config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
	// Endpoint overrides the default AWS endpoint resolution, for S3-compatible services.
	Endpoint string `json:"endpoint,omitempty"`
	// Username and Password authenticate against the endpoint as static
	// credentials, the same scheme used for an S3-compatible service like MinIO.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ECPConfig carries the four tunables for the eventual-consistency protection
// layer. All four are fixed at construction.
type ECPConfig struct {
	// BlockSize is the number of bytes per block. Must be > 0.
	BlockSize uint32 `json:"block_size"`
	// MinWriteDelay is the minimum time between completion of one write and the
	// start of the next write on the same block. Must be >= 0.
	MinWriteDelay time.Duration `json:"min_write_delay"`
	// CacheTime is how long an entry remains WRITTEN before expiry. Must be >= MinWriteDelay.
	CacheTime time.Duration `json:"cache_time"`
	// CacheSize is the maximum number of entries tracked at once. Must be >= 1.
	CacheSize int `json:"cache_size"`
}

// Config describes how to assemble the full block-store stack: backend
// selection, the ECP tunables, and the outer cache. It mirrors the split
// between database-wide and per-operation options used elsewhere in this
// stack's ancestry, flattened here because the block store has no separate
// per-transaction scope.
type Config struct {
	NumBlocks uint64 `json:"num_blocks"`

	Backend BackendType `json:"backend"`
	S3      S3Config    `json:"s3,omitempty"`

	ECP ECPConfig `json:"ecp"`

	Cache CacheType    `json:"cache"`
	Redis *RedisConfig `json:"redis,omitempty"`
}

// IsReplicated reports whether the configuration requests a distributed cache
// tier, the one piece of cross-process coordination this stack offers (the
// protection layer itself remains single-writer).
func (c Config) IsReplicated() bool {
	return c.Cache == RedisCache && c.Redis != nil
}
