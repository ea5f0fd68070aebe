// Package blockshim defines the abstract block-store capability shared by every
// layer of the stack: read_block, write_block, detect_sizes, and destroy. Concrete
// layers live in subpackages: ecp (the eventual-consistency protection layer),
// s3store and memstore (inner transports), blockcache (the optional outer cache),
// and cmd/blockshimd (the admin/stats binary). Layers compose by wrapping one
// instance of Store inside another, each adding its own piece of the contract.
//
// This package also carries the stack's ambient concerns: the Store interface
// and block identifiers, the shared error type, logging setup, retry/backoff
// helpers, and context-aware sleeping. Concrete backends and caches build on it.
package blockshim
