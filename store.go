package blockshim

import "context"

// BlockNum identifies a block within the statically known range [0, NumBlocks).
type BlockNum uint64

// MD5Size is the length in bytes of an MD5 digest.
const MD5Size = 16

// MD5 is a block's content digest.
type MD5 [MD5Size]byte

// ZeroMD5 is the sentinel digest the protection layer stamps on a
// zero-elided write. It is the zero value of MD5, not the actual MD5 sum of
// a zero-filled block (real MD5 digests essentially never land on it).
var ZeroMD5 MD5

// IsZero reports whether m is the zero value.
func (m MD5) IsZero() bool {
	return m == MD5{}
}

// Store is the abstract block-store capability implemented by every layer of the
// stack: a numbered, fixed-size block interface over a backend of unspecified
// consistency. Layers compose by wrapping one Store inside another.
type Store interface {
	// ReadBlock reads BlockSize bytes into dst. If expectMD5 is non-nil, an
	// implementation that can detect a digest mismatch against freshly fetched
	// data returns an Error with Code Stale; dst may still hold the fetched bytes.
	ReadBlock(ctx context.Context, n BlockNum, dst []byte, expectMD5 *MD5) error

	// WriteBlock writes BlockSize bytes from src, or deletes the block (a
	// zero-elision write) when src is nil. If md5 is non-nil it is the
	// precomputed digest of src, sparing the callee a recomputation.
	WriteBlock(ctx context.Context, n BlockNum, src []byte, md5 *MD5) error

	// DetectSizes returns the backend's reported file size and block size.
	DetectSizes(ctx context.Context) (fileSize int64, blockSize uint32, err error)

	// Destroy releases any resources held by the store. Callers must ensure no
	// other call is outstanding when Destroy is invoked.
	Destroy(ctx context.Context) error
}
