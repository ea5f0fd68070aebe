package ecp

import "github.com/blockshim/blockshim"

type entryState int

const (
	stateWriting entryState = iota
	stateWritten
)

// entry is the protection layer's per-block bookkeeping record. The payload is a
// tagged value: writingPayload is valid iff state == stateWriting, writtenMD5
// is valid iff state == stateWritten. The two are never both set, a sum type
// in place of an untyped union or interface{} box.
type entry struct {
	blockNum blockshim.BlockNum

	state           entryState
	timestampMillis int64 // 0 iff state == stateWriting

	writingPayload []byte // live buffer borrowed from the caller's write; nil means the zero sentinel
	writtenMD5     blockshim.MD5

	// link is this entry's node in the expiry queue; nil iff state == stateWriting.
	link *queueNode
}

func newWritingEntry(blockNum blockshim.BlockNum, payload []byte) *entry {
	return &entry{
		blockNum:       blockNum,
		state:          stateWriting,
		writingPayload: payload,
	}
}

// toWriting transitions an existing WRITTEN entry back to WRITING in place,
// reusing the same entry object rather than allocating a new one.
func (e *entry) toWriting(payload []byte) {
	e.state = stateWriting
	e.timestampMillis = 0
	e.writingPayload = payload
	e.writtenMD5 = blockshim.MD5{}
	e.link = nil
}

// toWritten transitions a WRITING entry to WRITTEN after a successful inner write.
func (e *entry) toWritten(ts int64, md5 blockshim.MD5) {
	e.state = stateWritten
	e.timestampMillis = ts
	e.writingPayload = nil
	e.writtenMD5 = md5
}
