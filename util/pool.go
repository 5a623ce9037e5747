package util

import "sync"

// ChunkSize is the unit of network reads and file streaming.
const ChunkSize = 1024

// chunkPool recycles ChunkSize buffers between the connection reader
// and file streaming.
var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetChunk retrieves a ChunkSize buffer from the pool.  Callers must
// return it with [PutChunk] when finished.
func GetChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

// PutChunk returns a buffer to the pool.  Buffers of the wrong size are
// dropped.
func PutChunk(buf *[]byte) {
	if buf == nil || len(*buf) != ChunkSize {
		return
	}
	chunkPool.Put(buf)
}
