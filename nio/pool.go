package nio

import (
	"sync"
)

// DefaultPayloadSize is the largest DATA payload the server puts in one
// frame: the HTTP/2 default SETTINGS_MAX_FRAME_SIZE.
const DefaultPayloadSize = 16 << 10

// Frame payloads have exactly one hot size here - every connection
// writer reads file bodies through a DefaultPayloadSize buffer, and a
// DATA frame limited by a smaller flow-control window simply uses a
// prefix of it.
// One pool therefore covers the fast path; requests for larger buffers
// are rare enough to go straight to the allocator and the GC.
var payloadPool = sync.Pool{
	New: func() interface{} { return make([]byte, DefaultPayloadSize) },
}

// GetPayload returns a buffer of at least size bytes for frame payload
// staging.
func GetPayload(size int) []byte {
	if size <= DefaultPayloadSize {
		return payloadPool.Get().([]byte)
	}
	return make([]byte, size)
}

// PutPayload recycles a buffer obtained from GetPayload. Oversized
// buffers are left to the GC.
func PutPayload(p []byte) {
	if cap(p) == DefaultPayloadSize {
		payloadPool.Put(p[:DefaultPayloadSize])
	}
}
