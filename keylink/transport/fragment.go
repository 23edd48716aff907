package transport

import "github.com/TheusHen/keylink/keylink/protocol"

// DefaultMaxPacketSize is the largest packet a BLE link with a 247-byte ATT
// MTU can carry in one write.
const DefaultMaxPacketSize = 244

// FragmentSizeForMTU returns the plaintext bytes that fit in one packet of
// maxPacket bytes.
func FragmentSizeForMTU(maxPacket int) int {
	return maxPacket - protocol.Overhead
}

// Fragmenter splits messages into fixed-size fragments.
type Fragmenter struct {
	size int
}

// NewFragmenter creates a fragmenter. Sizes below one byte become one.
func NewFragmenter(size int) *Fragmenter {
	if size < 1 {
		size = 1
	}
	return &Fragmenter{size: size}
}

// Size returns the configured fragment size.
func (f *Fragmenter) Size() int { return f.size }

// Count returns how many fragments Split produces for n bytes.
func (f *Fragmenter) Count(n int) int {
	if n == 0 {
		return 1
	}
	return (n + f.size - 1) / f.size
}

// Split returns the fragments of data in order. An empty message is a single
// empty fragment. Fragments alias data.
func (f *Fragmenter) Split(data []byte) [][]byte {
	out := make([][]byte, 0, f.Count(len(data)))
	if len(data) == 0 {
		return append(out, []byte{})
	}
	for i := 0; i < len(data); i += f.size {
		end := i + f.size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end:end])
	}
	return out
}
