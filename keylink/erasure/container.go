package erasure

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrCorruptContainer = errors.New("erasure: container header corrupt")

var magic = [4]byte{'K', 'L', 'E', '1'}

const (
	checksumSize = sha256.Size
	// magic, data shards, parity shards, payload length, shard size
	fixedHeader = 4 + 1 + 1 + 4 + 4
)

// Pack encodes payload into a self-verifying container:
//
//	header (fixed fields, per-shard checksums) || SHA-256(header) || shards
func (c *Codec) Pack(payload []byte) ([]byte, error) {
	shards, err := c.EncodeData(payload)
	if err != nil {
		return nil, err
	}
	shardSize := len(shards[0])

	hdr := make([]byte, 0, fixedHeader+c.TotalShards()*checksumSize)
	hdr = append(hdr, magic[:]...)
	hdr = append(hdr, byte(c.dataShards), byte(c.parityShards))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(payload)))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(shardSize))
	for _, s := range shards {
		sum := sha256.Sum256(s)
		hdr = append(hdr, sum[:]...)
	}
	hsum := sha256.Sum256(hdr)

	out := make([]byte, 0, len(hdr)+checksumSize+shardSize*len(shards))
	out = append(out, hdr...)
	out = append(out, hsum[:]...)
	for _, s := range shards {
		out = append(out, s...)
	}
	return out, nil
}

// Unpack verifies and decodes a container produced by Pack with any shard
// configuration. It returns the payload and the number of shards that had
// to be rebuilt.
func Unpack(blob []byte) ([]byte, int, error) {
	if len(blob) < fixedHeader || !bytes.Equal(blob[:4], magic[:]) {
		return nil, 0, ErrCorruptContainer
	}
	dataShards, parityShards := int(blob[4]), int(blob[5])
	payloadLen := int(binary.BigEndian.Uint32(blob[6:10]))
	shardSize := int(binary.BigEndian.Uint32(blob[10:14]))
	total := dataShards + parityShards

	hdrLen := fixedHeader + total*checksumSize
	if len(blob) < hdrLen+checksumSize {
		return nil, 0, ErrCorruptContainer
	}
	hsum := sha256.Sum256(blob[:hdrLen])
	if !bytes.Equal(hsum[:], blob[hdrLen:hdrLen+checksumSize]) {
		return nil, 0, ErrCorruptContainer
	}
	c, err := NewCodec(dataShards, parityShards)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}
	if shardSize != c.ShardSize(payloadLen) {
		return nil, 0, ErrCorruptContainer
	}

	body := blob[hdrLen+checksumSize:]
	shards := make([][]byte, total)
	lost := 0
	for i := 0; i < total; i++ {
		start := i * shardSize
		if start+shardSize > len(body) {
			lost++
			continue
		}
		s := body[start : start+shardSize]
		sum := sha256.Sum256(s)
		want := blob[fixedHeader+i*checksumSize : fixedHeader+(i+1)*checksumSize]
		if !bytes.Equal(sum[:], want) {
			lost++
			continue
		}
		shards[i] = append([]byte(nil), s...)
	}
	if lost > 0 {
		if err := c.Reconstruct(shards); err != nil {
			return nil, lost, err
		}
	}
	return c.Join(shards, payloadLen), lost, nil
}
