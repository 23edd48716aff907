package erasure

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("erasure: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("erasure: invalid data/parity configuration")
)

const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

// Codec provides Reed-Solomon encoding/decoding.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewCodec creates a new erasure codec.
// dataShards: number of data shards
// parityShards: number of parity shards (can lose up to this many)
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > 255 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

// DataShards returns the number of data shards.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the number of parity shards.
func (c *Codec) ParityShards() int { return c.parityShards }

// TotalShards returns the total number of shards (data + parity).
func (c *Codec) TotalShards() int { return c.dataShards + c.parityShards }

// EncodeData splits data and computes parity.
// Returns all shards (data + parity).
func (c *Codec) EncodeData(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		// reedsolomon refuses empty input; one zero byte keeps shard sizes non-zero.
		data = []byte{0}
	}
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct attempts to reconstruct missing shards.
// Missing shards should be set to nil in the slice.
// Returns ErrTooManyLost if too many shards are missing.
func (c *Codec) Reconstruct(shards [][]byte) error {
	err := c.enc.Reconstruct(shards)
	if err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	return nil
}

// Join joins data shards back into the original data.
// outSize is the original data size (before padding).
func (c *Codec) Join(shards [][]byte, outSize int) []byte {
	data := make([]byte, 0, outSize)
	for i := 0; i < c.dataShards && len(data) < outSize; i++ {
		remaining := outSize - len(data)
		if remaining >= len(shards[i]) {
			data = append(data, shards[i]...)
		} else {
			data = append(data, shards[i][:remaining]...)
		}
	}
	return data
}

// ShardSize calculates the shard size for a given data size.
func (c *Codec) ShardSize(dataSize int) int {
	if dataSize == 0 {
		dataSize = 1
	}
	shardSize := dataSize / c.dataShards
	if dataSize%c.dataShards != 0 {
		shardSize++
	}
	return shardSize
}
