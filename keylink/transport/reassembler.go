package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/protocol"
)

var (
	ErrReassembly = errors.New("transport: fragment out of sequence")
	ErrAuthFailed = errors.New("transport: fragment failed authentication")
)

// Message is a reassembled logical message.
type Message struct {
	Kind     protocol.Kind
	Data     []byte
	SlowMode bool
}

// Reassembler rebuilds messages from packets received in order. It is not
// safe for concurrent use.
type Reassembler struct {
	aead  *crypto.AEAD
	stats *Metrics

	active bool
	kind   protocol.Kind
	slow   bool
	total  uint32
	next   uint32
	parts  [][]byte
}

// NewReassembler creates a reassembler for the given shared secret. m may
// be nil.
func NewReassembler(secret []byte, m *Metrics) (*Reassembler, error) {
	aead, err := crypto.NewAEAD(secret)
	if err != nil {
		return nil, err
	}
	return &Reassembler{aead: aead, stats: m}, nil
}

// Reset discards any partially received message.
func (r *Reassembler) Reset() {
	r.active = false
	r.total = 0
	r.next = 0
	r.parts = nil
}

// Pending reports whether a message is partially received.
func (r *Reassembler) Pending() bool { return r.active }

// Feed consumes one packet. It returns the message and true once the final
// fragment arrives.
//
// A packet out of order, duplicated, or inconsistent with the message in
// progress discards that message and returns ErrReassembly. A fragment whose
// tag does not verify returns ErrAuthFailed and is dropped; fragments
// already received are kept.
func (r *Reassembler) Feed(p *protocol.Packet) (Message, bool, error) {
	if p.Total == 0 || p.Sequence >= p.Total {
		r.Reset()
		return Message{}, false, fmt.Errorf("%w: %d/%d", ErrReassembly, p.Sequence, p.Total)
	}
	if !r.active {
		if p.Sequence != 0 {
			return Message{}, false, fmt.Errorf("%w: message starts at %d", ErrReassembly, p.Sequence)
		}
	} else if p.Sequence != r.next || p.Total != r.total || p.Kind != r.kind {
		want, total := r.next, r.total
		r.Reset()
		return Message{}, false, fmt.Errorf("%w: got %d/%d, want %d/%d", ErrReassembly, p.Sequence, p.Total, want, total)
	}

	plain, err := r.aead.OpenDetached(p.IV[:], p.Ciphertext, p.Tag[:], nil)
	if err != nil {
		r.stats.authFailed()
		return Message{}, false, fmt.Errorf("%w: packet %d/%d", ErrAuthFailed, p.Sequence+1, p.Total)
	}

	if !r.active {
		r.active = true
		r.kind = p.Kind
		r.slow = p.SlowMode
		r.total = p.Total
		r.next = 0
		r.parts = make([][]byte, 0, min(p.Total, 64))
	}
	r.parts = append(r.parts, plain)
	r.next++
	if p.Sequence < p.Total-1 {
		return Message{}, false, nil
	}

	msg := Message{Kind: r.kind, Data: bytes.Join(r.parts, nil), SlowMode: r.slow}
	if msg.Data == nil {
		msg.Data = []byte{}
	}
	r.Reset()
	return msg, true, nil
}
