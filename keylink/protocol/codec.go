package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	IVSize  = 12
	TagSize = 16

	// HeaderSize is the fixed prefix before the ciphertext.
	HeaderSize = 1 + 4 + 4 + 1 + IVSize + 4
	// Overhead is the number of bytes a packet adds to its plaintext.
	Overhead = HeaderSize + TagSize

	// MaxFragmentPayload bounds plaintextLength when decoding from a stream.
	MaxFragmentPayload = 1 << 16
)

var (
	ErrShortPacket    = errors.New("protocol: packet too short")
	ErrInvalidKind    = errors.New("protocol: invalid packet kind")
	ErrInvalidFlag    = errors.New("protocol: invalid slow mode flag")
	ErrSequence       = errors.New("protocol: sequence out of range")
	ErrLengthMismatch = errors.New("protocol: length mismatch")
	ErrFrameTooLarge  = errors.New("protocol: fragment payload too large")
)

// Packet is one encrypted fragment on the wire.
type Packet struct {
	Kind       Kind
	Sequence   uint32
	Total      uint32
	SlowMode   bool
	IV         [IVSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

// Size returns the encoded length of p.
func (p *Packet) Size() int { return Overhead + len(p.Ciphertext) }

func (p *Packet) appendHeader(b []byte) []byte {
	b = append(b, byte(p.Kind))
	b = binary.BigEndian.AppendUint32(b, p.Sequence)
	b = binary.BigEndian.AppendUint32(b, p.Total)
	if p.SlowMode {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, p.IV[:]...)
	return binary.BigEndian.AppendUint32(b, uint32(len(p.Ciphertext)))
}

func (p *Packet) validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, p.Kind)
	}
	if p.Total == 0 || p.Sequence >= p.Total {
		return fmt.Errorf("%w: %d/%d", ErrSequence, p.Sequence, p.Total)
	}
	return nil
}

// Encode serializes p.
func Encode(p *Packet) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, p.Size())
	b = p.appendHeader(b)
	b = append(b, p.Ciphertext...)
	return append(b, p.Tag[:]...), nil
}

// Decode parses exactly one packet from b.
func Decode(b []byte) (*Packet, error) {
	if len(b) < Overhead {
		return nil, ErrShortPacket
	}
	p, n, err := decodeHeader(b[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if len(b) != Overhead+n {
		return nil, fmt.Errorf("%w: have %d bytes, header says %d", ErrLengthMismatch, len(b), Overhead+n)
	}
	p.Ciphertext = append([]byte(nil), b[HeaderSize:HeaderSize+n]...)
	copy(p.Tag[:], b[HeaderSize+n:])
	return p, nil
}

func decodeHeader(h []byte) (*Packet, int, error) {
	p := &Packet{
		Kind:     Kind(h[0]),
		Sequence: binary.BigEndian.Uint32(h[1:5]),
		Total:    binary.BigEndian.Uint32(h[5:9]),
	}
	switch h[9] {
	case 0:
	case 1:
		p.SlowMode = true
	default:
		return nil, 0, ErrInvalidFlag
	}
	copy(p.IV[:], h[10:10+IVSize])
	n := binary.BigEndian.Uint32(h[10+IVSize:])
	if err := p.validate(); err != nil {
		return nil, 0, err
	}
	if n > MaxFragmentPayload {
		return nil, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	return p, int(n), nil
}

// WritePacket encodes p onto w.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadPacket reads one packet from a byte stream.
func ReadPacket(r io.Reader) (*Packet, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	p, n, err := decodeHeader(h[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, n+TagSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	p.Ciphertext = body[:n:n]
	copy(p.Tag[:], body[n:])
	return p, nil
}
