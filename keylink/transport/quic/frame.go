package quic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/TheusHen/keylink/keylink/protocol"
)

// MaxWriteSize bounds one simulated characteristic write.
const MaxWriteSize = protocol.Overhead + protocol.MaxFragmentPayload

// Peripheral replies. replyKey is followed by the 33-byte compressed key,
// replyAuth by one protocol.AuthStatus byte. A peripheral sends replyAuth
// before the replyReady of the write that completed or failed an AUTH.
const (
	replyReady byte = 0x01
	replyKey   byte = 0x02
	replyAuth  byte = 0x03
)

var ErrWriteTooLarge = errors.New("quic: write exceeds maximum size")

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > MaxWriteSize {
		return fmt.Errorf("%w: %d", ErrWriteTooLarge, len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxWriteSize {
		return nil, fmt.Errorf("%w: %d", ErrWriteTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
