package quic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/protocol"
)

var ErrLinkClosed = errors.New("quic: link closed")

// authBacklog is how many unread verdicts a Link keeps; later ones are
// dropped so an unread channel never stalls readiness.
const authBacklog = 4

// Link is the host side of a simulated peripheral connection. It implements
// transport.Link and transport.AuthReporter.
type Link struct {
	rw        io.ReadWriteCloser
	closeConn func() error

	wmu   sync.Mutex
	ready chan struct{}
	keys  chan []byte
	auth  chan protocol.AuthStatus

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	err       error
}

// DialLink connects to the peripheral at addr and opens its link stream.
func DialLink(ctx context.Context, addr string) (*Link, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	l, err := OpenLink(ctx, conn)
	if err != nil {
		_ = conn.CloseWithError(0, "open failed")
		return nil, err
	}
	return l, nil
}

// OpenLink opens the link stream on an established connection. Closing the
// link closes conn.
func OpenLink(ctx context.Context, conn *q.Conn) (*Link, error) {
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return newLink(st, func() error { return conn.CloseWithError(0, "link closed") }), nil
}

func newLink(rw io.ReadWriteCloser, closeConn func() error) *Link {
	l := &Link{
		rw:        rw,
		closeConn: closeConn,
		ready:     make(chan struct{}, 16),
		keys:      make(chan []byte, 1),
		auth:      make(chan protocol.AuthStatus, authBacklog),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.done)
	br := bufio.NewReader(l.rw)
	for {
		b, err := br.ReadByte()
		if err != nil {
			l.err = err
			return
		}
		switch b {
		case replyReady:
			select {
			case l.ready <- struct{}{}:
			case <-l.closed:
				return
			}
		case replyAuth:
			st, err := br.ReadByte()
			if err != nil {
				l.err = err
				return
			}
			select {
			case l.auth <- protocol.AuthStatus(st):
			default:
			}
		case replyKey:
			key := make([]byte, crypto.CompressedPublicKeySize)
			if _, err := io.ReadFull(br, key); err != nil {
				l.err = err
				return
			}
			select {
			case l.keys <- key:
			case <-l.closed:
				return
			}
		default:
			l.err = fmt.Errorf("quic: unexpected reply byte 0x%02x", b)
			return
		}
	}
}

// Write sends one packet or key as a single frame.
func (l *Link) Write(b []byte) error {
	select {
	case <-l.done:
		return l.readErr()
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(l.rw, b)
}

// Ready signals once per write the peripheral has processed.
func (l *Link) Ready() <-chan struct{} { return l.ready }

// AuthStatus delivers the peripheral's verdict on each AUTH message.
func (l *Link) AuthStatus() <-chan protocol.AuthStatus { return l.auth }

// Done is closed when the peripheral side goes away.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) readErr() error {
	if l.err == nil || errors.Is(l.err, io.EOF) {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %v", ErrLinkClosed, l.err)
}

// PeerKey reads the peripheral's compressed public key.
func (l *Link) PeerKey(ctx context.Context) ([]byte, error) {
	if err := l.Write(nil); err != nil {
		return nil, err
	}
	select {
	case k := <-l.keys:
		return k, nil
	case <-l.done:
		return nil, l.readErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the stream and its connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.rw.Close()
		if l.closeConn != nil {
			if cerr := l.closeConn(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
