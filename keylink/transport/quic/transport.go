package quic

import (
	"context"
	"net"
	"time"

	q "github.com/quic-go/quic-go"
)

// linkConfig keeps a simulated link up while a paired host sits idle between
// key presses. A peripheral only ever serves one stream per connection.
var linkConfig = &q.Config{
	MaxIdleTimeout:        5 * time.Minute,
	KeepAlivePeriod:       15 * time.Second,
	MaxIncomingStreams:    1,
	MaxIncomingUniStreams: -1,
}

// Listener is the peripheral simulator's side of the radio: each accepted
// connection is one host link.
type Listener struct {
	inner *q.Listener
}

// Listen starts a simulator listener on addr, with a fresh certificate.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := peripheralTLS()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, linkConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept waits for the next host to connect.
func (l *Listener) Accept(ctx context.Context) (*q.Conn, error) {
	return l.inner.Accept(ctx)
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// AddrString is the address hosts pass to DialLink.
func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// dial opens the host side of a simulated link.
func dial(ctx context.Context, addr string) (*q.Conn, error) {
	return q.DialAddr(ctx, addr, hostTLS(), linkConfig)
}
