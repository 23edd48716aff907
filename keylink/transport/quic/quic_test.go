package quic

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/protocol"
	"github.com/TheusHen/keylink/keylink/transport"
)

type inbox struct {
	mu   sync.Mutex
	msgs []transport.Message
	got  chan struct{}
}

func newInbox() *inbox { return &inbox{got: make(chan struct{}, 64)} }

func (in *inbox) handle(_ identity.Fingerprint, m transport.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	in.got <- struct{}{}
}

func (in *inbox) wait(t *testing.T) transport.Message {
	t.Helper()
	select {
	case <-in.got:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[len(in.msgs)-1]
}

func pipeLink(t *testing.T, p *Peripheral) *Link {
	t.Helper()
	hostEnd, periphEnd := net.Pipe()
	go func() {
		_ = p.ServeStream(periphEnd)
		_ = periphEnd.Close()
	}()
	l := newLink(hostEnd, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// pairAndStream performs the host side of pairing over l. It returns a
// streaming session, the host's compressed key and the shared secret.
func pairAndStream(t *testing.T, ctx context.Context, l *Link, opts transport.Options) (*transport.Session, []byte, []byte) {
	t.Helper()
	peerCompressed, err := l.PeerKey(ctx)
	if err != nil {
		t.Fatalf("PeerKey: %v", err)
	}
	peer, err := crypto.Decompress(peerCompressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	secret, err := crypto.DeriveSharedSecret(kp.PrivateKey, peer)
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}
	local, _ := crypto.Compress(kp.PublicKey)
	if err := l.Write(local); err != nil {
		t.Fatalf("write key: %v", err)
	}
	select {
	case <-l.Ready():
	case <-ctx.Done():
		t.Fatalf("no readiness after key write")
	}

	s, err := transport.NewSession(l, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Agree(secret); err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, local, secret
}

func TestPipePairAndSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := newInbox()
	p, err := NewPeripheral(PeripheralOptions{OnMessage: in.handle})
	if err != nil {
		t.Fatalf("NewPeripheral: %v", err)
	}
	l := pipeLink(t, p)

	s, _, _ := pairAndStream(t, ctx, l, transport.Options{MaxPacketSize: 16 + protocol.Overhead})
	msg := bytes.Repeat([]byte("keylink "), 20)
	if err := s.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := in.wait(t)
	if got.Kind != protocol.KindData || !bytes.Equal(got.Data, msg) {
		t.Fatalf("peripheral received %q", got.Data)
	}
	if n := len(p.PairedHosts()); n != 1 {
		t.Fatalf("paired hosts = %d", n)
	}
}

func TestAuthenticateOnNewLink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := newInbox()
	p, _ := NewPeripheral(PeripheralOptions{OnMessage: in.handle})

	first := pipeLink(t, p)
	_, hostKey, secret := pairAndStream(t, ctx, first, transport.Options{})
	_ = first.Close()

	// A reconnect carries no key write; the AUTH message selects the secret.
	second := pipeLink(t, p)
	s2, err := transport.NewSession(second, transport.Options{MaxPacketSize: 20 + protocol.Overhead})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	_ = s2.Agree(secret)
	_ = s2.Start()
	if err := s2.Authenticate(ctx, hostKey); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := s2.Send(ctx, []byte("after reconnect")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := in.wait(t); string(got.Data) != "after reconnect" {
		t.Fatalf("peripheral received %q", got.Data)
	}
}

func TestUnauthenticatedDataDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := newInbox()
	p, _ := NewPeripheral(PeripheralOptions{OnMessage: in.handle})
	l := pipeLink(t, p)

	secret := make([]byte, 32)
	s, _ := transport.NewSession(l, transport.Options{})
	_ = s.Agree(secret)
	_ = s.Start()
	if err := s.Send(ctx, []byte("nobody paired")); err != nil {
		t.Fatalf("Send must still be acknowledged: %v", err)
	}
	select {
	case <-in.got:
		t.Fatalf("unauthenticated message delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQUICLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := newInbox()
	p, err := NewPeripheral(PeripheralOptions{OnMessage: in.handle, SlowDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewPeripheral: %v", err)
	}
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = p.Serve(ctx, ln) }()

	l, err := DialLink(ctx, ln.AddrString())
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	defer l.Close()

	s, _, _ := pairAndStream(t, ctx, l, transport.Options{SlowMode: true})
	msg := make([]byte, 1000)
	for i := range msg {
		msg[i] = byte(i)
	}
	if err := s.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := in.wait(t)
	if !bytes.Equal(got.Data, msg) || !got.SlowMode {
		t.Fatalf("loopback message mismatch")
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, make([]byte, MaxWriteSize+1)); err == nil {
		t.Fatalf("oversized frame accepted")
	}
	if err := writeFrame(&buf, []byte("abc")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	b, err := readFrame(&buf)
	if err != nil || string(b) != "abc" {
		t.Fatalf("readFrame = %q, %v", b, err)
	}
}

// authenticate presents key on a fresh link, sealed under secret, and returns
// the peripheral's verdict.
func authenticate(t *testing.T, ctx context.Context, p *Peripheral, key, secret []byte) protocol.AuthStatus {
	t.Helper()
	l := pipeLink(t, p)
	s, err := transport.NewSession(l, transport.Options{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Agree(secret); err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Authenticate(ctx, key); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	select {
	case st := <-l.AuthStatus():
		return st
	case <-ctx.Done():
		t.Fatalf("no authentication status")
		return protocol.AuthFailed
	}
}

func TestAuthStatusReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := transport.NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p, err := NewPeripheral(PeripheralOptions{Metrics: m})
	if err != nil {
		t.Fatalf("NewPeripheral: %v", err)
	}

	type paired struct{ key, secret []byte }
	var hosts []paired
	for i := 0; i < 3; i++ {
		l := pipeLink(t, p)
		_, key, secret := pairAndStream(t, ctx, l, transport.Options{})
		_ = l.Close()
		hosts = append(hosts, paired{key, secret})
	}

	for i, h := range hosts {
		if st := authenticate(t, ctx, p, h.key, h.secret); st != protocol.AuthSuccess {
			t.Fatalf("host %d: status %s", i, st)
		}
	}
	// Trying other hosts' secrets on the way to the right one is not a failure.
	if got := testutil.ToFloat64(m.AuthFailures); got != 0 {
		t.Fatalf("auth failures after valid AUTHs = %v", got)
	}

	stranger := make([]byte, 32)
	if _, err := rand.Read(stranger); err != nil {
		t.Fatal(err)
	}
	if st := authenticate(t, ctx, p, hosts[0].key, stranger); st != protocol.AuthFailed {
		t.Fatalf("unknown secret: status %s", st)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Fatalf("auth failures = %v, want 1", got)
	}

	// A known secret presenting another host's key is refused.
	if st := authenticate(t, ctx, p, hosts[1].key, hosts[0].secret); st != protocol.AuthFailed {
		t.Fatalf("mismatched key: status %s", st)
	}
}
