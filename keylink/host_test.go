package keylink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/keystore"
	"github.com/TheusHen/keylink/keylink/payload"
	"github.com/TheusHen/keylink/keylink/protocol"
	"github.com/TheusHen/keylink/keylink/transport"
	"github.com/TheusHen/keylink/keylink/transport/quic"
)

// fakePeripheral decrypts everything written to it and signals readiness
// after each write.
type fakePeripheral struct {
	kp    crypto.P256KeyPair
	ready chan struct{}

	mu      sync.Mutex
	hostKey []byte
	secret  []byte
	r       *transport.Reassembler
	msgs    []transport.Message
	errs    []error
}

func newFakePeripheral(t *testing.T) *fakePeripheral {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return &fakePeripheral{kp: kp, ready: make(chan struct{}, 1)}
}

func (p *fakePeripheral) compressed(t *testing.T) []byte {
	t.Helper()
	c, err := crypto.Compress(p.kp.PublicKey)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	return c
}

func (p *fakePeripheral) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.ready <- struct{}{} }()

	if len(b) == crypto.CompressedPublicKeySize {
		pub, err := crypto.Decompress(b)
		if err != nil {
			p.errs = append(p.errs, err)
			return nil
		}
		p.secret, err = crypto.DeriveSharedSecret(p.kp.PrivateKey, pub)
		if err != nil {
			p.errs = append(p.errs, err)
			return nil
		}
		p.r, _ = transport.NewReassembler(p.secret, nil)
		p.hostKey = append([]byte(nil), b...)
		return nil
	}
	pkt, err := protocol.Decode(b)
	if err != nil {
		p.errs = append(p.errs, err)
		return nil
	}
	if p.r == nil {
		p.errs = append(p.errs, errors.New("packet before pairing"))
		return nil
	}
	m, done, err := p.r.Feed(pkt)
	if err != nil {
		p.errs = append(p.errs, err)
		return nil
	}
	if done {
		p.msgs = append(p.msgs, m)
	}
	return nil
}

func (p *fakePeripheral) Ready() <-chan struct{} { return p.ready }

func (p *fakePeripheral) messages() []transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.Message(nil), p.msgs...)
}

func (p *fakePeripheral) failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

func newTestHost(t *testing.T) (*Host, *keystore.Store, *keystore.Session) {
	t.Helper()
	store, err := keystore.Open(keystore.NewMemoryBackend(), keystore.Options{UnlockRate: rate.Inf})
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	sess, err := store.UnlockWithPassphrase(context.Background(), []byte("host test"))
	if err != nil {
		t.Fatalf("UnlockWithPassphrase: %v", err)
	}
	return NewHost(store, Options{}), store, sess
}

const devA = identity.DeviceID("AA:AA:AA:AA:AA:01")

func TestPairConnectSend(t *testing.T) {
	ctx := context.Background()
	h, store, sess := newTestHost(t)
	p := newFakePeripheral(t)

	if err := h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{}); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	km, err := store.KeyMaterial(sess, devA)
	if err != nil || !km.Complete() {
		t.Fatalf("key material not stored: %v", err)
	}
	if !bytes.Equal(km.SharedSecret, p.secret) {
		t.Fatalf("host and peripheral secrets differ")
	}
	if !bytes.Equal(km.PeerPublicKey, p.kp.PublicKey) {
		t.Fatalf("peer public key not stored uncompressed")
	}
	hostKey, err := h.HostKey(sess, devA)
	if err != nil || !bytes.Equal(hostKey, p.hostKey) {
		t.Fatalf("HostKey mismatch: %v", err)
	}

	if err := h.Connect(ctx, sess, devA, p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.Connected(devA) {
		t.Fatalf("device not connected")
	}
	if err := h.SendText(ctx, devA, "hel"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := h.SendText(ctx, devA, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := h.SendText(ctx, devA, "he"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := h.SendKeycode(ctx, devA, payload.ModCtrl, 'c'); err != nil {
		t.Fatalf("SendKeycode: %v", err)
	}

	msgs := p.messages()
	if len(msgs) != 5 {
		t.Fatalf("peripheral got %d messages, errors %v", len(msgs), p.failures())
	}
	if msgs[0].Kind != protocol.KindAuth || !bytes.Equal(msgs[0].Data, hostKey) {
		t.Fatalf("first message is not AUTH with the host key")
	}
	want := []string{"hel", "lo", "\b\b\b"}
	for i, w := range want {
		if string(msgs[i+1].Data) != w {
			t.Fatalf("message %d = %q, want %q", i+1, msgs[i+1].Data, w)
		}
	}
	mod, key, err := payload.ParseKeycode(msgs[4].Data)
	if err != nil || mod != payload.ModCtrl || key != 'c' {
		t.Fatalf("keycode = %v %v %v", mod, key, err)
	}
}

func TestPairTwiceRequiresRepair(t *testing.T) {
	ctx := context.Background()
	h, store, sess := newTestHost(t)
	p := newFakePeripheral(t)

	if err := h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{}); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	first, _ := store.KeyMaterial(sess, devA)

	if err := h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{}); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
	if err := h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{Repair: true}); err != nil {
		t.Fatalf("re-pair: %v", err)
	}
	second, _ := store.KeyMaterial(sess, devA)
	if bytes.Equal(first.SharedSecret, second.SharedSecret) || bytes.Equal(first.SelfPrivateKey, second.SelfPrivateKey) {
		t.Fatalf("re-pair kept old key material")
	}
	if !bytes.Equal(second.SharedSecret, p.secret) {
		t.Fatalf("stored secret does not match peripheral after re-pair")
	}
}

func TestPairRejectsInvalidPeerKey(t *testing.T) {
	ctx := context.Background()
	h, store, sess := newTestHost(t)
	p := newFakePeripheral(t)

	bad := make([]byte, crypto.CompressedPublicKeySize)
	bad[0] = 0x02
	for i := 1; i < len(bad); i++ {
		bad[i] = 0xff
	}
	if err := h.Pair(ctx, sess, devA, bad, p, PairOptions{}); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if complete, _ := store.KeyMaterialComplete(sess, devA); complete {
		t.Fatalf("key material stored for invalid peer key")
	}
	if len(p.hostKey) != 0 {
		t.Fatalf("host key written for invalid peer key")
	}
}

func TestPairCancelledWaitingForReadiness(t *testing.T) {
	h, _, sess := newTestHost(t)
	p := newFakePeripheral(t)
	link := &silentLink{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Pair(ctx, sess, devA, p.compressed(t), link, PairOptions{})
	if !errors.Is(err, transport.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport timeout, got %v", err)
	}
	if len(link.writes) != 1 || len(link.writes[0]) != crypto.CompressedPublicKeySize {
		t.Fatalf("pairing key not written verbatim")
	}
}

type silentLink struct{ writes [][]byte }

func (l *silentLink) Write(b []byte) error {
	l.writes = append(l.writes, append([]byte(nil), b...))
	return nil
}

func (l *silentLink) Ready() <-chan struct{} { return nil }

func TestConnectUnpaired(t *testing.T) {
	h, _, sess := newTestHost(t)
	if err := h.Connect(context.Background(), sess, devA, newFakePeripheral(t)); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestSendNotConnected(t *testing.T) {
	h, _, _ := newTestHost(t)
	if err := h.Send(context.Background(), devA, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := h.Send(context.Background(), "", []byte("x")); !errors.Is(err, identity.ErrInvalidDeviceID) {
		t.Fatalf("expected ErrInvalidDeviceID, got %v", err)
	}
}

func TestLockedStoreRejectsPairing(t *testing.T) {
	h, store, sess := newTestHost(t)
	store.Lock()
	p := newFakePeripheral(t)
	if err := h.Pair(context.Background(), sess, devA, p.compressed(t), p, PairOptions{}); !errors.Is(err, keystore.ErrNotUnlocked) {
		t.Fatalf("expected ErrNotUnlocked, got %v", err)
	}
}

func TestDisconnectForgetClose(t *testing.T) {
	ctx := context.Background()
	h, store, sess := newTestHost(t)
	p := newFakePeripheral(t)
	_ = h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{})
	if err := h.Connect(ctx, sess, devA, p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Disconnect(ctx, devA); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if h.Connected(devA) {
		t.Fatalf("still connected")
	}
	if err := h.Send(ctx, devA, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}

	if err := h.Forget(ctx, sess, devA); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if ids, _ := store.Devices(sess); len(ids) != 0 {
		t.Fatalf("devices after forget: %v", ids)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Connect(ctx, sess, devA, p); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed, got %v", err)
	}
}

func TestDevicesRunIndependently(t *testing.T) {
	ctx := context.Background()
	h, _, sess := newTestHost(t)

	ids := []identity.DeviceID{"dev-1", "dev-2", "dev-3"}
	peers := make([]*fakePeripheral, len(ids))
	for i, id := range ids {
		peers[i] = newFakePeripheral(t)
		if err := h.Pair(ctx, sess, id, peers[i].compressed(t), peers[i], PairOptions{}); err != nil {
			t.Fatalf("Pair(%s): %v", id, err)
		}
		if err := h.Connect(ctx, sess, id, peers[i]); err != nil {
			t.Fatalf("Connect(%s): %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id identity.DeviceID, fill byte) {
				defer wg.Done()
				if err := h.Send(ctx, id, bytes.Repeat([]byte{fill}, 500)); err != nil {
					t.Errorf("Send(%s): %v", id, err)
				}
			}(id, byte('a'+i))
		}
	}
	wg.Wait()

	for i, p := range peers {
		msgs := p.messages()
		if len(msgs) != 5 {
			t.Fatalf("device %d: %d messages, errors %v", i, len(msgs), p.failures())
		}
		for _, m := range msgs[1:] {
			if !bytes.Equal(m.Data, bytes.Repeat([]byte{byte('a' + i)}, 500)) {
				t.Fatalf("device %d received another device's data", i)
			}
		}
	}
}

func TestHostOverQUICPeripheral(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan transport.Message, 4)
	periph, err := quic.NewPeripheral(quic.PeripheralOptions{
		OnMessage: func(_ identity.Fingerprint, m transport.Message) { got <- m },
	})
	if err != nil {
		t.Fatalf("NewPeripheral: %v", err)
	}
	ln, err := quic.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = periph.Serve(ctx, ln) }()

	h, _, sess := newTestHost(t)
	link, err := quic.DialLink(ctx, ln.AddrString())
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	peerKey, err := link.PeerKey(ctx)
	if err != nil {
		t.Fatalf("PeerKey: %v", err)
	}
	if err := h.Pair(ctx, sess, devA, peerKey, link, PairOptions{}); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	_ = link.Close()

	// Reconnect on a fresh link: the peripheral identifies the host by AUTH.
	link, err = quic.DialLink(ctx, ln.AddrString())
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	defer link.Close()
	if err := h.Connect(ctx, sess, devA, link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.SendText(ctx, devA, "over quic"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case m := <-got:
		if string(m.Data) != "over quic" {
			t.Fatalf("peripheral received %q", m.Data)
		}
	case <-ctx.Done():
		t.Fatalf("peripheral received nothing")
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// gatedLink records writes and signals readiness only when the test does.
type gatedLink struct {
	mu     sync.Mutex
	writes [][]byte
	ready  chan struct{}
	wrote  chan struct{}
}

func newGatedLink() *gatedLink {
	return &gatedLink{ready: make(chan struct{}, 1), wrote: make(chan struct{}, 16)}
}

func (l *gatedLink) Write(b []byte) error {
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), b...))
	l.mu.Unlock()
	select {
	case l.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (l *gatedLink) Ready() <-chan struct{} { return l.ready }

func (l *gatedLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func TestLatePairingAcknowledgementNotReusedByConnect(t *testing.T) {
	h, _, sess := newTestHost(t)
	p := newFakePeripheral(t)
	link := newGatedLink()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Pair(ctx, sess, devA, p.compressed(t), link, PairOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected pairing timeout, got %v", err)
	}
	<-link.wrote
	// The peripheral acknowledges the pairing key after Pair gave up.
	link.ready <- struct{}{}

	done := make(chan error, 1)
	go func() { done <- h.Connect(context.Background(), sess, devA, link) }()
	<-link.wrote
	select {
	case err := <-done:
		t.Fatalf("Connect returned %v before AUTH was acknowledged", err)
	case <-time.After(30 * time.Millisecond):
	}
	link.ready <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := link.count(); n != 2 {
		t.Fatalf("writes = %d, want pairing key and AUTH", n)
	}
}

func TestSendConsumerAndRename(t *testing.T) {
	ctx := context.Background()
	h, _, sess := newTestHost(t)
	p := newFakePeripheral(t)
	if err := h.Pair(ctx, sess, devA, p.compressed(t), p, PairOptions{}); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if err := h.Connect(ctx, sess, devA, p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.SendConsumer(ctx, devA, payload.UsageVolumeUp); err != nil {
		t.Fatalf("SendConsumer: %v", err)
	}
	if err := h.Rename(ctx, devA, "desk keyboard"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := h.Rename(ctx, devA, ""); !errors.Is(err, payload.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	msgs := p.messages()
	if len(msgs) != 3 {
		t.Fatalf("peripheral got %d messages, errors %v", len(msgs), p.failures())
	}
	u, err := payload.ParseConsumer(msgs[1].Data)
	if err != nil || u != payload.UsageVolumeUp {
		t.Fatalf("consumer = %v %v", u, err)
	}
	name, err := payload.ParseRename(msgs[2].Data)
	if err != nil || name != "desk keyboard" {
		t.Fatalf("rename = %q %v", name, err)
	}
}

func TestConnectRejectedByPeripheral(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	periph, err := quic.NewPeripheral(quic.PeripheralOptions{})
	if err != nil {
		t.Fatalf("NewPeripheral: %v", err)
	}
	ln, err := quic.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = periph.Serve(ctx, ln) }()

	owner, _, ownerSess := newTestHost(t)
	link, err := quic.DialLink(ctx, ln.AddrString())
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	peerKey, err := link.PeerKey(ctx)
	if err != nil {
		t.Fatalf("PeerKey: %v", err)
	}
	if err := owner.Pair(ctx, ownerSess, devA, peerKey, link, PairOptions{}); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	_ = link.Close()

	// The stranger holds key material for devA, but from a different peripheral.
	stranger, _, strangerSess := newTestHost(t)
	other := newFakePeripheral(t)
	if err := stranger.Pair(ctx, strangerSess, devA, other.compressed(t), other, PairOptions{}); err != nil {
		t.Fatalf("Pair elsewhere: %v", err)
	}
	link, err = quic.DialLink(ctx, ln.AddrString())
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	defer link.Close()
	if err := stranger.Connect(ctx, strangerSess, devA, link); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if stranger.Connected(devA) {
		t.Fatalf("rejected host left connected")
	}

	// The paired host still gets in on the same link.
	if err := owner.Connect(ctx, ownerSess, devA, link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !owner.Connected(devA) {
		t.Fatalf("paired host not connected")
	}
}
