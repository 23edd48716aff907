package quic

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/logging"
	"github.com/TheusHen/keylink/keylink/protocol"
	"github.com/TheusHen/keylink/keylink/transport"
)

// DefaultSlowDelay is how long a peripheral pauses before acknowledging a
// slow-mode packet.
const DefaultSlowDelay = 20 * time.Millisecond

// Handler receives each message an authenticated host sends.
type Handler func(host identity.Fingerprint, m transport.Message)

// PeripheralOptions configures a Peripheral.
type PeripheralOptions struct {
	Logger    *slog.Logger
	Metrics   *transport.Metrics
	SlowDelay time.Duration
	OnMessage Handler
}

// Peripheral simulates the receiving device. It keeps one P-256 key pair
// and the shared secret of every host paired with it.
type Peripheral struct {
	kp         crypto.P256KeyPair
	compressed []byte
	opts       PeripheralOptions
	log        *slog.Logger

	mu    sync.Mutex
	hosts map[identity.Fingerprint]pairedHost
}

type pairedHost struct {
	key    []byte // compressed
	secret []byte
}

// NewPeripheral generates the peripheral key pair.
func NewPeripheral(opts PeripheralOptions) (*Peripheral, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c, err := crypto.Compress(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.SlowDelay == 0 {
		opts.SlowDelay = DefaultSlowDelay
	}
	return &Peripheral{
		kp:         kp,
		compressed: c,
		opts:       opts,
		log:        opts.Logger.With("component", "peripheral"),
		hosts:      map[identity.Fingerprint]pairedHost{},
	}, nil
}

// PublicKey returns the compressed public key a host pairs against.
func (p *Peripheral) PublicKey() []byte { return append([]byte(nil), p.compressed...) }

// PairedHosts lists the fingerprints of paired hosts.
func (p *Peripheral) PairedHosts() []identity.Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]identity.Fingerprint, 0, len(p.hosts))
	for fp := range p.hosts {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Serve accepts connections until ctx ends or the listener fails.
func (p *Peripheral) Serve(ctx context.Context, ln *Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go p.serveConn(ctx, conn)
	}
}

func (p *Peripheral) serveConn(ctx context.Context, conn *q.Conn) {
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer st.Close()
			if err := p.ServeStream(st); err != nil {
				p.log.Warn("link stream ended", "error", err)
			}
		}()
	}
}

// linkState is what one host stream has established so far.
type linkState struct {
	host          identity.Fingerprint
	r             *transport.Reassembler
	authenticated bool
}

// ServeStream runs the peripheral side of one link until the host closes it.
func (p *Peripheral) ServeStream(rw io.ReadWriter) error {
	br := bufio.NewReader(rw)
	var st linkState
	for {
		frame, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch len(frame) {
		case 0:
			reply := append([]byte{replyKey}, p.compressed...)
			if _, err := rw.Write(reply); err != nil {
				return err
			}
			continue
		case crypto.CompressedPublicKeySize:
			if err := p.pair(&st, frame); err != nil {
				p.log.Warn("pairing rejected", "error", err)
			}
		default:
			slow, notify := p.handlePacket(&st, frame)
			if slow {
				time.Sleep(p.opts.SlowDelay)
			}
			if _, err := rw.Write(notify); err != nil {
				return err
			}
			continue
		}
		if _, err := rw.Write([]byte{replyReady}); err != nil {
			return err
		}
	}
}

func (p *Peripheral) pair(st *linkState, hostKey []byte) error {
	pub, err := crypto.Decompress(hostKey)
	if err != nil {
		return err
	}
	secret, err := crypto.DeriveSharedSecret(p.kp.PrivateKey, pub)
	if err != nil {
		return err
	}
	r, err := transport.NewReassembler(secret, p.opts.Metrics)
	if err != nil {
		return err
	}
	fp := identity.FingerprintFromPublicKey(pub)
	p.mu.Lock()
	if old, ok := p.hosts[fp]; ok {
		crypto.Zero(old.secret)
	}
	p.hosts[fp] = pairedHost{key: append([]byte(nil), hostKey...), secret: secret}
	p.mu.Unlock()

	*st = linkState{host: fp, r: r, authenticated: true}
	p.log.Info("host paired", "host", fp.String())
	return nil
}

// selectHost finds the paired host whose secret opens the first fragment of
// an AUTH message. Candidates are tried outside the lock with copies of their
// secrets; only a packet no host can open counts as an auth failure.
func (p *Peripheral) selectHost(st *linkState, pkt *protocol.Packet) (transport.Message, bool, error) {
	type candidate struct {
		fp     identity.Fingerprint
		secret []byte
	}
	p.mu.Lock()
	cands := make([]candidate, 0, len(p.hosts))
	for fp, h := range p.hosts {
		cands = append(cands, candidate{fp: fp, secret: append([]byte(nil), h.secret...)})
	}
	p.mu.Unlock()
	defer func() {
		for _, c := range cands {
			crypto.Zero(c.secret)
		}
	}()

	for _, c := range cands {
		aead, err := crypto.NewAEAD(c.secret)
		if err != nil {
			continue
		}
		if _, err := aead.OpenDetached(pkt.IV[:], pkt.Ciphertext, pkt.Tag[:], nil); err != nil {
			continue
		}
		r, err := transport.NewReassembler(c.secret, p.opts.Metrics)
		if err != nil {
			return transport.Message{}, false, err
		}
		*st = linkState{host: c.fp, r: r}
		return r.Feed(pkt)
	}
	*st = linkState{}
	if m := p.opts.Metrics; m != nil {
		m.AuthFailures.Inc()
	}
	return transport.Message{}, false, transport.ErrAuthFailed
}

// handlePacket processes one packet. It reports whether the packet asked for
// slow pacing and returns the replies to send: an auth verdict when the
// packet completed or broke an AUTH message, then readiness. Errors are
// logged; the link keeps running.
func (p *Peripheral) handlePacket(st *linkState, frame []byte) (bool, []byte) {
	ready := []byte{replyReady}
	pkt, err := protocol.Decode(frame)
	if err != nil {
		p.log.Warn("malformed packet", "error", err)
		return false, ready
	}

	var (
		m    transport.Message
		done bool
	)
	if pkt.Kind == protocol.KindAuth && pkt.Sequence == 0 {
		m, done, err = p.selectHost(st, pkt)
	} else if st.r != nil {
		m, done, err = st.r.Feed(pkt)
	} else {
		err = errors.New("quic: packet before pairing or authentication")
	}
	if err != nil {
		p.log.Warn("packet dropped", "seq", pkt.Sequence, "total", pkt.Total, "error", err)
		if pkt.Kind == protocol.KindAuth {
			st.authenticated = false
			return pkt.SlowMode, append(authReply(protocol.AuthFailed), ready...)
		}
		return pkt.SlowMode, ready
	}
	if done {
		if status, ok := p.deliver(st, m); ok {
			return pkt.SlowMode, append(authReply(status), ready...)
		}
	}
	return pkt.SlowMode, ready
}

func authReply(s protocol.AuthStatus) []byte { return []byte{replyAuth, byte(s)} }

// deliver hands a complete message on. For AUTH messages it returns the
// verdict to report.
func (p *Peripheral) deliver(st *linkState, m transport.Message) (protocol.AuthStatus, bool) {
	switch m.Kind {
	case protocol.KindAuth:
		p.mu.Lock()
		h, ok := p.hosts[st.host]
		p.mu.Unlock()
		if !ok || !bytes.Equal(h.key, m.Data) {
			p.log.Warn("host authentication mismatch", "host", st.host.String())
			*st = linkState{}
			return protocol.AuthFailed, true
		}
		st.authenticated = true
		p.log.Info("host authenticated", "host", st.host.String())
		return protocol.AuthSuccess, true
	case protocol.KindData:
		if !st.authenticated {
			p.log.Warn("data before authentication", "host", st.host.String())
			return 0, false
		}
		if p.opts.OnMessage != nil {
			p.opts.OnMessage(st.host, m)
		}
	}
	return 0, false
}
