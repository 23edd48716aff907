package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/logging"
	"github.com/TheusHen/keylink/keylink/protocol"
)

var (
	ErrTransport      = errors.New("transport: link send failed")
	ErrNotStreaming   = errors.New("transport: session is not streaming")
	ErrInvalidState   = errors.New("transport: invalid state transition")
	ErrPacketTooSmall = errors.New("transport: max packet size leaves no room for payload")
	ErrSessionClosed  = errors.New("transport: session closed")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateKeyAgreed
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyAgreed:
		return "key-agreed"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Session.
type Options struct {
	// MaxPacketSize is the largest encoded packet the link accepts.
	MaxPacketSize int
	// SlowMode asks the receiver to pace its processing. It is copied into
	// every packet and does not change framing.
	SlowMode bool
	Logger   *slog.Logger
	Metrics  *Metrics
	// Pacer carries readiness owed by earlier writes on the same link.
	// Nil gives the session a pacer of its own.
	Pacer *Pacer
}

// Session sends messages for one connection.
type Session struct {
	pacer *Pacer
	frag  *Fragmenter
	slow  bool
	log   *slog.Logger
	stats *Metrics

	// slot is held for the whole of one message so fragments of different
	// messages never interleave on the link.
	slot chan struct{}

	mu    sync.Mutex
	state State
	key   []byte
	aead  *crypto.AEAD
	// abort cancels the in-flight message.
	abort context.CancelFunc
}

// NewSession creates an idle session over link.
func NewSession(link Link, opts Options) (*Session, error) {
	if link == nil {
		return nil, errors.New("transport: nil link")
	}
	if opts.MaxPacketSize == 0 {
		opts.MaxPacketSize = DefaultMaxPacketSize
	}
	size := FragmentSizeForMTU(opts.MaxPacketSize)
	if size < 1 {
		return nil, fmt.Errorf("%w: %d", ErrPacketTooSmall, opts.MaxPacketSize)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = NewPacer(link, opts.Metrics)
	} else if pacer.Link() != link {
		return nil, errors.New("transport: pacer belongs to another link")
	}
	return &Session{
		pacer: pacer,
		frag:  NewFragmenter(size),
		slow:  opts.SlowMode,
		log:   opts.Logger.With("component", "transport"),
		stats: opts.Metrics,
		slot:  make(chan struct{}, 1),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FragmentSize returns the plaintext bytes carried per packet.
func (s *Session) FragmentSize() int { return s.frag.Size() }

// Pacer returns the pacer the session writes through.
func (s *Session) Pacer() *Pacer { return s.pacer }

// Agree installs the 32-byte shared secret. The session keeps its own copy
// and zeroes it on Close.
func (s *Session) Agree(secret []byte) error {
	if len(secret) != crypto.SharedSecretSize {
		return fmt.Errorf("%w: shared secret must be %d bytes", crypto.ErrInvalidKey, crypto.SharedSecretSize)
	}
	key := append([]byte(nil), secret...)
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		crypto.Zero(key)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		crypto.Zero(key)
		return fmt.Errorf("%w: agree in %s", ErrInvalidState, s.state)
	}
	s.key = key
	s.aead = aead
	s.state = StateKeyAgreed
	return nil
}

// Start moves a key-agreed session to streaming.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeyAgreed {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}
	s.state = StateStreaming
	return nil
}

// Send encrypts plaintext and writes it as one logical message. Concurrent
// calls queue. A write failure or cancellation aborts the rest of the
// message and returns an error wrapping ErrTransport; the session stays
// usable for the next message.
func (s *Session) Send(ctx context.Context, plaintext []byte) error {
	return s.send(ctx, protocol.KindData, plaintext)
}

// Authenticate sends the host's compressed public key as an AUTH message so
// the peripheral can select the matching paired secret.
func (s *Session) Authenticate(ctx context.Context, hostKey []byte) error {
	if len(hostKey) != crypto.CompressedPublicKeySize {
		return fmt.Errorf("%w: host key must be %d bytes", crypto.ErrInvalidKey, crypto.CompressedPublicKeySize)
	}
	return s.send(ctx, protocol.KindAuth, hostKey)
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.slot }

func (s *Session) send(ctx context.Context, kind protocol.Kind, plaintext []byte) error {
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("%w: waiting for send slot: %w", ErrTransport, err)
	}
	defer s.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	state, aead := s.state, s.aead
	if state == StateStreaming {
		s.abort = cancel
	}
	s.mu.Unlock()
	if state != StateStreaming {
		return fmt.Errorf("%w: %s", ErrNotStreaming, state)
	}
	defer func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
	}()

	frags := s.frag.Split(plaintext)
	total := uint32(len(frags))
	for i, frag := range frags {
		err := s.checkOpen()
		if err == nil {
			err = s.sendFragment(ctx, aead, kind, uint32(i), total, frag)
			if cerr := s.checkOpen(); err != nil && cerr != nil {
				err = cerr
			}
		}
		if err != nil {
			s.stats.messageDone(false)
			s.log.Warn("message aborted", "kind", kind.String(), "fragment", i, "total", total, "error", err)
			return err
		}
	}
	s.stats.messageDone(true)
	s.log.Debug("message sent", "kind", kind.String(), "packets", total, "bytes", len(plaintext))
	return nil
}

// checkOpen fails once Close has given up on the in-flight message.
func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("%w: %w", ErrTransport, ErrSessionClosed)
	}
	return nil
}

func (s *Session) sendFragment(ctx context.Context, aead *crypto.AEAD, kind protocol.Kind, seq, total uint32, frag []byte) error {
	iv, ct, tag, err := aead.SealDetached(frag, nil)
	if err != nil {
		return err
	}
	p := &protocol.Packet{
		Kind:       kind,
		Sequence:   seq,
		Total:      total,
		SlowMode:   s.slow,
		Ciphertext: ct,
	}
	copy(p.IV[:], iv)
	copy(p.Tag[:], tag)
	b, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if err := s.pacer.Write(ctx, b); err != nil {
		return fmt.Errorf("packet %d/%d: %w", seq+1, total, err)
	}
	return nil
}

// Close drains the in-flight message, then zeroes the key. If ctx ends
// first the in-flight message is aborted, the session is closed anyway and
// ctx's error is returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateStreaming:
		s.state = StateDraining
	}
	s.mu.Unlock()

	err := s.acquire(ctx)
	if err == nil {
		defer s.release()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.key)
	s.key = nil
	s.aead = nil
	s.state = StateClosed
	if s.abort != nil {
		s.abort()
	}
	return err
}
