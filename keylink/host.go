package keylink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/keystore"
	"github.com/TheusHen/keylink/keylink/logging"
	"github.com/TheusHen/keylink/keylink/payload"
	"github.com/TheusHen/keylink/keylink/protocol"
	"github.com/TheusHen/keylink/keylink/transport"
)

var (
	ErrAlreadyPaired = errors.New("keylink: device already paired")
	ErrNotPaired     = errors.New("keylink: device not paired")
	ErrNotConnected  = errors.New("keylink: device not connected")
	ErrHostClosed    = errors.New("keylink: host closed")
	ErrAuthRejected  = errors.New("keylink: peripheral rejected host authentication")
)

// Options configures a Host.
type Options struct {
	Transport transport.Options
	Logger    *slog.Logger
}

// PairOptions controls Pair.
type PairOptions struct {
	// Repair replaces existing key material for the device.
	Repair bool
}

// Host manages pairing and per-device transport sessions.
type Host struct {
	store *keystore.Store
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	closed  bool
	devices map[identity.DeviceID]*device
}

// device serializes every operation on one DeviceID.
type device struct {
	mu       sync.Mutex
	sess     *transport.Session
	pacer    *transport.Pacer
	lastText string
}

// pacerFor returns the pacer of the link last written for this device when
// link is that same link, so readiness owed by an abandoned write carries
// over. Links are compared by identity.
func (d *device) pacerFor(link transport.Link, m *transport.Metrics) *transport.Pacer {
	if d.pacer == nil || d.pacer.Link() != link {
		d.pacer = transport.NewPacer(link, m)
	}
	return d.pacer
}

// NewHost creates a host over store. The store is unlocked by the caller.
func NewHost(store *keystore.Store, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	return &Host{
		store:   store,
		opts:    opts,
		log:     opts.Logger.With("component", "host"),
		devices: map[identity.DeviceID]*device{},
	}
}

func (h *Host) device(id identity.DeviceID) (*device, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	d, ok := h.devices[id]
	if !ok {
		d = &device{}
		h.devices[id] = d
	}
	return d, nil
}

// Pair runs the key exchange with the peripheral whose compressed public key
// is peerKey. The new key material is persisted before the host's compressed
// key is written to link; Pair then waits for the link to accept it.
func (h *Host) Pair(ctx context.Context, sess *keystore.Session, id identity.DeviceID, peerKey []byte, link transport.Link, opts PairOptions) error {
	d, err := h.device(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !opts.Repair {
		complete, err := h.store.KeyMaterialComplete(sess, id)
		if err != nil {
			return err
		}
		if complete {
			return ErrAlreadyPaired
		}
	}

	peer, err := crypto.Decompress(peerKey)
	if err != nil {
		return err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Zero()
	secret, err := crypto.DeriveSharedSecret(kp.PrivateKey, peer)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)

	if err := h.store.PutKeyMaterial(sess, id, keystore.KeyMaterial{
		SelfPublicKey:  kp.PublicKey,
		SelfPrivateKey: kp.PrivateKey,
		PeerPublicKey:  peer,
		SharedSecret:   secret,
	}); err != nil {
		return err
	}

	// A live session still uses the replaced secret.
	if d.sess != nil {
		_ = d.sess.Close(ctx)
		d.sess = nil
	}

	local, err := crypto.Compress(kp.PublicKey)
	if err != nil {
		return err
	}
	if err := d.pacerFor(link, h.opts.Transport.Metrics).Write(ctx, local); err != nil {
		return fmt.Errorf("pairing key: %w", err)
	}

	h.log.Info("device paired", "device_id", string(id),
		"host", identity.FingerprintFromPublicKey(kp.PublicKey).String(),
		"peer", identity.FingerprintFromPublicKey(peer).String())
	return nil
}

// HostKey returns the compressed public key the host presented to id.
func (h *Host) HostKey(sess *keystore.Session, id identity.DeviceID) ([]byte, error) {
	km, err := h.store.KeyMaterial(sess, id)
	if err != nil {
		return nil, err
	}
	defer km.Zero()
	if !km.Complete() {
		return nil, ErrNotPaired
	}
	return crypto.Compress(km.SelfPublicKey)
}

// Connect starts a transport session for a paired device over link and
// authenticates the host to it. An existing session for id is closed first.
// When link implements transport.AuthReporter, Connect waits for the
// peripheral's verdict and returns ErrAuthRejected if it refused the host.
func (h *Host) Connect(ctx context.Context, sess *keystore.Session, id identity.DeviceID, link transport.Link) error {
	d, err := h.device(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	km, err := h.store.KeyMaterial(sess, id)
	if err != nil {
		return err
	}
	defer km.Zero()
	if !km.Complete() {
		return ErrNotPaired
	}
	hostKey, err := crypto.Compress(km.SelfPublicKey)
	if err != nil {
		return err
	}

	if d.sess != nil {
		_ = d.sess.Close(ctx)
		d.sess = nil
	}
	opts := h.opts.Transport
	opts.Pacer = d.pacerFor(link, opts.Metrics)
	ts, err := transport.NewSession(link, opts)
	if err != nil {
		return err
	}
	if err := ts.Agree(km.SharedSecret); err != nil {
		return err
	}
	if err := ts.Start(); err != nil {
		return err
	}

	reporter, _ := link.(transport.AuthReporter)
	if reporter != nil {
		drainAuthStatus(reporter)
	}
	if err := ts.Authenticate(ctx, hostKey); err != nil {
		_ = ts.Close(ctx)
		return err
	}
	if reporter != nil {
		if err := awaitAuthStatus(ctx, reporter); err != nil {
			_ = ts.Close(ctx)
			h.log.Warn("authentication failed", "device_id", string(id), "error", err)
			return err
		}
	}
	d.sess = ts
	d.lastText = ""
	h.log.Info("device connected", "device_id", string(id))
	return nil
}

// drainAuthStatus discards verdicts left over from earlier connections.
func drainAuthStatus(r transport.AuthReporter) {
	for {
		select {
		case <-r.AuthStatus():
		default:
			return
		}
	}
}

func awaitAuthStatus(ctx context.Context, r transport.AuthReporter) error {
	select {
	case st := <-r.AuthStatus():
		if st != protocol.AuthSuccess {
			return fmt.Errorf("%w: %s", ErrAuthRejected, st)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for authentication status: %w", transport.ErrTransport, ctx.Err())
	}
}

// Connected reports whether id has a streaming session.
func (h *Host) Connected(id identity.DeviceID) bool {
	h.mu.Lock()
	d, ok := h.devices[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess != nil && d.sess.State() == transport.StateStreaming
}

func (h *Host) connected(id identity.DeviceID) (*device, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	d, ok := h.devices[id]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrHostClosed
	}
	if !ok {
		return nil, ErrNotConnected
	}
	return d, nil
}

// Send writes plaintext to id as one message.
func (h *Host) Send(ctx context.Context, id identity.DeviceID, plaintext []byte) error {
	d, err := h.connected(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return ErrNotConnected
	}
	return d.sess.Send(ctx, plaintext)
}

// SendText sends the edit that turns the previously sent text into text.
func (h *Host) SendText(ctx context.Context, id identity.DeviceID, text string) error {
	d, err := h.connected(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return ErrNotConnected
	}
	if delta := payload.TextDelta(d.lastText, text); delta != nil {
		if err := d.sess.Send(ctx, delta); err != nil {
			return err
		}
	}
	d.lastText = text
	return nil
}

// SendKeycode sends one key press with modifier held.
func (h *Host) SendKeycode(ctx context.Context, id identity.DeviceID, mod payload.Modifier, key byte) error {
	return h.Send(ctx, id, payload.Keycode(mod, key))
}

// SendConsumer sends one media or system key press.
func (h *Host) SendConsumer(ctx context.Context, id identity.DeviceID, u payload.Usage) error {
	return h.Send(ctx, id, payload.Consumer(u))
}

// Rename asks the peripheral to advertise under name.
func (h *Host) Rename(ctx context.Context, id identity.DeviceID, name string) error {
	b, err := payload.Rename(name)
	if err != nil {
		return err
	}
	return h.Send(ctx, id, b)
}

// Disconnect drains and closes the session for id. The link itself stays
// with the caller.
func (h *Host) Disconnect(ctx context.Context, id identity.DeviceID) error {
	d, err := h.connected(id)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return nil
	}
	err = d.sess.Close(ctx)
	d.sess = nil
	h.log.Info("device disconnected", "device_id", string(id))
	return err
}

// Forget disconnects id and deletes its key material.
func (h *Host) Forget(ctx context.Context, sess *keystore.Session, id identity.DeviceID) error {
	if err := h.Disconnect(ctx, id); err != nil {
		return err
	}
	d, err := h.device(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return h.store.DeleteDevice(sess, id)
}

// Close disconnects every device. Further operations return ErrHostClosed.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	devices := make([]*device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()

	var errs []error
	for _, d := range devices {
		d.mu.Lock()
		if d.sess != nil {
			if err := d.sess.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			d.sess = nil
		}
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}
