package keystore

// Session is proof that the store was unlocked. It holds no key material;
// the key stays inside the Store and a Session only names the unlock epoch
// it belongs to. Lock ends the epoch, invalidating every Session issued in it.
type Session struct {
	store  *Store
	epoch  uint64
	method string
}

// Method reports how the session was unlocked ("passphrase" or "authenticator").
func (s *Session) Method() string {
	if s == nil {
		return ""
	}
	return s.method
}

// Valid reports whether the session can still be used.
func (s *Session) Valid() bool {
	if s == nil || s.store == nil {
		return false
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.store.aead != nil && s.store.epoch == s.epoch
}
