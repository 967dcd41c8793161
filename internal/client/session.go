package client

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jonboulle/clockwork"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/crypto"
)

const DefaultSessionTTL = 24 * time.Hour

var (
	ErrSessionExpired = apperr.New(apperr.CodeSessionExpired, "session expired, unlock again")
	ErrSessionLocked  = apperr.New(apperr.CodeSessionExpired, "session is locked")
)

// Session holds the unwrapped private key and a derived session key for a
// bounded time. Both live in memguard enclaves and never sit in ordinary
// heap memory between uses.
type Session struct {
	api   *API
	clock clockwork.Clock
	ttl   time.Duration

	mu         sync.RWMutex
	private    *memguard.Enclave
	sessionKey *memguard.Enclave
	publicKey  *crypto.PublicKey
	keyVersion int
	issuedAt   time.Time
	expiresAt  time.Time
}

func NewSession(api *API, clock clockwork.Clock, ttl time.Duration) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Session{api: api, clock: clock, ttl: ttl}
}

// Unlock fetches the wrapped key pair and opens it with passphrase. A wrong
// passphrase fails with crypto.ErrWrongPassphrase and leaves the session
// locked.
func (s *Session) Unlock(ctx context.Context, passphrase string) error {
	kp, err := s.api.KeyPair(ctx)
	if err != nil {
		return err
	}
	priv, err := crypto.UnwrapPrivateKey(&kp.WrappedPrivateKey, passphrase)
	if err != nil {
		return err
	}
	pub, err := crypto.ParsePublicKey(kp.PublicKey)
	if err != nil {
		return err
	}
	if !pub.Equal(priv.Public()) {
		return apperr.New(apperr.CodeIntegrity, "stored public key does not match the private key")
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	issued := s.clock.Now()
	sessionKey, err := crypto.DeriveSessionKey(passphrase, nonce, issued)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = memguard.NewEnclave(priv.Bytes())
	s.sessionKey = memguard.NewEnclave(sessionKey)
	s.publicKey = pub
	s.keyVersion = kp.KeyVersion
	s.issuedAt = issued
	s.expiresAt = issued.Add(s.ttl)
	return nil
}

// Lock drops the enclaves. Anything sealed under the old session key is
// unreadable from here on.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = nil
	s.sessionKey = nil
	s.publicKey = nil
	s.expiresAt = time.Time{}
}

func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

func (s *Session) Unlocked() bool {
	return s.check() == nil
}

func (s *Session) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked()
}

func (s *Session) checkLocked() error {
	if s.private == nil {
		return ErrSessionLocked
	}
	if !s.clock.Now().Before(s.expiresAt) {
		return ErrSessionExpired
	}
	return nil
}

func (s *Session) PublicKey() (*crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	return s.publicKey, nil
}

// withPrivateKey runs fn with the private key opened from its enclave. The
// plaintext buffer is destroyed when fn returns.
func (s *Session) withPrivateKey(fn func(*crypto.PrivateKey) error) error {
	s.mu.RLock()
	if err := s.checkLocked(); err != nil {
		s.mu.RUnlock()
		return err
	}
	enclave := s.private
	s.mu.RUnlock()

	buf, err := enclave.Open()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "open private key", err)
	}
	defer buf.Destroy()
	priv, err := crypto.PrivateKeyFromBytes(buf.Bytes())
	if err != nil {
		return err
	}
	return fn(priv)
}

func (s *Session) withSessionKey(fn func(key []byte) error) error {
	s.mu.RLock()
	if err := s.checkLocked(); err != nil {
		s.mu.RUnlock()
		return err
	}
	enclave := s.sessionKey
	s.mu.RUnlock()

	buf, err := enclave.Open()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "open session key", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// seal encrypts b under the session key for storage in client caches.
func (s *Session) seal(b []byte) (*crypto.Box, error) {
	var box *crypto.Box
	err := s.withSessionKey(func(key []byte) error {
		var err error
		box, err = crypto.SealBox(b, key)
		return err
	})
	return box, err
}

func (s *Session) open(box *crypto.Box) ([]byte, error) {
	var out []byte
	err := s.withSessionKey(func(key []byte) error {
		var err error
		out, err = crypto.OpenBox(box, key)
		return err
	})
	return out, err
}
