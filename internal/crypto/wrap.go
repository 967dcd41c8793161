package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pliu/teamchat/internal/apperr"
)

const (
	DefaultIterations = 210_000
	MinIterations     = 100_000
	MaxIterations     = 10_000_000
	SaltSize          = 16
)

var ErrWrongPassphrase = apperr.New(apperr.CodeUnauthenticated, "wrong passphrase")

// WrappedKey is a private key sealed under a PBKDF2-derived key. All byte
// fields are base64; Ciphertext includes the GCM tag.
type WrappedKey struct {
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Iterations int    `json:"iterations"`
}

func (w *WrappedKey) Validate() error {
	if err := checkIterations(w.Iterations); err != nil {
		return err
	}
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil || len(salt) < SaltSize {
		return ErrInvalidKeyMaterial
	}
	return (&Box{Ciphertext: w.Ciphertext, IV: w.IV}).Validate()
}

// checkIterations bounds the PBKDF2 cost on both sides.
func checkIterations(n int) error {
	switch {
	case n < MinIterations:
		return apperr.InvalidArg("key derivation iterations below minimum")
	case n > MaxIterations:
		return apperr.InvalidArg("key derivation iterations above maximum")
	}
	return nil
}

func passwordKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

func WrapPrivateKey(priv *PrivateKey, password string) (*WrappedKey, error) {
	return WrapPrivateKeyIterations(priv, password, DefaultIterations)
}

func WrapPrivateKeyIterations(priv *PrivateKey, password string, iterations int) (*WrappedKey, error) {
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	if err := checkIterations(iterations); err != nil {
		return nil, err
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	box, err := SealBox(priv.Bytes(), passwordKey(password, salt, iterations))
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Ciphertext: box.Ciphertext,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         box.IV,
		Iterations: iterations,
	}, nil
}

// UnwrapPrivateKey fails with ErrWrongPassphrase when the tag does not
// verify under the password-derived key.
func UnwrapPrivateKey(w *WrappedKey, password string) (*PrivateKey, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	salt, _ := base64.StdEncoding.DecodeString(w.Salt)
	raw, err := OpenBox(&Box{Ciphertext: w.Ciphertext, IV: w.IV}, passwordKey(password, salt, w.Iterations))
	if errors.Is(err, ErrIntegrity) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromBytes(raw)
}

// WrapRoomKey seals a room key for one member under
// DeriveSharedSecret(wrapper.priv, member.pub).
func WrapRoomKey(roomKey []byte, wrapper *PrivateKey, member *PublicKey) (*Box, error) {
	if len(roomKey) != KeySize {
		return nil, ErrInvalidKeyMaterial
	}
	secret, err := DeriveSharedSecret(wrapper, member)
	if err != nil {
		return nil, err
	}
	return SealBox(roomKey, secret)
}

// UnwrapRoomKey is the member side of WrapRoomKey.
func UnwrapRoomKey(box *Box, member *PrivateKey, wrapper *PublicKey) ([]byte, error) {
	secret, err := DeriveSharedSecret(member, wrapper)
	if err != nil {
		return nil, err
	}
	key, err := OpenBox(box, secret)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeyMaterial
	}
	return key, nil
}

// DeriveSessionKey expands the passphrase with a per-session nonce and the
// issue time into a client-local session key.
func DeriveSessionKey(passphrase string, nonce []byte, issuedAt time.Time) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, ErrInvalidKeyMaterial
	}
	info := []byte("teamchat session " + strconv.FormatInt(issuedAt.UnixNano(), 10))
	r := hkdf.New(sha256.New, []byte(passphrase), nonce, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
