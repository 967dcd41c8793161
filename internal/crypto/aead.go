package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/pliu/teamchat/internal/apperr"
)

const (
	KeySize = 32
	IVSize  = 12
	TagSize = 16
)

var (
	// ErrIntegrity means the authentication tag did not verify: the
	// ciphertext, IV or tag was altered, or the key is wrong.
	ErrIntegrity = apperr.New(apperr.CodeIntegrity, "ciphertext failed authentication")

	ErrInvalidKeyMaterial = apperr.New(apperr.CodeInvalidArgument, "invalid key material")
)

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyMaterial
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV.
func Encrypt(plaintext, key []byte) (*Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := gcm.Seal(nil, iv, plaintext, nil)
	split := len(out) - TagSize
	return &Sealed{Ciphertext: out[:split], IV: iv, Tag: out[split:]}, nil
}

// Decrypt opens a Sealed payload. A failed tag check returns ErrIntegrity and
// no plaintext.
func Decrypt(ciphertext, key, iv, tag []byte) ([]byte, error) {
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, ErrInvalidKeyMaterial
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// GenerateRoomKey returns a random AES-256 key.
func GenerateRoomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Box is the base64 wire form of a Sealed value: Ciphertext carries the
// ciphertext with the tag appended.
type Box struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

func SealBox(plaintext, key []byte) (*Box, error) {
	s, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return s.Box(), nil
}

func (s *Sealed) Box() *Box {
	joined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	joined = append(joined, s.Ciphertext...)
	joined = append(joined, s.Tag...)
	return &Box{
		Ciphertext: base64.StdEncoding.EncodeToString(joined),
		IV:         base64.StdEncoding.EncodeToString(s.IV),
	}
}

// Sealed decodes the box, checking the lengths Decrypt requires.
func (b *Box) Sealed() (*Sealed, error) {
	raw, err := base64.StdEncoding.DecodeString(b.Ciphertext)
	if err != nil || len(raw) < TagSize {
		return nil, ErrInvalidKeyMaterial
	}
	iv, err := base64.StdEncoding.DecodeString(b.IV)
	if err != nil || len(iv) != IVSize {
		return nil, ErrInvalidKeyMaterial
	}
	split := len(raw) - TagSize
	return &Sealed{Ciphertext: raw[:split], IV: iv, Tag: raw[split:]}, nil
}

// Validate checks the shape of a box without any key.
func (b *Box) Validate() error {
	_, err := b.Sealed()
	return err
}

func OpenBox(b *Box, key []byte) ([]byte, error) {
	s, err := b.Sealed()
	if err != nil {
		return nil, err
	}
	return Decrypt(s.Ciphertext, key, s.IV, s.Tag)
}
