package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/pliu/teamchat/internal/apperr"
)

// RFC 3526 group 14: 2048-bit MODP prime, generator 2.
const modp2048Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

const (
	// PublicKeySize is the encoded length of a public key and of the raw
	// DH output.
	PublicKeySize = 256
	// PrivateKeySize is the encoded length of a private exponent.
	PrivateKeySize = 32
)

var (
	groupP         = mustHex(modp2048Hex)
	groupG         = big.NewInt(2)
	groupPMinusOne = new(big.Int).Sub(groupP, big.NewInt(1))
	one            = big.NewInt(1)

	ErrInvalidPublicKey  = apperr.New(apperr.CodeInvalidArgument, "invalid public key")
	ErrInvalidPrivateKey = apperr.New(apperr.CodeInvalidArgument, "invalid private key")
)

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(strings.ToLower(s), 16)
	if !ok {
		panic("crypto: bad group prime")
	}
	return n
}

type PublicKey struct {
	y *big.Int
}

type PrivateKey struct {
	x   *big.Int
	pub *PublicKey
}

type KeyPair struct {
	Public  *PublicKey
	Private *PrivateKey
}

// GenerateKeyPair draws a fresh 256-bit private exponent.
func GenerateKeyPair() (*KeyPair, error) {
	limit := new(big.Int).Lsh(one, PrivateKeySize*8)
	for {
		x, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		if x.Cmp(one) <= 0 {
			continue
		}
		priv := newPrivateKey(x)
		return &KeyPair{Public: priv.pub, Private: priv}, nil
	}
}

func newPrivateKey(x *big.Int) *PrivateKey {
	y := new(big.Int).Exp(groupG, x, groupP)
	return &PrivateKey{x: x, pub: &PublicKey{y: y}}
}

func (k *PrivateKey) Public() *PublicKey { return k.pub }

// Bytes returns the big-endian exponent padded to PrivateKeySize.
func (k *PrivateKey) Bytes() []byte {
	return k.x.FillBytes(make([]byte, PrivateKeySize))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	x := new(big.Int).SetBytes(b)
	if x.Cmp(one) <= 0 {
		return nil, ErrInvalidPrivateKey
	}
	return newPrivateKey(x), nil
}

// Bytes returns the big-endian public value padded to PublicKeySize.
func (k *PublicKey) Bytes() []byte {
	return k.y.FillBytes(make([]byte, PublicKeySize))
}

func (k *PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k.Bytes())
}

func (k *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && k.y.Cmp(other.y) == 0
}

func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	y := new(big.Int).SetBytes(b)
	if !validPublic(y) {
		return nil, ErrInvalidPublicKey
	}
	return &PublicKey{y: y}, nil
}

// ParsePublicKey decodes the base64 form produced by PublicKey.String.
func ParsePublicKey(s string) (*PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return PublicKeyFromBytes(b)
}

// validPublic rejects the degenerate values 0, 1 and p-1 and anything
// outside the group.
func validPublic(y *big.Int) bool {
	return y.Cmp(one) > 0 && y.Cmp(groupPMinusOne) < 0
}

// DeriveSharedSecret returns SHA-256 of the padded DH output. It is
// symmetric: DeriveSharedSecret(a.priv, b.pub) == DeriveSharedSecret(b.priv, a.pub).
func DeriveSharedSecret(priv *PrivateKey, peer *PublicKey) ([]byte, error) {
	if priv == nil || priv.x == nil {
		return nil, ErrInvalidPrivateKey
	}
	if peer == nil || peer.y == nil || !validPublic(peer.y) {
		return nil, ErrInvalidPublicKey
	}
	z := new(big.Int).Exp(peer.y, priv.x, groupP)
	sum := sha256.Sum256(z.FillBytes(make([]byte, PublicKeySize)))
	return sum[:], nil
}
