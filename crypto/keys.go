package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MerchantPrefix is the human-readable part of a merchant handle.
const MerchantPrefix = "spm"

// ErrInvalidKeyMaterial is returned when key bytes are malformed, the wrong
// length, or do not describe a point on the curve.
var ErrInvalidKeyMaterial = errors.New("crypto: invalid key material")

// Handle is the bech32-encoded merchant identifier. It is derived from the
// merchant's spending public key, so a merchant cannot claim a handle without
// presenting the matching key.
type Handle struct {
	bytes []byte
}

// NewHandle wraps a 20-byte address payload.
func NewHandle(b []byte) (Handle, error) {
	if len(b) != 20 {
		return Handle{}, fmt.Errorf("%w: handle payload must be 20 bytes", ErrInvalidKeyMaterial)
	}
	out := make([]byte, 20)
	copy(out, b)
	return Handle{bytes: out}, nil
}

// HandleFromSpendingKey derives the canonical merchant handle for a spending
// public key.
func HandleFromSpendingKey(pub *PublicKey) (Handle, error) {
	if pub == nil || pub.PublicKey == nil {
		return Handle{}, fmt.Errorf("%w: spending key required", ErrInvalidKeyMaterial)
	}
	return NewHandle(crypto.PubkeyToAddress(*pub.PublicKey).Bytes())
}

func (h Handle) String() string {
	conv, err := bech32.ConvertBits(h.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(MerchantPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (h Handle) Bytes() []byte {
	return h.bytes
}

// DecodeHandle parses a bech32 merchant handle and rejects foreign prefixes.
func DecodeHandle(raw string) (Handle, error) {
	prefix, decoded, err := bech32.Decode(raw)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != MerchantPrefix {
		return Handle{}, fmt.Errorf("unexpected handle prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Handle{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewHandle(conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the EVM address controlled by the public key.
func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

// Compressed returns the 33-byte SEC1 compressed encoding.
func (k *PublicKey) Compressed() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return &PrivateKey{key}, nil
}

// PublicKeyFromBytes accepts compressed (33-byte) or uncompressed (65-byte)
// SEC1 encodings.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	switch len(b) {
	case 33:
		key, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return &PublicKey{key}, nil
	case 65:
		key, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return &PublicKey{key}, nil
	default:
		return nil, fmt.Errorf("%w: public key must be 33 or 65 bytes, got %d", ErrInvalidKeyMaterial, len(b))
	}
}

// MerchantKeyMaterial is the server-side view of a merchant's keys: the
// viewing private key plus the spending public key. The spending private key
// never leaves the merchant.
type MerchantKeyMaterial struct {
	ViewingKey  *PrivateKey
	SpendingPub *PublicKey
}

// Validate checks both halves are present and on-curve.
func (m MerchantKeyMaterial) Validate() error {
	if m.ViewingKey == nil || m.ViewingKey.PrivateKey == nil || m.ViewingKey.D == nil || m.ViewingKey.D.Sign() == 0 {
		return fmt.Errorf("%w: viewing key required", ErrInvalidKeyMaterial)
	}
	if m.SpendingPub == nil || m.SpendingPub.PublicKey == nil || m.SpendingPub.X == nil || m.SpendingPub.Y == nil {
		return fmt.Errorf("%w: spending public key required", ErrInvalidKeyMaterial)
	}
	if !crypto.S256().IsOnCurve(m.SpendingPub.X, m.SpendingPub.Y) {
		return fmt.Errorf("%w: spending public key not on curve", ErrInvalidKeyMaterial)
	}
	return nil
}
