package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNonceOverflow is returned when the nonce-derived scalar falls outside the
// usable range of the curve's scalar field.
var ErrNonceOverflow = errors.New("crypto: nonce scalar out of field range")

// StealthDerivation is the result of deriving a one-time receiving address for
// a merchant. The same (keys, nonce) inputs always produce the same output.
type StealthDerivation struct {
	Nonce          uint64
	StealthPub     *PublicKey
	StealthAddress common.Address
}

// sharedScalar computes the tweak added to the spending key:
// keccak256(viewingPriv || compress(spendingPub) || nonce) reduced mod N.
// Only the viewing key holder (and the merchant, who also has it) can compute
// it, which is what keeps derived addresses unlinkable to outsiders.
func sharedScalar(material MerchantKeyMaterial, nonce uint64) (*big.Int, error) {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	digest := crypto.Keccak256(
		material.ViewingKey.Bytes(),
		material.SpendingPub.Compressed(),
		nonceBytes[:],
	)
	n := crypto.S256().Params().N
	scalar := new(big.Int).Mod(new(big.Int).SetBytes(digest), n)
	if scalar.Sign() == 0 {
		return nil, fmt.Errorf("%w: derived scalar is zero for nonce %d", ErrNonceOverflow, nonce)
	}
	return scalar, nil
}

// Derive computes the stealth public key and address for the merchant's key
// material and nonce: stealthPub = spendingPub + h*G. The server holds only
// the viewing private key, so it can compute the address and watch for funds
// but cannot produce the stealth private key.
func Derive(material MerchantKeyMaterial, nonce uint64) (StealthDerivation, error) {
	if err := material.Validate(); err != nil {
		return StealthDerivation{}, err
	}
	scalar, err := sharedScalar(material, nonce)
	if err != nil {
		return StealthDerivation{}, err
	}
	curve := crypto.S256()
	tweakX, tweakY := curve.ScalarBaseMult(math.PaddedBigBytes(scalar, 32))
	px, py := curve.Add(material.SpendingPub.X, material.SpendingPub.Y, tweakX, tweakY)
	if px == nil || px.Sign() == 0 && py.Sign() == 0 {
		return StealthDerivation{}, fmt.Errorf("%w: degenerate stealth point for nonce %d", ErrNonceOverflow, nonce)
	}
	stealthPub := &PublicKey{&ecdsa.PublicKey{Curve: curve, X: px, Y: py}}
	return StealthDerivation{
		Nonce:          nonce,
		StealthPub:     stealthPub,
		StealthAddress: stealthPub.Address(),
	}, nil
}

// RecoverStealthKey reconstructs the stealth private key from the merchant's
// spending private key: stealthPriv = (spendingPriv + h) mod N. This runs on
// the merchant side only; the server never has the inputs for it.
func RecoverStealthKey(spendingPriv, viewingPriv *PrivateKey, nonce uint64) (*PrivateKey, error) {
	if spendingPriv == nil || spendingPriv.PrivateKey == nil {
		return nil, fmt.Errorf("%w: spending private key required", ErrInvalidKeyMaterial)
	}
	if viewingPriv == nil || viewingPriv.PrivateKey == nil {
		return nil, fmt.Errorf("%w: viewing private key required", ErrInvalidKeyMaterial)
	}
	material := MerchantKeyMaterial{ViewingKey: viewingPriv, SpendingPub: spendingPriv.PubKey()}
	scalar, err := sharedScalar(material, nonce)
	if err != nil {
		return nil, err
	}
	n := crypto.S256().Params().N
	sum := new(big.Int).Add(spendingPriv.D, scalar)
	sum.Mod(sum, n)
	if sum.Sign() == 0 {
		return nil, fmt.Errorf("%w: stealth key collapsed to zero", ErrNonceOverflow)
	}
	return PrivateKeyFromBytes(math.PaddedBigBytes(sum, 32))
}
