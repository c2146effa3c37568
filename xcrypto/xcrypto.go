// Package xcrypto collects the cryptographic primitives the circuit
// protocol engine is built from: digests, the AES-128-CTR cell cipher,
// Curve25519 scalar multiplication, canonical Ed25519 point decoding,
// RSA-PKCS#1 signature verification, and constant-time
// comparison. Nothing here manages protocol state; it is pure functions
// over byte slices.
package xcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// SHA1 returns a fresh running SHA-1 digest, optionally seeded with key
// material. HopKeys digests are seeded this way and then updated with every
// relay cell in their direction for the life of the circuit.
func SHA1(seed []byte) hash.Hash {
	h := sha1.New()
	if len(seed) > 0 {
		h.Write(seed)
	}
	return h
}

// SHA1Sum hashes data in one shot.
func SHA1Sum(data ...[]byte) [sha1.Size]byte {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA256Sum hashes data in one shot.
func SHA256Sum(data ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of their contents (but not their lengths).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NewAES128CTR builds an AES-128-CTR keystream with the all-zero 16-byte IV
// the Tor cell cipher always uses; stream state persists across calls to
// XORKeyStream for the life of the hop.
func NewAES128CTR(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-128-ctr: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, zeroIV), nil
}

// ClampX25519Scalar applies the RFC 7748 clamping rules in place: bit 254 is
// set, the three low bits are cleared, and bit 255 is cleared.
func ClampX25519Scalar(scalar *[32]byte) {
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
}

// X25519Base computes the Curve25519 public key for a clamped private
// scalar.
func X25519Base(scalar [32]byte) ([32]byte, error) {
	ClampX25519Scalar(&scalar)
	out, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519 base: %w", err)
	}
	var pub [32]byte
	copy(pub[:], out)
	return pub, nil
}

// X25519 computes scalar*point for a clamped scalar and an arbitrary
// Curve25519 point (typically a peer's public key), and rejects the
// all-zeros result that signals a degenerate/low-order input point.
func X25519(scalar, point [32]byte) ([32]byte, error) {
	ClampX25519Scalar(&scalar)
	out, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519: %w", err)
	}
	var result [32]byte
	copy(result[:], out)
	if isAllZero(result[:]) {
		return [32]byte{}, fmt.Errorf("x25519: shared secret is the all-zeros point")
	}
	return result, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// DecodeEd25519Point validates that b is the canonical little-endian
// encoding of a point on the Ed25519 curve, rejecting non-canonical
// encodings that crypto/ed25519's bare Verify does not always catch. The
// certificate parsers in torcert do not call it.
func DecodeEd25519Point(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("ed25519 point: want 32 bytes, got %d", len(b))
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return fmt.Errorf("ed25519 point: %w", err)
	}
	if !ConstantTimeEqual(p.Bytes(), b) {
		return fmt.Errorf("ed25519 point: non-canonical encoding")
	}
	return nil
}

// VerifyRSAPKCS1SHA256 checks an RSA-PKCS#1v1.5 signature over the SHA-256
// digest of msg.
func VerifyRSAPKCS1SHA256(pub *rsa.PublicKey, msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("rsa-pkcs1-sha256 verify: %w", err)
	}
	return nil
}
