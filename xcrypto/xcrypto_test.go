package xcrypto

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestX25519BaseMatchesRawScalarMult(t *testing.T) {
	var scalar [32]byte
	rand.Read(scalar[:])

	pub, err := X25519Base(scalar)
	if err != nil {
		t.Fatalf("X25519Base: %v", err)
	}

	clamped := scalar
	ClampX25519Scalar(&clamped)
	want, err := curve25519.X25519(clamped[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("reference X25519: %v", err)
	}
	if !bytes.Equal(pub[:], want) {
		t.Fatal("X25519Base diverges from raw curve25519.X25519")
	}
}

func TestX25519RejectsAllZeroResult(t *testing.T) {
	var scalar [32]byte
	scalar[0] = 1
	var zeroPoint [32]byte
	if _, err := X25519(scalar, zeroPoint); err == nil {
		t.Fatal("expected error for all-zero shared secret")
	}
}

func TestClampX25519Scalar(t *testing.T) {
	s := [32]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	ClampX25519Scalar(&s)
	if s[0]&0x07 != 0 {
		t.Fatal("low 3 bits of byte 0 must be cleared")
	}
	if s[31]&0x80 != 0 {
		t.Fatal("bit 255 must be cleared")
	}
	if s[31]&0x40 == 0 {
		t.Fatal("bit 254 must be set")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("abcdef")
	b := []byte("abcdef")
	c := []byte("abcdeg")
	if !ConstantTimeEqual(a, b) {
		t.Fatal("expected equal")
	}
	if ConstantTimeEqual(a, c) {
		t.Fatal("expected unequal")
	}
	if ConstantTimeEqual(a, []byte("short")) {
		t.Fatal("expected unequal lengths to compare unequal")
	}
}

func TestDecodeEd25519PointRejectsGarbage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xFF}, 32)
	if err := DecodeEd25519Point(garbage); err == nil {
		t.Fatal("expected all-0xFF bytes to be rejected as a non-canonical point")
	}
}

func TestDecodeEd25519PointAcceptsBasepoint(t *testing.T) {
	// The Ed25519 base point's standard compressed encoding.
	basepoint := []byte{
		0x58, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
	}
	if err := DecodeEd25519Point(basepoint); err != nil {
		t.Fatalf("expected basepoint to decode cleanly: %v", err)
	}
}

func TestVerifyRSAPKCS1SHA256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("hello tor")
	digest := SHA256Sum(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyRSAPKCS1SHA256(&key.PublicKey, msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyRSAPKCS1SHA256(&key.PublicKey, []byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure on tampered message")
	}
}
