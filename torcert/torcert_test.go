package torcert

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestMintRsaIdentityRoundTrip(t *testing.T) {
	_, id, err := MintRsaIdentity()
	if err != nil {
		t.Fatalf("MintRsaIdentity: %v", err)
	}
	reparsed, err := ParseRsaIdentity(id.DER)
	if err != nil {
		t.Fatalf("ParseRsaIdentity: %v", err)
	}
	if reparsed.IdentityHash() != id.IdentityHash() {
		t.Fatal("identity hash mismatch after round trip")
	}
}

func TestEd25519CertSignAndVerify(t *testing.T) {
	signerPub, signerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	var certifiedKey [32]byte
	copy(certifiedKey[:], []byte("0123456789abcdef0123456789abcde"))

	body, err := MintCert(CertTypeIdentitySigning, certifiedKey, KeyTypeEd25519, signerPriv, signerPub, true, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("MintCert: %v", err)
	}

	parsed, err := ParseCert(body)
	if err != nil {
		t.Fatalf("ParseCert: %v", err)
	}
	if parsed.CertifiedKey != certifiedKey {
		t.Fatal("certified key mismatch")
	}
	if !parsed.HasSigningKey || parsed.SigningKey != [32]byte(signerPub) {
		t.Fatal("expected embedded signing key extension")
	}
	if err := parsed.Verify(nil); err != nil {
		t.Fatalf("Verify with embedded key: %v", err)
	}
	if err := parsed.Verify(signerPub); err != nil {
		t.Fatalf("Verify with explicit key: %v", err)
	}
}

func TestEd25519CertRejectsExpired(t *testing.T) {
	signerPub, signerPriv, _ := ed25519.GenerateKey(nil)
	var certifiedKey [32]byte
	body, err := MintCert(CertTypeSigningTLS, certifiedKey, KeyTypeSHA256X509, signerPriv, signerPub, false, -time.Hour)
	if err != nil {
		t.Fatalf("MintCert: %v", err)
	}
	parsed, err := ParseCert(body)
	if err != nil {
		t.Fatalf("ParseCert: %v", err)
	}
	if err := parsed.Verify(signerPub); err == nil {
		t.Fatal("expected expired cert to be rejected")
	}
}

func TestEd25519CertRejectsTamperedSignature(t *testing.T) {
	signerPub, signerPriv, _ := ed25519.GenerateKey(nil)
	var certifiedKey [32]byte
	body, err := MintCert(CertTypeSigningAuth, certifiedKey, KeyTypeEd25519, signerPriv, signerPub, false, time.Hour)
	if err != nil {
		t.Fatalf("MintCert: %v", err)
	}
	body[len(body)-1] ^= 0xFF
	parsed, err := ParseCert(body)
	if err != nil {
		t.Fatalf("ParseCert: %v", err)
	}
	if err := parsed.Verify(signerPub); err == nil {
		t.Fatal("expected tampered signature to be rejected")
	}
}

func TestCrossCertRoundTrip(t *testing.T) {
	rsaKey, rsaID, err := MintRsaIdentity()
	if err != nil {
		t.Fatalf("MintRsaIdentity: %v", err)
	}
	var ed25519Key [32]byte
	copy(ed25519Key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))

	body, err := MintCrossCert(ed25519Key, rsaKey, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("MintCrossCert: %v", err)
	}
	cc, err := ParseCrossCert(body)
	if err != nil {
		t.Fatalf("ParseCrossCert: %v", err)
	}
	if cc.Ed25519Key != ed25519Key {
		t.Fatal("ed25519 key mismatch")
	}
	if err := cc.Verify(&rsaKey.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	_ = rsaID
}

func TestCrossCertRejectsWrongKey(t *testing.T) {
	rsaKey, _, err := MintRsaIdentity()
	if err != nil {
		t.Fatalf("MintRsaIdentity: %v", err)
	}
	otherKey, _, err := MintRsaIdentity()
	if err != nil {
		t.Fatalf("MintRsaIdentity: %v", err)
	}
	var ed25519Key [32]byte
	body, err := MintCrossCert(ed25519Key, rsaKey, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("MintCrossCert: %v", err)
	}
	cc, err := ParseCrossCert(body)
	if err != nil {
		t.Fatalf("ParseCrossCert: %v", err)
	}
	if err := cc.Verify(&otherKey.PublicKey); err == nil {
		t.Fatal("expected verification against the wrong key to fail")
	}
}
