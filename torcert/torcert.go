// Package torcert implements the certificate model the link handshake
// relies on: the RSA self-signed identity certificate, the Ed25519 "tor
// cert" format (shared by signing, link, and authenticate-key certificates),
// and the RSA→Ed25519 cross-certificate that binds an Ed25519 identity to an
// RSA one.
package torcert

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/orpath/torcircuit/torerr"
	"github.com/orpath/torcircuit/xcrypto"
)

const cryptoSHA256 = crypto.SHA256

func pkixNameFor(cn string) pkix.Name {
	return pkix.Name{CommonName: cn}
}

// CERTS-cell entry types (cert-spec.txt section A.1). RsaIdentity and
// Ed25519Identity carry raw X.509 DER / cross-certificate bytes rather
// than the Ed25519 tor-cert format; the other three share that format and
// reuse the same type tag as their internal CertType field.
const (
	CertTypeRsaIdentity      uint8 = 2 // RSA1024 self-signed identity (X.509 DER)
	CertTypeIdentitySigning  uint8 = 4 // identity key signs signing key
	CertTypeSigningTLS       uint8 = 5 // signing key signs link (TLS) cert hash
	CertTypeSigningAuth      uint8 = 6 // signing key signs authenticate key
	CertTypeEd25519Identity  uint8 = 7 // RSA identity cross-signs ed25519 identity
	certExtSignedWithEd25519 uint8 = 4
)

// CertifiedKeyType values for the KeyType byte inside a tor cert.
const (
	KeyTypeEd25519 uint8 = 1
	KeyTypeSHA256X509 uint8 = 3
)

const crossCertMagic = "Tor TLS RSA/Ed25519 cross-certificate"

// RsaIdentity is the relay/client's long-term self-signed RSA identity
// certificate, carried as X.509 DER.
type RsaIdentity struct {
	DER []byte
	Cert *x509.Certificate
}

// ParseRsaIdentity parses and validates an X.509 RSA identity certificate:
// it must be self-signed and carry a 1024-bit RSA public key.
func ParseRsaIdentity(der []byte) (*RsaIdentity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "rsa identity: parse x509")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, torerr.New(torerr.KindInvalidCerts, "rsa identity: public key is not RSA")
	}
	if pub.N.BitLen() != 1024 {
		return nil, torerr.New(torerr.KindInvalidCerts, "rsa identity: key is %d bits, want 1024", pub.N.BitLen())
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "rsa identity: not self-signed")
	}
	if time.Now().After(cert.NotAfter) {
		return nil, torerr.New(torerr.KindInvalidCerts, "rsa identity: expired at %v", cert.NotAfter)
	}
	return &RsaIdentity{DER: der, Cert: cert}, nil
}

// IdentityHash returns the 20-byte SHA-1 router identity digest, the hash
// Tor calls node_id.
func (r *RsaIdentity) IdentityHash() [20]byte {
	return xcrypto.SHA1Sum(r.DER)
}

// MintRsaIdentity generates a fresh 1024-bit RSA key and a self-signed X.509
// certificate over it, matching the shape relays and clients mint for
// themselves: a random 20-byte serial with the top bit cleared and low bit
// set, CN "www.randomizeme.test", and a ~1000 day validity window.
func MintRsaIdentity() (*rsa.PrivateKey, *RsaIdentity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, nil, fmt.Errorf("torcert: generate rsa identity key: %w", err)
	}
	serial := make([]byte, 20)
	if _, err := rand.Read(serial); err != nil {
		return nil, nil, fmt.Errorf("torcert: generate serial: %w", err)
	}
	serial[0] &= 0x7f
	serial[19] |= 0x01

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(serial),
		Subject:      pkixNameFor("www.randomizeme.test"),
		NotBefore:    now,
		NotAfter:     now.Add(1000 * 24 * time.Hour),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("torcert: self-sign rsa identity: %w", err)
	}
	id, err := ParseRsaIdentity(der)
	if err != nil {
		return nil, nil, fmt.Errorf("torcert: parse freshly minted identity: %w", err)
	}
	return key, id, nil
}

// Cert is a parsed Ed25519 "tor cert" (cert-spec.txt section 2.1): a
// version/type/expiration header, a 32-byte certified key, an optional
// signing-key extension, and a trailing Ed25519 signature over everything
// that precedes it.
type Cert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // populated from extension type 4, if present
	HasSigningKey bool
	Signature     [64]byte
	Raw           []byte
}

// Expiration returns the wall-clock time this cert stops being valid.
func (c *Cert) Expiration() time.Time {
	return time.Unix(int64(c.ExpirationHrs)*3600, 0)
}

// ParseCert parses the Ed25519 tor-cert wire format.
func ParseCert(data []byte) (*Cert, error) {
	const headerLen = 39
	const sigLen = 64
	if len(data) < headerLen+sigLen {
		return nil, torerr.New(torerr.KindInvalidCerts, "tor cert too short: %d bytes", len(data))
	}

	c := &Cert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(c.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-sigLen {
			return nil, torerr.New(torerr.KindInvalidCerts, "tor cert: extension %d overflows", i)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-sigLen {
			return nil, torerr.New(torerr.KindInvalidCerts, "tor cert: extension %d data overflows", i)
		}
		extData := data[pos : pos+extLen]
		switch {
		case extType == certExtSignedWithEd25519 && len(extData) == 32:
			copy(c.SigningKey[:], extData)
			c.HasSigningKey = true
		case extFlags&0x01 != 0:
			return nil, torerr.New(torerr.KindInvalidCerts, "tor cert: unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(c.Signature[:], data[len(data)-sigLen:])
	return c, nil
}

// Verify checks the cert's expiration and its Ed25519 signature against
// signingKey. If signingKey is nil, the embedded signing-key extension is
// used instead (the cert must then self-declare who signed it).
func (c *Cert) Verify(signingKey []byte) error {
	if time.Now().After(c.Expiration()) {
		return torerr.New(torerr.KindInvalidCerts, "tor cert type %d expired at %v", c.CertType, c.Expiration())
	}
	var pub ed25519.PublicKey
	if signingKey != nil {
		pub = ed25519.PublicKey(signingKey)
	} else if c.HasSigningKey {
		pub = ed25519.PublicKey(c.SigningKey[:])
	} else {
		return torerr.New(torerr.KindInvalidCerts, "tor cert type %d: no signing key extension and none supplied", c.CertType)
	}
	signed := c.Raw[:len(c.Raw)-64]
	if !ed25519.Verify(pub, signed, c.Signature[:]) {
		return torerr.New(torerr.KindInvalidCerts, "tor cert type %d: ed25519 signature verification failed", c.CertType)
	}
	return nil
}

// MintCert signs a fresh Ed25519 tor cert of certType, certifying
// certifiedKey, with signerPriv, expiring after validFor. When
// embedSigningKey is true the signer's public key is embedded as a type-4
// extension, which the link protocol needs for the identity→signing cert
// since the verifier has no other way to learn the signing key.
func MintCert(certType uint8, certifiedKey [32]byte, keyType uint8, signerPriv ed25519.PrivateKey, signerPub ed25519.PublicKey, embedSigningKey bool, validFor time.Duration) ([]byte, error) {
	expHrs := uint32(time.Now().Add(validFor).Unix() / 3600)

	body := make([]byte, 0, 40+36+64)
	body = append(body, 1) // version
	body = append(body, certType)
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expHrs)
	body = append(body, expBuf[:]...)
	body = append(body, keyType)
	body = append(body, certifiedKey[:]...)

	if embedSigningKey {
		body = append(body, 1) // n_extensions
		var extLen [2]byte
		binary.BigEndian.PutUint16(extLen[:], 32)
		body = append(body, extLen[:]...)
		body = append(body, certExtSignedWithEd25519, 0) // type, flags
		body = append(body, signerPub...)
	} else {
		body = append(body, 0)
	}

	sig := ed25519.Sign(signerPriv, body)
	body = append(body, sig...)
	return body, nil
}

// CrossCert is the RSA→Ed25519 cross-certificate: an RSA signature, minted
// by the RSA identity key, over an Ed25519 public key and an expiration,
// binding the two identities together (cert-spec.txt's "RSA/Ed25519
// cross-certificate").
type CrossCert struct {
	Ed25519Key     [32]byte
	ExpirationDays uint32
	Signature      []byte
	Raw            []byte
}

// ParseCrossCert parses the RSA/Ed25519 cross-certificate body:
// ed25519_key[32] || expiration_days:u32 || sig_len:u8 || signature[sig_len].
func ParseCrossCert(data []byte) (*CrossCert, error) {
	if len(data) < 32+4+1 {
		return nil, torerr.New(torerr.KindInvalidCerts, "cross-cert too short: %d bytes", len(data))
	}
	cc := &CrossCert{Raw: data}
	copy(cc.Ed25519Key[:], data[0:32])
	cc.ExpirationDays = binary.BigEndian.Uint32(data[32:36])
	sigLen := int(data[36])
	if len(data) != 37+sigLen {
		return nil, torerr.New(torerr.KindInvalidCerts, "cross-cert: declared sig_len %d does not match body length", sigLen)
	}
	cc.Signature = data[37:]
	return cc, nil
}

func crossCertDigest(ed25519Key [32]byte, expirationDays uint32) [32]byte {
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expirationDays)
	return xcrypto.SHA256Sum([]byte(crossCertMagic), ed25519Key[:], expBuf[:])
}

// Verify checks the cross-certificate's RSA signature against identityPub.
// MintCrossCert signs the digest itself via rsa.SignPKCS1v15 (which treats
// its msg argument as an already-computed hash and does not hash it again),
// so verification must use rsa.VerifyPKCS1v15 directly rather than
// xcrypto.VerifyRSAPKCS1SHA256, which hashes msg before checking.
func (cc *CrossCert) Verify(identityPub *rsa.PublicKey) error {
	digest := crossCertDigest(cc.Ed25519Key, cc.ExpirationDays)
	if err := rsa.VerifyPKCS1v15(identityPub, cryptoSHA256, digest[:], cc.Signature); err != nil {
		return torerr.Wrap(torerr.KindInvalidCerts, err, "cross-cert: rsa signature verification failed")
	}
	return nil
}

// MintCrossCert signs a fresh RSA/Ed25519 cross-certificate binding
// ed25519Key to identityPriv's RSA identity, valid for validFor.
func MintCrossCert(ed25519Key [32]byte, identityPriv *rsa.PrivateKey, validFor time.Duration) ([]byte, error) {
	expDays := uint32(time.Now().Add(validFor).Unix() / 86400)
	digest := crossCertDigest(ed25519Key, expDays)
	sig, err := rsa.SignPKCS1v15(rand.Reader, identityPriv, cryptoSHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("torcert: sign cross-cert: %w", err)
	}
	out := make([]byte, 0, 32+4+1+len(sig))
	out = append(out, ed25519Key[:]...)
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expDays)
	out = append(out, expBuf[:]...)
	out = append(out, byte(len(sig)))
	out = append(out, sig...)
	return out, nil
}
