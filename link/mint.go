package link

import (
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/torcert"
)

// Identity holds the keys an initiator mints for itself on first use: a
// 1024-bit RSA identity key and a three-link Ed25519 chain (identity,
// signing, authenticate) cross-signed down from it. The same Identity is
// reused for the lifetime of the process.
type Identity struct {
	RsaKey   *rsa.PrivateKey
	RsaID    *torcert.RsaIdentity
	Ed25519Identity ed25519.PublicKey
	ed25519IdentityPriv ed25519.PrivateKey
	Ed25519Signing  ed25519.PublicKey
	ed25519SigningPriv ed25519.PrivateKey
	Ed25519Auth     ed25519.PublicKey
	ed25519AuthPriv ed25519.PrivateKey

	crossCert   []byte // RSA identity -> ed25519 identity
	signingCert []byte // ed25519 identity -> ed25519 signing
	authCert    []byte // ed25519 signing -> ed25519 auth
}

// MintIdentity generates a fresh RSA identity and Ed25519 key chain.
func MintIdentity() (*Identity, error) {
	rsaKey, rsaID, err := torcert.MintRsaIdentity()
	if err != nil {
		return nil, fmt.Errorf("link: mint rsa identity: %w", err)
	}

	idPub, idPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("link: generate ed25519 identity: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("link: generate ed25519 signing key: %w", err)
	}
	authPub, authPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("link: generate ed25519 auth key: %w", err)
	}

	var idKey32 [32]byte
	copy(idKey32[:], idPub)
	crossCert, err := torcert.MintCrossCert(idKey32, rsaKey, 1000*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("link: mint cross-cert: %w", err)
	}

	var signKey32 [32]byte
	copy(signKey32[:], signPub)
	signingCert, err := torcert.MintCert(torcert.CertTypeIdentitySigning, signKey32, torcert.KeyTypeEd25519, idPriv, idPub, true, 1000*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("link: mint signing cert: %w", err)
	}

	var authKey32 [32]byte
	copy(authKey32[:], authPub)
	authCert, err := torcert.MintCert(torcert.CertTypeSigningAuth, authKey32, torcert.KeyTypeEd25519, signPriv, signPub, true, 1000*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("link: mint auth cert: %w", err)
	}

	return &Identity{
		RsaKey:              rsaKey,
		RsaID:               rsaID,
		Ed25519Identity:     idPub,
		ed25519IdentityPriv: idPriv,
		Ed25519Signing:      signPub,
		ed25519SigningPriv:  signPriv,
		Ed25519Auth:         authPub,
		ed25519AuthPriv:     authPriv,
		crossCert:           crossCert,
		signingCert:         signingCert,
		authCert:            authCert,
	}, nil
}

// CertsCellEntries builds the CERTS-cell bundle this initiator sends:
// RsaIdentity, Ed25519Identity, Ed25519Signing, Ed25519Authenticate.
func (id *Identity) CertsCellEntries() []cell.CertEntry {
	return []cell.CertEntry{
		{Type: torcert.CertTypeRsaIdentity, Body: id.RsaID.DER},
		{Type: torcert.CertTypeEd25519Identity, Body: id.crossCert},
		{Type: torcert.CertTypeIdentitySigning, Body: id.signingCert},
		{Type: torcert.CertTypeSigningAuth, Body: id.authCert},
	}
}

// AuthKeyPriv returns the Ed25519 authenticate private key, used to sign
// the AUTHENTICATE cell body.
func (id *Identity) AuthKeyPriv() ed25519.PrivateKey {
	return id.ed25519AuthPriv
}
