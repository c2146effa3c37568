package link

import (
	"crypto/rsa"
	"log/slog"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/torcert"
	"github.com/orpath/torcircuit/torerr"
)

// ResponderCerts is the result of validating a responder's CERTS cell: the
// relay's Ed25519 identity key, plus the parsed chain for diagnostics.
type ResponderCerts struct {
	Ed25519Identity [32]byte
	RsaIdentity     *torcert.RsaIdentity
	SigningKey      [32]byte
	LinkKey         [32]byte
}

// ValidateResponderCerts enforces the full four-cert chain described for
// the responder side of the link handshake: RSA identity (self-signed,
// X.509), the Ed25519 identity cross-certificate, the Ed25519 signing
// cert, and the Ed25519 link cert, each binding to the next and the last
// binding to the peer's actual TLS certificate.
func ValidateResponderCerts(entries []cell.CertEntry, peerCertHash [32]byte, expectedEd25519ID *[32]byte, logger *slog.Logger) (*ResponderCerts, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var rsaEntry, crossEntry, signingEntry, linkEntry *cell.CertEntry
	for i := range entries {
		e := &entries[i]
		var slot **cell.CertEntry
		switch e.Type {
		case torcert.CertTypeRsaIdentity:
			slot = &rsaEntry
		case torcert.CertTypeEd25519Identity:
			slot = &crossEntry
		case torcert.CertTypeIdentitySigning:
			slot = &signingEntry
		case torcert.CertTypeSigningTLS:
			slot = &linkEntry
		default:
			logger.Debug("skipping unrecognized cert entry", "type", e.Type)
			continue
		}
		if *slot != nil {
			return nil, torerr.New(torerr.KindInvalidCerts, "duplicate cert type %d", e.Type)
		}
		*slot = e
	}
	if rsaEntry == nil || crossEntry == nil || signingEntry == nil || linkEntry == nil {
		return nil, torerr.New(torerr.KindInvalidCerts, "missing required cert: rsa_identity=%v ed25519_identity=%v signing=%v link=%v",
			rsaEntry != nil, crossEntry != nil, signingEntry != nil, linkEntry != nil)
	}

	// Step 1: RSA identity is self-signed, 1024-bit, not expired.
	rsaID, err := torcert.ParseRsaIdentity(rsaEntry.Body)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "rsa identity")
	}
	rsaPub, ok := rsaID.Cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, torerr.New(torerr.KindInvalidCerts, "rsa identity: public key is not RSA")
	}

	// Step 2+3: RSA identity key verifies the cross-cert; the ed25519 key
	// inside it matches the caller's expected identity.
	cross, err := torcert.ParseCrossCert(crossEntry.Body)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "ed25519 identity cross-cert")
	}
	if err := cross.Verify(rsaPub); err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "ed25519 identity cross-cert signature")
	}
	if expectedEd25519ID != nil && cross.Ed25519Key != *expectedEd25519ID {
		return nil, torerr.New(torerr.KindInvalidCerts, "ed25519 identity does not match expected key from directory")
	}
	identityKey := cross.Ed25519Key

	// Step 4: identity key signs the signing cert.
	signingCert, err := torcert.ParseCert(signingEntry.Body)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "signing cert parse")
	}
	if err := signingCert.Verify(identityKey[:]); err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "signing cert signature")
	}
	signingKey := signingCert.CertifiedKey

	// Step 5: signing key signs the link cert.
	linkCert, err := torcert.ParseCert(linkEntry.Body)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "link cert parse")
	}
	if err := linkCert.Verify(signingKey[:]); err != nil {
		return nil, torerr.Wrap(torerr.KindInvalidCerts, err, "link cert signature")
	}

	// Step 6: the link cert's certified key is SHA-256 of the peer's TLS
	// cert DER.
	if linkCert.KeyType != torcert.KeyTypeSHA256X509 {
		return nil, torerr.New(torerr.KindInvalidCerts, "link cert key type %d, want %d", linkCert.KeyType, torcert.KeyTypeSHA256X509)
	}
	if linkCert.CertifiedKey != peerCertHash {
		return nil, torerr.New(torerr.KindInvalidCerts, "link cert certified key does not match TLS certificate hash")
	}

	logger.Debug("responder cert chain valid", "identity", identityKey)
	return &ResponderCerts{
		Ed25519Identity: identityKey,
		RsaIdentity:     rsaID,
		SigningKey:      signingKey,
		LinkKey:         linkCert.CertifiedKey,
	}, nil
}
