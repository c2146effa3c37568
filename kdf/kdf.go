// Package kdf implements the two key-derivation functions the circuit
// protocol engine needs: the legacy SHA-1 expansion used by CREATE_FAST
// (KDF-TOR) and the HMAC-SHA256 HKDF-expand used by ntor (KDF-RFC5869).
// The two schedules do not share a wire shape: KDF-TOR emits a leading
// key-confirmation value that CREATE_FAST's KH check needs and ntor has no
// use for, since ntor authenticates the responder via a separate AUTH MAC
// rather than a KDF-derived confirmation tag.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/orpath/torcircuit/torerr"
	"github.com/orpath/torcircuit/xcrypto"
)

const (
	confirmLen = 20
	digestLen  = 20
	keyLen     = 16
	// TotalLen is the number of bytes KDFTor produces: confirmation(20) +
	// fwd_digest(20) + bwd_digest(20) + fwd_key(16) + bwd_key(16).
	TotalLen = confirmLen + 2*digestLen + 2*keyLen
	// NtorTotalLen is the number of bytes RFC5869Expand produces:
	// fwd_digest(20) + bwd_digest(20) + fwd_key(16) + bwd_key(16), with no
	// confirmation field.
	NtorTotalLen = 2*digestLen + 2*keyLen
)

// Material is the CREATE_FAST key schedule output.
type Material struct {
	// Confirm is KH, checked against the peer's claim in constant time.
	Confirm [confirmLen]byte
	FwdSeed [digestLen]byte
	BwdSeed [digestLen]byte
	FwdKey  [keyLen]byte
	BwdKey  [keyLen]byte
}

func partition(out []byte) *Material {
	m := &Material{}
	off := 0
	copy(m.Confirm[:], out[off:off+confirmLen])
	off += confirmLen
	copy(m.FwdSeed[:], out[off:off+digestLen])
	off += digestLen
	copy(m.BwdSeed[:], out[off:off+digestLen])
	off += digestLen
	copy(m.FwdKey[:], out[off:off+keyLen])
	off += keyLen
	copy(m.BwdKey[:], out[off:off+keyLen])
	return m
}

// KDFTor implements the CREATE_FAST key schedule: given K0 = x || y, emit
// SHA1(K0||0x00) || SHA1(K0||0x01) || ... until TotalLen bytes are produced,
// then partition them. The caller must separately check that the returned
// Confirm value matches the peer's claimed KH using constant-time
// comparison; KDFTor itself performs no authentication.
func KDFTor(k0 []byte) *Material {
	out := make([]byte, 0, TotalLen+20)
	for i := byte(0); len(out) < TotalLen; i++ {
		block := xcrypto.SHA1Sum(k0, []byte{i})
		out = append(out, block[:]...)
	}
	return partition(out[:TotalLen])
}

// NtorMaterial is the ntor key schedule output: no confirmation field,
// since ntor authenticates the responder via AUTH rather than via the KDF.
type NtorMaterial struct {
	FwdSeed [digestLen]byte
	BwdSeed [digestLen]byte
	FwdKey  [keyLen]byte
	BwdKey  [keyLen]byte
}

func partitionNtor(out []byte) *NtorMaterial {
	m := &NtorMaterial{}
	off := 0
	copy(m.FwdSeed[:], out[off:off+digestLen])
	off += digestLen
	copy(m.BwdSeed[:], out[off:off+digestLen])
	off += digestLen
	copy(m.FwdKey[:], out[off:off+keyLen])
	off += keyLen
	copy(m.BwdKey[:], out[off:off+keyLen])
	return m
}

// RFC5869Expand implements the ntor key schedule: given an already-extracted
// PRK (key_seed) and the protocol's info string, emit HMAC-SHA256-based HKDF
// expand output and partition it into forward/backward digest seeds and
// keys.
func RFC5869Expand(keySeed []byte, info string) (*NtorMaterial, error) {
	r := hkdf.Expand(sha256.New, keySeed, []byte(info))
	out := make([]byte, NtorTotalLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf-rfc5869 expand: %w", err)
	}
	return partitionNtor(out), nil
}

// AuthFailed wraps torerr.AuthFailed for a KH mismatch, as returned by the
// handshake packages after comparing KDFTor's Confirm field to the peer's
// claim in constant time.
func AuthFailed(reason string) error {
	return torerr.New(torerr.KindAuthFailed, "%s", reason)
}
