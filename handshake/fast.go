package handshake

import (
	"crypto/rand"
	"fmt"

	"github.com/orpath/torcircuit/kdf"
	"github.com/orpath/torcircuit/xcrypto"
)

// FastClient drives the legacy CREATE_FAST handshake used for the first
// hop, where authentication relies on the already-authenticated TLS link
// rather than on the handshake itself.
type FastClient struct {
	x [20]byte
}

// NewFastClient generates the 20 random bytes sent as CREATE_FAST's X.
func NewFastClient() (*FastClient, error) {
	var x [20]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("create_fast: generate X: %w", err)
	}
	return &FastClient{x: x}, nil
}

// ClientData returns the 20-byte CREATE_FAST payload X.
func (f *FastClient) ClientData() [20]byte {
	return f.x
}

// Complete processes CREATED_FAST's (Y, KH), checks KH in constant time
// against the key schedule's confirmation value, and returns the derived
// hop key material.
func (f *FastClient) Complete(y, kh [20]byte) (*kdf.Material, error) {
	k0 := make([]byte, 0, 40)
	k0 = append(k0, f.x[:]...)
	k0 = append(k0, y[:]...)

	m := kdf.KDFTor(k0)
	if !xcrypto.ConstantTimeEqual(m.Confirm[:], kh[:]) {
		return nil, kdf.AuthFailed("create_fast: KH does not match expected key confirmation")
	}
	return m, nil
}
