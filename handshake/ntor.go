// Package handshake implements the two circuit-establishment handshakes the
// engine drives: the legacy CREATE_FAST exchange for the first hop, and the
// Curve25519-based ntor exchange used for every hop afterward.
package handshake

import (
	"crypto/rand"
	"fmt"

	"github.com/orpath/torcircuit/kdf"
	"github.com/orpath/torcircuit/xcrypto"
)

const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorExpand  = ntorProtoID + ":key_expand"
)

// NtorClient holds one hop's ephemeral state between sending CREATE2 (or an
// EXTEND2 relay cell) and receiving the matching CREATED2/EXTENDED2 reply.
// It corresponds to NtorContext in the data model: it is bound to exactly
// one pending hop and is discarded (zeroed) once Complete returns.
type NtorClient struct {
	routerID [20]byte // SHA-1 of the relay's RSA identity (node_id)
	serverB  [32]byte // relay's static Curve25519 onion key
	x        [32]byte // our ephemeral private scalar, pre-clamping
	clientX  [32]byte // our ephemeral public key
}

// NewNtorClient generates a fresh ephemeral Curve25519 keypair for a
// handshake against the relay identified by routerID with onion key B.
func NewNtorClient(routerID [20]byte, serverB [32]byte) (*NtorClient, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("ntor: generate ephemeral key: %w", err)
	}
	X, err := xcrypto.X25519Base(x)
	if err != nil {
		return nil, fmt.Errorf("ntor: derive ephemeral public key: %w", err)
	}
	return &NtorClient{routerID: routerID, serverB: serverB, x: x, clientX: X}, nil
}

// Close zeroes the ephemeral private scalar. Safe to call more than once;
// callers should defer it immediately after NewNtorClient so every exit
// path — success or error — discards the key.
func (n *NtorClient) Close() {
	clear(n.x[:])
}

// ClientData returns the 84-byte CREATE2/EXTEND2 HDATA: node_id || B || X.
func (n *NtorClient) ClientData() [84]byte {
	var data [84]byte
	copy(data[0:20], n.routerID[:])
	copy(data[20:52], n.serverB[:])
	copy(data[52:84], n.clientX[:])
	return data
}

// Complete processes the server's 64-byte reply (Y || AUTH), verifies AUTH
// in constant time, and derives the hop's key material via KDF-RFC5869.
func (n *NtorClient) Complete(serverData [64]byte) (*kdf.NtorMaterial, error) {
	defer n.Close()

	var serverY, authReceived [32]byte
	copy(serverY[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	expYX, err := xcrypto.X25519(n.x, serverY)
	if err != nil {
		return nil, fmt.Errorf("ntor: EXP(Y,x): %w", err)
	}
	expBX, err := xcrypto.X25519(n.x, n.serverB)
	if err != nil {
		return nil, fmt.Errorf("ntor: EXP(B,x): %w", err)
	}

	secretInput := make([]byte, 0, 32+32+20+32+32+32+len(ntorProtoID))
	secretInput = append(secretInput, expYX[:]...)
	secretInput = append(secretInput, expBX[:]...)
	secretInput = append(secretInput, n.routerID[:]...)
	secretInput = append(secretInput, n.serverB[:]...)
	secretInput = append(secretInput, n.clientX[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, ntorProtoID...)
	defer clear(secretInput)

	verify := xcrypto.HMACSHA256([]byte(ntorTVerify), secretInput)

	authInput := make([]byte, 0, len(verify)+20+32+32+32+len(ntorProtoID)+len("Server"))
	authInput = append(authInput, verify...)
	authInput = append(authInput, n.routerID[:]...)
	authInput = append(authInput, n.serverB[:]...)
	authInput = append(authInput, serverY[:]...)
	authInput = append(authInput, n.clientX[:]...)
	authInput = append(authInput, ntorProtoID...)
	authInput = append(authInput, "Server"...)

	authExpected := xcrypto.HMACSHA256([]byte(ntorTMac), authInput)
	if !xcrypto.ConstantTimeEqual(authExpected, authReceived[:]) {
		return nil, kdf.AuthFailed("ntor: AUTH verification failed")
	}

	keySeed := xcrypto.HMACSHA256([]byte(ntorTKey), secretInput)
	material, err := kdf.RFC5869Expand(keySeed, ntorExpand)
	if err != nil {
		return nil, fmt.Errorf("ntor: key derivation: %w", err)
	}
	return material, nil
}
