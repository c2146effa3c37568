// Package peerinfo defines the single data contract the circuit engine
// needs from an external directory/path-selection subsystem: everything
// required to dial a hop and run its handshake, and nothing about how that
// hop was chosen or validated against the consensus. The engine performs
// no network fetches and no consensus parsing of its own.
package peerinfo

import "fmt"

// PeerInfo describes one hop's dial address and cryptographic identity, as
// supplied by an external directory/path-selection subsystem. Values are
// expected to already have been validated by that subsystem; this package
// only checks internal shape consistency (non-empty, non-zero fields), not
// trust.
type PeerInfo struct {
	Address      string   // "ip:or_port"
	RouterID     [20]byte // SHA-1 of the relay's RSA identity DER (node_id)
	Ed25519ID    [32]byte // relay's Ed25519 identity public key
	NtorOnionKey [32]byte // relay's static Curve25519 onion key (B)
}

// Validate checks that a PeerInfo carries a non-empty address and non-zero
// router identity digest, Ed25519 identity and ntor onion key, the minimum
// shape the link and handshake packages rely on.
func (p PeerInfo) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("peerinfo: empty address")
	}
	var zeroID [20]byte
	if p.RouterID == zeroID {
		return fmt.Errorf("peerinfo: zero router_id for %s", p.Address)
	}
	var zeroKey [32]byte
	if p.Ed25519ID == zeroKey {
		return fmt.Errorf("peerinfo: zero ed25519_id for %s", p.Address)
	}
	if p.NtorOnionKey == zeroKey {
		return fmt.Errorf("peerinfo: zero ntor_onion_key for %s", p.Address)
	}
	return nil
}

// Path is an ordered list of hops to build a circuit through: Path[0] is
// the guard (dialed directly over TLS), Path[1:] are extended to via
// EXTEND2.
type Path []PeerInfo

// Validate checks every hop and requires at least one.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("peerinfo: empty path")
	}
	for i, hop := range p {
		if err := hop.Validate(); err != nil {
			return fmt.Errorf("peerinfo: hop %d: %w", i, err)
		}
	}
	return nil
}
