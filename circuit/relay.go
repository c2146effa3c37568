package circuit

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/torerr"
)

// Relay cell command constants (tor-spec §6.1).
const (
	RelayBegin                 uint8 = 1
	RelayData                  uint8 = 2
	RelayEnd                   uint8 = 3
	RelayConnected             uint8 = 4
	RelaySendMe                uint8 = 5
	RelayBeginDir              uint8 = 13
	RelayExtend2               uint8 = 14
	RelayExtended2             uint8 = 15
	RelayEstablishRendezvous   uint8 = 33
	RelayIntroduce1            uint8 = 34
	RelayRendezvous2           uint8 = 37
	RelayRendezvousEstablished uint8 = 39
	RelayIntroduceAck          uint8 = 40
)

// RelayPayloadLen is the length of a relay cell payload (inside a fixed cell).
const RelayPayloadLen = cell.MaxPayloadLen // 509

// MaxRelayDataLen is the maximum data a single relay cell can carry: the
// fixed payload less the 11-byte relay header (command, recognized,
// stream_id, digest, length).
const MaxRelayDataLen = RelayPayloadLen - cell.RelayHeaderLen // 498

// relayRecognizedOff and relayDigestOff are the two relay-header fields
// this layer inspects directly, ahead of calling cell.DecodeRelayPayload:
// recognized decides whether a layer is this hop's, and digest has to be
// zeroed before it is hashed to verify itself.
const (
	relayRecognizedOff = 1
	relayDigestOff     = 5
)

// EncryptRelay builds and encrypts a relay cell payload for sending through the circuit.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) EncryptRelay(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(relayCmd, streamID, data)
}

// encryptRelayLocked is the lock-free internal implementation. Caller must hold c.wmu.
func (c *Circuit) encryptRelayLocked(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	plain := cell.RelayPayload{RelayCommand: relayCmd, StreamID: streamID, Data: data}.Encode()

	// Per tor-spec §6.1: padding is 4 zero bytes followed by random bytes,
	// so the declared length field is the only thing that leaks how much
	// of the cell is real data.
	padStart := cell.RelayHeaderLen + len(data)
	if padStart+4 < len(plain) {
		_, _ = rand.Read(plain[padStart+4:])
	}

	// Digest covers the whole payload with the digest field at zero,
	// which cell.RelayPayload.Encode already left it at.
	lastHop := c.Hops[len(c.Hops)-1]
	lastHop.df.Write(plain)
	digest := lastHop.df.Sum(nil) // running SHA-1, Sum does not reset state
	copy(plain[relayDigestOff:relayDigestOff+4], digest[:4])

	// Onion-encrypt from the innermost hop outward: the last hop's layer
	// goes on first, the first hop's layer goes on last, so the first hop
	// is the one that peels it off the wire.
	for i := len(c.Hops) - 1; i >= 0; i-- {
		c.Hops[i].kf.XORKeyStream(plain, plain)
	}

	relayCell := cell.NewFixedCell(c.ID, cell.CmdRelay)
	copy(relayCell.Payload(), plain)
	return relayCell, nil
}

// DecryptRelay decrypts an incoming relay cell payload.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) DecryptRelay(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.decryptRelayLocked(incoming)
}

// decryptRelayLocked is the lock-free internal implementation. Caller must hold c.rmu.
func (c *Circuit) decryptRelayLocked(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(c.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}

	plain := make([]byte, RelayPayloadLen)
	copy(plain, incoming.Payload()[:RelayPayloadLen])

	for i, hop := range c.Hops {
		// Peel this hop's layer.
		hop.kb.XORKeyStream(plain, plain)

		recognized := binary.BigEndian.Uint16(plain[relayRecognizedOff : relayRecognizedOff+2])
		if recognized != 0 {
			continue // not this hop's layer, keep peeling
		}

		rp, derr := cell.DecodeRelayPayload(plain)
		if derr != nil {
			return 0, 0, 0, nil, fmt.Errorf("decode candidate relay payload: %w", derr)
		}

		// recognized==0 can happen by chance on a layer that isn't really
		// ours; snapshot the running digest so a false match can be
		// rolled back before trying the next hop.
		dbState, err := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("snapshot digest state: %w", err)
		}

		hop.db.Write(cell.WithDigestZeroed(plain))
		computed := hop.db.Sum(nil)

		var wantDigest [4]byte
		binary.BigEndian.PutUint32(wantDigest[:], rp.Digest)
		if subtle.ConstantTimeCompare(wantDigest[:], computed[:4]) == 1 {
			return i, rp.RelayCommand, rp.StreamID, rp.Data, nil
		}

		if err := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); err != nil {
			return 0, 0, 0, nil, fmt.Errorf("restore digest state: %w", err)
		}
	}

	return 0, 0, 0, nil, torerr.New(torerr.KindProtocolViolation, "relay cell not recognized at any hop")
}
