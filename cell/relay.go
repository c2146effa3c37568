package cell

import (
	"encoding/binary"

	"github.com/orpath/torcircuit/torerr"
)

// Relay command constants (tor-spec.txt section 6.1).
const (
	RelayBegin      uint8 = 1
	RelayData       uint8 = 2
	RelayEnd        uint8 = 3
	RelayConnected  uint8 = 4
	RelaySendMe     uint8 = 5
	RelayExtend     uint8 = 6
	RelayExtended   uint8 = 7
	RelayTruncate   uint8 = 8
	RelayTruncated  uint8 = 9
	RelayDrop       uint8 = 10
	RelayResolve    uint8 = 11
	RelayResolved   uint8 = 12
	RelayBeginDir   uint8 = 13
	RelayExtend2    uint8 = 14
	RelayExtended2  uint8 = 15
)

// RelayHeaderLen is the fixed 11-byte header preceding a relay cell's data:
// relay_command(1) + recognized(2) + stream_id(2) + digest(4) + length(2).
const RelayHeaderLen = 11

// RelayPayload is the plaintext structure carried inside a RELAY or
// RELAY_EARLY cell, before/after the layered AES-128-CTR encryption the
// circuit engine applies. recognized and digest are populated by the
// layering step (cell.RelayPayload itself performs no crypto); Encode and
// Decode here only handle the framing.
type RelayPayload struct {
	RelayCommand uint8
	Recognized   uint16
	StreamID     uint16
	Digest       uint32
	Data         []byte
}

// Encode serializes a relay payload into the fixed 509-byte cell body,
// zero-padding after Data.
func (r RelayPayload) Encode() []byte {
	out := make([]byte, MaxPayloadLen)
	out[0] = r.RelayCommand
	binary.BigEndian.PutUint16(out[1:3], r.Recognized)
	binary.BigEndian.PutUint16(out[3:5], r.StreamID)
	binary.BigEndian.PutUint32(out[5:9], r.Digest)
	binary.BigEndian.PutUint16(out[9:11], uint16(len(r.Data)))
	copy(out[RelayHeaderLen:], r.Data)
	return out
}

// DecodeRelayPayload parses a decrypted 509-byte relay cell body into its
// header fields and declared-length data slice. It does not interpret
// recognized or digest; that is the layering step's job.
func DecodeRelayPayload(body []byte) (*RelayPayload, error) {
	if len(body) < RelayHeaderLen {
		return nil, torerr.New(torerr.KindTruncated, "relay: body too short: %d bytes", len(body))
	}
	r := &RelayPayload{
		RelayCommand: body[0],
		Recognized:   binary.BigEndian.Uint16(body[1:3]),
		StreamID:     binary.BigEndian.Uint16(body[3:5]),
		Digest:       binary.BigEndian.Uint32(body[5:9]),
	}
	dataLen := int(binary.BigEndian.Uint16(body[9:11]))
	if RelayHeaderLen+dataLen > len(body) {
		return nil, torerr.New(torerr.KindMalformed, "relay: declared length %d exceeds body", dataLen)
	}
	r.Data = body[RelayHeaderLen : RelayHeaderLen+dataLen]
	return r, nil
}

// WithDigestZeroed returns a copy of the encoded payload with the digest
// field zeroed, the form the running per-direction SHA-1 digest is
// computed over.
func WithDigestZeroed(encoded []byte) []byte {
	out := append([]byte(nil), encoded...)
	binary.BigEndian.PutUint32(out[5:9], 0)
	return out
}
