package cell

import (
	"encoding/binary"

	"github.com/orpath/torcircuit/torerr"
)

// EncodeVersions builds a VERSIONS payload (a sequence of u16 version
// numbers). Use NewVersionsCell to wrap it in the 2-byte-CircID framing
// VERSIONS requires before link version negotiation completes.
func EncodeVersions(versions []uint16) []byte {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	return payload
}

// DecodeVersions parses a VERSIONS payload into its version numbers.
func DecodeVersions(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, torerr.New(torerr.KindMalformed, "versions: odd payload length %d", len(payload))
	}
	out := make([]uint16, len(payload)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return out, nil
}

// CertEntry is one (type, body) pair inside a CERTS cell.
type CertEntry struct {
	Type uint8
	Body []byte
}

// EncodeCerts builds a CERTS payload: n:u8, then n x (type:u8, len:u16, body).
func EncodeCerts(entries []CertEntry) []byte {
	out := make([]byte, 1, 1+16*len(entries))
	out[0] = uint8(len(entries))
	for _, e := range entries {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Body)))
		out = append(out, e.Type)
		out = append(out, lenBuf[:]...)
		out = append(out, e.Body...)
	}
	return out
}

// DecodeCerts parses a CERTS payload into its certificate entries.
func DecodeCerts(payload []byte) ([]CertEntry, error) {
	if len(payload) < 1 {
		return nil, torerr.New(torerr.KindTruncated, "certs: empty payload")
	}
	n := int(payload[0])
	entries := make([]CertEntry, 0, n)
	pos := 1
	for i := 0; i < n; i++ {
		if pos+3 > len(payload) {
			return nil, torerr.New(torerr.KindTruncated, "certs: entry %d header truncated", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, torerr.New(torerr.KindTruncated, "certs: entry %d body truncated", i)
		}
		entries = append(entries, CertEntry{Type: certType, Body: payload[pos : pos+certLen]})
		pos += certLen
	}
	if pos != len(payload) {
		return nil, torerr.New(torerr.KindMalformed, "certs: %d trailing bytes", len(payload)-pos)
	}
	return entries, nil
}

// AuthChallenge is the AUTH_CHALLENGE cell payload.
type AuthChallenge struct {
	Challenge [32]byte
	Methods   []uint16
}

func EncodeAuthChallenge(a AuthChallenge) []byte {
	out := make([]byte, 32+2, 32+2+2*len(a.Methods))
	copy(out[0:32], a.Challenge[:])
	binary.BigEndian.PutUint16(out[32:34], uint16(len(a.Methods)))
	for _, m := range a.Methods {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], m)
		out = append(out, buf[:]...)
	}
	return out
}

func DecodeAuthChallenge(payload []byte) (*AuthChallenge, error) {
	if len(payload) < 34 {
		return nil, torerr.New(torerr.KindTruncated, "auth_challenge: payload too short: %d bytes", len(payload))
	}
	a := &AuthChallenge{}
	copy(a.Challenge[:], payload[0:32])
	n := int(binary.BigEndian.Uint16(payload[32:34]))
	if 34+2*n != len(payload) {
		return nil, torerr.New(torerr.KindMalformed, "auth_challenge: method count %d inconsistent with payload length %d", n, len(payload))
	}
	a.Methods = make([]uint16, n)
	for i := range a.Methods {
		a.Methods[i] = binary.BigEndian.Uint16(payload[34+2*i:])
	}
	return a, nil
}

// AuthenticateType 3 is Ed25519-SHA256-RFC5705, the only variant this
// engine produces or accepts.
const AuthenticateTypeEd25519Sha256Rfc5705 uint16 = 3

// Authenticate is the AUTHENTICATE cell payload: an authentication type
// tag and an opaque body whose shape is defined by that type.
type Authenticate struct {
	Type uint16
	Body []byte
}

func EncodeAuthenticate(a Authenticate) []byte {
	out := make([]byte, 4, 4+len(a.Body))
	binary.BigEndian.PutUint16(out[0:2], a.Type)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(a.Body)))
	out = append(out, a.Body...)
	return out
}

func DecodeAuthenticate(payload []byte) (*Authenticate, error) {
	if len(payload) < 4 {
		return nil, torerr.New(torerr.KindTruncated, "authenticate: payload too short: %d bytes", len(payload))
	}
	a := &Authenticate{Type: binary.BigEndian.Uint16(payload[0:2])}
	bodyLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+bodyLen > len(payload) {
		return nil, torerr.New(torerr.KindTruncated, "authenticate: body truncated: declared %d, have %d", bodyLen, len(payload)-4)
	}
	a.Body = payload[4 : 4+bodyLen]
	return a, nil
}

// NetInfoAddr is one address entry inside a NETINFO cell (type 4 = IPv4,
// type 6 = IPv6).
type NetInfoAddr struct {
	Type uint8
	Addr []byte
}

// NetInfo is the NETINFO cell payload.
type NetInfo struct {
	Timestamp  uint32
	OtherAddr  NetInfoAddr
	MyAddrs    []NetInfoAddr
}

func encodeNetInfoAddr(a NetInfoAddr) []byte {
	out := make([]byte, 2, 2+len(a.Addr))
	out[0] = a.Type
	out[1] = uint8(len(a.Addr))
	out = append(out, a.Addr...)
	return out
}

func decodeNetInfoAddr(payload []byte, pos int) (NetInfoAddr, int, error) {
	if pos+2 > len(payload) {
		return NetInfoAddr{}, 0, torerr.New(torerr.KindTruncated, "netinfo: address header truncated")
	}
	addrType := payload[pos]
	addrLen := int(payload[pos+1])
	pos += 2
	if pos+addrLen > len(payload) {
		return NetInfoAddr{}, 0, torerr.New(torerr.KindTruncated, "netinfo: address body truncated")
	}
	a := NetInfoAddr{Type: addrType, Addr: payload[pos : pos+addrLen]}
	return a, pos + addrLen, nil
}

func EncodeNetInfo(n NetInfo) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out[0:4], n.Timestamp)
	out = append(out, encodeNetInfoAddr(n.OtherAddr)...)
	out = append(out, uint8(len(n.MyAddrs)))
	for _, a := range n.MyAddrs {
		out = append(out, encodeNetInfoAddr(a)...)
	}
	return out
}

func DecodeNetInfo(payload []byte) (*NetInfo, error) {
	if len(payload) < 5 {
		return nil, torerr.New(torerr.KindTruncated, "netinfo: payload too short: %d bytes", len(payload))
	}
	n := &NetInfo{Timestamp: binary.BigEndian.Uint32(payload[0:4])}
	other, pos, err := decodeNetInfoAddr(payload, 4)
	if err != nil {
		return nil, err
	}
	n.OtherAddr = other
	if pos >= len(payload) {
		return nil, torerr.New(torerr.KindTruncated, "netinfo: missing my-address count")
	}
	count := int(payload[pos])
	pos++
	n.MyAddrs = make([]NetInfoAddr, 0, count)
	for i := 0; i < count; i++ {
		var a NetInfoAddr
		a, pos, err = decodeNetInfoAddr(payload, pos)
		if err != nil {
			return nil, err
		}
		n.MyAddrs = append(n.MyAddrs, a)
	}
	// NETINFO is a fixed-length cell; payload is zero-padded out to 509
	// bytes, so trailing bytes past the parsed content are expected and
	// not validated here.
	return n, nil
}

// CreateFast is the CREATE_FAST fixed-length payload: a 20-byte client
// key-material contribution, zero-padded to the 509-byte cell body.
type CreateFast struct {
	X [20]byte
}

func EncodeCreateFast(c CreateFast) []byte {
	out := make([]byte, MaxPayloadLen)
	copy(out[0:20], c.X[:])
	return out
}

func DecodeCreateFast(payload []byte) (*CreateFast, error) {
	if len(payload) < 20 {
		return nil, torerr.New(torerr.KindTruncated, "create_fast: payload too short: %d bytes", len(payload))
	}
	c := &CreateFast{}
	copy(c.X[:], payload[0:20])
	return c, nil
}

// CreatedFast is the CREATED_FAST reply: the responder's Y plus its key
// confirmation tag KH.
type CreatedFast struct {
	Y  [20]byte
	KH [20]byte
}

func EncodeCreatedFast(c CreatedFast) []byte {
	out := make([]byte, MaxPayloadLen)
	copy(out[0:20], c.Y[:])
	copy(out[20:40], c.KH[:])
	return out
}

func DecodeCreatedFast(payload []byte) (*CreatedFast, error) {
	if len(payload) < 40 {
		return nil, torerr.New(torerr.KindTruncated, "created_fast: payload too short: %d bytes", len(payload))
	}
	c := &CreatedFast{}
	copy(c.Y[:], payload[0:20])
	copy(c.KH[:], payload[20:40])
	return c, nil
}

// HandshakeType values for CREATE2/CREATED2's h_type field. ntor is the
// only type this engine drives.
const HandshakeTypeNtor uint16 = 2

// Create2 is the CREATE2 fixed-length payload (also used, body-only, as
// the handshake portion of an EXTEND2 relay payload).
type Create2 struct {
	HType uint16
	HData []byte
}

func EncodeCreate2(c Create2) []byte {
	out := make([]byte, 4, 4+len(c.HData))
	binary.BigEndian.PutUint16(out[0:2], c.HType)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(c.HData)))
	out = append(out, c.HData...)
	if len(out) < MaxPayloadLen {
		out = append(out, make([]byte, MaxPayloadLen-len(out))...)
	}
	return out
}

func DecodeCreate2(payload []byte) (*Create2, error) {
	if len(payload) < 4 {
		return nil, torerr.New(torerr.KindTruncated, "create2: payload too short: %d bytes", len(payload))
	}
	c := &Create2{HType: binary.BigEndian.Uint16(payload[0:2])}
	hLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+hLen > len(payload) {
		return nil, torerr.New(torerr.KindTruncated, "create2: h_data truncated: declared %d, have %d", hLen, len(payload)-4)
	}
	c.HData = payload[4 : 4+hLen]
	return c, nil
}

// Created2 is the CREATED2 reply (also used, body-only, inside EXTENDED2).
type Created2 struct {
	HData []byte
}

func EncodeCreated2(c Created2) []byte {
	out := make([]byte, 2, 2+len(c.HData))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(c.HData)))
	out = append(out, c.HData...)
	if len(out) < MaxPayloadLen {
		out = append(out, make([]byte, MaxPayloadLen-len(out))...)
	}
	return out
}

func DecodeCreated2(payload []byte) (*Created2, error) {
	if len(payload) < 2 {
		return nil, torerr.New(torerr.KindTruncated, "created2: payload too short: %d bytes", len(payload))
	}
	hLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if 2+hLen > len(payload) {
		return nil, torerr.New(torerr.KindTruncated, "created2: h_data truncated: declared %d, have %d", hLen, len(payload)-2)
	}
	return &Created2{HData: payload[2 : 2+hLen]}, nil
}

// DestroyReason values (tor-spec.txt section 5.4).
const (
	DestroyReasonNone           uint8 = 0
	DestroyReasonProtocol       uint8 = 1
	DestroyReasonRequested      uint8 = 3
	DestroyReasonConnectFailed  uint8 = 6
)

// Destroy is the DESTROY cell payload: a single reason byte.
type Destroy struct {
	Reason uint8
}

func EncodeDestroy(d Destroy) []byte {
	out := make([]byte, MaxPayloadLen)
	out[0] = d.Reason
	return out
}

func DecodeDestroy(payload []byte) (*Destroy, error) {
	if len(payload) < 1 {
		return nil, torerr.New(torerr.KindTruncated, "destroy: empty payload")
	}
	return &Destroy{Reason: payload[0]}, nil
}
