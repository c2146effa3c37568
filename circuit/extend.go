package circuit

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/handshake"
	"github.com/orpath/torcircuit/peerinfo"
)

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

// Extend extends the circuit through an additional relay using EXTEND2/EXTENDED2.
// The EXTEND2 is sent as a RELAY_EARLY cell (encrypted to the last hop).
func (c *Circuit) Extend(peer peerinfo.PeerInfo, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	host, portStr, err := net.SplitHostPort(peer.Address)
	if err != nil {
		return fmt.Errorf("circuit: parse relay address %q: %w", peer.Address, err)
	}
	ip := net.ParseIP(host)
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("circuit: invalid IPv4 address for relay: %s", peer.Address)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("circuit: parse relay port %q: %w", portStr, err)
	}

	hs, err := handshake.NewNtorClient(peer.RouterID, peer.NtorOnionKey)
	if err != nil {
		return fmt.Errorf("circuit: ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	extend2Payload := buildExtend2Payload(ip4, port, peer.RouterID, clientData)

	c.setState(StateExtending)

	// Encrypt and send as RELAY_EARLY under a single lock acquisition, so no
	// other goroutine's relay cell can land on the wire between this cell's
	// encryption (which advances the per-hop cipher streams) and its write.
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(RelayExtend2, 0, extend2Payload)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("circuit: encrypt EXTEND2: %w", err)
	}
	err = c.sendRelayEarlyLocked(relayCell.Payload())
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("circuit: send EXTEND2: %w", err)
	}

	logger.Debug("sent EXTEND2", "to", peer.Address)

	_, relayCmd, _, data, err := c.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("circuit: receive EXTENDED2: %w", err)
	}
	if relayCmd != RelayExtended2 {
		return fmt.Errorf("circuit: expected EXTENDED2 (15), got relay command %d", relayCmd)
	}

	// EXTENDED2 payload: HLEN(2) + HDATA(HLEN).
	if len(data) < 2 {
		return fmt.Errorf("circuit: EXTENDED2 too short: %d bytes", len(data))
	}
	hlen := binary.BigEndian.Uint16(data[0:2])
	if hlen != 64 {
		return fmt.Errorf("circuit: EXTENDED2 HLEN=%d, expected 64", hlen)
	}
	if len(data) < 2+int(hlen) {
		return fmt.Errorf("circuit: EXTENDED2 truncated: %d bytes, need %d", len(data), 2+hlen)
	}

	var serverData [64]byte
	copy(serverData[:], data[2:66])

	m, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("circuit: ntor complete for new hop: %w", err)
	}

	hop, err := initHop(m.FwdKey, m.BwdKey, m.FwdSeed, m.BwdSeed)
	clear(m.FwdKey[:])
	clear(m.BwdKey[:])
	clear(m.FwdSeed[:])
	clear(m.BwdSeed[:])
	if err != nil {
		return fmt.Errorf("circuit: init new hop: %w", err)
	}

	c.AddHop(hop)
	c.setState(StateHop1 + State(len(c.Hops)-1))

	logger.Info("circuit extended", "hops", len(c.Hops))
	return nil
}

func buildExtend2Payload(ip4 net.IP, port uint16, routerID [20]byte, clientData [84]byte) []byte {
	var specs [][]byte

	// IPv4 link specifier (type 0x00, 6 bytes).
	spec := make([]byte, 8) // type(1) + len(1) + ip(4) + port(2)
	spec[0] = LinkSpecIPv4
	spec[1] = 6
	copy(spec[2:6], ip4)
	binary.BigEndian.PutUint16(spec[6:8], port)
	specs = append(specs, spec)

	// RSA identity (type 0x02, 20 bytes).
	rsaSpec := make([]byte, 22) // type(1) + len(1) + id(20)
	rsaSpec[0] = LinkSpecRSAID
	rsaSpec[1] = 20
	copy(rsaSpec[2:22], routerID[:])
	specs = append(specs, rsaSpec)

	// NSPEC(1) + link_specifiers + HTYPE(2) + HLEN(2) + HDATA(84)
	totalSpecLen := 0
	for _, s := range specs {
		totalSpecLen += len(s)
	}
	payload := make([]byte, 1+totalSpecLen+2+2+84)

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	binary.BigEndian.PutUint16(payload[off:], cell.HandshakeTypeNtor)
	off += 2
	binary.BigEndian.PutUint16(payload[off:], 84) // HLEN
	off += 2
	copy(payload[off:], clientData[:])

	return payload
}
