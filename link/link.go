// Package link drives the Tor link-protocol handshake: VERSIONS
// negotiation, the full four-certificate responder validation, mutual
// authentication via CERTS+AUTHENTICATE, and NETINFO exchange. Once
// established, a Link exposes a cell.Reader/cell.Writer pair the circuit
// state machine drives directly.
package link

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/peerinfo"
	"github.com/orpath/torcircuit/torerr"
	"github.com/orpath/torcircuit/transport"
	"github.com/orpath/torcircuit/xcrypto"
)

const authenticateMagic = "AUTH0003"
const exporterLabel = "EXPORTER FOR TOR TLS CLIENT BINDING AUTH0003"

var supportedVersions = []uint16{4, 5}

// transportIO adapts transport.Transport's exact-size read/write contract
// to io.Reader/io.Writer so cell.Reader/cell.Writer can drive it directly;
// every call cell.Reader makes asks for an exact number of bytes, so a
// single ReadExact per Read call is both correct and sufficient.
type transportIO struct {
	t transport.Transport
}

func (a transportIO) Read(p []byte) (int, error) {
	if err := a.t.ReadExact(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a transportIO) Write(p []byte) (int, error) {
	if err := a.t.WriteAll(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Link is an established, mutually-authenticated Tor link connection.
type Link struct {
	transport transport.Transport
	Version   uint16
	Reader    *cell.Reader
	Writer    *cell.Writer

	// Responder is the relay's validated certificate chain.
	Responder *ResponderCerts
	// PeerAddr is the dial address for this link.
	PeerAddr string

	circIDs map[uint32]bool
}

// ClaimCircID registers a circuit ID on this link. Returns false if
// already in use.
func (l *Link) ClaimCircID(id uint32) bool {
	if l.circIDs == nil {
		l.circIDs = make(map[uint32]bool)
	}
	if l.circIDs[id] {
		return false
	}
	l.circIDs[id] = true
	return true
}

// ReleaseCircID removes a circuit ID from this link's tracking.
func (l *Link) ReleaseCircID(id uint32) {
	delete(l.circIDs, id)
}

// Close closes the underlying transport.
func (l *Link) Close() error {
	return l.transport.Close()
}

// Handshake dials guard and drives the full link handshake: TLS, VERSIONS,
// CERTS validation against guard.Ed25519ID, AUTH_CHALLENGE, our own
// CERTS+AUTHENTICATE, and NETINFO. id is this initiator's minted identity.
func Handshake(guard peerinfo.PeerInfo, id *Identity, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := transport.DialTLS(guard.Address, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", guard.Address, err)
	}
	l, err := HandshakeOver(t, guard, id, logger)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return l, nil
}

// HandshakeOver drives the handshake over an already-connected transport,
// so tests and the CLI's debug-replay mode can supply a
// transport.MemoryTransport instead of dialing out.
func HandshakeOver(t transport.Transport, guard peerinfo.PeerInfo, id *Identity, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cr := cell.NewReader(transportIO{t})
	cw := cell.NewWriter(transportIO{t})

	logger.Debug("sending VERSIONS", "versions", supportedVersions)
	if err := cw.WriteCell(cell.NewVersionsCell(supportedVersions)); err != nil {
		return nil, fmt.Errorf("link: send VERSIONS: %w", err)
	}
	serverVersionsCell, err := cr.ReadVersionsCell()
	if err != nil {
		return nil, fmt.Errorf("link: read VERSIONS: %w", err)
	}
	serverVersions := cell.ParseVersions(serverVersionsCell)
	negotiated := negotiateVersion(serverVersions)
	if negotiated == 0 {
		return nil, torerr.New(torerr.KindProtocolViolation, "no common link version >= 4 (server offered %v)", serverVersions)
	}
	logger.Info("version negotiated", "version", negotiated)

	certsCell, err := readExpectedCell(cr, cell.CmdCerts, logger)
	if err != nil {
		return nil, fmt.Errorf("link: read CERTS: %w", err)
	}
	certEntries, err := cell.DecodeCerts(certsCell.Payload())
	if err != nil {
		return nil, fmt.Errorf("link: decode CERTS: %w", err)
	}
	responder, err := ValidateResponderCerts(certEntries, t.PeerCertHash(), &guard.Ed25519ID, logger)
	if err != nil {
		return nil, fmt.Errorf("link: validate CERTS: %w", err)
	}
	logger.Debug("responder certs validated", "identity", fmt.Sprintf("%x", responder.Ed25519Identity[:8]))

	authChallengeCell, err := readExpectedCell(cr, cell.CmdAuthChallenge, logger)
	if err != nil {
		return nil, fmt.Errorf("link: read AUTH_CHALLENGE: %w", err)
	}
	if _, err := cell.DecodeAuthChallenge(authChallengeCell.Payload()); err != nil {
		return nil, fmt.Errorf("link: decode AUTH_CHALLENGE: %w", err)
	}

	ourCerts := cell.NewVarCell(0, cell.CmdCerts, cell.EncodeCerts(id.CertsCellEntries()))
	if err := cw.WriteCell(ourCerts); err != nil {
		return nil, fmt.Errorf("link: send CERTS: %w", err)
	}

	authBody, err := buildAuthenticate(id, responder.RsaIdentity.DER, responder.Ed25519Identity, t)
	if err != nil {
		return nil, fmt.Errorf("link: build AUTHENTICATE: %w", err)
	}
	authCell := cell.NewVarCell(0, cell.CmdAuthenticate, cell.EncodeAuthenticate(cell.Authenticate{
		Type: cell.AuthenticateTypeEd25519Sha256Rfc5705,
		Body: authBody,
	}))
	if err := cw.WriteCell(authCell); err != nil {
		return nil, fmt.Errorf("link: send AUTHENTICATE: %w", err)
	}
	logger.Info("authenticated to responder")

	netinfoCell, err := readExpectedCell(cr, cell.CmdNetInfo, logger)
	if err != nil {
		return nil, fmt.Errorf("link: read NETINFO: %w", err)
	}
	if _, err := cell.DecodeNetInfo(netinfoCell.Payload()); err != nil {
		return nil, fmt.Errorf("link: decode NETINFO: %w", err)
	}

	host, _, err := net.SplitHostPort(guard.Address)
	if err != nil {
		return nil, fmt.Errorf("link: parse guard address: %w", err)
	}
	guardIP := net.ParseIP(host).To4()
	if guardIP == nil {
		return nil, torerr.New(torerr.KindProtocolViolation, "guard address %q is not IPv4", host)
	}
	ourNetinfo := cell.NewFixedCell(0, cell.CmdNetInfo)
	copy(ourNetinfo.Payload(), cell.EncodeNetInfo(cell.NetInfo{
		OtherAddr: cell.NetInfoAddr{Type: 4, Addr: guardIP},
	}))
	if err := cw.WriteCell(ourNetinfo); err != nil {
		return nil, fmt.Errorf("link: send NETINFO: %w", err)
	}

	logger.Info("link handshake complete", "addr", guard.Address)
	return &Link{
		transport: t,
		Version:   negotiated,
		Reader:    cr,
		Writer:    cw,
		Responder: responder,
		PeerAddr:  guard.Address,
	}, nil
}

// buildAuthenticate constructs the AUTHENTICATE cell body per the
// Ed25519-SHA256-RFC5705 binding: magic, CID/SID identity-cert digests,
// CID_ED/SID_ED ed25519 identities, SLOG/CLOG running transport digests,
// SCERT peer TLS cert hash, TLSSECRETS exporter output, 24 random bytes,
// and a trailing Ed25519 signature over everything preceding it.
func buildAuthenticate(id *Identity, responderRsaDER []byte, responderEd25519ID [32]byte, t transport.Transport) ([]byte, error) {
	cid := xcrypto.SHA256Sum(id.RsaID.DER)
	sid := xcrypto.SHA256Sum(responderRsaDER)

	body := make([]byte, 0, 8+32*4+32*3+32+32+24+64)
	body = append(body, authenticateMagic...)
	body = append(body, cid[:]...)
	body = append(body, sid[:]...)
	body = append(body, id.Ed25519Identity...)
	body = append(body, responderEd25519ID[:]...)
	scert := t.PeerCertHash()
	readDigest := t.ReadDigest()
	writeDigest := t.WriteDigest()
	body = append(body, readDigest[:]...)
	body = append(body, writeDigest[:]...)
	body = append(body, scert[:]...)

	exporterCtx := cid[:]
	secrets, err := t.TLSExporter(exporterLabel, exporterCtx, 32)
	if err != nil {
		return nil, fmt.Errorf("tls exporter: %w", err)
	}
	body = append(body, secrets...)

	var randBytes [24]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return nil, fmt.Errorf("generate random padding: %w", err)
	}
	body = append(body, randBytes[:]...)

	sig := ed25519.Sign(id.AuthKeyPriv(), body)
	body = append(body, sig...)
	return body, nil
}

func negotiateVersion(serverVersions []uint16) uint16 {
	supported := make(map[uint16]bool, len(supportedVersions))
	for _, v := range supportedVersions {
		supported[v] = true
	}
	var best uint16
	for _, v := range serverVersions {
		if supported[v] && v > best {
			best = v
		}
	}
	return best
}

// readExpectedCell reads cells, skipping PADDING/VPADDING, until it gets
// the expected command.
func readExpectedCell(cr *cell.Reader, expected uint8, logger *slog.Logger) (cell.Cell, error) {
	for i := 0; i < 100; i++ {
		c, err := cr.ReadCell()
		if err != nil {
			return nil, err
		}
		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			logger.Debug("skipping padding cell", "cmd", cmd)
			continue
		}
		if cmd != expected {
			return nil, torerr.New(torerr.KindProtocolViolation, "expected command %d, got %d", expected, cmd)
		}
		return c, nil
	}
	return nil, torerr.New(torerr.KindProtocolViolation, "too many padding cells before command %d", expected)
}
