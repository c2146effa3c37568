// Package circuit drives an established Tor circuit: the CREATE_FAST/CREATE2
// handshake for the first hop, EXTEND2 for subsequent hops, layered relay-cell
// encryption and digest verification, and the RELAY_EARLY budget a circuit is
// allowed to spend on EXTEND2 cells.
package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/handshake"
	"github.com/orpath/torcircuit/link"
	"github.com/orpath/torcircuit/peerinfo"
	"github.com/orpath/torcircuit/torerr"
)

// State names the circuit's position in its lifecycle. Idle through Ready
// track the underlying link's handshake, which link.Handshake drives before
// a Circuit exists; CreateFast and Create return a Circuit already in Hop1,
// and each successful EXTEND2 advances it one named hop state.
type State int

const (
	StateIdle State = iota
	StateLinked
	StateVersioned
	StateCertsSeen
	StateChallenged
	StateAuthed
	StateReady
	StateHop1
)

// StateExtending and StateDead sit far above the contiguous StateHop1... range
// so that StateHop1+n (an arbitrarily long circuit's hop count) can never
// collide with them.
const (
	// StateExtending is transient: set while an EXTEND2 is outstanding, and
	// replaced by the next StateHop<n> once EXTENDED2 arrives.
	StateExtending State = 1 << 30
	StateDead      State = 1<<30 + 1
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLinked:
		return "linked"
	case StateVersioned:
		return "versioned"
	case StateCertsSeen:
		return "certs_seen"
	case StateChallenged:
		return "challenged"
	case StateAuthed:
		return "authed"
	case StateReady:
		return "ready"
	case StateExtending:
		return "extending"
	case StateDead:
		return "dead"
	}
	if s >= StateHop1 {
		return fmt.Sprintf("hop%d", s-StateHop1+1)
	}
	return "unknown"
}

// Hop holds the encryption state for one circuit hop.
type Hop struct {
	kf cipher.Stream // Forward AES-128-CTR (client->relay)
	kb cipher.Stream // Backward AES-128-CTR (relay->client)
	df hash.Hash     // Forward running SHA-1 digest
	db hash.Hash     // Backward running SHA-1 digest
}

// MaxRelayEarly is the maximum number of RELAY_EARLY cells this side sends
// per circuit (tor-spec section 5.6). The ninth send attempt fails closed
// rather than silently downgrading to RELAY. RELAY_EARLY cells received from
// the relay are not counted.
const MaxRelayEarly = 8

// Circuit represents an established Tor circuit over a link.
type Circuit struct {
	rmu            sync.Mutex // protects reads: Reader, kb, db
	wmu            sync.Mutex // protects writes: Writer, kf, df, RelayEarlySent
	ID             uint32
	Link           *link.Link
	Hops           []*Hop
	RelayEarlySent int // tracks RELAY_EARLY cells sent (max MaxRelayEarly)

	smu   sync.Mutex
	state State
}

func (c *Circuit) setState(s State) {
	c.smu.Lock()
	c.state = s
	c.smu.Unlock()
}

// State returns the circuit's current lifecycle state.
func (c *Circuit) State() State {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.state
}

// idGenerator supplies random 32-bit values to the circuit-ID allocator. It
// is an interface so tests can drive the allocator deterministically
// (collision and exhaustion paths) without depending on crypto/rand.
type idGenerator interface {
	Uint32() (uint32, error)
}

type cryptoRandID struct{}

func (cryptoRandID) Uint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// maxCircIDAttempts bounds the allocator's collision-retry loop.
const maxCircIDAttempts = 1024

// allocateCircID picks a uniformly random u32 with the high bit set
// (client-initiated), retrying on collision against claim up to
// maxCircIDAttempts times. Never returns zero.
func allocateCircID(gen idGenerator, claim func(uint32) bool) (uint32, error) {
	for attempt := 0; attempt < maxCircIDAttempts; attempt++ {
		id, err := gen.Uint32()
		if err != nil {
			return 0, fmt.Errorf("circuit: generate circuit id: %w", err)
		}
		id |= 0x80000000
		if id == 0x80000000 {
			continue // low 31 bits all zero; avoid a degenerate all-MSB id
		}
		if claim(id) {
			return id, nil
		}
	}
	return 0, torerr.New(torerr.KindExhausted, "circuit id allocator: no free id after %d attempts", maxCircIDAttempts)
}

// CreateFast builds a single-hop circuit via CREATE_FAST/CREATED_FAST, the
// handshake used for the first hop since the link's TLS channel already
// authenticates the peer.
func CreateFast(l *link.Link, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	circID, err := allocateCircID(cryptoRandID{}, l.ClaimCircID)
	if err != nil {
		return nil, fmt.Errorf("circuit: allocate circuit id: %w", err)
	}
	logger.Info("circuit id allocated", "circID", fmt.Sprintf("0x%08x", circID))

	fc, err := handshake.NewFastClient()
	if err != nil {
		return nil, fmt.Errorf("circuit: create_fast init: %w", err)
	}
	x := fc.ClientData()

	createFast := cell.NewFixedCell(circID, cell.CmdCreateFast)
	copy(createFast.Payload(), cell.EncodeCreateFast(cell.CreateFast{X: x}))

	logger.Debug("sending CREATE_FAST", "circID", fmt.Sprintf("0x%08x", circID))
	if err := l.Writer.WriteCell(createFast); err != nil {
		return nil, fmt.Errorf("circuit: send CREATE_FAST: %w", err)
	}

	resp, err := l.Reader.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("circuit: read CREATED_FAST: %w", err)
	}
	if resp.Command() == cell.CmdDestroy {
		d, _ := cell.DecodeDestroy(resp.Payload())
		reason := uint8(0)
		if d != nil {
			reason = d.Reason
		}
		return nil, torerr.New(torerr.KindDestroyed, "relay sent DESTROY (reason=%d) instead of CREATED_FAST", reason)
	}
	if resp.Command() != cell.CmdCreatedFast {
		return nil, torerr.New(torerr.KindProtocolViolation, "expected CREATED_FAST (6), got command %d", resp.Command())
	}

	cf, err := cell.DecodeCreatedFast(resp.Payload())
	if err != nil {
		return nil, fmt.Errorf("circuit: decode CREATED_FAST: %w", err)
	}

	m, err := fc.Complete(cf.Y, cf.KH)
	if err != nil {
		return nil, fmt.Errorf("circuit: create_fast complete: %w", err)
	}
	logger.Info("create_fast handshake complete")

	hop, err := initHop(m.FwdKey, m.BwdKey, m.FwdSeed, m.BwdSeed)
	clear(m.FwdKey[:])
	clear(m.BwdKey[:])
	clear(m.FwdSeed[:])
	clear(m.BwdSeed[:])
	if err != nil {
		return nil, fmt.Errorf("circuit: init hop: %w", err)
	}

	c := &Circuit{ID: circID, Link: l, Hops: []*Hop{hop}}
	c.setState(StateHop1)
	return c, nil
}

// Create performs a CREATE2/CREATED2 ntor handshake to build a single-hop
// circuit to peer.
func Create(l *link.Link, peer peerinfo.PeerInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	circID, err := allocateCircID(cryptoRandID{}, l.ClaimCircID)
	if err != nil {
		return nil, fmt.Errorf("circuit: allocate circuit id: %w", err)
	}
	logger.Info("circuit id allocated", "circID", fmt.Sprintf("0x%08x", circID))

	hs, err := handshake.NewNtorClient(peer.RouterID, peer.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("circuit: ntor init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	copy(create2.Payload(), cell.EncodeCreate2(cell.Create2{HType: cell.HandshakeTypeNtor, HData: clientData[:]}))

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID))
	if err := l.Writer.WriteCell(create2); err != nil {
		return nil, fmt.Errorf("circuit: send CREATE2: %w", err)
	}

	resp, err := l.Reader.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("circuit: read CREATED2: %w", err)
	}
	if resp.Command() == cell.CmdDestroy {
		d, _ := cell.DecodeDestroy(resp.Payload())
		reason := uint8(0)
		if d != nil {
			reason = d.Reason
		}
		return nil, torerr.New(torerr.KindDestroyed, "relay sent DESTROY (reason=%d) instead of CREATED2", reason)
	}
	if resp.Command() != cell.CmdCreated2 {
		return nil, torerr.New(torerr.KindProtocolViolation, "expected CREATED2 (11), got command %d", resp.Command())
	}

	c2, err := cell.DecodeCreated2(resp.Payload())
	if err != nil {
		return nil, fmt.Errorf("circuit: decode CREATED2: %w", err)
	}
	if len(c2.HData) != 64 {
		return nil, torerr.New(torerr.KindMalformed, "created2: h_data length %d, want 64", len(c2.HData))
	}
	var serverData [64]byte
	copy(serverData[:], c2.HData)

	logger.Debug("received CREATED2")

	m, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("circuit: ntor complete: %w", err)
	}
	logger.Info("ntor handshake complete")

	hop, err := initHop(m.FwdKey, m.BwdKey, m.FwdSeed, m.BwdSeed)
	clear(m.FwdKey[:])
	clear(m.BwdKey[:])
	clear(m.FwdSeed[:])
	clear(m.BwdSeed[:])
	if err != nil {
		return nil, fmt.Errorf("circuit: init hop: %w", err)
	}

	c := &Circuit{ID: circID, Link: l, Hops: []*Hop{hop}}
	c.setState(StateHop1)
	return c, nil
}

// SendRelay encrypts and sends a relay cell through the circuit.
// The encrypt and write are atomic to prevent interleaving of cipher stream state.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	err = c.Link.Writer.WriteCell(relayCell)
	c.wmu.Unlock()
	return err
}

// ReceiveRelay reads and decrypts a relay cell from the circuit.
// It skips PADDING cells and returns an error on DESTROY.
// The read and decrypt are atomic to prevent interleaving of cipher stream state.
func (c *Circuit) ReceiveRelay() (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	for {
		c.rmu.Lock()
		incoming, err := c.Link.Reader.ReadCell()
		if err != nil {
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("read cell: %w", err)
		}

		cmd := incoming.Command()
		switch cmd {
		case cell.CmdPadding:
			c.rmu.Unlock()
			continue
		case cell.CmdDestroy:
			c.rmu.Unlock()
			d, _ := cell.DecodeDestroy(incoming.Payload())
			reason := uint8(0)
			if d != nil {
				reason = d.Reason
			}
			c.setState(StateDead)
			return 0, 0, 0, nil, torerr.New(torerr.KindDestroyed, "circuit destroyed by relay (reason=%d)", reason)
		case cell.CmdRelay, cell.CmdRelayEarly:
			h, rc, sid, d, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			if derr != nil {
				c.setState(StateDead)
			}
			return h, rc, sid, d, derr
		default:
			c.rmu.Unlock()
			c.setState(StateDead)
			return 0, 0, 0, nil, torerr.New(torerr.KindProtocolViolation, "unexpected cell command %d on circuit", cmd)
		}
	}
}

// BackwardDigest returns the current backward digest state (for SENDME v1).
// NOTE: This must be called while the circuit mutex is NOT held (it acquires it).
// For use in flow control after ReceiveRelay returns.
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].db.Sum(nil)
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget of
// MaxRelayEarly. Caller must NOT hold c.wmu.
func (c *Circuit) SendRelayEarly(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sendRelayEarlyLocked(payload)
}

// sendRelayEarlyLocked is the lock-free internal implementation. Caller must
// hold c.wmu, so the budget check and the write happen atomically with
// respect to any concurrent relay-cell encryption on this circuit.
func (c *Circuit) sendRelayEarlyLocked(payload []byte) error {
	if c.RelayEarlySent >= MaxRelayEarly {
		return torerr.New(torerr.KindExhausted, "relay_early budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++

	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), payload)
	return c.Link.Writer.WriteCell(earlyCell)
}

// Destroy marks the circuit Dead, sends a DESTROY cell to tear it down and
// releases its circuit ID on the link. The hops' cipher and digest state is
// not zeroed; only the raw derived key bytes are cleared, when each hop is
// set up.
func (c *Circuit) Destroy() error {
	c.setState(StateDead)
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	copy(destroy.Payload(), cell.EncodeDestroy(cell.Destroy{Reason: cell.DestroyReasonNone}))
	err := c.Link.Writer.WriteCell(destroy)
	c.Link.ReleaseCircID(c.ID)
	return err
}

// NewHop creates a Hop with caller-provided cipher streams and digest hashes.
// This allows onion service circuits to use SHA3-256/AES-256-CTR instead of SHA1/AES-128-CTR.
func NewHop(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

// AddHop appends a hop to the circuit (e.g. the virtual onion-service hop after RENDEZVOUS2).
func (c *Circuit) AddHop(hop *Hop) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()
}

func initHop(fwdKey, bwdKey [16]byte, fwdSeed, bwdSeed [20]byte) (*Hop, error) {
	// AES-128-CTR with zero IV (stream state persists across cells)
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(fwdKey[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(bwdKey[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	df := sha1.New()
	df.Write(fwdSeed[:])
	db := sha1.New()
	db.Write(bwdSeed[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}
