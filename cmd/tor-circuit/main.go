// Command tor-circuit builds a Tor circuit through a guard and zero or more
// additional relays, driving the link handshake and the CREATE_FAST/EXTEND2
// state machine to completion, then tears the circuit down.
//
// Each hop is described as "address:port,router_id_hex,ed25519_id_hex,ntor_key_hex".
// The guard is dialed directly over TLS; any -hop flags are added via EXTEND2.
//
// With -d/--dump, the link handshake is replayed against a captured cell
// transcript (newline-delimited hex, blank lines and #-comments ignored)
// instead of dialing out, for deterministic offline debugging.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/orpath/torcircuit/cell"
	"github.com/orpath/torcircuit/circuit"
	"github.com/orpath/torcircuit/link"
	"github.com/orpath/torcircuit/peerinfo"
	"github.com/orpath/torcircuit/transport"
)

const usage = `tor-circuit builds a Tor circuit and tears it down.

Usage:
  tor-circuit -guard HOP [-hop HOP]... [-target host:port] [-v]
  tor-circuit -d transcript.hex -guard HOP [-hop HOP]... [-target host:port] [-v]

  HOP is "address:port,router_id_hex,ed25519_id_hex,ntor_key_hex".

Flags:
  -guard string   guard relay to dial (required)
  -hop string     additional relay to extend through (repeatable)
  -target string  host:port to fetch via RELAY_BEGIN_DIR/RELAY_DATA once the
                   circuit is built (optional; skipped if empty)
  -d, --dump string
                  replay a newline-delimited hex cell transcript instead of
                  dialing out
  -v              debug-level logging
  -h, --help      show this help
`

type hopList []string

func (h *hopList) String() string { return strings.Join(*h, ";") }

func (h *hopList) Set(v string) error {
	*h = append(*h, v)
	return nil
}

func main() {
	for _, a := range os.Args[1:] {
		if a == "-h" || a == "--help" {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(0)
		}
	}

	fs := flag.NewFlagSet("tor-circuit", flag.ExitOnError)
	var guardSpec string
	var hops hopList
	var target string
	var dumpPath string
	var verbose bool
	fs.StringVar(&guardSpec, "guard", "", "guard relay to dial")
	fs.Var(&hops, "hop", "additional relay to extend through (repeatable)")
	fs.StringVar(&target, "target", "", "host:port to fetch via RELAY_BEGIN_DIR/RELAY_DATA")
	fs.StringVar(&dumpPath, "d", "", "replay a hex cell transcript instead of dialing out")
	fs.StringVar(&dumpPath, "dump", "", "replay a hex cell transcript instead of dialing out")
	fs.BoolVar(&verbose, "v", false, "debug-level logging")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if guardSpec == "" {
		logger.Error("missing -guard")
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	if dumpPath != "" {
		err = runDebugReplay(dumpPath, guardSpec, hops, target, logger)
	} else {
		err = runLive(guardSpec, hops, target, logger)
	}
	if err != nil {
		logger.Error("tor-circuit failed", "err", err)
		os.Exit(1)
	}
}

// runLive dials the guard over TLS and drives the circuit to completion.
func runLive(guardSpec string, hopSpecs []string, target string, logger *slog.Logger) error {
	guard, err := parsePeerSpec(guardSpec)
	if err != nil {
		return err
	}
	if err := guard.Validate(); err != nil {
		return fmt.Errorf("tor-circuit: invalid guard: %w", err)
	}

	id, err := link.MintIdentity()
	if err != nil {
		return fmt.Errorf("tor-circuit: mint identity: %w", err)
	}

	l, err := link.Handshake(guard, id, logger)
	if err != nil {
		return fmt.Errorf("tor-circuit: link handshake: %w", err)
	}
	defer l.Close()

	return buildAndRunCircuit(l, hopSpecs, target, logger)
}

// runDebugReplay reads a newline-delimited hex cell transcript and drives
// the handshake against it over a transport.MemoryTransport, instead of
// dialing out.
func runDebugReplay(dumpPath, guardSpec string, hopSpecs []string, target string, logger *slog.Logger) error {
	transcript, err := readHexTranscript(dumpPath)
	if err != nil {
		return fmt.Errorf("tor-circuit: read transcript: %w", err)
	}

	guard, err := parsePeerSpec(guardSpec)
	if err != nil {
		return err
	}
	if err := guard.Validate(); err != nil {
		return fmt.Errorf("tor-circuit: invalid guard: %w", err)
	}

	id, err := link.MintIdentity()
	if err != nil {
		return fmt.Errorf("tor-circuit: mint identity: %w", err)
	}

	mt := transport.NewMemoryTransport(transcript, []byte("tor-circuit-debug-replay-cert"), []byte("tor-circuit-debug-replay-export-key"))
	l, err := link.HandshakeOver(mt, guard, id, logger)
	if err != nil {
		return fmt.Errorf("tor-circuit: link handshake (replay): %w", err)
	}
	defer l.Close()

	return buildAndRunCircuit(l, hopSpecs, target, logger)
}

// buildAndRunCircuit builds the first hop via CREATE_FAST (the TLS channel
// already authenticates the guard, so the cheaper handshake applies),
// extends through every additional hop via EXTEND2, optionally runs a
// RELAY_BEGIN_DIR/RELAY_DATA demonstration fetch, and tears the circuit
// down.
func buildAndRunCircuit(l *link.Link, hopSpecs []string, target string, logger *slog.Logger) error {
	circ, err := circuit.CreateFast(l, logger)
	if err != nil {
		return fmt.Errorf("tor-circuit: create first hop: %w", err)
	}
	logger.Info("circuit state", "state", circ.State())

	for _, spec := range hopSpecs {
		peer, err := parsePeerSpec(spec)
		if err != nil {
			return err
		}
		if err := peer.Validate(); err != nil {
			return fmt.Errorf("tor-circuit: invalid hop: %w", err)
		}
		if err := circ.Extend(peer, logger); err != nil {
			return fmt.Errorf("tor-circuit: extend to %s: %w", peer.Address, err)
		}
		logger.Info("circuit state", "state", circ.State())
	}

	if target != "" {
		if err := fetchOverCircuit(circ, target, logger); err != nil {
			return fmt.Errorf("tor-circuit: fetch %s: %w", target, err)
		}
	}

	if err := circ.Destroy(); err != nil {
		return fmt.Errorf("tor-circuit: destroy: %w", err)
	}
	logger.Info("circuit torn down")
	return nil
}

// fetchOverCircuit demonstrates application data flow: a RELAY_BEGIN_DIR to
// open a directory stream at the last hop, an HTTP/1.0 GET of / with target
// as the Host header sent as RELAY_DATA, and RELAY_DATA replies read until
// RELAY_END.
func fetchOverCircuit(circ *circuit.Circuit, target string, logger *slog.Logger) error {
	const streamID = 1

	if err := circ.SendRelay(circuit.RelayBeginDir, streamID, nil); err != nil {
		return fmt.Errorf("send RELAY_BEGIN_DIR: %w", err)
	}

	_, relayCmd, _, _, err := circ.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive RELAY_CONNECTED: %w", err)
	}
	if relayCmd != circuit.RelayConnected {
		return fmt.Errorf("expected RELAY_CONNECTED (4), got relay command %d", relayCmd)
	}
	logger.Info("directory stream opened", "target", target)

	req := fmt.Sprintf("GET / HTTP/1.0\r\nHost: %s\r\n\r\n", target)
	if err := circ.SendRelay(circuit.RelayData, streamID, []byte(req)); err != nil {
		return fmt.Errorf("send RELAY_DATA: %w", err)
	}

	var body []byte
	for i := 0; i < 1000; i++ {
		_, relayCmd, _, data, err := circ.ReceiveRelay()
		if err != nil {
			return fmt.Errorf("receive relay data: %w", err)
		}
		switch relayCmd {
		case circuit.RelayData:
			body = append(body, data...)
		case circuit.RelayEnd:
			logger.Info("fetch complete", "bytes", len(body))
			fmt.Println(string(body))
			return nil
		default:
			logger.Warn("unexpected relay command during fetch", "cmd", relayCmd)
		}
	}
	return fmt.Errorf("fetch did not complete within 1000 relay cells")
}

// parsePeerSpec parses "address:port,router_id_hex,ed25519_id_hex,ntor_key_hex".
func parsePeerSpec(spec string) (peerinfo.PeerInfo, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 4 {
		return peerinfo.PeerInfo{}, fmt.Errorf("tor-circuit: hop spec %q: want address,router_id_hex,ed25519_id_hex,ntor_key_hex", spec)
	}

	var p peerinfo.PeerInfo
	p.Address = parts[0]

	routerID, err := decodeFixed(parts[1], 20)
	if err != nil {
		return peerinfo.PeerInfo{}, fmt.Errorf("tor-circuit: router_id: %w", err)
	}
	copy(p.RouterID[:], routerID)

	ed25519ID, err := decodeFixed(parts[2], 32)
	if err != nil {
		return peerinfo.PeerInfo{}, fmt.Errorf("tor-circuit: ed25519_id: %w", err)
	}
	copy(p.Ed25519ID[:], ed25519ID)

	ntorKey, err := decodeFixed(parts[3], 32)
	if err != nil {
		return peerinfo.PeerInfo{}, fmt.Errorf("tor-circuit: ntor_key: %w", err)
	}
	copy(p.NtorOnionKey[:], ntorKey)

	return p, nil
}

func decodeFixed(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("wrong length for %q: got %d bytes, want %d", s, len(b), n)
	}
	return b, nil
}

// readHexTranscript reads a newline-delimited hex cell transcript, skipping
// blank lines and #-comments, and concatenates the decoded bytes.
func readHexTranscript(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), cell.FixedCellLen*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("decode line %q: %w", line, err)
		}
		out = append(out, b...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
