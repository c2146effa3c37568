package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/orpath/torcircuit/torerr"
)

// MemoryTransport is an in-memory Transport backed by two byte buffers: one
// the engine reads from (pre-loaded by the caller, e.g. a captured cell
// transcript for debug replay) and one it writes to (inspectable by
// tests). It computes the same four accessors a TLSTransport would,
// seeded from a caller-supplied fake peer certificate and TLS exporter
// secret so AUTHENTICATE-construction tests can pin exact expected bytes.
type MemoryTransport struct {
	in        *bytes.Reader
	out       *bytes.Buffer
	certHash  [32]byte
	exportKey []byte
	readHash  hash.Hash
	writeHash hash.Hash
	reader    io.Reader
	writer    io.Writer
}

// NewMemoryTransport builds a transport that reads inbound from in order
// and records outbound writes. peerCert is hashed with SHA-256 to stand in
// for PeerCertHash; exportKey seeds a deterministic, HMAC-based stand-in
// for the RFC 5705 exporter.
func NewMemoryTransport(in []byte, peerCert []byte, exportKey []byte) *MemoryTransport {
	certHash := sha256.Sum256(peerCert)
	m := &MemoryTransport{
		in:        bytes.NewReader(in),
		out:       &bytes.Buffer{},
		certHash:  certHash,
		exportKey: append([]byte(nil), exportKey...),
		readHash:  sha256.New(),
		writeHash: sha256.New(),
	}
	m.reader = &teeDigest{r: m.in, h: m.readHash}
	m.writer = &teeWriteDigest{w: m.out, h: m.writeHash}
	return m
}

func (m *MemoryTransport) ReadExact(buf []byte) error {
	_, err := io.ReadFull(m.reader, buf)
	if err != nil {
		return torerr.Wrap(torerr.KindTruncated, err, "memory transport read")
	}
	return nil
}

func (m *MemoryTransport) WriteAll(buf []byte) error {
	_, err := m.writer.Write(buf)
	if err != nil {
		return torerr.Wrap(torerr.KindTransport, err, "memory transport write")
	}
	return nil
}

func (m *MemoryTransport) Close() error { return nil }

func (m *MemoryTransport) PeerCertHash() [32]byte { return m.certHash }

func (m *MemoryTransport) ReadDigest() [32]byte {
	var out [32]byte
	copy(out[:], m.readHash.Sum(nil))
	return out
}

func (m *MemoryTransport) WriteDigest() [32]byte {
	var out [32]byte
	copy(out[:], m.writeHash.Sum(nil))
	return out
}

// TLSExporter derives a deterministic stand-in for RFC 5705 keying
// material: HMAC-SHA256 keyed by the transport's export key, fed
// label||context, expanded to length bytes via repeated re-hashing. Tests
// that need to pin exact AUTHENTICATE bytes pass a fixed exportKey to
// NewMemoryTransport and recompute this function independently.
func (m *MemoryTransport) TLSExporter(label string, context []byte, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	block := []byte{}
	for len(out) < length {
		h := hmac.New(sha256.New, m.exportKey)
		h.Write(block)
		h.Write([]byte(label))
		h.Write(context)
		block = h.Sum(nil)
		out = append(out, block...)
	}
	return out[:length], nil
}

// WrittenBytes returns everything written to the transport so far.
func (m *MemoryTransport) WrittenBytes() []byte {
	return m.out.Bytes()
}
