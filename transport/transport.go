// Package transport defines the byte-stream contract the circuit engine
// runs over and provides the two implementations that satisfy it: a
// crypto/tls-backed production adapter, and an in-memory transport used by
// tests and by the CLI's debug-replay mode. The circuit engine never
// imports crypto/tls directly; it only depends on the Transport interface.
package transport

import "io"

// Transport is the bidirectional byte stream the circuit engine drives,
// plus the four accessors AUTHENTICATE-cell construction and CERTS
// validation need and that are pure functions of accumulated link state.
type Transport interface {
	// ReadExact reads exactly len(buf) bytes into buf, or returns an error.
	ReadExact(buf []byte) error
	// WriteAll writes all of buf, or returns an error.
	WriteAll(buf []byte) error
	// Close releases the underlying connection.
	Close() error

	// PeerCertHash returns SHA-256 of the peer's TLS certificate DER.
	PeerCertHash() [32]byte
	// ReadDigest returns the running SHA-256 digest of every byte read so
	// far, including cells the caller above this layer has not yet
	// inspected (e.g. PADDING/VPADDING), since AUTHENTICATE's SLOG field
	// must cover exactly what crossed the wire.
	ReadDigest() [32]byte
	// WriteDigest returns the running SHA-256 digest of every byte written
	// so far.
	WriteDigest() [32]byte
	// TLSExporter derives keying material via RFC 5705.
	TLSExporter(label string, context []byte, length int) ([]byte, error)
}

// teeDigest wraps an io.Reader, feeding every byte read into a
// running hasher before returning it to the caller.
type teeDigest struct {
	r io.Reader
	h io.Writer
}

func (t *teeDigest) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
	}
	return n, err
}

type teeWriteDigest struct {
	w io.Writer
	h io.Writer
}

func (t *teeWriteDigest) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.h.Write(p[:n])
	}
	return n, err
}
