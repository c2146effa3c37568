package cell

import (
	"encoding/binary"
	"io"

	"github.com/orpath/torcircuit/torerr"
)

// Reader reads Tor cells from any byte stream; callers that need
// buffering (e.g. a raw net.Conn) should wrap it in a *bufio.Reader
// themselves before passing it in.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads a cell with 4-byte CircID (link protocol v4+).
func (cr *Reader) ReadCell() (Cell, error) {
	// Read 5-byte header: 4-byte CircID + 1-byte command
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, torerr.Wrap(torerr.KindTruncated, err, "read cell header")
	}
	cmd := hdr[4]

	if IsVariableLength(cmd) {
		// Read 2-byte length
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, torerr.Wrap(torerr.KindTruncated, err, "read varlen length")
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, torerr.New(torerr.KindMalformed, "variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, 7+int(pLen))
		copy(c[0:5], hdr)
		copy(c[5:7], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[7:]); err != nil {
				return nil, torerr.Wrap(torerr.KindTruncated, err, "read varlen payload")
			}
		}
		return c, nil
	}

	// Fixed-length: read remaining 509 bytes
	c := make(Cell, FixedCellLen)
	copy(c[0:5], hdr)
	if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
		return nil, torerr.Wrap(torerr.KindTruncated, err, "read fixed payload")
	}
	return c, nil
}

// ReadVersionsCell reads a VERSIONS cell which uses 2-byte CircID.
func (cr *Reader) ReadVersionsCell() (Cell, error) {
	// 2-byte CircID + 1-byte command + 2-byte length
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, torerr.Wrap(torerr.KindTruncated, err, "read versions header")
	}
	if hdr[2] != CmdVersions {
		return nil, torerr.New(torerr.KindProtocolViolation, "expected VERSIONS (7), got command %d", hdr[2])
	}
	pLen := binary.BigEndian.Uint16(hdr[3:5])
	c := make(Cell, 5+int(pLen))
	copy(c[0:5], hdr)
	if pLen > 0 {
		if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
			return nil, torerr.Wrap(torerr.KindTruncated, err, "read versions payload")
		}
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell read with ReadVersionsCell.
// The cell format is: 2-byte CircID + 1-byte cmd + 2-byte length + payload.
// Note: VERSIONS cells have a 2-byte CircID layout, so Cell accessor methods
// (CircID, Command, Payload, PayloadLen) must NOT be used on them.
func ParseVersions(c Cell) []uint16 {
	payload := c[5:] // after 2-byte circID + cmd + 2-byte length
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

// Writer writes Tor cells.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	_, err := cw.w.Write(c)
	return err
}
