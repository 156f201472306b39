package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/riftveil/onionmesh/protoerr"
)

// MaxFrameLen caps a single framed payload to guard against a malicious or
// corrupt peer claiming an unbounded length prefix.
const MaxFrameLen = 1 << 20 // 1 MiB

// Reader reads length-prefixed frames: a little-endian u32 byte length
// followed by that many payload bytes.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame reads one length-prefixed frame and returns its payload.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: %w: frame length %d exceeds maximum %d", protoerr.ErrDecode, n, MaxFrameLen)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return payload, nil
}

// ReadMessage reads one framed payload and decodes it as a TorMessage.
func (fr *Reader) ReadMessage() (TorMessage, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return TorMessage{}, err
	}
	msg, err := DecodeTorMessage(payload)
	if err != nil {
		return TorMessage{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return msg, nil
}

// Writer writes length-prefixed frames.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for framed writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as one length-prefixed frame.
func (fw *Writer) WriteFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// WriteMessage encodes msg and writes it as one framed payload.
func (fw *Writer) WriteMessage(msg TorMessage) error {
	return fw.WriteFrame(msg.Encode())
}

// WriteRaw writes buf unframed, used only for the terminal node → server
// link, which speaks no framing.
func (fw *Writer) WriteRaw(buf []byte) error {
	_, err := fw.w.Write(buf)
	return err
}
