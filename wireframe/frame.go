// Package wireframe implements the length-prefixed frame codec peer links
// use to exchange circuit_data frames (spec §6: "peer-link" direction).
//
// Grounded on cell.Reader/cell.Writer's header-then-payload shape: a fixed
// header (here, one 4-byte big-endian length) followed by exactly that many
// payload bytes, read with io.ReadFull against a safety cap. Tor cells are
// a binary struct with a command byte; this wire has one shape (JSON) so
// the header degenerates to a bare length prefix.
package wireframe

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLen caps a single frame's JSON payload, mirroring cell.MaxVarPayloadLen's
// role as a safety bound against a malicious or corrupt length prefix.
const MaxFrameLen = 1 << 20 // 1 MiB

// Frame is one length-prefixed unit on a peer link. Type mirrors the
// message's own "type" field so callers can dispatch before unmarshaling
// Payload into a concrete struct.
type Frame struct {
	Type    string
	Payload []byte
}

// Encode marshals v (which must carry its own "type" field, per spec §6's
// wire message table) into a Frame ready to write.
func Encode(msgType string, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame %s: %w", msgType, err)
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// FromJSON wraps a raw JSON message (as delivered whole by a message-framed
// transport such as a websocket, which needs no length prefix of its own)
// into a Frame, extracting Type the same way ReadFrame does.
func FromJSON(raw []byte) (Frame, error) {
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return Frame{}, fmt.Errorf("decode json frame type: %w", err)
	}
	return Frame{Type: typed.Type, Payload: raw}, nil
}

// Unmarshal decodes f.Payload into v.
func (f Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("unmarshal frame %s: %w", f.Type, err)
	}
	return nil
}

// Reader reads length-prefixed frames from a peer link.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame reads one frame: a 4-byte big-endian length followed by that
// many JSON payload bytes. The type field inside the JSON is extracted so
// callers can dispatch without a second unmarshal.
func (fr *Reader) ReadFrame() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return Frame{}, fmt.Errorf("frame too large: %d bytes (max %d)", n, MaxFrameLen)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}

	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &typed); err != nil {
		return Frame{}, fmt.Errorf("read frame type: %w", err)
	}
	return Frame{Type: typed.Type, Payload: payload}, nil
}

// Writer writes length-prefixed frames to a peer link.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (fw *Writer) WriteFrame(f Frame) error {
	if len(f.Payload) > MaxFrameLen {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(f.Payload), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := fw.w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
