// Package slip implements SLIP byte-stuffed framing over a serial byte
// stream. It knows nothing about the ROM bootloader protocol carried
// inside a frame, only how to delimit and escape one.
package slip

import (
	"fmt"
	"io"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	// Pre-allocate with some extra space for escapes
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode extracts data from a SLIP frame, including its END delimiters.
// Returns an error if an escape byte is followed by anything other than
// EscEnd or EscEsc, or is the final byte of the frame.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, nil
	}

	// Strip leading/trailing END bytes
	start := 0
	end := len(frame)

	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	if start >= end {
		return nil, nil
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		if data[i] == Esc {
			if i+1 >= len(data) {
				return nil, fmt.Errorf("slip: dangling escape byte at end of frame")
			}
			switch data[i+1] {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				return nil, fmt.Errorf("slip: invalid escape sequence 0x%02x 0x%02x", data[i], data[i+1])
			}
			i += 2
		} else {
			result = append(result, data[i])
			i++
		}
	}

	return result, nil
}

// Encoder SLIP-encodes a byte stream directly onto an io.Writer,
// escaping as it goes so a caller can emit a large payload (a flash
// block, an ELF segment) without ever staging the whole encoded frame
// in memory.
type Encoder struct {
	w       io.Writer
	started bool
}

// NewEncoder wraps w. The leading END delimiter is written lazily, on
// the first Write or Close call, so constructing an Encoder that's
// never used emits nothing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) ensureStarted() error {
	if e.started {
		return nil
	}
	if _, err := e.w.Write([]byte{End}); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Write escapes and emits p, batching unescaped runs into a single
// underlying Write so a large unescaped payload doesn't cost one
// syscall per byte. It implements io.Writer.
func (e *Encoder) Write(p []byte) (int, error) {
	if err := e.ensureStarted(); err != nil {
		return 0, err
	}

	runStart := 0
	flush := func(upTo int) error {
		if upTo <= runStart {
			return nil
		}
		_, err := e.w.Write(p[runStart:upTo])
		return err
	}

	for i, b := range p {
		if b != End && b != Esc {
			continue
		}
		if err := flush(i); err != nil {
			return 0, err
		}
		var escaped []byte
		if b == End {
			escaped = []byte{Esc, EscEnd}
		} else {
			escaped = []byte{Esc, EscEsc}
		}
		if _, err := e.w.Write(escaped); err != nil {
			return 0, err
		}
		runStart = i + 1
	}
	if err := flush(len(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the closing END delimiter, starting the frame first if
// no bytes were ever written (an empty frame is still valid SLIP).
func (e *Encoder) Close() error {
	if err := e.ensureStarted(); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{End})
	return err
}

// ReadFrame reads a complete SLIP frame from a byte stream.
// Returns the frame (including END delimiters) and remaining bytes.
// If no complete frame is present yet, frame is nil and remaining is
// the original data unmodified, so a caller can append more bytes and
// retry. Leading garbage before the first END byte is discarded.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	// Find start of frame (skip leading END bytes or find first END)
	start := -1
	for i, b := range data {
		if b == End {
			start = i
			break
		}
	}

	if start == -1 {
		return nil, data
	}

	// Find end of frame (next END after some data)
	inFrame := false
	for i := start; i < len(data); i++ {
		if data[i] == End {
			if inFrame {
				// Found the closing END
				return data[start : i+1], data[i+1:]
			}
		} else {
			inFrame = true
		}
	}

	// Frame not complete yet
	return nil, data
}
