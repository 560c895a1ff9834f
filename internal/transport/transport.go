// Package transport sits between the protocol engine and a physical
// port: it owns the serial connection, SLIP-frames outgoing commands
// and decodes incoming ones, and provides the scoped timeout and
// streamed-payload primitives the engine builds its state machine on.
package transport

import (
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/embedflash/espflash/internal/flashererr"
	"github.com/embedflash/espflash/internal/protocol"
	"github.com/embedflash/espflash/internal/serial"
	"github.com/embedflash/espflash/internal/slip"
)

// DefaultTimeout is used for commands that don't specify their own.
const DefaultTimeout = 5 * time.Second

// DefaultBaudRate is the speed every chip's ROM bootloader starts at.
const DefaultBaudRate = 115200

// Port is the subset of *serial.Port a Connection needs. Depending on
// the interface rather than the concrete type lets tests, and callers
// like the engine's test suite, substitute a fake bootloader without
// opening a real device.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	SetBaud(baud int) error
	ResetToBootloader() error
	HardReset() error
	Close() error
}

// Connection owns one open, locked serial port and speaks framed
// request/response pairs over it.
type Connection struct {
	port    Port
	timeout time.Duration
	log     *log.Logger
}

// New wraps an already-open Port in a Connection. Most callers should
// use Open instead; New exists so other packages can drive the
// protocol over a non-serial or fake Port.
func New(p Port, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Connection{port: p, timeout: DefaultTimeout, log: logger}
}

// Open locks and opens portName at baudRate. logger may be nil, in
// which case diagnostic logging is discarded.
func Open(portName string, baudRate int, logger *log.Logger) (*Connection, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, flashererr.Wrap(flashererr.ConnectionFailed, err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Connection{port: port, timeout: DefaultTimeout, log: logger}, nil
}

// Close releases the port and its advisory lock.
func (c *Connection) Close() error {
	return c.port.Close()
}

// Flush discards any buffered input, so a stale response from a prior
// command can't be mistaken for the next one's.
func (c *Connection) Flush() error {
	return c.port.Flush()
}

// SetBaud reconfigures the already-open port's baud rate, used after
// the ROM acknowledges CmdChangeBaud.
func (c *Connection) SetBaud(baud int) error {
	c.log.Debug("changing baud rate", "baud", baud)
	return c.port.SetBaud(baud)
}

// ResetToBootloader drives DTR/RTS to drop the chip into the ROM
// bootloader's download mode.
func (c *Connection) ResetToBootloader() error {
	return c.port.ResetToBootloader()
}

// HardReset drives DTR/RTS to reboot into the normal application.
func (c *Connection) HardReset() error {
	return c.port.HardReset()
}

// SetDefaultTimeout replaces the connection's default command
// timeout outright (not scoped; use WithTimeout for a temporary
// change). The engine calls this once after a successful handshake to
// move from the short sync-probe timeout to the longer steady-state
// one.
func (c *Connection) SetDefaultTimeout(d time.Duration) {
	c.timeout = d
}

// WithTimeout runs fn with the connection's default command timeout
// temporarily set to d. The previous timeout is restored via defer,
// which fires on every exit path, including a panic unwinding
// through fn, since Go runs deferred calls during a panic before it
// propagates further.
func (c *Connection) WithTimeout(d time.Duration, fn func() error) error {
	prev := c.timeout
	c.timeout = d
	defer func() { c.timeout = prev }()
	return fn()
}

// Command sends cmd with payload and waits for a response, using the
// connection's current default timeout.
func (c *Connection) Command(cmd protocol.Command, payload []byte) (*protocol.Response, error) {
	return c.CommandTimeout(cmd, payload, c.timeout)
}

// CommandTimeout sends cmd with payload and waits up to timeout for a
// response whose ReturnOp matches cmd, discarding any stray or echoed
// frame that doesn't.
func (c *Connection) CommandTimeout(cmd protocol.Command, payload []byte, timeout time.Duration) (*protocol.Response, error) {
	req := protocol.NewRequest(cmd, payload)
	frame := slip.Encode(req.Encode())

	c.log.Debug("write command", "command", cmd, "bytes", len(payload))
	if _, err := c.port.Write(frame); err != nil {
		return nil, flashererr.Wrap(flashererr.IO, err)
	}

	return c.readResponseMatching(cmd, timeout)
}

// StreamCommand emits cmd's header followed by a body produced by
// fill, SLIP-encoding both directly onto the port so the caller never
// has to stage the whole frame (header plus payload) in memory; only
// the block fill writes into its own small buffer before handing
// bytes to the encoder.
func (c *Connection) StreamCommand(cmd protocol.Command, length int, checksum uint32, fill func(io.Writer) error) (*protocol.Response, error) {
	enc := slip.NewEncoder(c.port)

	header := protocol.EncodeHeader(cmd, length, checksum)
	if _, err := enc.Write(header); err != nil {
		return nil, flashererr.Wrap(flashererr.IO, err)
	}
	if err := fill(enc); err != nil {
		return nil, flashererr.Wrap(flashererr.IO, err)
	}
	if err := enc.Close(); err != nil {
		return nil, flashererr.Wrap(flashererr.IO, err)
	}

	return c.readResponseMatching(cmd, c.timeout)
}

// readResponseMatching reads frames until one decodes with
// ReturnOp == want, or timeout elapses overall. A stray echo (the same
// hazard the Sync drain exists for) is discarded rather than
// misattributed to the caller's command.
func (c *Connection) readResponseMatching(want protocol.Command, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, flashererr.New(flashererr.Timeout)
		}
		resp, err := c.readResponse(remaining)
		if err != nil {
			return nil, err
		}
		if resp.ReturnOp == want {
			return resp, nil
		}
		c.log.Debug("discarding stray response", "want", want, "got", resp.ReturnOp)
	}
}

// WriteCommand sends cmd with payload without waiting for a response.
// Used for commands whose reply can't be reliably awaited: Sync's
// probe writes (the device may echo zero, one, or several frames) and
// MemEnd/FlashEnd, which can make the chip jump to user code or reboot
// before any acknowledgement arrives.
func (c *Connection) WriteCommand(cmd protocol.Command, payload []byte) error {
	req := protocol.NewRequest(cmd, payload)
	frame := slip.Encode(req.Encode())

	c.log.Debug("write command (no response expected)", "command", cmd, "bytes", len(payload))
	if _, err := c.port.Write(frame); err != nil {
		return flashererr.Wrap(flashererr.IO, err)
	}
	return nil
}

// ReadResponse reads a single response frame without sending
// anything first, up to timeout. Used to drain the extra echoes a ROM
// bootloader sends back after a successful Sync.
func (c *Connection) ReadResponse(timeout time.Duration) (*protocol.Response, error) {
	return c.readResponse(timeout)
}

// readResponse reads from the port until a complete SLIP frame
// decodes to a response, or timeout elapses. Frames shorter than a
// response header are skipped; a frame that fails SLIP or header
// decoding is returned as a Framing error.
func (c *Connection) readResponse(timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	var buffer []byte

	for time.Now().Before(deadline) {
		chunk := make([]byte, 256)
		n, err := c.port.ReadWithTimeout(chunk, 100*time.Millisecond)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
		}
		if err != nil && n == 0 {
			continue
		}

		frame, remaining := slip.ReadFrame(buffer)
		if frame == nil {
			continue
		}
		buffer = remaining

		data, err := slip.Decode(frame)
		if err != nil {
			return nil, flashererr.Wrap(flashererr.Framing, err)
		}
		if len(data) < 10 {
			continue
		}

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			return nil, flashererr.Wrap(flashererr.Framing, err)
		}
		return resp, nil
	}

	return nil, flashererr.New(flashererr.Timeout)
}
