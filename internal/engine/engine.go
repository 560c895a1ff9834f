// Package engine implements the protocol engine: the state machine
// that takes a freshly opened transport from reset through sync,
// chip/flash discovery, and RAM or flash image transfer. Grounded
// step-by-step on the original espflash Flasher (chip_detect, sync,
// start_connection, spi_command, load_elf_to_ram, load_elf_to_flash,
// change_baud), restructured into idiomatic Go: explicit error
// returns instead of `?`, a context.Context thread through the
// cancelable operations.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/firmware"
	"github.com/embedflash/espflash/internal/flashererr"
	"github.com/embedflash/espflash/internal/layout"
	"github.com/embedflash/espflash/internal/protocol"
	"github.com/embedflash/espflash/internal/transport"
)

const (
	maxRAMBlockSize      = 0x1800
	flashSectorSize      = 0x1000
	flashPageSize        = 0x100
	flashSectorsPerBlock = flashSectorSize / flashPageSize
	flashWriteSize       = 0x400

	uartDateRegAddr  = 0x60000078
	uartDateReg2Addr = 0x3f400074
)

const (
	syncTimeout      = 100 * time.Millisecond
	steadyTimeout    = 3 * time.Second
	syncAttempts     = 10
	syncEchoesToDrain = 7
)

// Engine drives the ROM bootloader wire protocol over a Connection.
// Once Connect succeeds, Chip and FlashSize describe the attached
// device, and LoadElfToRAM/LoadElfToFlash can transfer an image.
type Engine struct {
	conn      *transport.Connection
	chip      chip.Chip
	flashSize chip.FlashSize
	log       *log.Logger
	onProgress func(current, total int)
}

// SetProgressCallback installs a callback LoadElfToFlash/LoadElfToRAM
// invoke after each block write, reporting blocks written so far out
// of the total blocks the current segment needs. A nil callback (the
// default) disables reporting.
func (e *Engine) SetProgressCallback(fn func(current, total int)) {
	e.onProgress = fn
}

func (e *Engine) reportProgress(current, total int) {
	if e.onProgress != nil {
		e.onProgress(current, total)
	}
}

// Connect resets the device into the ROM bootloader, synchronizes
// with it, detects the chip and its flash, and returns a ready
// Engine. logger may be nil to discard diagnostics.
func Connect(ctx context.Context, conn *transport.Connection, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	e := &Engine{conn: conn, log: logger}

	if err := e.startConnection(ctx); err != nil {
		return nil, err
	}
	e.conn.SetDefaultTimeout(steadyTimeout)

	if err := e.chipDetect(); err != nil {
		return nil, err
	}
	e.log.Info("chip detected", "chip", e.chip)

	if err := e.enableFlash(); err != nil {
		return nil, err
	}
	if err := e.flashDetect(); err != nil {
		return nil, err
	}
	e.log.Info("flash detected", "size", e.flashSize)

	return e, nil
}

// Chip returns the chip detected during Connect.
func (e *Engine) Chip() chip.Chip { return e.chip }

// FlashSize returns the flash size detected during Connect.
func (e *Engine) FlashSize() chip.FlashSize { return e.flashSize }

// Close releases the underlying connection and its port lock.
func (e *Engine) Close() error { return e.conn.Close() }

func (e *Engine) startConnection(ctx context.Context) error {
	if err := e.conn.ResetToBootloader(); err != nil {
		return flashererr.Wrap(flashererr.ConnectionFailed, err)
	}
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.conn.Flush()
		if err := e.sync(); err == nil {
			return nil
		}
		e.log.Debug("sync attempt failed", "attempt", attempt)
	}
	return flashererr.New(flashererr.ConnectionFailed)
}

// sync sends one Sync probe and waits for the ROM's echo. A
// successful sync is followed by draining the extra echoes the ROM
// sends back (it replies to the probe's internal structure multiple
// times), so they don't get mistaken for the next command's response.
func (e *Engine) sync() error {
	if err := e.conn.WriteCommand(protocol.CmdSync, protocol.SyncPayload()); err != nil {
		return err
	}

	resp, err := e.conn.ReadResponse(syncTimeout)
	if err != nil {
		return err
	}
	if resp.ReturnOp != protocol.CmdSync {
		return flashererr.New(flashererr.ConnectionFailed)
	}
	if !resp.IsSuccess() {
		return flashererr.NewRom(resp.ErrorC)
	}

	for i := 0; i < syncEchoesToDrain; i++ {
		e.conn.ReadResponse(syncTimeout)
	}
	return nil
}

func (e *Engine) chipDetect() error {
	reg1, err := e.ReadReg(uartDateRegAddr)
	if err != nil {
		return err
	}
	reg2, err := e.ReadReg(uartDateReg2Addr)
	if err != nil {
		return err
	}

	c, ok := chip.FromRegs(reg1, reg2)
	if !ok {
		return flashererr.New(flashererr.UnrecognizedChip)
	}
	e.chip = c
	return nil
}

func (e *Engine) flashDetect() error {
	flashID, err := e.SpiCommand(0x9f, nil, 24)
	if err != nil {
		return err
	}
	sizeID := byte(flashID >> 16)

	fs, err := chip.FlashSizeFromByte(sizeID)
	if err != nil {
		return err
	}
	e.flashSize = fs
	return nil
}

// enableFlash attaches the SPI flash so subsequent flash commands
// work. ESP8266's ROM has no SpiAttach command; a FlashBegin with a
// zero-length write does the equivalent setup on that chip.
func (e *Engine) enableFlash() error {
	if e.chip == chip.Esp8266 {
		return e.beginCommand(protocol.CmdFlashBegin, 0, 0, flashWriteSize, 0)
	}
	_, err := e.command(protocol.CmdSpiAttach, make([]byte, 5))
	return err
}

// command sends cmd and translates a ROM-reported failure into a
// flashererr.Rom error.
func (e *Engine) command(cmd protocol.Command, payload []byte) (*protocol.Response, error) {
	resp, err := e.conn.Command(cmd, payload)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, flashererr.NewRom(resp.ErrorC)
	}
	return resp, nil
}

func (e *Engine) beginCommand(cmd protocol.Command, size, blocks, blockSize, offset uint32) error {
	params := protocol.BeginParams{Size: size, Blocks: blocks, BlockSize: blockSize, Offset: offset}
	_, err := e.command(cmd, params.Encode())
	return err
}

// blockCommand streams one data block of a begin/block/end transfer,
// padding it to paddingByte and folding the checksum over data then
// padding, matching the original block_command algorithm.
func (e *Engine) blockCommand(cmd protocol.Command, data []byte, padding int, paddingByte byte, sequence uint32) error {
	params := protocol.BlockParams{Size: uint32(len(data) + padding), Sequence: sequence}
	length := 16 + len(data) + padding

	check := protocol.Checksum(data, protocol.ChecksumInit)
	if padding > 0 {
		padBuf := make([]byte, padding)
		for i := range padBuf {
			padBuf[i] = paddingByte
		}
		check = protocol.Checksum(padBuf, check)
	}

	resp, err := e.conn.StreamCommand(cmd, length, uint32(check), func(w io.Writer) error {
		if _, err := w.Write(params.Encode()); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if padding > 0 {
			padBuf := make([]byte, padding)
			for i := range padBuf {
				padBuf[i] = paddingByte
			}
			if _, err := w.Write(padBuf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return flashererr.NewRom(resp.ErrorC)
	}
	return nil
}

// ReadReg issues ReadReg for addr and returns the ROM's reported
// register value.
func (e *Engine) ReadReg(addr uint32) (uint32, error) {
	payload := make([]byte, 4)
	leUint32(payload, addr)
	resp, err := e.command(protocol.CmdReadReg, payload)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg issues WriteReg for addr, masking with mask (0xFFFFFFFF to
// write the full value).
func (e *Engine) WriteReg(addr, value, mask uint32) error {
	params := protocol.WriteRegParams{Addr: addr, Value: value, Mask: mask, DelayUs: 0}
	_, err := e.command(protocol.CmdWriteReg, params.Encode())
	return err
}

// SpiCommand performs the bit-exact indirect SPI routine: it saves
// the chip's current SPI USR/USR2 configuration, pokes in command,
// data, and expected read-length, fires the transaction, polls for
// completion, and restores the prior configuration before returning
// the 32-bit result latched into the W0 register.
func (e *Engine) SpiCommand(command byte, data []byte, readBits uint32) (uint32, error) {
	if readBits >= 32 {
		return 0, fmt.Errorf("engine: readBits must be < 32, got %d", readBits)
	}
	if len(data) >= 64 {
		return 0, fmt.Errorf("engine: spi command data must be < 64 bytes, got %d", len(data))
	}

	regs := e.chip.SpiRegisters()

	oldUsr, err := e.ReadReg(regs.Usr())
	if err != nil {
		return 0, err
	}
	oldUsr2, err := e.ReadReg(regs.Usr2())
	if err != nil {
		return 0, err
	}

	var flags uint32 = 1 << 31
	if len(data) > 0 {
		flags |= 1 << 27
	}
	if readBits > 0 {
		flags |= 1 << 28
	}

	if err := e.WriteReg(regs.Usr(), flags, 0xFFFFFFFF); err != nil {
		return 0, err
	}
	if err := e.WriteReg(regs.Usr2(), 7<<28|uint32(command), 0xFFFFFFFF); err != nil {
		return 0, err
	}

	mosiLen, hasMosiLen := regs.MosiLength()
	misoLen, hasMisoLen := regs.MisoLength()
	if hasMosiLen && hasMisoLen {
		if len(data) > 0 {
			if err := e.WriteReg(mosiLen, uint32(len(data))*8-1, 0xFFFFFFFF); err != nil {
				return 0, err
			}
		}
		if readBits > 0 {
			if err := e.WriteReg(misoLen, readBits-1, 0xFFFFFFFF); err != nil {
				return 0, err
			}
		}
	} else {
		var mosiMask uint32
		if len(data) > 0 {
			mosiMask = uint32(len(data))*8 - 1
		}
		var misoMask uint32
		if readBits > 0 {
			misoMask = readBits - 1
		}
		if err := e.WriteReg(regs.Usr1(), misoMask<<8|mosiMask<<17, 0xFFFFFFFF); err != nil {
			return 0, err
		}
	}

	if len(data) == 0 {
		if err := e.WriteReg(regs.W0(), 0, 0xFFFFFFFF); err != nil {
			return 0, err
		}
	} else {
		for i := 0; i*4 < len(data); i++ {
			chunk := data[i*4:]
			if len(chunk) > 4 {
				chunk = chunk[:4]
			}
			var word [4]byte
			copy(word[:], chunk)
			if err := e.WriteReg(regs.W0()+uint32(i), leGetUint32(word[:]), 0xFFFFFFFF); err != nil {
				return 0, err
			}
		}
	}

	if err := e.WriteReg(regs.Cmd(), 1<<18, 0xFFFFFFFF); err != nil {
		return 0, err
	}

	for poll := 0; ; poll++ {
		time.Sleep(time.Millisecond)
		usr, err := e.ReadReg(regs.Usr())
		if err != nil {
			return 0, err
		}
		if usr&(1<<18) == 0 {
			break
		}
		if poll >= 10 {
			return 0, flashererr.New(flashererr.Timeout)
		}
	}

	result, err := e.ReadReg(regs.W0())
	if err != nil {
		return 0, err
	}

	if err := e.WriteReg(regs.Usr(), oldUsr, 0xFFFFFFFF); err != nil {
		return 0, err
	}
	if err := e.WriteReg(regs.Usr2(), oldUsr2, 0xFFFFFFFF); err != nil {
		return 0, err
	}

	return result, nil
}

// ramBlockPadding returns the number of zero bytes needed to round n
// up to a 4-byte boundary. Unlike the literal original formula
// (4 - n%4, which yields 4 on an already-aligned length), this uses
// (4 - n%4) % 4 so an aligned segment is never over-padded.
func ramBlockPadding(n int) int {
	return (4 - n%4) % 4
}

// LoadElfToRAM loads elf's RAM segments over the wire and branches to
// its entry point. It never touches flash. Returns
// flashererr.ElfNotRamLoadable if elf has any flash-mapped segments.
func (e *Engine) LoadElfToRAM(elf *firmware.Image) error {
	if len(elf.ROMSegments(e.chip)) > 0 {
		return flashererr.New(flashererr.ElfNotRamLoadable)
	}

	for _, segment := range elf.RAMSegments(e.chip) {
		padding := ramBlockPadding(len(segment.Data))
		blockCount := (len(segment.Data) + padding + maxRAMBlockSize - 1) / maxRAMBlockSize

		if err := e.beginCommand(protocol.CmdMemBegin, uint32(len(segment.Data)), uint32(blockCount), maxRAMBlockSize, segment.Addr); err != nil {
			return err
		}

		for i := 0; i < blockCount; i++ {
			start := i * maxRAMBlockSize
			end := start + maxRAMBlockSize
			if end > len(segment.Data) {
				end = len(segment.Data)
			}
			block := segment.Data[start:end]

			blockPadding := 0
			if i == blockCount-1 {
				blockPadding = padding
			}
			if err := e.blockCommand(protocol.CmdMemData, block, blockPadding, 0x00, uint32(i)); err != nil {
				return err
			}
			e.reportProgress(i+1, blockCount)
		}
	}

	entry := elf.Entry()
	params := protocol.EntryParams{Entry: entry}
	if entry == 0 {
		params.NoEntry = 1
	}
	return e.conn.WriteCommand(protocol.CmdMemEnd, params.Encode())
}

// LoadElfToFlash writes elf's flash-mapped segments to flash in the
// order layout.FlashSegments produces, then resets the device into
// its freshly flashed application.
func (e *Engine) LoadElfToFlash(elf *firmware.Image) error {
	if err := e.enableFlash(); err != nil {
		return err
	}
	elf.SetFlashSize(e.flashSize)

	for _, segment := range layout.FlashSegments(e.chip, elf) {
		blockCount := (len(segment.Data) + flashWriteSize - 1) / flashWriteSize

		var segEraseSize uint32
		if e.chip == chip.Esp8266 {
			segEraseSize = uint32(eraseSize(int(segment.Addr), len(segment.Data)))
		} else {
			segEraseSize = uint32(len(segment.Data))
		}

		e.log.Info("flashing segment", "addr", fmt.Sprintf("0x%05x", segment.Addr), "bytes", len(segment.Data))

		if err := e.beginCommand(protocol.CmdFlashBegin, segEraseSize, uint32(blockCount), flashWriteSize, segment.Addr); err != nil {
			return err
		}

		for i := 0; i*flashWriteSize < len(segment.Data); i++ {
			start := i * flashWriteSize
			end := start + flashWriteSize
			if end > len(segment.Data) {
				end = len(segment.Data)
			}
			block := segment.Data[start:end]
			blockPadding := flashWriteSize - len(block)
			if err := e.blockCommand(protocol.CmdFlashData, block, blockPadding, 0xFF, uint32(i)); err != nil {
				return err
			}
			e.reportProgress(i+1, blockCount)
		}
	}

	if err := e.conn.WriteCommand(protocol.CmdFlashEnd, []byte{1}); err != nil {
		return err
	}
	return e.conn.HardReset()
}

// ChangeBaud asks the ROM to switch to baud and reconfigures the local
// port to match. ESP8266's ROM has no ChangeBaud command; callers get
// flashererr.ErrBaudNotSupported and may continue at the current baud.
func (e *Engine) ChangeBaud(baud int) error {
	if e.chip == chip.Esp8266 {
		return flashererr.ErrBaudNotSupported
	}

	payload := make([]byte, 8)
	leUint32(payload[0:4], uint32(baud))
	// payload[4:8] (old speed) left zero: the ROM ignores it once it's
	// already running, it's only meaningful to a stub loader.

	if _, err := e.command(protocol.CmdChangeBaud, payload); err != nil {
		return err
	}
	if err := e.conn.SetBaud(baud); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return e.conn.Flush()
}

func leUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func leGetUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
