// Package chip holds the static per-chip policy table: detection
// magic values, SPI controller register maps, flash-address
// classification, and target triplets for ESP8266, ESP32, and
// ESP32-C3. None of it depends on a live connection, only pure data
// and pure functions over that data.
package chip

import "github.com/embedflash/espflash/internal/flashererr"

// Chip identifies one of the three supported microcontroller families.
// Once set by detection it never changes for the life of a session.
type Chip int

const (
	Esp8266 Chip = iota
	Esp32
	Esp32c3
)

func (c Chip) String() string {
	switch c {
	case Esp8266:
		return "esp8266"
	case Esp32:
		return "esp32"
	case Esp32c3:
		return "esp32c3"
	default:
		return "unknown"
	}
}

// Target returns the compiler target triplet conventionally associated
// with firmware for this chip.
func (c Chip) Target() string {
	switch c {
	case Esp8266:
		return "xtensa-esp8266-none-elf"
	case Esp32:
		return "xtensa-esp32-none-elf"
	case Esp32c3:
		return "riscv32imc-unknown-none-elf"
	default:
		return ""
	}
}

// detectMagic is the value read back from one of the two UART date
// registers that identifies which chip family is running the ROM.
var detectMagic = map[Chip]uint32{
	Esp8266: 0xfff0c101,
	Esp32:   0x00f01d83,
	Esp32c3: 0x6921506f,
}

// FromMagicValue returns the chip whose detect magic matches value, or
// false if no known chip matches.
func FromMagicValue(value uint32) (Chip, bool) {
	for c, magic := range detectMagic {
		if magic == value {
			return c, true
		}
	}
	return 0, false
}

// FromRegs inspects both UART date registers (a chip may only answer
// on one of the two) and returns the matching chip.
func FromRegs(reg1, reg2 uint32) (Chip, bool) {
	if c, ok := FromMagicValue(reg1); ok {
		return c, ok
	}
	return FromMagicValue(reg2)
}

// ParseName maps the CLI/config chip-name tokens to a Chip. Unknown
// tokens are a closed-taxonomy UnrecognizedChip error, not a panic.
func ParseName(s string) (Chip, error) {
	switch s {
	case "esp8266":
		return Esp8266, nil
	case "esp32":
		return Esp32, nil
	case "esp32c3":
		return Esp32c3, nil
	default:
		return 0, flashererr.New(flashererr.UnrecognizedChip)
	}
}

// flashWindow is the half-open [low, high) address range the chip's
// ROM bootloader maps onto SPI flash.
type flashWindow struct {
	low, high uint32
}

var flashWindows = map[Chip]flashWindow{
	Esp8266: {low: 0x40200000, high: 0x40300000},
	Esp32:   {low: 0x400d0000, high: 0x40400000},
	Esp32c3: {low: 0x42000000, high: 0x42800000},
}

// AddrIsFlash is a pure function of (chip, addr): true if addr falls
// inside this chip's memory-mapped flash window, independent of any
// connection state.
func (c Chip) AddrIsFlash(addr uint32) bool {
	w, ok := flashWindows[c]
	if !ok {
		return false
	}
	return addr >= w.low && addr < w.high
}

// SpiRegisters is the immutable per-chip SPI controller register map.
// All fields are offsets relative to Base except where noted; use the
// accessor methods for absolute addresses. MosiLen/MisoLen are absent
// on ESP8266, which instead packs both lengths into Usr1.
type SpiRegisters struct {
	Base        uint32
	usrOff      uint32
	usr1Off     uint32
	usr2Off     uint32
	w0Off       uint32
	mosiLenOff  *uint32
	misoLenOff  *uint32
}

func off(v uint32) *uint32 { return &v }

var spiRegisters = map[Chip]SpiRegisters{
	Esp8266: {
		Base:    0x60000200,
		usrOff:  0x1c,
		usr1Off: 0x20,
		usr2Off: 0x24,
		w0Off:   0x40,
		// no mosi/miso length registers: lengths packed into Usr1
	},
	Esp32: {
		Base:       0x3FF42000,
		usrOff:     0x1c,
		usr1Off:    0x20,
		usr2Off:    0x24,
		w0Off:      0x80,
		mosiLenOff: off(0x28),
		misoLenOff: off(0x2c),
	},
	Esp32c3: {
		Base:       0x60002000,
		usrOff:     0x18,
		usr1Off:    0x1c,
		usr2Off:    0x20,
		w0Off:      0x58,
		mosiLenOff: off(0x24),
		misoLenOff: off(0x28),
	},
}

// SpiRegisters returns the SPI controller register map for this chip.
func (c Chip) SpiRegisters() SpiRegisters {
	return spiRegisters[c]
}

// Cmd returns the SPI controller's command-kick register (bit 18
// starts a transaction, and goes low again when it completes).
func (r SpiRegisters) Cmd() uint32 { return r.Base }

// Usr returns the USR config register's absolute address.
func (r SpiRegisters) Usr() uint32 { return r.Base + r.usrOff }

// Usr1 returns the USR1 config register's absolute address.
func (r SpiRegisters) Usr1() uint32 { return r.Base + r.usr1Off }

// Usr2 returns the USR2 config register's absolute address.
func (r SpiRegisters) Usr2() uint32 { return r.Base + r.usr2Off }

// W0 returns the first data/FIFO register's absolute address; W0+i
// (i=0,1,...) addresses the rest of the 16-word FIFO.
func (r SpiRegisters) W0() uint32 { return r.Base + r.w0Off }

// MosiLength returns the MOSI bit-length register's absolute address,
// and false on chips (ESP8266) that pack this into Usr1 instead.
func (r SpiRegisters) MosiLength() (uint32, bool) {
	if r.mosiLenOff == nil {
		return 0, false
	}
	return r.Base + *r.mosiLenOff, true
}

// MisoLength returns the MISO bit-length register's absolute address,
// and false on chips (ESP8266) that pack this into Usr1 instead.
func (r SpiRegisters) MisoLength() (uint32, bool) {
	if r.misoLenOff == nil {
		return 0, false
	}
	return r.Base + *r.misoLenOff, true
}
