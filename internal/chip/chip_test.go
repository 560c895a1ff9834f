package chip

import (
	"errors"
	"testing"

	"github.com/embedflash/espflash/internal/flashererr"
)

func TestFromMagicValue_KnownChips(t *testing.T) {
	for c, magic := range detectMagic {
		got, ok := FromMagicValue(magic)
		if !ok {
			t.Fatalf("FromMagicValue(0x%08x) not found, want %v", magic, c)
		}
		if got != c {
			t.Errorf("FromMagicValue(0x%08x) = %v, want %v", magic, got, c)
		}
	}
}

func TestFromMagicValue_Unknown(t *testing.T) {
	if _, ok := FromMagicValue(0xdeadbeef); ok {
		t.Errorf("FromMagicValue(0xdeadbeef) matched a chip, want none")
	}
}

func TestFromRegs_EitherRegisterMatches(t *testing.T) {
	c, ok := FromRegs(0, detectMagic[Esp32c3])
	if !ok || c != Esp32c3 {
		t.Errorf("FromRegs(0, esp32c3 magic) = (%v, %v), want (Esp32c3, true)", c, ok)
	}

	c, ok = FromRegs(detectMagic[Esp32], 0)
	if !ok || c != Esp32 {
		t.Errorf("FromRegs(esp32 magic, 0) = (%v, %v), want (Esp32, true)", c, ok)
	}
}

func TestFromRegs_NeitherMatches(t *testing.T) {
	if _, ok := FromRegs(0, 0); ok {
		t.Errorf("FromRegs(0, 0) matched a chip, want none")
	}
}

func TestParseName(t *testing.T) {
	tests := map[string]Chip{
		"esp8266": Esp8266,
		"esp32":   Esp32,
		"esp32c3": Esp32c3,
	}
	for name, want := range tests {
		got, err := ParseName(name)
		if err != nil {
			t.Fatalf("ParseName(%q) error = %v", name, err)
		}
		if got != want {
			t.Errorf("ParseName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestParseName_Unrecognized(t *testing.T) {
	_, err := ParseName("esp32s3")
	if err == nil {
		t.Fatal("ParseName(\"esp32s3\") expected error, got nil")
	}
	var fe *flashererr.Error
	if !errors.As(err, &fe) || fe.Kind != flashererr.UnrecognizedChip {
		t.Errorf("ParseName(\"esp32s3\") error = %v, want UnrecognizedChip", err)
	}
}

func TestAddrIsFlash_Pure(t *testing.T) {
	// Same (chip, addr) must always produce the same answer, and the
	// chip's own window bounds must agree with itself.
	for c, w := range flashWindows {
		if !c.AddrIsFlash(w.low) {
			t.Errorf("%v.AddrIsFlash(0x%08x) = false, want true (window start)", c, w.low)
		}
		if c.AddrIsFlash(w.high) {
			t.Errorf("%v.AddrIsFlash(0x%08x) = true, want false (window end, exclusive)", c, w.high)
		}
		if got1, got2 := c.AddrIsFlash(w.low), c.AddrIsFlash(w.low); got1 != got2 {
			t.Errorf("%v.AddrIsFlash not pure: %v vs %v", c, got1, got2)
		}
	}
}

func TestAddrIsFlash_ChipsDisagreeOnBoundary(t *testing.T) {
	// An address inside ESP32's window need not be inside ESP8266's.
	esp32Addr := flashWindows[Esp32].low
	if Esp8266.AddrIsFlash(esp32Addr) {
		t.Errorf("Esp8266.AddrIsFlash(0x%08x) = true, want false (belongs to ESP32's window)", esp32Addr)
	}
}

func TestSpiRegisters_AbsoluteAddresses(t *testing.T) {
	regs := Esp32.SpiRegisters()
	if regs.Usr() != regs.Base+0x1c {
		t.Errorf("Usr() = 0x%x, want 0x%x", regs.Usr(), regs.Base+0x1c)
	}
	if regs.Cmd() != regs.Base {
		t.Errorf("Cmd() = 0x%x, want base 0x%x", regs.Cmd(), regs.Base)
	}
}

func TestSpiRegisters_Esp8266HasNoLengthRegisters(t *testing.T) {
	regs := Esp8266.SpiRegisters()
	if _, ok := regs.MosiLength(); ok {
		t.Error("Esp8266 SpiRegisters.MosiLength() ok = true, want false")
	}
	if _, ok := regs.MisoLength(); ok {
		t.Error("Esp8266 SpiRegisters.MisoLength() ok = true, want false")
	}
}

func TestSpiRegisters_Esp32HasLengthRegisters(t *testing.T) {
	regs := Esp32.SpiRegisters()
	if _, ok := regs.MosiLength(); !ok {
		t.Error("Esp32 SpiRegisters.MosiLength() ok = false, want true")
	}
	if _, ok := regs.MisoLength(); !ok {
		t.Error("Esp32 SpiRegisters.MisoLength() ok = false, want true")
	}
}

func TestTarget(t *testing.T) {
	tests := map[Chip]string{
		Esp8266: "xtensa-esp8266-none-elf",
		Esp32:   "xtensa-esp32-none-elf",
		Esp32c3: "riscv32imc-unknown-none-elf",
	}
	for c, want := range tests {
		if got := c.Target(); got != want {
			t.Errorf("%v.Target() = %q, want %q", c, got, want)
		}
	}
}

func TestFlashSizeFromByte_Exhaustive(t *testing.T) {
	for b := byte(0x12); b <= 0x18; b++ {
		fs, err := FlashSizeFromByte(b)
		if err != nil {
			t.Errorf("FlashSizeFromByte(0x%02x) error = %v", b, err)
		}
		if byte(fs) != b {
			t.Errorf("FlashSizeFromByte(0x%02x) = 0x%02x", b, byte(fs))
		}
	}
}

func TestFlashSizeFromByte_Unsupported(t *testing.T) {
	_, err := FlashSizeFromByte(0x11)
	if err == nil {
		t.Fatal("FlashSizeFromByte(0x11) expected error, got nil")
	}
	var fe *flashererr.Error
	if !errors.As(err, &fe) || fe.Kind != flashererr.UnsupportedFlash || fe.FlashByte != 0x11 {
		t.Errorf("FlashSizeFromByte(0x11) error = %v, want UnsupportedFlash(0x11)", err)
	}

	_, err = FlashSizeFromByte(0x19)
	if err == nil {
		t.Fatal("FlashSizeFromByte(0x19) expected error, got nil")
	}
}
