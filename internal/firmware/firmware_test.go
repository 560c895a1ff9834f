package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/flashererr"
)

// buildELF32 assembles a minimal, valid 32-bit little-endian ELF
// executable with one PT_LOAD segment per seg, for exercising the
// segment-classification logic without a real toolchain-built binary.
func buildELF32(entry uint32, segs []struct {
	addr uint32
	data []byte
}) []byte {
	const ehdrSize = 52
	const phdrSize = 32

	phoff := uint32(ehdrSize)
	dataOff := phoff + phdrSize*uint32(len(segs))

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))        // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(94))       // e_machine = EM_XTENSA (informational only)
	binary.Write(&buf, binary.LittleEndian, uint32(1))        // e_version
	binary.Write(&buf, binary.LittleEndian, entry)            // e_entry
	binary.Write(&buf, binary.LittleEndian, phoff)            // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize)) // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize)) // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	offset := dataOff
	for _, s := range segs {
		binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
		binary.Write(&buf, binary.LittleEndian, offset)    // p_offset
		binary.Write(&buf, binary.LittleEndian, s.addr)    // p_vaddr
		binary.Write(&buf, binary.LittleEndian, s.addr)    // p_paddr
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, uint32(5)) // p_flags = R+X
		binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_align
		offset += uint32(len(s.data))
	}

	for _, s := range segs {
		buf.Write(s.data)
	}

	return buf.Bytes()
}

func TestLoad_ValidELF_RAMAndROMSegments(t *testing.T) {
	ramSeg := struct {
		addr uint32
		data []byte
	}{addr: 0x3FFE8000, data: []byte{0x01, 0x02, 0x03, 0x04}}
	romSeg := struct {
		addr uint32
		data []byte
	}{addr: 0x400D0018, data: []byte{0xAA, 0xBB, 0xCC}}

	raw := buildELF32(0x400D0018, []struct {
		addr uint32
		data []byte
	}{ramSeg, romSeg})

	img, err := Load(raw)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if img.Entry() != 0x400D0018 {
		t.Errorf("Entry() = 0x%x, want 0x400D0018", img.Entry())
	}

	ram := img.RAMSegments(chip.Esp32)
	if len(ram) != 1 || ram[0].Addr != ramSeg.addr || !bytes.Equal(ram[0].Data, ramSeg.data) {
		t.Errorf("RAMSegments() = %+v, want one segment at 0x%x", ram, ramSeg.addr)
	}

	rom := img.ROMSegments(chip.Esp32)
	if len(rom) != 1 || rom[0].Addr != romSeg.addr || !bytes.Equal(rom[0].Data, romSeg.data) {
		t.Errorf("ROMSegments() = %+v, want one segment at 0x%x", rom, romSeg.addr)
	}
}

func TestLoad_RAMOnlyImage_HasNoROMSegments(t *testing.T) {
	raw := buildELF32(0x3FFE8000, []struct {
		addr uint32
		data []byte
	}{{addr: 0x3FFE8000, data: []byte{0x01, 0x02, 0x03, 0x04}}})

	img, err := Load(raw)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rom := img.ROMSegments(chip.Esp32); len(rom) != 0 {
		t.Errorf("ROMSegments() = %+v, want none", rom)
	}
}

func TestLoad_InvalidData(t *testing.T) {
	_, err := Load([]byte{0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	var fe *flashererr.Error
	if !errors.As(err, &fe) || fe.Kind != flashererr.InvalidElf {
		t.Errorf("Load() error = %v, want InvalidElf", err)
	}
}

func TestLoad_NoLoadSegments(t *testing.T) {
	raw := buildELF32(0, nil)
	_, err := Load(raw)
	if err == nil {
		t.Fatal("Load() expected error for no PT_LOAD segments, got nil")
	}
	var fe *flashererr.Error
	if !errors.As(err, &fe) || fe.Kind != flashererr.InvalidElf {
		t.Errorf("Load() error = %v, want InvalidElf", err)
	}
}

func TestImage_SetFlashSize(t *testing.T) {
	raw := buildELF32(0x3FFE8000, []struct {
		addr uint32
		data []byte
	}{{addr: 0x3FFE8000, data: []byte{0x00}}})

	img, err := Load(raw)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	img.SetFlashSize(chip.Flash4MB)
	if img.FlashSize() != chip.Flash4MB {
		t.Errorf("FlashSize() = %v, want Flash4MB", img.FlashSize())
	}
}
