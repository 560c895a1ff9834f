package layout

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/firmware"
)

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
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(94))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	offset := dataOff
	for _, s := range segs {
		binary.Write(&buf, binary.LittleEndian, uint32(1))
		binary.Write(&buf, binary.LittleEndian, offset)
		binary.Write(&buf, binary.LittleEndian, s.addr)
		binary.Write(&buf, binary.LittleEndian, s.addr)
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, uint32(5))
		binary.Write(&buf, binary.LittleEndian, uint32(1))
		offset += uint32(len(s.data))
	}
	for _, s := range segs {
		buf.Write(s.data)
	}
	return buf.Bytes()
}

func TestFlashSegments_SortedByAddress(t *testing.T) {
	high := struct {
		addr uint32
		data []byte
	}{addr: 0x400D8000, data: []byte{0xCC}}
	low := struct {
		addr uint32
		data []byte
	}{addr: 0x400D0018, data: []byte{0xAA}}

	raw := buildELF32(0x400D0018, []struct {
		addr uint32
		data []byte
	}{high, low}) // deliberately out of address order in the file

	img, err := firmware.Load(raw)
	if err != nil {
		t.Fatalf("firmware.Load() error = %v", err)
	}

	segments := FlashSegments(chip.Esp32, img)
	if len(segments) != 2 {
		t.Fatalf("FlashSegments() returned %d segments, want 2", len(segments))
	}
	if segments[0].Addr != low.addr || segments[1].Addr != high.addr {
		t.Errorf("FlashSegments() order = [0x%x, 0x%x], want [0x%x, 0x%x]",
			segments[0].Addr, segments[1].Addr, low.addr, high.addr)
	}
}

func TestFlashSegments_ExcludesRAMSegments(t *testing.T) {
	ramSeg := struct {
		addr uint32
		data []byte
	}{addr: 0x3FFE8000, data: []byte{0x01}}

	raw := buildELF32(0x3FFE8000, []struct {
		addr uint32
		data []byte
	}{ramSeg})

	img, err := firmware.Load(raw)
	if err != nil {
		t.Fatalf("firmware.Load() error = %v", err)
	}

	if segments := FlashSegments(chip.Esp32, img); len(segments) != 0 {
		t.Errorf("FlashSegments() = %+v, want none", segments)
	}
}
