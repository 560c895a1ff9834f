// Package firmware implements the ELF consumer contract the protocol
// engine loads images through: an entry point and the image's
// PT_LOAD segments, split into the ones that live in flash-mapped
// address space and the ones that don't.
package firmware

import (
	"bytes"
	"debug/elf"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/flashererr"
)

// Segment is one contiguous block of image data destined for a fixed
// address.
type Segment struct {
	Addr uint32
	Data []byte
}

// Image is a parsed firmware ELF, classified against a specific chip's
// address map.
type Image struct {
	entry     uint32
	segments  []Segment
	flashSize chip.FlashSize
}

// Load parses data as an ELF object and extracts its loadable
// segments. It rejects anything debug/elf can't parse, or that has no
// PT_LOAD segments at all.
func Load(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, flashererr.Wrap(flashererr.InvalidElf, err)
	}
	defer f.Close()

	var segments []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		body := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(body, 0); err != nil {
			return nil, flashererr.Wrap(flashererr.InvalidElf, err)
		}
		segments = append(segments, Segment{Addr: uint32(prog.Vaddr), Data: body})
	}

	if len(segments) == 0 {
		return nil, flashererr.Wrap(flashererr.InvalidElf, errNoLoadSegments)
	}

	return &Image{entry: uint32(f.Entry), segments: segments}, nil
}

var errNoLoadSegments = elfError("no PT_LOAD segments")

type elfError string

func (e elfError) Error() string { return string(e) }

// Entry returns the ELF's program entry point.
func (img *Image) Entry() uint32 { return img.entry }

// RAMSegments returns the segments whose address is outside c's
// flash-mapped window, in file order.
func (img *Image) RAMSegments(c chip.Chip) []Segment {
	return img.filter(func(addr uint32) bool { return !c.AddrIsFlash(addr) })
}

// ROMSegments returns the segments whose address falls inside c's
// flash-mapped window, in file order.
func (img *Image) ROMSegments(c chip.Chip) []Segment {
	return img.filter(c.AddrIsFlash)
}

func (img *Image) filter(keep func(addr uint32) bool) []Segment {
	var out []Segment
	for _, seg := range img.segments {
		if keep(seg.Addr) {
			out = append(out, seg)
		}
	}
	return out
}

// SetFlashSize records the target's detected flash size on the image,
// for layout producers that need it (none currently do, since this
// module's layout is an identity pass-through, but the slot mirrors
// the original image format's mutable flash_size field).
func (img *Image) SetFlashSize(fs chip.FlashSize) { img.flashSize = fs }

// FlashSize returns the flash size last set via SetFlashSize.
func (img *Image) FlashSize() chip.FlashSize { return img.flashSize }
