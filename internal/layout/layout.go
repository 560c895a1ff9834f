// Package layout supplies the per-chip flash-segment sequence the
// engine writes when flashing. This is the identity layout: the
// vendor on-flash image header format (checksum, segment count,
// flash_mode/flash_config byte) is not built here. This package only
// orders the ELF's own flash-mapped segments by address so
// LoadElfToFlash has a concrete, testable producer.
package layout

import (
	"sort"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/firmware"
)

// FlashSegments returns img's flash-mapped segments for c, sorted by
// address. No compression, merging, or image-header packing is
// applied beyond this ordering.
func FlashSegments(c chip.Chip, img *firmware.Image) []firmware.Segment {
	segments := img.ROMSegments(c)
	sorted := make([]firmware.Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	return sorted
}
