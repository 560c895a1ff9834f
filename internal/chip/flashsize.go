package chip

import "github.com/embedflash/espflash/internal/flashererr"

// FlashSize is the closed enumeration of flash sizes the ROM's JEDEC
// ID response can report, each carrying its device size-ID byte.
type FlashSize byte

const (
	Flash256KB FlashSize = 0x12
	Flash512KB FlashSize = 0x13
	Flash1MB   FlashSize = 0x14
	Flash2MB   FlashSize = 0x15
	Flash4MB   FlashSize = 0x16
	Flash8MB   FlashSize = 0x17
	Flash16MB  FlashSize = 0x18
)

// Bytes returns the flash size in bytes.
func (f FlashSize) Bytes() uint32 {
	switch f {
	case Flash256KB:
		return 256 * 1024
	case Flash512KB:
		return 512 * 1024
	case Flash1MB:
		return 1 * 1024 * 1024
	case Flash2MB:
		return 2 * 1024 * 1024
	case Flash4MB:
		return 4 * 1024 * 1024
	case Flash8MB:
		return 8 * 1024 * 1024
	case Flash16MB:
		return 16 * 1024 * 1024
	default:
		return 0
	}
}

func (f FlashSize) String() string {
	switch f {
	case Flash256KB:
		return "256KB"
	case Flash512KB:
		return "512KB"
	case Flash1MB:
		return "1MB"
	case Flash2MB:
		return "2MB"
	case Flash4MB:
		return "4MB"
	case Flash8MB:
		return "8MB"
	case Flash16MB:
		return "16MB"
	default:
		return "unknown"
	}
}

// FlashSizeFromByte decodes a device-reported size-ID byte (the
// top byte of a JEDEC ID response) into a FlashSize. Any byte outside
// 0x12..0x18 is a closed-taxonomy UnsupportedFlash error.
func FlashSizeFromByte(b byte) (FlashSize, error) {
	switch FlashSize(b) {
	case Flash256KB, Flash512KB, Flash1MB, Flash2MB, Flash4MB, Flash8MB, Flash16MB:
		return FlashSize(b), nil
	default:
		return 0, flashererr.NewUnsupportedFlash(b)
	}
}
