package engine

// eraseSize computes how many bytes the ESP8266 ROM should erase for
// a write of size bytes starting at offset, head-aligned to the
// 16-sector erase block the chip actually erases in one operation.
// Ported from the original algorithm verbatim.
func eraseSize(offset, size int) int {
	sectorCount := (size + flashSectorSize - 1) / flashSectorSize
	startSector := offset / flashSectorSize

	headSectors := flashSectorsPerBlock - (startSector % flashSectorsPerBlock)
	if sectorCount < headSectors {
		headSectors = sectorCount
	}

	if sectorCount < 2*headSectors {
		return (sectorCount + 1) / 2 * flashSectorSize
	}
	return (sectorCount - headSectors) * flashSectorSize
}
