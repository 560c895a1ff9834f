package protocol

import "encoding/binary"

// BeginParams is the four-u32 little-endian payload shared by
// FlashBegin and MemBegin.
type BeginParams struct {
	Size      uint32
	Blocks    uint32
	BlockSize uint32
	Offset    uint32
}

// Encode serializes p to its 16-byte little-endian wire form.
func (p BeginParams) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], p.Size)
	binary.LittleEndian.PutUint32(buf[4:8], p.Blocks)
	binary.LittleEndian.PutUint32(buf[8:12], p.BlockSize)
	binary.LittleEndian.PutUint32(buf[12:16], p.Offset)
	return buf
}

// BlockParams is the 16-byte header in front of each FlashData/MemData
// block's payload bytes.
type BlockParams struct {
	Size     uint32
	Sequence uint32
}

// Encode serializes p's header (the two reserved trailing u32s are
// always zero).
func (p BlockParams) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], p.Size)
	binary.LittleEndian.PutUint32(buf[4:8], p.Sequence)
	return buf
}

// WriteRegParams is the payload for WriteReg.
type WriteRegParams struct {
	Addr    uint32
	Value   uint32
	Mask    uint32
	DelayUs uint32
}

// Encode serializes p to its 16-byte little-endian wire form. Mask is
// written as given (a zero Mask is not replaced); construct with
// Mask: 0xFFFFFFFF for a plain write.
func (p WriteRegParams) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], p.Addr)
	binary.LittleEndian.PutUint32(buf[4:8], p.Value)
	binary.LittleEndian.PutUint32(buf[8:12], p.Mask)
	binary.LittleEndian.PutUint32(buf[12:16], p.DelayUs)
	return buf
}

// EntryParams is the payload for MemEnd.
type EntryParams struct {
	NoEntry uint32
	Entry   uint32
}

// Encode serializes p to its 8-byte little-endian wire form.
func (p EntryParams) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.NoEntry)
	binary.LittleEndian.PutUint32(buf[4:8], p.Entry)
	return buf
}

// SyncPayload is the fixed 36-byte Sync command payload: 07 07 12 20
// followed by thirty-two 0x55 bytes.
func SyncPayload() []byte {
	data := make([]byte, 36)
	data[0], data[1], data[2], data[3] = 0x07, 0x07, 0x12, 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}
