package nvme

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a byte slice is too short to
// decode the requested record.
var ErrInsufficientData = errors.New("nvme: insufficient data")

// MarshalSubmissionEntry encodes a SubmissionEntry into its 64-byte
// little-endian wire form. Field layout follows the NVMe common command
// format: opcode byte, fused/psdt byte, CID, NSID, two reserved dwords
// and the metadata pointer (left zero), the two data-pointer words,
// then Cdw10..Cdw15.
func MarshalSubmissionEntry(e *SubmissionEntry) []byte {
	buf := make([]byte, SubmissionEntrySize)

	buf[0] = byte(e.Opcode)
	buf[1] = (e.Fused << 6) | (e.PRPOrSGL << 4)
	binary.LittleEndian.PutUint16(buf[2:4], e.CID)
	binary.LittleEndian.PutUint32(buf[4:8], e.NSID)
	// buf[8:16] and buf[16:24] are the reserved/metadata dwords (Cdw2/Cdw3, MPTR); left zero.
	binary.LittleEndian.PutUint64(buf[24:32], e.DPTR1)
	binary.LittleEndian.PutUint64(buf[32:40], e.DPTR2)
	binary.LittleEndian.PutUint32(buf[40:44], e.Cdw10)
	binary.LittleEndian.PutUint32(buf[44:48], e.Cdw11)
	binary.LittleEndian.PutUint32(buf[48:52], e.Cdw12)
	binary.LittleEndian.PutUint32(buf[52:56], e.Cdw13)
	binary.LittleEndian.PutUint32(buf[56:60], e.Cdw14)
	binary.LittleEndian.PutUint32(buf[60:64], e.Cdw15)

	return buf
}

// UnmarshalSubmissionEntry decodes a 64-byte wire record into e.
func UnmarshalSubmissionEntry(data []byte, e *SubmissionEntry) error {
	if len(data) < SubmissionEntrySize {
		return ErrInsufficientData
	}

	e.Opcode = Opcode(data[0])
	e.Fused = (data[1] >> 6) & 0x3
	e.PRPOrSGL = (data[1] >> 4) & 0x3
	e.CID = binary.LittleEndian.Uint16(data[2:4])
	e.NSID = binary.LittleEndian.Uint32(data[4:8])
	e.DPTR1 = binary.LittleEndian.Uint64(data[24:32])
	e.DPTR2 = binary.LittleEndian.Uint64(data[32:40])
	e.Cdw10 = binary.LittleEndian.Uint32(data[40:44])
	e.Cdw11 = binary.LittleEndian.Uint32(data[44:48])
	e.Cdw12 = binary.LittleEndian.Uint32(data[48:52])
	e.Cdw13 = binary.LittleEndian.Uint32(data[52:56])
	e.Cdw14 = binary.LittleEndian.Uint32(data[56:60])
	e.Cdw15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// MarshalCompletionEntry encodes a CompletionEntry into its 16-byte
// little-endian wire form. The status word packs P in bit 0, DNR in
// bit 15, SC in bits 1-8, and SCT in bits 9-11, matching the NVMe
// completion queue entry phase/status word.
func MarshalCompletionEntry(e *CompletionEntry) []byte {
	buf := make([]byte, CompletionEntrySize)

	binary.LittleEndian.PutUint32(buf[0:4], e.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], e.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], e.SQHD)
	binary.LittleEndian.PutUint16(buf[10:12], e.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], e.CID)

	var status uint16
	if e.P {
		status |= 1 << 0
	}
	status |= uint16(e.SC) << 1
	status |= uint16(e.SCT) << 9
	if e.DNR {
		status |= 1 << 15
	}
	binary.LittleEndian.PutUint16(buf[14:16], status)

	return buf
}

// UnmarshalCompletionEntry decodes a 16-byte wire record into e.
func UnmarshalCompletionEntry(data []byte, e *CompletionEntry) error {
	if len(data) < CompletionEntrySize {
		return ErrInsufficientData
	}

	e.DW0 = binary.LittleEndian.Uint32(data[0:4])
	e.DW1 = binary.LittleEndian.Uint32(data[4:8])
	e.SQHD = binary.LittleEndian.Uint16(data[8:10])
	e.SQID = binary.LittleEndian.Uint16(data[10:12])
	e.CID = binary.LittleEndian.Uint16(data[12:14])

	status := binary.LittleEndian.Uint16(data[14:16])
	e.P = status&(1<<0) != 0
	e.SC = uint8((status >> 1) & 0xff)
	e.SCT = uint8((status >> 9) & 0x7)
	e.DNR = status&(1<<15) != 0

	return nil
}
