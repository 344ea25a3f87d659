// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgdelim

import "encoding/binary"

// Wire format, ported from the teacher library's internal.go: a 1-byte
// header, optional extended length bytes, then the payload.
//
//	0 <= L <= 253:          header[0] = L
//	254 <= L <= 65535:      header[0] = 0xFE, 2 extended bytes
//	65536 <= L <= 2^56-1:   header[0] = 0xFF, 7 extended bytes (low 56 bits)
const (
	headerLen      = 1
	maxLen8Bits    = 1<<8 - 3
	maxLen16Bits   = 1<<16 - 1
	maxLen56Bits   = 1<<56 - 1
	extLenMarker16 = maxLen8Bits + 1
	extLenMarker56 = maxLen8Bits + 2
)

// encodeHeader writes the header (and any extended length bytes) for a
// payload of length n into buf (which must be at least 8 bytes) and
// returns the number of header bytes written.
func encodeHeader(buf []byte, n int64, bo binary.ByteOrder) int {
	switch {
	case n <= maxLen8Bits:
		buf[0] = byte(n)
		return headerLen
	case n <= maxLen16Bits:
		buf[0] = extLenMarker16
		bo.PutUint16(buf[headerLen:headerLen+2], uint16(n))
		return headerLen + 2
	default:
		if bo == binary.LittleEndian {
			bo.PutUint64(buf[:8], uint64(n)<<8)
		} else {
			bo.PutUint64(buf[:8], uint64(n)&maxLen56Bits)
		}
		buf[0] = extLenMarker56
		return headerLen + 7
	}
}

// headerTotalLen returns the full header length (including extended
// bytes) once the first byte is known, or 0 if more header bytes are
// still needed to know (never the case here: the first byte alone
// always determines the total header length).
func headerTotalLen(first byte) int {
	switch first {
	case extLenMarker16:
		return headerLen + 2
	case extLenMarker56:
		return headerLen + 7
	default:
		return headerLen
	}
}

// decodeLength parses the payload length out of a fully-received header
// of hdr[:headerTotalLen(hdr[0])].
func decodeLength(hdr []byte, bo binary.ByteOrder) int64 {
	switch hdr[0] {
	case extLenMarker16:
		return int64(bo.Uint16(hdr[headerLen : headerLen+2]))
	case extLenMarker56:
		u64 := bo.Uint64(hdr[:8])
		if bo == binary.LittleEndian {
			return int64(u64 >> 8)
		}
		return int64(u64 & maxLen56Bits)
	default:
		return int64(hdr[0])
	}
}
