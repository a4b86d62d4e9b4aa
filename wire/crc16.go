package wire

// CRC-16/CCITT-FALSE: polynomial 0x1021, initial value 0xFFFF, no reflection,
// no final XOR. Detects all single-bit errors and burst errors up to 16 bits.

const crcPoly = 0x1021

var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the CRC-16 of data with the fixed initial value 0xFFFF.
func Checksum(data []byte) uint16 {
	return checksumUpdate(0xFFFF, data)
}

// checksumUpdate folds data into a running CRC, allowing the frame reader to
// checksum the header and payload without concatenating them.
func checksumUpdate(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
