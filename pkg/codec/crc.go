package codec

// CRC8Table is CRC-8 with polynomial 0x07, initial value 0 and no reflection.
var CRC8Table = makeCRC8Table(0x07)

func makeCRC8Table(poly byte) [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC8 computes the table-driven CRC-8 (poly 0x07, init 0) of data.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = CRC8Table[crc^b]
	}
	return crc
}

// DJI checksums are reflected CRCs. The initial values below are the bit-reversed seeds 0xEE and
// 0x496C, and the polynomials the bit-reversed 0x31 and 0x1021.
const (
	djiCRC8Init  = 0x77
	djiCRC8Poly  = 0x8C
	djiCRC16Init = 0x3692
	djiCRC16Poly = 0x8408
)

// DJICRC8 is the header checksum of DJI frames.
func DJICRC8(data []byte) byte {
	crc := byte(djiCRC8Init)
	for _, b := range data {
		crc ^= b
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ djiCRC8Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// DJICRC16 is the trailing checksum of DJI frames.
func DJICRC16(data []byte) uint16 {
	crc := uint16(djiCRC16Init)
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ djiCRC16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
