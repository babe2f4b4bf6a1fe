package crypto

import (
	"fmt"
	"io"
)

// The integrity checksum is CRC-32/CKSUM (the POSIX cksum algorithm):
// polynomial 0x04C11DB7 applied MSB-first with zero initial value, folding in
// every data byte, then the data length one byte at a time least-significant
// byte first, then complementing the result. Reference vector:
// Checksum([]byte("test")) == 0xB75D6A42.

const checksumPoly = 0x04C11DB7

var checksumTable = makeChecksumTable()

func makeChecksumTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ checksumPoly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

func checksumUpdate(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = crc<<8 ^ checksumTable[byte(crc>>24)^b]
	}
	return crc
}

func checksumFinish(crc uint32, length uint64) uint32 {
	for length > 0 {
		crc = crc<<8 ^ checksumTable[byte(crc>>24)^byte(length)]
		length >>= 8
	}
	return ^crc
}

// Checksum computes the CRC-32/CKSUM value of data.
func Checksum(data []byte) uint32 {
	return checksumFinish(checksumUpdate(0, data), uint64(len(data)))
}

// ChecksumReader computes the checksum of everything readable from r,
// returning the value and the number of bytes consumed.
func ChecksumReader(r io.Reader) (uint32, int64, error) {
	var (
		crc    uint32
		length int64
		buf    [32 * 1024]byte
	)

	for {
		n, err := r.Read(buf[:])
		crc = checksumUpdate(crc, buf[:n])
		length += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, length, fmt.Errorf("checksum read: %w", err)
		}
	}

	return checksumFinish(crc, uint64(length)), length, nil
}
