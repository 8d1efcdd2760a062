// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// CRCType selects the CRC carried by a block.
type CRCType uint64

const (
	CRCNone CRCType = 0
	CRC16   CRCType = 1
	CRC32C  CRCType = 2
)

func (c CRCType) String() string {
	switch c {
	case CRCNone:
		return "none"
	case CRC16:
		return "crc16"
	case CRC32C:
		return "crc32c"
	default:
		return fmt.Sprintf("crc(%d)", uint64(c))
	}
}

// Size returns the length in bytes of the CRC value.
func (c CRCType) Size() int {
	switch c {
	case CRC16:
		return 2
	case CRC32C:
		return 4
	default:
		return 0
	}
}

// EncodedSize returns the encoded length of the CRC byte string: a one
// byte head plus the value.
func (c CRCType) EncodedSize() int {
	if c == CRCNone {
		return 0
	}
	return 1 + c.Size()
}

func (c CRCType) valid() bool { return c <= CRC32C }

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc16Table is CRC-16/X.25: reflected polynomial 0x1021, initial
// value and final xor 0xFFFF.
var crc16Table = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		value := uint16(i)
		for range 8 {
			if value&1 != 0 {
				value = value>>1 ^ 0x8408
			} else {
				value >>= 1
			}
		}
		table[i] = value
	}
	return table
}()

// Checksum16 returns the CRC-16/X.25 of data.
func Checksum16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return crc ^ 0xFFFF
}

// Checksum32C returns the CRC-32C (Castagnoli) of data.
func Checksum32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// zeroCRC returns a zeroed CRC value of the right length, or nil for
// CRCNone.
func zeroCRC(c CRCType) []byte {
	if c == CRCNone {
		return nil
	}
	return make([]byte, c.Size())
}

// sealCRC computes the CRC of an encoded block whose final element is
// a zeroed CRC byte string and writes it into place.
func sealCRC(encoded []byte, c CRCType) {
	value := encoded[len(encoded)-c.Size():]
	switch c {
	case CRC16:
		binary.BigEndian.PutUint16(value, Checksum16(encoded))
	case CRC32C:
		binary.BigEndian.PutUint32(value, Checksum32C(encoded))
	}
}

// verifyCRC checks the CRC carried in the final element of an encoded
// block without modifying encoded.
func verifyCRC(encoded []byte, c CRCType) error {
	if c == CRCNone {
		return nil
	}
	if len(encoded) < c.EncodedSize() {
		return fmt.Errorf("%w: block shorter than its %s", ErrInvalidBlock, c)
	}
	scratch := make([]byte, len(encoded))
	copy(scratch, encoded)
	value := scratch[len(scratch)-c.Size():]
	stored := make([]byte, len(value))
	copy(stored, value)
	clear(value)

	var match bool
	switch c {
	case CRC16:
		match = binary.BigEndian.Uint16(stored) == Checksum16(scratch)
	case CRC32C:
		match = binary.BigEndian.Uint32(stored) == Checksum32C(scratch)
	}
	if !match {
		return fmt.Errorf("%w: %s", ErrCRCMismatch, c)
	}
	return nil
}
