// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/bpagent/lib/codec"
)

// PrimaryBlock is the logical content of a bundle's primary block.
type PrimaryBlock struct {
	Version     uint64
	Flags       BundleFlags
	CRCType     CRCType
	Destination EID
	Source      EID
	ReportTo    EID
	Timestamp   CreationTimestamp
	// Lifetime is in milliseconds after the creation time.
	Lifetime uint64

	// Fragment fields are present only when FlagIsFragment is set.
	FragmentOffset uint64
	TotalADULength uint64
}

// LifetimeDuration returns Lifetime as a time.Duration.
func (p *PrimaryBlock) LifetimeDuration() time.Duration {
	return time.Duration(p.Lifetime) * time.Millisecond
}

// ExpiresAt returns when the bundle expires, or the zero time if the
// creation time is unknown.
func (p *PrimaryBlock) ExpiresAt() time.Time {
	created := p.Timestamp.CreatedAt()
	if created.IsZero() {
		return time.Time{}
	}
	return created.Add(p.LifetimeDuration())
}

// EncodePrimary returns the CBOR array encoding of p with its CRC
// computed.
func EncodePrimary(p *PrimaryBlock) ([]byte, error) {
	if p.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if !p.CRCType.valid() {
		return nil, fmt.Errorf("%w: crc type %d", ErrInvalidBlock, uint64(p.CRCType))
	}
	destination, err := p.Destination.wire()
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	source, err := p.Source.wire()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	reportTo, err := p.ReportTo.wire()
	if err != nil {
		return nil, fmt.Errorf("report-to: %w", err)
	}

	fields := make([]any, 0, 11)
	fields = append(fields,
		p.Version,
		uint64(p.Flags),
		uint64(p.CRCType),
		destination,
		source,
		reportTo,
		[]uint64{p.Timestamp.Time, p.Timestamp.Sequence},
		p.Lifetime,
	)
	if p.Flags.Has(FlagIsFragment) {
		fields = append(fields, p.FragmentOffset, p.TotalADULength)
	}
	if p.CRCType != CRCNone {
		fields = append(fields, zeroCRC(p.CRCType))
	}

	encoded, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding primary block: %w", err)
	}
	if p.CRCType != CRCNone {
		sealCRC(encoded, p.CRCType)
	}
	return encoded, nil
}

// DecodePrimary decodes a primary block from exactly one CBOR item and
// verifies its CRC.
func DecodePrimary(data []byte) (PrimaryBlock, error) {
	var fields []codec.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return PrimaryBlock{}, fmt.Errorf("%w: primary block: %v", ErrInvalidBlock, err)
	}
	if len(fields) < 8 || len(fields) > 11 {
		return PrimaryBlock{}, fmt.Errorf("%w: primary block has %d elements", ErrInvalidBlock, len(fields))
	}

	var p PrimaryBlock
	var flags, crcType uint64
	for _, field := range []struct {
		name  string
		value *uint64
		index int
	}{
		{"version", &p.Version, 0},
		{"flags", &flags, 1},
		{"crc type", &crcType, 2},
		{"lifetime", &p.Lifetime, 7},
	} {
		if err := codec.Unmarshal(fields[field.index], field.value); err != nil {
			return PrimaryBlock{}, fmt.Errorf("%w: primary %s: %v", ErrInvalidBlock, field.name, err)
		}
	}
	if p.Version != Version {
		return PrimaryBlock{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	p.Flags = BundleFlags(flags)
	p.CRCType = CRCType(crcType)
	if !p.CRCType.valid() {
		return PrimaryBlock{}, fmt.Errorf("%w: crc type %d", ErrInvalidBlock, crcType)
	}

	var err error
	if p.Destination, err = decodeEID(fields[3]); err != nil {
		return PrimaryBlock{}, fmt.Errorf("destination: %w", err)
	}
	if p.Source, err = decodeEID(fields[4]); err != nil {
		return PrimaryBlock{}, fmt.Errorf("source: %w", err)
	}
	if p.ReportTo, err = decodeEID(fields[5]); err != nil {
		return PrimaryBlock{}, fmt.Errorf("report-to: %w", err)
	}

	var timestamp []uint64
	if err := codec.Unmarshal(fields[6], &timestamp); err != nil || len(timestamp) != 2 {
		return PrimaryBlock{}, fmt.Errorf("%w: creation timestamp must be [time, sequence]", ErrInvalidBlock)
	}
	p.Timestamp = CreationTimestamp{Time: timestamp[0], Sequence: timestamp[1]}

	expected := 8
	if p.Flags.Has(FlagIsFragment) {
		expected += 2
	}
	if p.CRCType != CRCNone {
		expected++
	}
	if len(fields) != expected {
		return PrimaryBlock{}, fmt.Errorf("%w: primary block has %d elements, flags and crc type require %d",
			ErrInvalidBlock, len(fields), expected)
	}

	if p.Flags.Has(FlagIsFragment) {
		if err := codec.Unmarshal(fields[8], &p.FragmentOffset); err != nil {
			return PrimaryBlock{}, fmt.Errorf("%w: fragment offset: %v", ErrInvalidBlock, err)
		}
		if err := codec.Unmarshal(fields[9], &p.TotalADULength); err != nil {
			return PrimaryBlock{}, fmt.Errorf("%w: total adu length: %v", ErrInvalidBlock, err)
		}
	}
	if p.CRCType != CRCNone {
		if err := checkCRCField(fields[len(fields)-1], p.CRCType); err != nil {
			return PrimaryBlock{}, err
		}
		if err := verifyCRC(data, p.CRCType); err != nil {
			return PrimaryBlock{}, fmt.Errorf("primary block: %w", err)
		}
	}
	return p, nil
}

// checkCRCField confirms the last element is a byte string of the
// length the CRC type requires.
func checkCRCField(raw codec.RawMessage, c CRCType) error {
	var value []byte
	if err := codec.Unmarshal(raw, &value); err != nil || len(value) != c.Size() {
		return fmt.Errorf("%w: %s value must be a %d byte string", ErrInvalidBlock, c, c.Size())
	}
	return nil
}
