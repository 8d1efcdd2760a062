// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bureau-foundation/bpagent/lib/codec"
)

// Scheme is an endpoint ID URI scheme code.
type Scheme uint64

const (
	SchemeDTN Scheme = 1
	SchemeIPN Scheme = 2
)

// EID is an endpoint ID. The zero value is not valid; use None for
// the null endpoint.
type EID struct {
	Scheme  Scheme
	Node    uint64
	Service uint64
}

// None is the null endpoint dtn:none.
var None = EID{Scheme: SchemeDTN}

// IPN returns the endpoint ipn:node.service.
func IPN(node, service uint64) EID {
	return EID{Scheme: SchemeIPN, Node: node, Service: service}
}

// IsNone reports whether e is dtn:none.
func (e EID) IsNone() bool { return e.Scheme == SchemeDTN }

func (e EID) String() string {
	switch e.Scheme {
	case SchemeDTN:
		return "dtn:none"
	case SchemeIPN:
		return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
	default:
		return fmt.Sprintf("eid(scheme=%d)", uint64(e.Scheme))
	}
}

// ParseEID parses "ipn:N.S" or "dtn:none".
func ParseEID(text string) (EID, error) {
	if text == "dtn:none" {
		return None, nil
	}
	rest, ok := strings.CutPrefix(text, "ipn:")
	if !ok {
		return EID{}, fmt.Errorf("%w: %q: only ipn and dtn:none are supported", ErrInvalidEID, text)
	}
	nodeText, serviceText, ok := strings.Cut(rest, ".")
	if !ok {
		return EID{}, fmt.Errorf("%w: %q: want ipn:node.service", ErrInvalidEID, text)
	}
	node, err := strconv.ParseUint(nodeText, 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("%w: %q: node: %v", ErrInvalidEID, text, err)
	}
	service, err := strconv.ParseUint(serviceText, 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("%w: %q: service: %v", ErrInvalidEID, text, err)
	}
	return IPN(node, service), nil
}

// MarshalText implements encoding.TextMarshaler, so EIDs read and
// write as strings in configuration files.
func (e EID) MarshalText() ([]byte, error) {
	if e.Scheme != SchemeDTN && e.Scheme != SchemeIPN {
		return nil, fmt.Errorf("%w: scheme %d", ErrInvalidEID, uint64(e.Scheme))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EID) UnmarshalText(text []byte) error {
	parsed, err := ParseEID(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// wire returns the CBOR data model form of e: [1, 0] for dtn:none and
// [2, [node, service]] for ipn.
func (e EID) wire() (any, error) {
	switch e.Scheme {
	case SchemeDTN:
		return []any{uint64(SchemeDTN), uint64(0)}, nil
	case SchemeIPN:
		return []any{uint64(SchemeIPN), []uint64{e.Node, e.Service}}, nil
	default:
		return nil, fmt.Errorf("%w: scheme %d", ErrInvalidEID, uint64(e.Scheme))
	}
}

func decodeEID(raw codec.RawMessage) (EID, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return EID{}, fmt.Errorf("%w: want a two element array", ErrInvalidEID)
	}
	var scheme uint64
	if err := codec.Unmarshal(parts[0], &scheme); err != nil {
		return EID{}, fmt.Errorf("%w: scheme: %v", ErrInvalidEID, err)
	}
	switch Scheme(scheme) {
	case SchemeDTN:
		var ssp uint64
		if err := codec.Unmarshal(parts[1], &ssp); err != nil || ssp != 0 {
			return EID{}, fmt.Errorf("%w: only dtn:none is supported", ErrInvalidEID)
		}
		return None, nil
	case SchemeIPN:
		var numbers []uint64
		if err := codec.Unmarshal(parts[1], &numbers); err != nil || len(numbers) != 2 {
			return EID{}, fmt.Errorf("%w: ipn ssp must be [node, service]", ErrInvalidEID)
		}
		return IPN(numbers[0], numbers[1]), nil
	default:
		return EID{}, fmt.Errorf("%w: unknown scheme %d", ErrInvalidEID, scheme)
	}
}

// Pattern matches a range of ipn endpoints. Each bound is inclusive.
type Pattern struct {
	NodeMin, NodeMax       uint64
	ServiceMin, ServiceMax uint64
}

// ParsePattern parses "ipn:N.S" where each of N and S is a number, an
// inclusive range "A-B", or "*".
func ParsePattern(text string) (Pattern, error) {
	rest, ok := strings.CutPrefix(text, "ipn:")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: pattern %q must use the ipn scheme", ErrInvalidEID, text)
	}
	nodeText, serviceText, ok := strings.Cut(rest, ".")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: pattern %q: want ipn:node.service", ErrInvalidEID, text)
	}
	var pattern Pattern
	var err error
	if pattern.NodeMin, pattern.NodeMax, err = parseRange(nodeText); err != nil {
		return Pattern{}, fmt.Errorf("%w: pattern %q: node: %v", ErrInvalidEID, text, err)
	}
	if pattern.ServiceMin, pattern.ServiceMax, err = parseRange(serviceText); err != nil {
		return Pattern{}, fmt.Errorf("%w: pattern %q: service: %v", ErrInvalidEID, text, err)
	}
	return pattern, nil
}

func parseRange(text string) (uint64, uint64, error) {
	if text == "*" {
		return 0, math.MaxUint64, nil
	}
	lowText, highText, isRange := strings.Cut(text, "-")
	low, err := strconv.ParseUint(lowText, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return low, low, nil
	}
	high, err := strconv.ParseUint(highText, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if high < low {
		return 0, 0, fmt.Errorf("range %d-%d is inverted", low, high)
	}
	return low, high, nil
}

// Match reports whether e falls inside the pattern.
func (p Pattern) Match(e EID) bool {
	return e.Scheme == SchemeIPN &&
		e.Node >= p.NodeMin && e.Node <= p.NodeMax &&
		e.Service >= p.ServiceMin && e.Service <= p.ServiceMax
}

func (p Pattern) String() string {
	return "ipn:" + formatRange(p.NodeMin, p.NodeMax) + "." + formatRange(p.ServiceMin, p.ServiceMax)
}

func formatRange(low, high uint64) string {
	switch {
	case low == 0 && high == math.MaxUint64:
		return "*"
	case low == high:
		return strconv.FormatUint(low, 10)
	default:
		return strconv.FormatUint(low, 10) + "-" + strconv.FormatUint(high, 10)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := ParsePattern(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
