// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Framing bytes of a CBOR indefinite-length array.
const (
	// IndefiniteArray opens an array whose length is not declared.
	IndefiniteArray byte = 0x9F
	// Break terminates an indefinite-length item.
	Break byte = 0xFF
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2).
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown struct fields are ignored.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Decoding into any picks map[string]any instead of the CBOR
		// default map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Bundle fields are unsigned; decoding into any keeps them
		// unsigned rather than widening through int64.
		IntDec: cbor.IntDecConvertNone,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. data must hold exactly one item.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first CBOR item of data into v and
// returns the bytes that follow it.
func UnmarshalFirst(data []byte, v any) ([]byte, error) {
	return decMode.UnmarshalFirst(data, v)
}

// RawMessage is a raw encoded CBOR value. Type alias so consumers
// import only lib/codec, not fxamacker/cbor directly.
type RawMessage = cbor.RawMessage

// SplitFirst returns the encoding of the first CBOR item of data and
// the bytes that follow it. The item is checked for well-formedness
// but not decoded.
func SplitFirst(data []byte) (RawMessage, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("codec: no CBOR item in empty input")
	}
	var item RawMessage
	rest, err := decMode.UnmarshalFirst(data, &item)
	if err != nil {
		return nil, nil, err
	}
	return item, rest, nil
}
