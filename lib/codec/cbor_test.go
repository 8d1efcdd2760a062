// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// sampleStatus is an internal message with cbor struct tags.
type sampleStatus struct {
	Node    uint64 `cbor:"node"`
	Contact string `cbor:"contact,omitempty"`
	Queued  int    `cbor:"queued"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleStatus{Node: 100, Contact: "tcp:ground", Queued: 42}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleStatus
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	first, err := Marshal(map[string]any{"b": 2, "a": 1, "c": []any{uint64(1), "x"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 50 {
		again, err := Marshal(map[string]any{"c": []any{uint64(1), "x"}, "a": 1, "b": 2})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic encoding: %x vs %x", first, again)
		}
	}
}

func TestMarshalUsesSmallestIntegers(t *testing.T) {
	tests := []struct {
		value uint64
		want  []byte
	}{
		{0, []byte{0x00}},
		{23, []byte{0x17}},
		{24, []byte{0x18, 0x18}},
		{1000, []byte{0x19, 0x03, 0xE8}},
	}
	for _, test := range tests {
		got, err := Marshal(test.value)
		if err != nil {
			t.Fatalf("Marshal(%d): %v", test.value, err)
		}
		if !bytes.Equal(got, test.want) {
			t.Errorf("Marshal(%d) = %x, want %x", test.value, got, test.want)
		}
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withContact, err := Marshal(sampleStatus{Node: 1, Contact: "c"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	without, err := Marshal(sampleStatus{Node: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(without) >= len(withContact) {
		t.Errorf("empty contact not omitted: %d bytes vs %d", len(without), len(withContact))
	}
}

func TestUnmarshalKeepsUnsigned(t *testing.T) {
	data, err := Marshal([]any{uint64(7), "ipn"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded []any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if value, ok := decoded[0].(uint64); !ok || value != 7 {
		t.Errorf("decoded[0] = %#v, want uint64(7)", decoded[0])
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var decoded sampleStatus
	if err := Unmarshal([]byte{0xFF, 0xFE}, &decoded); err == nil {
		t.Error("Unmarshal accepted invalid CBOR")
	}
}

func TestSplitFirst(t *testing.T) {
	first, err := Marshal([]any{uint64(7), uint64(2)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal("payload")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	stream := append(append([]byte{IndefiniteArray}, first...), second...)
	stream = append(stream, Break)

	item, rest, err := SplitFirst(stream[1:])
	if err != nil {
		t.Fatalf("SplitFirst: %v", err)
	}
	if !bytes.Equal(item, first) {
		t.Errorf("first item = %x, want %x", []byte(item), first)
	}
	item, rest, err = SplitFirst(rest)
	if err != nil {
		t.Fatalf("SplitFirst: %v", err)
	}
	if !bytes.Equal(item, second) {
		t.Errorf("second item = %x, want %x", []byte(item), second)
	}
	if !bytes.Equal(rest, []byte{Break}) {
		t.Errorf("rest = %x, want break byte", rest)
	}

	if _, _, err := SplitFirst(nil); err == nil {
		t.Error("SplitFirst accepted empty input")
	}
	if _, _, err := SplitFirst(first[:1]); err == nil {
		t.Error("SplitFirst accepted a truncated item")
	}
}

func TestUnmarshalFirstReturnsRest(t *testing.T) {
	data, err := Marshal(uint64(5))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data = append(data, 0x01)
	var value uint64
	rest, err := UnmarshalFirst(data, &value)
	if err != nil {
		t.Fatalf("UnmarshalFirst: %v", err)
	}
	if value != 5 || !bytes.Equal(rest, []byte{0x01}) {
		t.Errorf("UnmarshalFirst = %d, rest %x", value, rest)
	}
}

func BenchmarkMarshal(b *testing.B) {
	message := sampleStatus{Node: 100, Contact: "tcp:ground", Queued: 42}
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Marshal(message); err != nil {
			b.Fatal(err)
		}
	}
}
