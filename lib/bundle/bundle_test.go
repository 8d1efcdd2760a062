// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/codec"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/testutil"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

func newTestArena(t *testing.T, capacity int) *Arena {
	t.Helper()
	pool, err := mpool.New(mpool.Config{Capacity: capacity, ChunkSize: 64, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("mpool.New: %v", err)
	}
	return NewArena(pool)
}

func testPrimaryBlock() bpv7.PrimaryBlock {
	return bpv7.PrimaryBlock{
		Version:     bpv7.Version,
		CRCType:     bpv7.CRC16,
		Destination: bpv7.IPN(100, 1),
		Source:      bpv7.IPN(200, 1),
		ReportTo:    bpv7.None,
		Timestamp:   bpv7.CreationTimestamp{Time: 800000000000, Sequence: 1},
		Lifetime:    5000,
	}
}

// requireDrained collects everything pending and fails unless the
// pool is back to fully free.
func requireDrained(t *testing.T, arena *Arena) {
	t.Helper()
	pool := arena.Pool()
	pool.Collect(pool.Capacity() * 2)
	if stats := pool.Stats(); stats.Free != stats.Capacity {
		t.Fatalf("pool leaked: %d of %d chunks free", stats.Free, stats.Capacity)
	}
}

func appendExtension(t *testing.T, arena *Arena, ref mpool.Ref, blockType bpv7.BlockType, value any) mpool.Ref {
	t.Helper()
	child, err := arena.AppendCanonical(ref, bpv7.CanonicalBlock{
		Type:    blockType,
		Number:  arena.NextBlockNumber(ref),
		CRCType: bpv7.CRC32C,
	})
	if err != nil {
		t.Fatalf("AppendCanonical(%s): %v", blockType, err)
	}
	if err := arena.SetExtension(child, value); err != nil {
		t.Fatalf("SetExtension(%s): %v", blockType, err)
	}
	return child
}

func TestEndToEndCBORBlob(t *testing.T) {
	arena := newTestArena(t, 64)

	ref, err := arena.Build(testPrimaryBlock(), []byte("CBOR Blob"), 128, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	encoded, err := arena.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded[0] != codec.IndefiniteArray || encoded[len(encoded)-1] != codec.Break {
		t.Fatalf("framing bytes %#x..%#x", encoded[0], encoded[len(encoded)-1])
	}

	decoded, err := arena.Ingest(encoded, 128, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !arena.HasRaw(decoded) {
		t.Fatal("ingested bundle has no raw bytes")
	}
	if err := arena.Decode(decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if arena.HasRaw(decoded) {
		t.Fatal("raw bytes kept after decode")
	}

	primary, ok := arena.Primary(decoded)
	if !ok {
		t.Fatal("decoded ref is not a primary block")
	}
	if primary.Block.Version != 7 {
		t.Errorf("Version = %d, want 7", primary.Block.Version)
	}
	if primary.Block.Destination != bpv7.IPN(100, 1) {
		t.Errorf("Destination = %v, want ipn:100.1", primary.Block.Destination)
	}
	if primary.Block.Lifetime != 5000 {
		t.Errorf("Lifetime = %d, want 5000", primary.Block.Lifetime)
	}
	payload, ok := arena.Payload(decoded)
	if !ok || string(payload) != "CBOR Blob" {
		t.Fatalf("Payload = (%q, %v), want CBOR Blob", payload, ok)
	}

	arena.Release(ref)
	arena.Release(decoded)
	requireDrained(t, arena)
}

func TestRoundTripWithExtensions(t *testing.T) {
	arena := newTestArena(t, 64)

	ref, err := arena.Build(testPrimaryBlock(), testutil.Payload(200), 128, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	appendExtension(t, arena, ref, bpv7.BlockHopCount, bpv7.HopCount{Limit: 16, Count: 2})
	appendExtension(t, arena, ref, bpv7.BlockBundleAge, uint64(1234))
	appendExtension(t, arena, ref, bpv7.BlockPreviousNode, bpv7.IPN(300, 0))
	appendExtension(t, arena, ref, bpv7.BlockCustodyTracking, bpv7.IPN(200, 0))

	encoded, err := arena.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := arena.NewPrimary(bpv7.PrimaryBlock{}, 0, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("NewPrimary: %v", err)
	}
	consumed, err := arena.CopyIn(decoded, encoded)
	if err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("CopyIn consumed %d of %d bytes", consumed, len(encoded))
	}

	original, _ := arena.Primary(ref)
	primary, _ := arena.Primary(decoded)
	if primary.Block != original.Block {
		t.Fatalf("primary block:\n got %+v\nwant %+v", primary.Block, original.Block)
	}
	if primary.Delivery != DeliveryCustody {
		t.Errorf("Delivery = %v, want custody", primary.Delivery)
	}

	want := map[bpv7.BlockType]any{
		bpv7.BlockHopCount:        bpv7.HopCount{Limit: 16, Count: 2},
		bpv7.BlockBundleAge:       uint64(1234),
		bpv7.BlockPreviousNode:    bpv7.IPN(300, 0),
		bpv7.BlockCustodyTracking: bpv7.IPN(200, 0),
	}
	for blockType, value := range want {
		_, canonical, found := arena.Find(decoded, blockType)
		if !found {
			t.Errorf("%s block missing after decode", blockType)
			continue
		}
		if canonical.Extension != value {
			t.Errorf("%s extension = %v, want %v", blockType, canonical.Extension, value)
		}
		_, source, _ := arena.Find(ref, blockType)
		if canonical.Block.Number != source.Block.Number || canonical.Block.CRCType != source.Block.CRCType {
			t.Errorf("%s header = %+v, want %+v", blockType, canonical.Block, source.Block)
		}
	}
	payload, _ := arena.Payload(decoded)
	if !bytes.Equal(payload, testutil.Payload(200)) {
		t.Error("payload differs after round trip")
	}

	// A second encode of the decoded bundle reuses the ingress bytes.
	size, err := arena.EncodedSize(decoded)
	if err != nil || size != len(encoded) {
		t.Fatalf("EncodedSize = (%d, %v), want %d", size, err, len(encoded))
	}

	arena.Release(ref)
	arena.Release(decoded)
	requireDrained(t, arena)
}

func TestPayloadIsAlwaysLast(t *testing.T) {
	arena := newTestArena(t, 32)
	ref, err := arena.NewPrimary(testPrimaryBlock(), 0, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("NewPrimary: %v", err)
	}

	appendExtension(t, arena, ref, bpv7.BlockHopCount, bpv7.HopCount{Limit: 4})
	if _, err := arena.AppendCanonical(ref, bpv7.CanonicalBlock{
		Type: bpv7.BlockPayload, Number: bpv7.PayloadBlockNumber, Data: []byte("x"),
	}); err != nil {
		t.Fatalf("append payload: %v", err)
	}
	appendExtension(t, arena, ref, bpv7.BlockBundleAge, uint64(0))
	appendExtension(t, arena, ref, bpv7.BlockPreviousNode, bpv7.IPN(1, 0))

	last := arena.Pool().Last(ref.Embedded(mpool.SlotChildren))
	canonical, ok := arena.Canonical(last)
	if !ok || canonical.Block.Number != bpv7.PayloadBlockNumber {
		t.Fatalf("last block = %+v, want the payload", canonical)
	}
	if n := arena.Pool().ListLen(ref.Embedded(mpool.SlotChildren)); n != 4 {
		t.Fatalf("canonical blocks = %d, want 4", n)
	}

	if _, err := arena.AppendCanonical(ref, bpv7.CanonicalBlock{
		Type: bpv7.BlockPayload, Number: bpv7.PayloadBlockNumber,
	}); !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("second payload err = %v, want ErrDuplicateBlock", err)
	}

	arena.Release(ref)
	requireDrained(t, arena)
}

func TestMutationInvalidatesCaches(t *testing.T) {
	arena := newTestArena(t, 32)
	ref, err := arena.Build(testPrimaryBlock(), []byte("payload"), 0, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	hops := appendExtension(t, arena, ref, bpv7.BlockHopCount, bpv7.HopCount{Limit: 1000, Count: 1})

	before, err := arena.EncodedSize(ref)
	if err != nil {
		t.Fatalf("EncodedSize: %v", err)
	}
	primary, _ := arena.Primary(ref)
	canonical, _ := arena.Canonical(hops)
	if primary.bundleEncodeSize != before || canonical.encodeSize == 0 {
		t.Fatal("caches not filled by EncodedSize")
	}

	// 500 needs two more bytes than 1 as a CBOR unsigned integer.
	if err := arena.SetExtension(hops, bpv7.HopCount{Limit: 1000, Count: 500}); err != nil {
		t.Fatalf("SetExtension: %v", err)
	}
	if canonical.encodeSize != 0 || primary.bundleEncodeSize != 0 {
		t.Fatal("SetExtension left a cache valid")
	}
	after, err := arena.EncodedSize(ref)
	if err != nil {
		t.Fatalf("EncodedSize: %v", err)
	}
	if after != before+2 {
		t.Fatalf("size after hop count change = %d, want %d", after, before+2)
	}

	if err := arena.UpdatePrimary(ref, func(block *bpv7.PrimaryBlock) { block.Lifetime = 86400000 }); err != nil {
		t.Fatalf("UpdatePrimary: %v", err)
	}
	if primary.blockEncodeSize != 0 || primary.bundleEncodeSize != 0 {
		t.Fatal("UpdatePrimary left a cache valid")
	}

	encoded, err := arena.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, _ := arena.NewPrimary(bpv7.PrimaryBlock{}, 0, waitqueue.NoWait)
	if _, err := arena.CopyIn(decoded, encoded); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	_, decodedHops, _ := arena.Find(decoded, bpv7.BlockHopCount)
	if decodedHops.Extension != (bpv7.HopCount{Limit: 1000, Count: 500}) {
		t.Errorf("hop count = %v", decodedHops.Extension)
	}
	decodedPrimary, _ := arena.Primary(decoded)
	if decodedPrimary.Block.Lifetime != 86400000 {
		t.Errorf("lifetime = %d", decodedPrimary.Block.Lifetime)
	}

	arena.Release(ref)
	arena.Release(decoded)
	requireDrained(t, arena)
}

func TestCopyOutShortBuffer(t *testing.T) {
	arena := newTestArena(t, 16)
	ref, err := arena.Build(testPrimaryBlock(), []byte("CBOR Blob"), 0, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	size, _ := arena.EncodedSize(ref)
	if _, err := arena.CopyOut(ref, make([]byte, size-1)); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("CopyOut err = %v, want ErrShortBuffer", err)
	}
	if n, err := arena.CopyOut(ref, make([]byte, size+10)); err != nil || n != size {
		t.Fatalf("CopyOut into larger buffer = (%d, %v), want %d", n, err, size)
	}
	arena.Release(ref)
	requireDrained(t, arena)
}

func TestCopyInRejectsMalformed(t *testing.T) {
	arena := newTestArena(t, 64)

	ref, _ := arena.Build(testPrimaryBlock(), []byte("CBOR Blob"), 0, waitqueue.NoWait)
	valid, err := arena.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	primaryBytes, _ := bpv7.EncodePrimary(&bpv7.PrimaryBlock{
		Version: 7, Destination: bpv7.IPN(1, 1), Source: bpv7.None, ReportTo: bpv7.None,
	})
	payload, _ := bpv7.EncodeCanonical(&bpv7.CanonicalBlock{Type: bpv7.BlockPayload, Number: 1, Data: []byte("p")})
	hops, _ := bpv7.EncodeCanonical(&bpv7.CanonicalBlock{Type: bpv7.BlockHopCount, Number: 2, Data: []byte{0x82, 0x01, 0x00}})
	frame := func(items ...[]byte) []byte {
		out := []byte{codec.IndefiniteArray}
		for _, item := range items {
			out = append(out, item...)
		}
		return append(out, codec.Break)
	}

	for name, input := range map[string][]byte{
		"empty":               {},
		"definite array":      append([]byte{0x83}, valid[1:]...),
		"missing break":       valid[:len(valid)-1],
		"trailing bytes":      append(append([]byte{}, valid...), 0x00),
		"truncated primary":   valid[:5],
		"block after payload": frame(primaryBytes, payload.Bytes, hops.Bytes),
		"duplicate number":    frame(primaryBytes, hops.Bytes, hops.Bytes, payload.Bytes),
	} {
		t.Run(name, func(t *testing.T) {
			target, err := arena.NewPrimary(bpv7.PrimaryBlock{}, 0, waitqueue.NoWait)
			if err != nil {
				t.Fatalf("NewPrimary: %v", err)
			}
			if n, err := arena.CopyIn(target, input); !errors.Is(err, ErrMalformed) || n != 0 {
				t.Fatalf("CopyIn = (%d, %v), want (0, ErrMalformed)", n, err)
			}
			arena.Release(target)
		})
	}

	// Well-formed framing around the same blocks decodes.
	target, _ := arena.NewPrimary(bpv7.PrimaryBlock{}, 0, waitqueue.NoWait)
	if _, err := arena.CopyIn(target, frame(primaryBytes, hops.Bytes, payload.Bytes)); err != nil {
		t.Fatalf("CopyIn of valid framing: %v", err)
	}

	arena.Release(target)
	arena.Release(ref)
	requireDrained(t, arena)
}

func TestDecodeRejectsEmptyIngest(t *testing.T) {
	arena := newTestArena(t, 16)

	ref, err := arena.Ingest(nil, 128, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !arena.HasRaw(ref) {
		t.Fatal("empty ingest not marked undecoded")
	}
	if err := arena.Decode(ref); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode(empty) = %v, want ErrMalformed", err)
	}
	arena.Release(ref)

	// A bundle built in place has nothing to decode.
	built, _ := arena.Build(testPrimaryBlock(), []byte("local"), 0, waitqueue.NoWait)
	if err := arena.Decode(built); err != nil {
		t.Fatalf("Decode(built) = %v", err)
	}
	arena.Release(built)
	requireDrained(t, arena)
}

func TestCopyInHints(t *testing.T) {
	arena := newTestArena(t, 32)

	admin := testPrimaryBlock()
	admin.Flags = bpv7.FlagAdminRecord
	primaryBytes, _ := bpv7.EncodePrimary(&admin)
	confidentiality, _ := bpv7.EncodeCanonical(&bpv7.CanonicalBlock{
		Type: bpv7.BlockConfidentiality, Number: 2, Data: []byte{0x80},
	})
	payload, _ := bpv7.EncodeCanonical(&bpv7.CanonicalBlock{Type: bpv7.BlockPayload, Number: 1, Data: []byte("sealed")})

	input := []byte{codec.IndefiniteArray}
	input = append(input, primaryBytes...)
	plain := append(append(append([]byte{}, input...), payload.Bytes...), codec.Break)
	input = append(input, confidentiality.Bytes...)
	input = append(input, payload.Bytes...)
	input = append(input, codec.Break)

	ref, _ := arena.NewPrimary(bpv7.PrimaryBlock{}, 0, waitqueue.NoWait)
	if _, err := arena.CopyIn(ref, plain); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	primary, _ := arena.Primary(ref)
	if primary.PayloadHint != PayloadAdminRecord {
		t.Errorf("hint = %v, want admin_record", primary.PayloadHint)
	}

	// Decoding again replaces the previous content and hints.
	if _, err := arena.CopyIn(ref, input); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if primary.PayloadHint != PayloadCiphertext {
		t.Errorf("hint = %v, want ciphertext", primary.PayloadHint)
	}
	if n := arena.Pool().ListLen(ref.Embedded(mpool.SlotChildren)); n != 2 {
		t.Errorf("canonical blocks after second CopyIn = %d, want 2", n)
	}

	arena.Release(ref)
	requireDrained(t, arena)
}

func TestEncodeFailsCleanlyWhenPoolIsFull(t *testing.T) {
	arena := newTestArena(t, 4)
	// The primary and payload blocks take two chunks; their encodings
	// need four more.
	ref, err := arena.Build(testPrimaryBlock(), testutil.Payload(150), 255, waitqueue.NoWait)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := arena.Encode(ref); !errors.Is(err, mpool.ErrPoolFull) {
		t.Fatalf("Encode err = %v, want ErrPoolFull", err)
	}
	arena.Release(ref)
	requireDrained(t, arena)
}
