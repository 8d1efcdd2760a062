// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cla

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// frameHeaderSize is the length prefix of every frame.
const frameHeaderSize = 4

// ErrFrameTooLarge means a frame is longer than the reader's buffer.
// ReadFrame skips the frame body, so the stream stays aligned.
var ErrFrameTooLarge = errors.New("cla: frame too large")

// WriteFrame writes data as one length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	if uint64(len(data)) > 0xFFFFFFFF {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	buffers := net.Buffers{header[:], data}
	_, err := buffers.WriteTo(w)
	return err
}

// ReadFrame reads one frame into buf and returns its length. A clean
// end of stream before the header returns io.EOF; an end inside a
// frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	length := int64(binary.BigEndian.Uint32(header[:]))
	if length > int64(len(buf)) {
		if _, err := io.CopyN(io.Discard, r, length); err != nil {
			return 0, noEOF(err)
		}
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, length, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:length]); err != nil {
		return 0, noEOF(err)
	}
	return int(length), nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
