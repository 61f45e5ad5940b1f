package mux

import (
	"bytes"
	"errors"
	"io"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
)

// errVarintTooLong guards against a malformed stream where a continuation
// bit never clears.
var errVarintTooLong = errors.New("mux: channel id varint too long")

// putChannelID stop-bit encodes id into dst: 7 data bits per byte, MSB=1
// meaning "more bytes follow".
func putChannelID(dst *bytes.Buffer, id replica.ChannelID) {
	v := uint32(id)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst.WriteByte(b | 0x80)
			continue
		}
		dst.WriteByte(b)
		return
	}
}

// readChannelID decodes a stop-bit encoded channel id from the front of
// src, returning the id and the number of bytes consumed.
func readChannelID(src []byte) (id replica.ChannelID, n int, err error) {
	var v uint32
	for i, b := range src {
		v |= uint32(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return replica.ChannelID(v), i + 1, nil
		}
		if i == 4 {
			return 0, 0, errVarintTooLong
		}
	}
	return 0, 0, io.ErrUnexpectedEOF
}
