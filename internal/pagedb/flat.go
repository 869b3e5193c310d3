package pagedb

import (
	"encoding/binary"
	"fmt"
)

// Flat layout, after the file header:
//
//	[4B stored length][4B original length][stored payload]
const (
	offFlatStoredLength   = headerSize     // int32
	offFlatOriginalLength = headerSize + 4 // int32
	flatPrefixSize        = headerSize + 8
)

type flatLayout struct{}

func (flatLayout) Version() FormatVersion {
	return FormatFlat
}

func (flatLayout) Size(n, _ int) int {
	return flatPrefixSize + n
}

func (flatLayout) PageSize([]byte) int {
	return 0
}

func (flatLayout) Encode(h fileHeader, stored []byte, _ int) []byte {
	buf := make([]byte, flatPrefixSize+len(stored))
	encodeHeader(buf, h)
	binary.LittleEndian.PutUint32(buf[offFlatStoredLength:], uint32(len(stored))) //nolint:gosec // bounded by encodeFile
	binary.LittleEndian.PutUint32(buf[offFlatOriginalLength:], uint32(h.PayloadLength))
	copy(buf[flatPrefixSize:], stored)
	return buf
}

func (flatLayout) Decode(data []byte) (fileHeader, []byte, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	if len(data) < flatPrefixSize {
		return h, nil, fmt.Errorf("flat prefix: %w", errTruncated)
	}
	storedLen := int(binary.LittleEndian.Uint32(data[offFlatStoredLength:]))
	origLen := int(binary.LittleEndian.Uint32(data[offFlatOriginalLength:]))
	if origLen != int(h.PayloadLength) {
		return h, nil, fmt.Errorf("original length %d, header says %d: %w", origLen, h.PayloadLength, errBadLengths)
	}
	if h.Compression == CompressionNone && storedLen != origLen {
		return h, nil, fmt.Errorf("uncompressed stored length %d != %d: %w", storedLen, origLen, errBadLengths)
	}
	switch rest := len(data) - flatPrefixSize; {
	case rest < storedLen:
		return h, nil, fmt.Errorf("payload: %w", errTruncated)
	case rest > storedLen:
		return h, nil, errTrailing
	}
	return h, data[flatPrefixSize:], nil
}
