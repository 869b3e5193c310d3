package pagedb

import (
	"encoding/binary"
	"fmt"
)

// Paged layout, after the file header:
//
//	[4B stored length][4B page count]
//	page*: [4B page number, 1-based][1B page type][2B page format version]
//	       [8B absolute offset of the next page, 0 on the last page]
//	       [4B bytes used][page size bytes, zero padded]
const (
	offPagedStoredLength = headerSize     // int32
	offPagedPageCount    = headerSize + 4 // int32
	pagedPrefixSize      = headerSize + 8

	offPageNumber  = 0  // uint32
	offPageType    = 4  // uint8
	offPageVersion = 5  // uint16
	offPageNext    = 7  // uint64
	offPageUsed    = 15 // uint32
	pageHeaderSize = 19

	pageTypeData = 1
)

type pagedLayout struct{}

func (pagedLayout) Version() FormatVersion {
	return FormatPaged
}

func pageCount(n, pageSize int) int {
	return (n + pageSize - 1) / pageSize
}

func (pagedLayout) Size(n, pageSize int) int {
	return pagedPrefixSize + pageCount(n, pageSize)*(pageHeaderSize+pageSize)
}

func (l pagedLayout) Encode(h fileHeader, stored []byte, pageSize int) []byte {
	pages := pageCount(len(stored), pageSize)
	stride := pageHeaderSize + pageSize
	buf := make([]byte, l.Size(len(stored), pageSize))
	encodeHeader(buf, h)
	binary.LittleEndian.PutUint32(buf[offPagedStoredLength:], uint32(len(stored))) //nolint:gosec // bounded by encodeFile
	binary.LittleEndian.PutUint32(buf[offPagedPageCount:], uint32(pages))          //nolint:gosec // bounded by encodeFile
	for i := range pages {
		off := pagedPrefixSize + i*stride
		chunk := stored[i*pageSize : min((i+1)*pageSize, len(stored))]
		var next uint64
		if i+1 < pages {
			next = uint64(off + stride) //nolint:gosec // positive
		}
		p := buf[off : off+stride]
		binary.LittleEndian.PutUint32(p[offPageNumber:], uint32(i+1)) //nolint:gosec // bounded by encodeFile
		p[offPageType] = pageTypeData
		binary.LittleEndian.PutUint16(p[offPageVersion:], uint16(FormatPaged))
		binary.LittleEndian.PutUint64(p[offPageNext:], next)
		binary.LittleEndian.PutUint32(p[offPageUsed:], uint32(len(chunk))) //nolint:gosec // <= pageSize
		// The tail of the last page stays zero from make.
		copy(p[pageHeaderSize:], chunk)
	}
	return buf
}

// PageSize derives the page size from the file length and page count.
func (pagedLayout) PageSize(data []byte) int {
	if len(data) < pagedPrefixSize {
		return 0
	}
	pages := int(binary.LittleEndian.Uint32(data[offPagedPageCount:]))
	if pages == 0 {
		return 0
	}
	return (len(data)-pagedPrefixSize)/pages - pageHeaderSize
}

// Decode walks the page chain. The page size is derived from the file so a
// table can change its configured page size without rewriting old files.
func (pagedLayout) Decode(data []byte) (fileHeader, []byte, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	if len(data) < pagedPrefixSize {
		return h, nil, fmt.Errorf("paged prefix: %w", errTruncated)
	}
	storedLen := int(binary.LittleEndian.Uint32(data[offPagedStoredLength:]))
	pages := int(binary.LittleEndian.Uint32(data[offPagedPageCount:]))
	if h.Compression == CompressionNone && storedLen != int(h.PayloadLength) {
		return h, nil, fmt.Errorf("uncompressed stored length %d != %d: %w", storedLen, h.PayloadLength, errBadLengths)
	}
	body := len(data) - pagedPrefixSize
	if pages == 0 {
		if storedLen != 0 {
			return h, nil, fmt.Errorf("no pages for %d bytes: %w", storedLen, errBadLengths)
		}
		if body != 0 {
			return h, nil, errTrailing
		}
		return h, []byte{}, nil
	}
	if body%pages != 0 {
		return h, nil, fmt.Errorf("body of %d bytes is not %d whole pages: %w", body, pages, errBadLengths)
	}
	stride := body / pages
	pageSize := stride - pageHeaderSize
	if pageSize <= 0 || pageCount(storedLen, pageSize) != pages {
		return h, nil, fmt.Errorf("page size %d for %d bytes in %d pages: %w", pageSize, storedLen, pages, errBadLengths)
	}
	stored := make([]byte, 0, storedLen)
	off := pagedPrefixSize
	for i := range pages {
		p := data[off : off+stride]
		if n := binary.LittleEndian.Uint32(p[offPageNumber:]); int(n) != i+1 {
			return h, nil, fmt.Errorf("page %d has number %d", i+1, n)
		}
		if t := p[offPageType]; t != pageTypeData {
			return h, nil, fmt.Errorf("page %d has type %d", i+1, t)
		}
		if v := binary.LittleEndian.Uint16(p[offPageVersion:]); FormatVersion(v) != FormatPaged {
			return h, nil, fmt.Errorf("page %d has format version %d", i+1, v)
		}
		next := binary.LittleEndian.Uint64(p[offPageNext:])
		used := int(binary.LittleEndian.Uint32(p[offPageUsed:]))
		last := i+1 == pages
		switch {
		case last && next != 0:
			return h, nil, fmt.Errorf("last page %d links to offset %d", i+1, next)
		case !last && next != uint64(off+stride): //nolint:gosec // positive
			return h, nil, fmt.Errorf("page %d links to offset %d, want %d", i+1, next, off+stride)
		case used > pageSize, !last && used != pageSize:
			return h, nil, fmt.Errorf("page %d uses %d of %d bytes", i+1, used, pageSize)
		}
		stored = append(stored, p[pageHeaderSize:pageHeaderSize+used]...)
		off += stride
	}
	if len(stored) != storedLen {
		return h, nil, fmt.Errorf("pages hold %d bytes, want %d: %w", len(stored), storedLen, errBadLengths)
	}
	return h, stored, nil
}
