// Table file layout: the fixed header, format versions and the payload.

package pagedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// FormatVersion identifies an on-disk layout.
type FormatVersion uint16

const (
	// FormatFlat stores the payload contiguously after a length pair.
	FormatFlat FormatVersion = 1
	// FormatPaged splits the payload into fixed-size linked pages.
	FormatPaged FormatVersion = 2

	// CurrentFormat is used for tables that do not pick a format.
	CurrentFormat = FormatPaged
)

func (v FormatVersion) String() string {
	switch v {
	case FormatFlat:
		return "flat"
	case FormatPaged:
		return "paged"
	default:
		return fmt.Sprintf("FormatVersion(%d)", uint16(v))
	}
}

// File header, at offset 0 of every table file.
const (
	offCompression   = 0 // uint8
	offRecordCount   = 1 // int32
	offPayloadLength = 5 // int32, uncompressed

	headerSize = 9
)

// Payload layout: the sequence block precedes the records.
const (
	offPrimarySequence   = 0 // int64
	offSecondarySequence = 8 // int64

	sequenceBlockSize = 16

	// recordPrefixSize is [4B record length][8B row id].
	recordPrefixSize = 12
)

var (
	errTruncated  = errors.New("file truncated")
	errTrailing   = errors.New("trailing bytes after payload")
	errNoReader   = errors.New("no compatible reader")
	errTooLarge   = errors.New("payload exceeds 2GiB")
	errBadLengths = errors.New("inconsistent payload lengths")
)

// fileHeader is the 9-byte header shared by all format versions.
type fileHeader struct {
	Compression   Compression
	RecordCount   int32
	PayloadLength int32
}

func encodeHeader(buf []byte, h fileHeader) {
	buf[offCompression] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[offRecordCount:], uint32(h.RecordCount))     //nolint:gosec // round-trips int32
	binary.LittleEndian.PutUint32(buf[offPayloadLength:], uint32(h.PayloadLength)) //nolint:gosec // round-trips int32
}

func decodeHeader(data []byte) (fileHeader, error) {
	if len(data) < headerSize {
		return fileHeader{}, fmt.Errorf("header: %w", errTruncated)
	}
	h := fileHeader{
		Compression:   Compression(data[offCompression]),
		RecordCount:   int32(binary.LittleEndian.Uint32(data[offRecordCount:])),   //nolint:gosec // round-trips int32
		PayloadLength: int32(binary.LittleEndian.Uint32(data[offPayloadLength:])), //nolint:gosec // round-trips int32
	}
	switch h.Compression {
	case CompressionNone, CompressionBrotli:
	default:
		return h, fmt.Errorf("unknown compression byte %d", data[offCompression])
	}
	if h.RecordCount < 0 || h.PayloadLength < 0 {
		return h, fmt.Errorf("header: %w", errBadLengths)
	}
	return h, nil
}

// layout is one versioned file layout: the bytes between the header and the
// end of the file.
type layout interface {
	Version() FormatVersion
	// Size returns the file size for a stored payload of n bytes.
	Size(n, pageSize int) int
	// Encode writes the header and stored payload into a complete file image.
	Encode(h fileHeader, stored []byte, pageSize int) []byte
	// Decode validates the image and returns the header and stored payload.
	Decode(data []byte) (fileHeader, []byte, error)
	// PageSize returns the page size of a decoded image, 0 if unpaged.
	PageSize(data []byte) int
}

var layouts = map[FormatVersion]layout{
	FormatFlat:  flatLayout{},
	FormatPaged: pagedLayout{},
}

func formatFor(v FormatVersion) (layout, error) {
	l, ok := layouts[v]
	if !ok {
		return nil, fmt.Errorf("unknown format version %d", v)
	}
	return l, nil
}

// readersFor returns the layouts to try when reading, the configured one
// first, then the others not older than minFormat.
func readersFor(configured, minFormat FormatVersion) []layout {
	var out []layout
	if l, ok := layouts[configured]; ok && configured >= minFormat {
		out = append(out, l)
	}
	versions := make([]FormatVersion, 0, len(layouts))
	for v := range layouts {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	for _, v := range slices.Backward(versions) {
		if v != configured && v >= minFormat {
			out = append(out, layouts[v])
		}
	}
	return out
}

// encodedFile is the result of serializing a table.
type encodedFile struct {
	data           []byte
	compression    Compression
	compactPercent float64
}

// encodeFile builds a complete file image from a raw payload.
//
// When Brotli is requested and shrinks the payload, the compressed bytes are
// stored and compactPercent is 100 × fileSize / uncompressedFileSize.
// Otherwise the raw payload is stored and compactPercent is 0.
func encodeFile(l layout, compression Compression, pageSize int, payload []byte, count int) (encodedFile, error) {
	if len(payload) > math.MaxInt32 || count > math.MaxInt32 {
		return encodedFile{}, errTooLarge
	}
	h := fileHeader{
		Compression:   CompressionNone,
		RecordCount:   int32(count),        //nolint:gosec // checked above
		PayloadLength: int32(len(payload)), //nolint:gosec // checked above
	}
	stored := payload
	if compression == CompressionBrotli {
		if c, ok := compressPayload(payload); ok {
			h.Compression = CompressionBrotli
			stored = c
		}
	}
	out := encodedFile{data: l.Encode(h, stored, pageSize), compression: h.Compression}
	if h.Compression != CompressionNone {
		out.compactPercent = 100 * float64(len(out.data)) / float64(l.Size(len(payload), pageSize))
	}
	return out, nil
}

// decodeFile parses a file image with the first layout that accepts it and
// returns the header, the raw (decompressed) payload and the layout used.
func decodeFile(readers []layout, data []byte) (fileHeader, []byte, layout, error) {
	if len(readers) == 0 {
		return fileHeader{}, nil, nil, errNoReader
	}
	var errs []error
	for _, l := range readers {
		h, stored, err := l.Decode(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Version(), err))
			continue
		}
		payload := stored
		if h.Compression == CompressionBrotli {
			if payload, err = decompressPayload(stored, int(h.PayloadLength)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Version(), err))
				continue
			}
		}
		if len(payload) != int(h.PayloadLength) {
			errs = append(errs, fmt.Errorf("%s: %w", l.Version(), errBadLengths))
			continue
		}
		return h, payload, l, nil
	}
	return fileHeader{}, nil, nil, errors.Join(errs...)
}

// encodePayload serializes the sequence block followed by every row.
func encodePayload[T Row[T]](codec Codec[T], rows []T, seq, seq2 int64) ([]byte, error) {
	buf := make([]byte, sequenceBlockSize, sequenceBlockSize+len(rows)*64)
	binary.LittleEndian.PutUint64(buf[offPrimarySequence:], uint64(seq))    //nolint:gosec // round-trips int64
	binary.LittleEndian.PutUint64(buf[offSecondarySequence:], uint64(seq2)) //nolint:gosec // round-trips int64
	var w RecordWriter
	for _, row := range rows {
		w.reset()
		if err := codec.EncodeRow(&w, row); err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", row.GetID(), err)
		}
		rec := w.Bytes()
		if len(rec) > math.MaxInt32-8 {
			return nil, fmt.Errorf("row %d: %w", row.GetID(), errTooLarge)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec)+8)) //nolint:gosec // checked above
		buf = binary.LittleEndian.AppendUint64(buf, uint64(row.GetID())) //nolint:gosec // round-trips int64
		buf = append(buf, rec...)
	}
	return buf, nil
}

// decodePayload is the inverse of encodePayload. Decoded rows are clean.
func decodePayload[T Row[T]](codec Codec[T], payload []byte, count int) (rows []T, seq, seq2 int64, err error) {
	if len(payload) < sequenceBlockSize {
		return nil, 0, 0, fmt.Errorf("sequence block: %w", errTruncated)
	}
	seq = int64(binary.LittleEndian.Uint64(payload[offPrimarySequence:]))    //nolint:gosec // round-trips int64
	seq2 = int64(binary.LittleEndian.Uint64(payload[offSecondarySequence:])) //nolint:gosec // round-trips int64
	off := sequenceBlockSize
	rows = make([]T, 0, count)
	for i := range count {
		if off+recordPrefixSize > len(payload) {
			return nil, 0, 0, fmt.Errorf("record %d: %w", i, errTruncated)
		}
		n := int(binary.LittleEndian.Uint32(payload[off:]))
		id := int64(binary.LittleEndian.Uint64(payload[off+4:])) //nolint:gosec // round-trips int64
		if n < 8 || off+4+n > len(payload) {
			return nil, 0, 0, fmt.Errorf("record %d: %w", i, errTruncated)
		}
		r := RecordReader{buf: payload[off+recordPrefixSize : off+4+n]}
		row, err := codec.DecodeRow(&r)
		if err == nil {
			err = r.Err()
		}
		if err == nil && r.Remaining() != 0 {
			err = fmt.Errorf("%d unread bytes", r.Remaining())
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("record %d (id %d): %w", i, id, err)
		}
		row.AssignID(id)
		row.Clean()
		rows = append(rows, row)
		off += 4 + n
	}
	if off != len(payload) {
		return nil, 0, 0, errTrailing
	}
	return rows, seq, seq2, nil
}
