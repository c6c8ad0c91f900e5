package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Binary record format constants. Backends that store a record as one
// opaque value (redis) frame it with this header; backends with their
// own layout (disk files, mbtiles) store the payload raw.
const (
	recordMagic      = "TSR1"
	recordHeaderSize = 4 + 8 + 2
)

var (
	errRecordMagic    = errors.New("invalid record magic")
	errRecordTooSmall = errors.New("record too small")
)

// EncodeRecord frames a record as magic | storedAt unix-nano | ct len |
// content type | payload.
func EncodeRecord(rec Record) []byte {
	ct := []byte(rec.ContentType)
	out := make([]byte, 0, recordHeaderSize+len(ct)+len(rec.Bytes))
	out = append(out, recordMagic...)
	out = binary.LittleEndian.AppendUint64(out, uint64(rec.StoredAt.UnixNano()))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(ct)))
	out = append(out, ct...)
	out = append(out, rec.Bytes...)
	return out
}

// DecodeRecord is the inverse of EncodeRecord. A short or mismatched
// buffer fails rather than yielding a truncated record: torn values
// must never surface as hits.
func DecodeRecord(raw []byte) (Record, error) {
	if len(raw) < recordHeaderSize {
		return Record{}, errRecordTooSmall
	}
	if string(raw[:4]) != recordMagic {
		return Record{}, errRecordMagic
	}
	storedAt := int64(binary.LittleEndian.Uint64(raw[4:12]))
	ctLen := int(binary.LittleEndian.Uint16(raw[12:14]))
	if len(raw) < recordHeaderSize+ctLen {
		return Record{}, fmt.Errorf("%w: content type truncated", errRecordTooSmall)
	}
	return Record{
		Bytes:       raw[recordHeaderSize+ctLen:],
		ContentType: string(raw[recordHeaderSize : recordHeaderSize+ctLen]),
		StoredAt:    time.Unix(0, storedAt).UTC(),
	}, nil
}
