// Package onnxmeta encodes and decodes the metadata extension records of the
// ONNX model container.
//
// The container's native extensibility mechanism is tag-length-value: each
// key/value pair is a nested length-prefixed entry (key field 1, value field
// 2, both length-delimited) wrapped in an outer length-prefixed record tagged
// as the model's extra-metadata field. Length prefixes are minimal
// 7-bits-per-byte continuation varints and values are raw UTF-8 bytes,
// lengths counted in bytes. Records in this format can be appended to the end
// of an existing model file without touching any other byte of it.
package onnxmeta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Field numbers of the container format.
const (
	// metadataPropsFieldNumber is the model container's field for extra
	// key/value metadata records.
	metadataPropsFieldNumber = 14

	// keyFieldNumber and valueFieldNumber are the fields of one nested
	// key/value entry.
	keyFieldNumber   = 1
	valueFieldNumber = 2
)

// Wire-format constants.
const (
	wireTypeLengthDelimited = 2
	fieldNumberShift        = 3
)

// Error message constants.
const (
	errMsgTruncatedRecord = "truncated metadata record"
	errMsgUnexpectedTag   = "unexpected wire tag"
	errFmtBadVarint       = "%w: invalid length varint"
	errFmtShortPayload    = "%w: payload of %d bytes exceeds remaining %d"
	errFmtWrongTag        = "%w: got %#x, want %#x"
	errFmtTrailingBytes   = "%w: %d trailing bytes inside entry"
)

// Static errors surfaced by the decoder.
var (
	// ErrTruncatedRecord indicates the byte stream ended inside a record.
	ErrTruncatedRecord = errors.New(errMsgTruncatedRecord)
	// ErrUnexpectedTag indicates a record carried a tag other than the
	// metadata fields this package understands.
	ErrUnexpectedTag = errors.New(errMsgUnexpectedTag)
)

// Entry is one key/value metadata record.
type Entry struct {
	Key   string
	Value string
}

func fieldTag(fieldNumber int) uint64 {
	return uint64(fieldNumber)<<fieldNumberShift | wireTypeLengthDelimited
}

func appendLengthDelimited(dst []byte, fieldNumber int, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, fieldTag(fieldNumber))
	dst = binary.AppendUvarint(dst, uint64(len(payload)))

	return append(dst, payload...)
}

// AppendEntry appends the wire encoding of one metadata record to dst and
// returns the extended slice.
func AppendEntry(dst []byte, key, value string) []byte {
	inner := appendLengthDelimited(nil, keyFieldNumber, []byte(key))
	inner = appendLengthDelimited(inner, valueFieldNumber, []byte(value))

	return appendLengthDelimited(dst, metadataPropsFieldNumber, inner)
}

// EncodeEntries encodes the given records back to back, preserving order.
func EncodeEntries(entries []Entry) []byte {
	var encoded []byte

	for _, entry := range entries {
		encoded = AppendEntry(encoded, entry.Key, entry.Value)
	}

	return encoded
}

func readLengthDelimited(data []byte, fieldNumber int) (payload, rest []byte, err error) {
	tag, tagLen := binary.Uvarint(data)
	if tagLen <= 0 {
		return nil, nil, fmt.Errorf(errFmtBadVarint, ErrTruncatedRecord)
	}

	if tag != fieldTag(fieldNumber) {
		return nil, nil, fmt.Errorf(
			errFmtWrongTag,
			ErrUnexpectedTag,
			tag,
			fieldTag(fieldNumber),
		)
	}

	data = data[tagLen:]

	length, lengthLen := binary.Uvarint(data)
	if lengthLen <= 0 {
		return nil, nil, fmt.Errorf(errFmtBadVarint, ErrTruncatedRecord)
	}

	data = data[lengthLen:]

	if length > uint64(len(data)) {
		return nil, nil, fmt.Errorf(
			errFmtShortPayload,
			ErrTruncatedRecord,
			length,
			len(data),
		)
	}

	return data[:length], data[length:], nil
}

func decodeEntry(payload []byte) (Entry, error) {
	key, rest, err := readLengthDelimited(payload, keyFieldNumber)
	if err != nil {
		return Entry{}, err
	}

	value, rest, err := readLengthDelimited(rest, valueFieldNumber)
	if err != nil {
		return Entry{}, err
	}

	if len(rest) != 0 {
		return Entry{}, fmt.Errorf(errFmtTrailingBytes, ErrUnexpectedTag, len(rest))
	}

	return Entry{Key: string(key), Value: string(value)}, nil
}

// DecodeEntries reads a sequence of metadata records from data. It is the
// conformance counterpart of EncodeEntries: decoding what EncodeEntries
// produced yields the original records in order.
func DecodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry

	for len(data) > 0 {
		payload, rest, err := readLengthDelimited(data, metadataPropsFieldNumber)
		if err != nil {
			return nil, err
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
		data = rest
	}

	return entries, nil
}
