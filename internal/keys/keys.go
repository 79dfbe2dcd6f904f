// Package keys implements the compound key encoding used by every datastore key in kvrel.
//
// A key is a sequence of segments. Each segment is written as a kind byte, the segment bytes
// with 0x00 escaped as 0x00 0xFF, and a 0x00 0x01 terminator. The encoding is prefix-free,
// so a complete segment can never be mistaken for the start of another one, and segments of
// the same kind sort in the byte order of their raw contents.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind distinguishes namespace segments (sublevels, reserved relation tables) from item
// segments (user supplied ids, timestamps, nested keys).
type Kind byte

const (
	KindNamespace Kind = 0x01
	KindItem      Kind = 0x02
)

const (
	escapeByte     = 0x00
	escapedZero    = 0xFF
	terminatorByte = 0x01
)

var ErrMalformedKey = errors.New("malformed key")

// Segment is a single decoded part of a key.
type Segment struct {
	Kind  Kind
	Value []byte
}

// Append appends the encoding of a segment of the given kind to prefix and returns the
// extended key. prefix is never modified.
func Append(prefix []byte, kind Kind, value []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(value)+3)
	out = append(out, prefix...)
	out = append(out, byte(kind))
	for _, b := range value {
		if b == escapeByte {
			out = append(out, escapeByte, escapedZero)
			continue
		}
		out = append(out, b)
	}

	return append(out, escapeByte, terminatorByte)
}

// Namespace returns prefix extended with a namespace segment.
func Namespace(prefix []byte, name string) []byte {
	return Append(prefix, KindNamespace, []byte(name))
}

// Item returns prefix extended with an item segment.
func Item(prefix []byte, id []byte) []byte {
	return Append(prefix, KindItem, id)
}

// ItemPrefix returns the range prefix shared by every item segment directly under prefix.
func ItemPrefix(prefix []byte) []byte {
	out := make([]byte, 0, len(prefix)+1)
	out = append(out, prefix...)
	return append(out, byte(KindItem))
}

// Decode splits an encoded key into its segments.
func Decode(key []byte) ([]Segment, error) {
	var segments []Segment
	for len(key) > 0 {
		seg, rest, err := decodeOne(key)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		key = rest
	}

	return segments, nil
}

// TrimItem removes prefix from key and decodes the single item segment that must follow it.
func TrimItem(key, prefix []byte) ([]byte, error) {
	if !bytes.HasPrefix(key, prefix) {
		return nil, fmt.Errorf("%w: key is outside of prefix", ErrMalformedKey)
	}

	seg, rest, err := decodeOne(key[len(prefix):])
	if err != nil {
		return nil, err
	}
	if seg.Kind != KindItem || len(rest) != 0 {
		return nil, fmt.Errorf("%w: expected a single item segment", ErrMalformedKey)
	}

	return seg.Value, nil
}

func decodeOne(key []byte) (Segment, []byte, error) {
	if len(key) == 0 {
		return Segment{}, nil, fmt.Errorf("%w: empty segment", ErrMalformedKey)
	}

	kind := Kind(key[0])
	if kind != KindNamespace && kind != KindItem {
		return Segment{}, nil, fmt.Errorf("%w: unknown segment kind 0x%02x", ErrMalformedKey, key[0])
	}

	var value []byte
	for i := 1; i < len(key); i++ {
		if key[i] != escapeByte {
			value = append(value, key[i])
			continue
		}

		if i+1 >= len(key) {
			return Segment{}, nil, fmt.Errorf("%w: truncated escape", ErrMalformedKey)
		}

		switch key[i+1] {
		case escapedZero:
			value = append(value, escapeByte)
			i++
		case terminatorByte:
			if value == nil {
				value = []byte{}
			}
			return Segment{Kind: kind, Value: value}, key[i+2:], nil
		default:
			return Segment{}, nil, fmt.Errorf("%w: invalid escape 0x%02x", ErrMalformedKey, key[i+1])
		}
	}

	return Segment{}, nil, fmt.Errorf("%w: missing terminator", ErrMalformedKey)
}

// PrefixEnd returns the smallest key that is greater than every key starting with prefix,
// or nil if no such key exists (prefix is empty or all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}

	return nil
}

// Format renders a key in a human readable, slash separated form such as
// "/users/relations/posts/1/pointers//posts/2". Segments that are themselves encoded keys are
// rendered recursively; other binary segments are quoted.
func Format(key []byte) string {
	segments, err := Decode(key)
	if err != nil {
		return strconv.Quote(string(key))
	}

	var sb strings.Builder
	for _, seg := range segments {
		sb.WriteByte('/')
		sb.WriteString(formatValue(seg.Value))
	}

	return sb.String()
}

func formatValue(value []byte) string {
	if len(value) > 0 && (value[0] == byte(KindNamespace) || value[0] == byte(KindItem)) {
		if _, err := Decode(value); err == nil {
			return Format(value)
		}
	}

	if utf8.Valid(value) && isPrintable(value) {
		return string(value)
	}

	return fmt.Sprintf("%x", value)
}

func isPrintable(value []byte) bool {
	for _, r := range string(value) {
		if !strconv.IsPrint(r) {
			return false
		}
	}

	return true
}
