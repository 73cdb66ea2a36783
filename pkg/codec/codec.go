// Package codec encodes watermark and stream-status control elements in
// protobuf wire format so they can travel next to data records, e.g. as
// Kafka records carrying a control header.
//
// Message layout:
//
//	1: kind      (varint, operator.ElementKind)
//	2: timestamp (zigzag varint, watermark only)
//	3: status    (varint, stream status only)
package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

const (
	fieldKind      protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldStatus    protowire.Number = 3
)

// HeaderKey marks a Kafka record as a control element rather than data.
const HeaderKey = "isotope-element"

var (
	// ErrNotControl is returned when encoding a batch element.
	ErrNotControl = errors.New("codec: not a control element")

	// ErrMalformed is returned when a control message cannot be decoded.
	ErrMalformed = errors.New("codec: malformed control message")
)

// Encode serializes a watermark or stream-status element.
func Encode(e operator.Element) ([]byte, error) {
	var b []byte
	switch e.Kind {
	case operator.KindWatermark:
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Kind))
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Watermark.Timestamp))
	case operator.KindStreamStatus:
		if !e.Status.Valid() {
			return nil, fmt.Errorf("codec: invalid stream status %d", int8(e.Status))
		}
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Kind))
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Status))
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotControl, e.Kind)
	}
	return b, nil
}

// Decode parses a control element. Unknown fields are skipped.
func Decode(b []byte) (operator.Element, error) {
	var (
		e            operator.Element
		hasTimestamp bool
		hasStatus    bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return operator.Element{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType || num > fieldStatus {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return operator.Element{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return operator.Element{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldKind:
			if v > math.MaxUint8 {
				return operator.Element{}, fmt.Errorf("%w: kind %d out of range", ErrMalformed, v)
			}
			e.Kind = operator.ElementKind(v)
		case fieldTimestamp:
			e.Watermark.Timestamp = protowire.DecodeZigZag(v)
			hasTimestamp = true
		case fieldStatus:
			if v > uint64(operator.StatusIdle) {
				return operator.Element{}, fmt.Errorf("%w: stream status %d out of range", ErrMalformed, v)
			}
			e.Status = operator.StreamStatus(v)
			hasStatus = true
		}
	}

	switch e.Kind {
	case operator.KindWatermark:
		if !hasTimestamp {
			return operator.Element{}, fmt.Errorf("%w: watermark without timestamp", ErrMalformed)
		}
	case operator.KindStreamStatus:
		if !hasStatus || !e.Status.Valid() {
			return operator.Element{}, fmt.Errorf("%w: missing or invalid stream status", ErrMalformed)
		}
	default:
		return operator.Element{}, fmt.Errorf("%w: unexpected kind %s", ErrMalformed, e.Kind)
	}
	return e, nil
}
