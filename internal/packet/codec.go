package packet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/telrec/internal/errors"
)

// Wire layout. Every message is a plain protobuf message; unknown fields
// and fields with an unexpected wire type are skipped.
//
//	Packet        1 type, 2 session_key, 3 content, 4 id, 5 essential
//	DataFormat    1 format_id, 2 parameters{1 repeated string}, 3 event_id
//	SampleList    1 packed double, 2 packed int32, 3 packed bool, 4 repeated string
//	PeriodicData  1 data_format, 2 start_time, 3 interval, 4 repeated columns
//	RowData       1 data_format, 2 packed timestamps, 3 repeated rows
//	SynchroData   1 data_format, 2 start_time, 3 packed intervals, 4 repeated columns
//	Marker        1 timestamp, 2 label, 3 type, 4 value, 5 description, 6 source
//	Event         1 data_format, 2 timestamp, 3 packed raw_values
//	Error         1 timestamp, 2 name, 3 error_identifier, 4 application_name,
//	              5 description, 6 type, 7 status
//	RawCANData    1 timestamp, 2 bus, 3 can_id, 4 payload, 5 type
//	Coverage      1 timestamp

// =============================================================================
// Envelope
// =============================================================================

// EncodePacket serialises an envelope.
func EncodePacket(p Packet) []byte {
	var b []byte
	b = appendString(b, 1, p.Type)
	b = appendString(b, 2, p.SessionKey)
	if len(p.Content) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Content)
	}
	b = appendVarint(b, 4, p.ID)
	if p.Essential {
		b = appendVarint(b, 5, 1)
	}
	return b
}

// DecodePacket parses an envelope. The payload stays opaque.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Type = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.SessionKey = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Content = append([]byte(nil), v...)
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.ID = v
			return n
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Essential = protowire.DecodeBool(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err != nil {
		return Packet{}, errors.NewMalformed("envelope", err.Error())
	}
	return p, nil
}

// NewPacket encodes a payload into an envelope for the given session.
func NewPacket(sessionKey string, payload Payload) (Packet, error) {
	content, err := Encode(payload)
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Type:       payload.Kind().String(),
		SessionKey: sessionKey,
		Content:    content,
	}, nil
}

// Parse decodes the type tag and the payload of an envelope.
func Parse(p Packet) (Payload, error) {
	kind := ParseKind(p.Type)
	if kind == KindUnknown {
		return nil, fmt.Errorf("%q: %w", p.Type, errors.ErrUnknownPacketType)
	}
	return Decode(kind, p.Content)
}

// =============================================================================
// Payloads
// =============================================================================

// Encode serialises a payload.
func Encode(payload Payload) ([]byte, error) {
	var b []byte

	switch v := payload.(type) {
	case *PeriodicData:
		b = appendMessage(b, 1, encodeDataFormat(v.DataFormat))
		b = appendVarint(b, 2, v.StartTime)
		b = appendVarint(b, 3, uint64(v.Interval))
		for _, c := range v.Columns {
			b = appendMessageAlways(b, 4, encodeSampleList(c))
		}
	case *RowData:
		b = appendMessage(b, 1, encodeDataFormat(v.DataFormat))
		b = appendPackedVarint(b, 2, len(v.Timestamps), func(i int) uint64 { return v.Timestamps[i] })
		for _, r := range v.Rows {
			b = appendMessageAlways(b, 3, encodeSampleList(r))
		}
	case *SynchroData:
		b = appendMessage(b, 1, encodeDataFormat(v.DataFormat))
		b = appendVarint(b, 2, v.StartTime)
		b = appendPackedVarint(b, 3, len(v.Intervals), func(i int) uint64 { return uint64(v.Intervals[i]) })
		for _, c := range v.Columns {
			b = appendMessageAlways(b, 4, encodeSampleList(c))
		}
	case *Marker:
		b = appendVarint(b, 1, v.Timestamp)
		b = appendString(b, 2, v.Label)
		b = appendString(b, 3, v.Type)
		b = appendVarint(b, 4, uint64(v.Value))
		b = appendString(b, 5, v.Description)
		b = appendString(b, 6, v.Source)
	case *Event:
		b = appendMessage(b, 1, encodeDataFormat(v.DataFormat))
		b = appendVarint(b, 2, v.Timestamp)
		b = appendPackedDouble(b, 3, v.RawValues, false)
	case *Error:
		b = appendVarint(b, 1, v.Timestamp)
		b = appendString(b, 2, v.Name)
		b = appendString(b, 3, v.ErrorIdentifier)
		b = appendString(b, 4, v.ApplicationName)
		b = appendString(b, 5, v.Description)
		b = appendVarint(b, 6, uint64(v.Type))
		b = appendVarint(b, 7, uint64(v.Status))
	case *RawCANData:
		b = appendVarint(b, 1, v.Timestamp)
		b = appendVarint(b, 2, uint64(v.Bus))
		b = appendVarint(b, 3, uint64(v.CANID))
		if len(v.Payload) > 0 {
			b = protowire.AppendTag(b, 4, protowire.BytesType)
			b = protowire.AppendBytes(b, v.Payload)
		}
		b = appendVarint(b, 5, uint64(v.Type))
	case *CoverageCursor:
		b = appendVarint(b, 1, v.Timestamp)
	default:
		return nil, fmt.Errorf("encode %T: %w", payload, errors.ErrUnknownPacketType)
	}

	return b, nil
}

// Decode parses the payload of the given kind.
func Decode(kind Kind, content []byte) (Payload, error) {
	var (
		payload Payload
		err     error
	)

	switch kind {
	case KindPeriodicData:
		payload, err = decodePeriodic(content)
	case KindRowData:
		payload, err = decodeRow(content)
	case KindSynchroData:
		payload, err = decodeSynchro(content)
	case KindMarker:
		payload, err = decodeMarker(content)
	case KindEvent:
		payload, err = decodeEvent(content)
	case KindError:
		payload, err = decodeError(content)
	case KindRawCANData:
		payload, err = decodeRawCAN(content)
	case KindCoverageCursor:
		payload, err = decodeCoverage(content)
	default:
		return nil, fmt.Errorf("%s: %w", kind, errors.ErrUnknownPacketType)
	}

	if err != nil {
		return nil, errors.NewMalformed(kind.String(), err.Error())
	}
	return payload, nil
}

func decodePeriodic(data []byte) (*PeriodicData, error) {
	p := &PeriodicData{}
	var ferr error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p.DataFormat, ferr = decodeDataFormat(v)
			}
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StartTime = v
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Interval = uint32(v)
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				var col SampleList
				col, ferr = decodeSampleList(v)
				p.Columns = append(p.Columns, col)
			}
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err == nil {
		err = ferr
	}
	return p, err
}

func decodeRow(data []byte) (*RowData, error) {
	p := &RowData{}
	var ferr error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p.DataFormat, ferr = decodeDataFormat(v)
			}
			return n
		case num == 2:
			return consumePackedVarint(num, typ, b, func(v uint64) {
				p.Timestamps = append(p.Timestamps, v)
			})
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				var row SampleList
				row, ferr = decodeSampleList(v)
				p.Rows = append(p.Rows, row)
			}
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err == nil {
		err = ferr
	}
	return p, err
}

func decodeSynchro(data []byte) (*SynchroData, error) {
	p := &SynchroData{}
	var ferr error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p.DataFormat, ferr = decodeDataFormat(v)
			}
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StartTime = v
			return n
		case num == 3:
			return consumePackedVarint(num, typ, b, func(v uint64) {
				p.Intervals = append(p.Intervals, uint32(v))
			})
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				var col SampleList
				col, ferr = decodeSampleList(v)
				p.Columns = append(p.Columns, col)
			}
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err == nil {
		err = ferr
	}
	return p, err
}

func decodeMarker(data []byte) (*Marker, error) {
	p := &Marker{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Label = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Type = v
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Value = int64(v)
			return n
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Description = v
			return n
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Source = v
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return p, err
}

func decodeEvent(data []byte) (*Event, error) {
	p := &Event{}
	var ferr error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p.DataFormat, ferr = decodeDataFormat(v)
			}
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = v
			return n
		case num == 3:
			return consumePackedDouble(num, typ, b, func(v float64) {
				p.RawValues = append(p.RawValues, v)
			})
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err == nil {
		err = ferr
	}
	return p, err
}

func decodeError(data []byte) (*Error, error) {
	p := &Error{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Name = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.ErrorIdentifier = v
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.ApplicationName = v
			return n
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Description = v
			return n
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Type = ErrorType(v)
			return n
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Status = ErrorStatus(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return p, err
}

func decodeRawCAN(data []byte) (*RawCANData, error) {
	p := &RawCANData{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Bus = uint32(v)
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.CANID = uint32(v)
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Payload = append([]byte(nil), v...)
			return n
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Type = CANType(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return p, err
}

func decodeCoverage(data []byte) (*CoverageCursor, error) {
	p := &CoverageCursor{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return p, err
}

// =============================================================================
// Nested messages
// =============================================================================

func encodeDataFormat(d DataFormat) []byte {
	var b []byte
	b = appendVarint(b, 1, d.FormatID)
	if d.Parameters != nil {
		var list []byte
		for _, p := range d.Parameters {
			list = protowire.AppendTag(list, 1, protowire.BytesType)
			list = protowire.AppendString(list, p)
		}
		b = appendMessageAlways(b, 2, list)
	}
	b = appendString(b, 3, d.EventID)
	return b
}

func decodeDataFormat(data []byte) (DataFormat, error) {
	var d DataFormat
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.FormatID = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			if d.Parameters == nil {
				d.Parameters = []string{}
			}
			if err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == 1 && typ == protowire.BytesType {
					s, m := protowire.ConsumeString(b)
					d.Parameters = append(d.Parameters, s)
					return m
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			}); err != nil {
				return -1
			}
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.EventID = v
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return d, err
}

func encodeSampleList(s SampleList) []byte {
	var b []byte
	switch s.Kind {
	case SampleDouble:
		b = appendPackedDouble(b, 1, s.Doubles, true)
	case SampleInt32:
		b = appendPackedVarintAlways(b, 2, len(s.Int32s), func(i int) uint64 { return uint64(int64(s.Int32s[i])) })
	case SampleBool:
		b = appendPackedVarintAlways(b, 3, len(s.Bools), func(i int) uint64 { return protowire.EncodeBool(s.Bools[i]) })
	case SampleString:
		for _, v := range s.Strings {
			b = protowire.AppendTag(b, 4, protowire.BytesType)
			b = protowire.AppendString(b, v)
		}
	}
	return b
}

func decodeSampleList(data []byte) (SampleList, error) {
	var s SampleList
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			s.Kind = SampleDouble
			if s.Doubles == nil {
				s.Doubles = []float64{}
			}
			return consumePackedDouble(num, typ, b, func(v float64) {
				s.Doubles = append(s.Doubles, v)
			})
		case 2:
			s.Kind = SampleInt32
			if s.Int32s == nil {
				s.Int32s = []int32{}
			}
			return consumePackedVarint(num, typ, b, func(v uint64) {
				s.Int32s = append(s.Int32s, int32(v))
			})
		case 3:
			s.Kind = SampleBool
			if s.Bools == nil {
				s.Bools = []bool{}
			}
			return consumePackedVarint(num, typ, b, func(v uint64) {
				s.Bools = append(s.Bools, protowire.DecodeBool(v))
			})
		case 4:
			if typ != protowire.BytesType {
				return protowire.ConsumeFieldValue(num, typ, b)
			}
			s.Kind = SampleString
			v, n := protowire.ConsumeString(b)
			s.Strings = append(s.Strings, v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	return s, err
}

// =============================================================================
// Low level helpers
// =============================================================================

// consumeFields walks every field of a message. The callback returns the
// number of bytes consumed from b, or a negative protowire error code.
func consumeFields(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m := field(num, typ, data)
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

// consumePackedVarint accepts both packed and unpacked encodings.
func consumePackedVarint(num protowire.Number, typ protowire.Type, b []byte, fn func(uint64)) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			fn(v)
		}
		return n
	case protowire.BytesType:
		buf, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(buf) > 0 {
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return m
			}
			fn(v)
			buf = buf[m:]
		}
		return n
	default:
		return protowire.ConsumeFieldValue(num, typ, b)
	}
}

// consumePackedDouble accepts both packed and unpacked encodings.
func consumePackedDouble(num protowire.Number, typ protowire.Type, b []byte, fn func(float64)) int {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n >= 0 {
			fn(math.Float64frombits(v))
		}
		return n
	case protowire.BytesType:
		buf, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(buf) > 0 {
			v, m := protowire.ConsumeFixed64(buf)
			if m < 0 {
				return m
			}
			fn(math.Float64frombits(v))
			buf = buf[m:]
		}
		return n
	default:
		return protowire.ConsumeFieldValue(num, typ, b)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	if len(msg) == 0 {
		return b
	}
	return appendMessageAlways(b, num, msg)
}

func appendMessageAlways(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedVarint(b []byte, num protowire.Number, n int, at func(int) uint64) []byte {
	if n == 0 {
		return b
	}
	return appendPackedVarintAlways(b, num, n, at)
}

func appendPackedVarintAlways(b []byte, num protowire.Number, n int, at func(int) uint64) []byte {
	var packed []byte
	for i := 0; i < n; i++ {
		packed = protowire.AppendVarint(packed, at(i))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedDouble(b []byte, num protowire.Number, values []float64, always bool) []byte {
	if len(values) == 0 && !always {
		return b
	}
	packed := make([]byte, 0, len(values)*8)
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}
