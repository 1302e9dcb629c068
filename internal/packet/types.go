// Package packet defines the telemetry packet envelope, the closed set of
// payload kinds and their wire codec.
//
// An envelope carries a type tag, an opaque payload and the key of the
// session that owns it. The tag is parsed once into a Kind and the payload
// is decoded into exactly one concrete Payload type.
package packet

import "fmt"

// NanosecondsPerDay is the modulus applied to timestamps at the store
// boundary.
const NanosecondsPerDay int64 = 86_400_000_000_000

// Packet is one raw unit received from the stream. Immutable once decoded.
type Packet struct {
	// Type is the type tag, e.g. "PeriodicData".
	Type string

	// SessionKey is the key of the owning session.
	SessionKey string

	// Content is the encoded payload.
	Content []byte

	// ID is the stream-assigned identifier. Zero if unknown.
	ID uint64

	// Essential marks packets replayed from the essentials stream.
	Essential bool
}

// Kind is the closed set of packet kinds the recorder understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindPeriodicData
	KindRowData
	KindSynchroData
	KindMarker
	KindEvent
	KindError
	KindRawCANData
	KindCoverageCursor
)

var kindNames = map[Kind]string{
	KindPeriodicData:   "PeriodicData",
	KindRowData:        "RowData",
	KindSynchroData:    "SynchroData",
	KindMarker:         "Marker",
	KindEvent:          "Event",
	KindError:          "Error",
	KindRawCANData:     "RawCANData",
	KindCoverageCursor: "CoverageCursorInfo",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseKind maps a type tag to a Kind. Unknown tags yield KindUnknown.
func ParseKind(tag string) Kind {
	return kindByName[tag]
}

// String returns the wire type tag of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindPeriodicData,
		KindRowData,
		KindSynchroData,
		KindMarker,
		KindEvent,
		KindError,
		KindRawCANData,
		KindCoverageCursor,
	}
}

// =============================================================================
// Schema references
// =============================================================================

// DataFormat is a schema reference. Either FormatID is set and the
// parameter list or event identifier must be looked up, or the list or
// event identifier is carried inline.
type DataFormat struct {
	FormatID   uint64
	Parameters []string
	EventID    string
}

// NeedsLookup reports whether the reference must be resolved remotely.
func (d DataFormat) NeedsLookup() bool {
	return d.FormatID != 0
}

// =============================================================================
// Samples
// =============================================================================

// SampleKind identifies the encoding of a sample list.
type SampleKind int

const (
	SampleNone SampleKind = iota
	SampleDouble
	SampleInt32
	SampleBool
	SampleString
)

func (k SampleKind) String() string {
	switch k {
	case SampleDouble:
		return "double"
	case SampleInt32:
		return "int32"
	case SampleBool:
		return "bool"
	case SampleString:
		return "string"
	default:
		return "none"
	}
}

// SampleList is one column (or row) of samples in a single encoding.
type SampleList struct {
	Kind    SampleKind
	Doubles []float64
	Int32s  []int32
	Bools   []bool
	Strings []string
}

// Len returns the number of samples in the list.
func (s SampleList) Len() int {
	switch s.Kind {
	case SampleDouble:
		return len(s.Doubles)
	case SampleInt32:
		return len(s.Int32s)
	case SampleBool:
		return len(s.Bools)
	case SampleString:
		return len(s.Strings)
	default:
		return 0
	}
}

// Doubles builds a double sample list.
func Doubles(v ...float64) SampleList { return SampleList{Kind: SampleDouble, Doubles: v} }

// Int32s builds an int32 sample list.
func Int32s(v ...int32) SampleList { return SampleList{Kind: SampleInt32, Int32s: v} }

// Bools builds a bool sample list.
func Bools(v ...bool) SampleList { return SampleList{Kind: SampleBool, Bools: v} }

// Strings builds a string sample list.
func Strings(v ...string) SampleList { return SampleList{Kind: SampleString, Strings: v} }

// =============================================================================
// Payloads
// =============================================================================

// Payload is the closed union of decoded packet payloads.
type Payload interface {
	Kind() Kind
	isPayload()
}

// PeriodicData carries equally spaced samples for each parameter.
type PeriodicData struct {
	DataFormat DataFormat
	StartTime  uint64
	Interval   uint32
	Columns    []SampleList
}

// RowData carries one row of samples per timestamp.
type RowData struct {
	DataFormat DataFormat
	Timestamps []uint64
	Rows       []SampleList
}

// SynchroData carries samples with per-sample intervals.
type SynchroData struct {
	DataFormat DataFormat
	StartTime  uint64
	Intervals  []uint32
	Columns    []SampleList
}

// Marker is a labelled point in time. Markers of type LapTrigger are laps.
type Marker struct {
	Timestamp   uint64
	Label       string
	Type        string
	Value       int64
	Description string
	Source      string
}

// LapTrigger is the marker type that denotes a lap.
const LapTrigger = "Lap Trigger"

// PitLaneSource is the marker source that denotes a pit lane trigger.
const PitLaneSource = "Pit Lane"

// Event is an event occurrence with raw values.
type Event struct {
	DataFormat DataFormat
	Timestamp  uint64
	RawValues  []float64
}

// ErrorType distinguishes current and logged errors.
type ErrorType int

const (
	ErrorTypeUnspecified ErrorType = iota
	ErrorTypeCurrent
	ErrorTypeLogged
)

// ErrorStatus distinguishes set and cleared errors.
type ErrorStatus int

const (
	ErrorStatusUnspecified ErrorStatus = iota
	ErrorStatusSet
	ErrorStatusCleared
)

// Error is an error state transition.
type Error struct {
	Timestamp       uint64
	Name            string
	ErrorIdentifier string
	ApplicationName string
	Description     string
	Type            ErrorType
	Status          ErrorStatus
}

// CANType is the direction of a raw CAN frame.
type CANType int

const (
	CANTransmit CANType = iota
	CANReceive
)

// RawCANData is one raw CAN frame.
type RawCANData struct {
	Timestamp uint64
	Bus       uint32
	CANID     uint32
	Payload   []byte
	Type      CANType
}

// CoverageCursor marks how far the recording is known to be complete.
type CoverageCursor struct {
	Timestamp uint64
}

func (*PeriodicData) Kind() Kind   { return KindPeriodicData }
func (*RowData) Kind() Kind        { return KindRowData }
func (*SynchroData) Kind() Kind    { return KindSynchroData }
func (*Marker) Kind() Kind         { return KindMarker }
func (*Event) Kind() Kind          { return KindEvent }
func (*Error) Kind() Kind          { return KindError }
func (*RawCANData) Kind() Kind     { return KindRawCANData }
func (*CoverageCursor) Kind() Kind { return KindCoverageCursor }

func (*PeriodicData) isPayload()   {}
func (*RowData) isPayload()        {}
func (*SynchroData) isPayload()    {}
func (*Marker) isPayload()         {}
func (*Event) isPayload()          {}
func (*Error) isPayload()          {}
func (*RawCANData) isPayload()     {}
func (*CoverageCursor) isPayload() {}
