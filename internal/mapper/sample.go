package mapper

import (
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/sessionconfig"
)

// Sample is the closed union of canonical DTOs. Timestamps are the raw
// stream timestamps; day wraparound happens in the writer.
type Sample interface {
	isSample()
}

// Periodic holds equally spaced values of one channel.
type Periodic struct {
	Channel  sessionconfig.Handle
	Start    uint64
	Interval uint32
	Values   []float64
}

// Row holds one row of values across the channels of a data format.
type Row struct {
	Channels  []sessionconfig.Handle
	Timestamp uint64
	Values    []float64
}

// Synchro holds irregularly spaced values of one channel. Deltas are the
// packet intervals divided by Scale.
type Synchro struct {
	Channel sessionconfig.Handle
	Start   uint64
	Scale   uint32
	Values  []float64
	Deltas  []uint32
}

// RawCAN is one CAN frame.
type RawCAN struct {
	Timestamp uint64
	Bus       uint32
	ID        uint32
	Payload   []byte
	Direction uint8
}

// CAN directions.
const (
	DirectionTransmit uint8 = 0
	DirectionReceive  uint8 = 1
)

// Marker is a labelled point in time.
type Marker struct {
	Timestamp   uint64
	Label       string
	Type        string
	Description string
	Value       int64
}

// Lap trigger sources.
const (
	TriggerMain    uint8 = 0
	TriggerPitLane uint8 = 1
)

// Lap is a lap trigger.
type Lap struct {
	Timestamp          uint64
	Number             int16
	TriggerSource      uint8
	Name               string
	CountForFastestLap bool
}

// Event is an occurrence of a configured event.
type Event struct {
	Timestamp    uint64
	DefinitionID int64
	Group        string
	Values       []float64
}

// Error is an error state transition on the two status channels of an
// error definition.
type Error struct {
	Timestamp  uint64
	Identifier string
	Current    sessionconfig.Handle
	Logged     sessionconfig.Handle
	Type       packet.ErrorType
	Status     packet.ErrorStatus
}

// CoverageCursor marks how far the session is known to be complete.
type CoverageCursor struct {
	Timestamp uint64
}

// SessionInfo carries the session identifier.
type SessionInfo struct {
	Identifier string
}

func (*Periodic) isSample()       {}
func (*Row) isSample()            {}
func (*Synchro) isSample()        {}
func (*RawCAN) isSample()         {}
func (*Marker) isSample()         {}
func (*Lap) isSample()            {}
func (*Event) isSample()          {}
func (*Error) isSample()          {}
func (*CoverageCursor) isSample() {}
func (*SessionInfo) isSample()    {}
