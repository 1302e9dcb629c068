// Package store defines the session-scoped configuration and sample backend.
//
// A Backend opens one Session per recorded session. Configuration is
// committed as ConfigUnits; samples are appended under channel handles
// allocated by the configuration processors. Timestamps passed to a Session
// are nanoseconds since midnight.
package store

import (
	"context"
	"time"

	"github.com/xtxerr/telrec/internal/sessionconfig"
)

// Backend creates backend sessions.
type Backend interface {
	// CreateSession opens a new session. Creating a key that already exists
	// returns errors.ErrSessionAlreadyExists.
	CreateSession(ctx context.Context, meta SessionMeta) (Session, error)

	// Close releases the backend.
	Close() error
}

// Session is the write surface of one recorded session.
//
// Implementations must be safe for concurrent use. Commit returns
// errors.ErrConfigExists when a unit with the same identifier was already
// committed.
type Session interface {
	Key() string

	Commit(ctx context.Context, unit ConfigUnit) error
	Use(ctx context.Context, unitID string) error

	AppendPeriodic(ctx context.Context, s PeriodicSamples) error
	AppendRow(ctx context.Context, s RowSample) error
	AppendSynchro(ctx context.Context, s SynchroSamples) error
	AppendCAN(ctx context.Context, f CANFrame) error

	AddMarker(ctx context.Context, m Marker) error
	AddLap(ctx context.Context, l Lap) error
	UpdateLap(ctx context.Context, l Lap) error
	AddEvent(ctx context.Context, e Event) error

	SetCoverageCursor(ctx context.Context, timestamp int64) error
	UpdateIdentifier(ctx context.Context, identifier string) error
	SetTimeBounds(ctx context.Context, start, end int64) error
	WriteSummaries(ctx context.Context, summaries []ChannelSummary) error

	Close(ctx context.Context) error
}

// SessionMeta describes a session at creation.
type SessionMeta struct {
	Key        string
	Identifier string
	DataSource string
	Type       string
	Version    uint32
	CreatedAt  time.Time
}

// =============================================================================
// Configuration
// =============================================================================

// DataType of a channel.
type DataType string

const (
	DataTypeFloat64 DataType = "double"
	DataTypeUint16  DataType = "uint16"
)

// ChannelKind distinguishes how samples of a channel are stored.
type ChannelKind string

const (
	ChannelPeriodic ChannelKind = "periodic"
	ChannelRow      ChannelKind = "row"
	ChannelSynchro  ChannelKind = "synchro"
)

// ConfigUnit is one committed batch of configuration.
type ConfigUnit struct {
	ID          string
	Category    string
	Groups      []Group
	Conversions []Conversion
	Channels    []Channel
	Parameters  []Parameter
	Events      []EventDefinition
	Errors      []ErrorDefinition
}

// Group is an application group of parameters or events.
type Group struct {
	Name        string
	Description string
}

// Conversion is a rational conversion from raw to engineering values.
type Conversion struct {
	Name   string
	Units  string
	Format string
}

// DefaultConversion is the identity conversion every unit carries.
var DefaultConversion = Conversion{Name: "DefaultConversion", Format: "%5.2f"}

// Channel is a stored time series.
type Channel struct {
	Handle   sessionconfig.Handle
	Name     string
	Interval uint32
	DataType DataType
	Kind     ChannelKind
}

// Parameter binds an identifier to its channels.
type Parameter struct {
	Identifier  string
	Name        string
	Group       string
	Conversion  string
	Description string
	Channels    []sessionconfig.Handle
	Min         float64
	Max         float64
}

// EventDefinition is the stored form of an event definition.
type EventDefinition struct {
	DefinitionID int64
	Identifier   string
	Group        string
	Priority     string
	Description  string
	Conversions  []string
}

// ErrorDefinition is the stored form of an error definition.
type ErrorDefinition struct {
	Name        string
	Identifier  string
	Group       string
	Description string
	Current     sessionconfig.Handle
	Logged      sessionconfig.Handle
}

// =============================================================================
// Samples
// =============================================================================

// PeriodicSamples are equally spaced samples of one channel.
type PeriodicSamples struct {
	Channel  sessionconfig.Handle
	Start    int64
	Interval int64
	Values   []float64
}

// RowSample is one timestamped row across several channels. Values holds
// either Doubles or Uint16s.
type RowSample struct {
	Channels  []sessionconfig.Handle
	Timestamp int64
	Doubles   []float64
	Uint16s   []uint16
}

// SynchroSamples are irregularly spaced samples of one channel. The time of
// sample i is Start plus Scale times the sum of Deltas[0..i].
type SynchroSamples struct {
	Channel sessionconfig.Handle
	Start   int64
	Scale   uint32
	Values  []float64
	Deltas  []uint32
}

// CANFrame is one raw CAN frame.
type CANFrame struct {
	Timestamp int64
	Bus       uint32
	ID        uint32
	Payload   []byte
	Direction uint8
}

// Marker is a labelled point in time.
type Marker struct {
	Timestamp   int64
	Label       string
	Type        string
	Description string
	Value       int64
}

// Lap is a lap of the session.
type Lap struct {
	Timestamp          int64
	Number             int16
	TriggerSource      uint8
	Name               string
	CountForFastestLap bool
}

// Event is an occurrence of a configured event.
type Event struct {
	Timestamp    int64
	DefinitionID int64
	Group        string
	Values       []float64
}

// ChannelSummary is the distribution of one channel's values.
type ChannelSummary struct {
	Channel sessionconfig.Handle
	Count   int64
	Min     float64
	Max     float64
	P50     float64
	P99     float64
}
