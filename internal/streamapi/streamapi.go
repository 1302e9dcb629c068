// Package streamapi defines the external collaborators of the recorder:
// the packet stream, the schema lookup service and the session metadata
// service. Concrete adapters live in sub-packages.
package streamapi

import (
	"context"
	"fmt"

	"github.com/xtxerr/telrec/internal/packet"
)

// Handler consumes envelopes read from a stream.
type Handler interface {
	Handle(ctx context.Context, p packet.Packet) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, p packet.Packet) error

// Handle calls f(ctx, p).
func (f HandlerFunc) Handle(ctx context.Context, p packet.Packet) error {
	return f(ctx, p)
}

// Reader pushes the envelopes of one stream into a Handler.
type Reader interface {
	// Start begins delivery. It returns once the subscription is set up.
	Start(ctx context.Context) error

	// Stop ends delivery and releases the subscription.
	Stop() error
}

// StreamRef identifies one stream of a session and its starting offset.
type StreamRef struct {
	SessionKey string
	DataSource string
	Stream     string
	Offset     uint64
}

// PacketSource opens readers over the packet stream.
type PacketSource interface {
	OpenReader(ref StreamRef, h Handler) (Reader, error)
}

// SchemaService resolves numeric data format identifiers.
type SchemaService interface {
	// ParameterList returns the ordered parameter identifiers of a format.
	ParameterList(ctx context.Context, formatID uint64) ([]string, error)

	// EventIdentifier returns the event identifier of a format.
	EventIdentifier(ctx context.Context, formatID uint64) (string, error)
}

// SessionInfo is the metadata of one recorded session.
type SessionInfo struct {
	Key        string           `json:"key"`
	Identifier string           `json:"identifier"`
	DataSource string           `json:"data_source"`
	Type       string           `json:"type,omitempty"`
	Version    uint32           `json:"version,omitempty"`
	Streams    []string         `json:"streams"`
	Offsets    map[string]int64 `json:"topic_partition_offsets,omitempty"`
	MainOffset int64            `json:"main_offset,omitempty"`
	Complete   bool             `json:"complete"`
}

// OffsetKey returns the offset map key of a stream.
func OffsetKey(dataSource, stream string) string {
	return fmt.Sprintf("%s.%s:[0]", dataSource, stream)
}

// StreamOffset returns the starting offset of a stream, or 0 if unknown.
func (s SessionInfo) StreamOffset(stream string) uint64 {
	if v, ok := s.Offsets[OffsetKey(s.DataSource, stream)]; ok && v > 0 {
		return uint64(v)
	}
	return 0
}

// NotificationKind distinguishes session start and stop notifications.
type NotificationKind int

const (
	SessionStarted NotificationKind = iota + 1
	SessionStopped
)

func (k NotificationKind) String() string {
	switch k {
	case SessionStarted:
		return "start"
	case SessionStopped:
		return "stop"
	default:
		return "unknown"
	}
}

// Notification announces a session start or stop.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	SessionKey string           `json:"session_key"`
	DataSource string           `json:"data_source"`
}

// SessionService exposes session metadata and lifecycle notifications.
type SessionService interface {
	SessionInfo(ctx context.Context, sessionKey string) (SessionInfo, error)

	// LiveSessions returns the keys of sessions currently being recorded.
	LiveSessions(ctx context.Context) ([]string, error)

	// Notifications delivers start and stop notifications until ctx ends.
	Notifications(ctx context.Context) (<-chan Notification, error)
}
