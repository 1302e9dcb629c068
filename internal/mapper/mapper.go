// Package mapper converts decoded packets into canonical samples.
//
// Every sample encoding is widened to float64: doubles are copied, int32
// values are converted exactly and booleans become 1 or 0. String and empty
// sample lists cannot be stored; the affected column or row is skipped with
// a warning, or the packet is rejected with errors.ErrUnsupportedEncoding
// when nothing is left.
package mapper

import (
	"fmt"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/sessionconfig"
)

var log = logging.Component("mapper")

// Mapper maps packets whose identifiers are configured in a session.
type Mapper struct {
	cfg *sessionconfig.Config
}

// New creates a mapper over a session registry.
func New(cfg *sessionconfig.Config) *Mapper {
	return &Mapper{cfg: cfg}
}

// Values widens a sample list to float64.
func Values(l packet.SampleList) ([]float64, error) {
	switch l.Kind {
	case packet.SampleDouble:
		out := make([]float64, len(l.Doubles))
		copy(out, l.Doubles)
		return out, nil
	case packet.SampleInt32:
		out := make([]float64, len(l.Int32s))
		for i, v := range l.Int32s {
			out[i] = float64(v)
		}
		return out, nil
	case packet.SampleBool:
		out := make([]float64, len(l.Bools))
		for i, v := range l.Bools {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s samples: %w", l.Kind, errors.ErrUnsupportedEncoding)
	}
}

// Periodic maps one column per parameter to a Periodic sample.
func (m *Mapper) Periodic(p *packet.PeriodicData, parameters []string) ([]Sample, error) {
	if p.Interval == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidInterval, "periodic packet at %d", p.StartTime)
	}
	if len(p.Columns) != len(parameters) {
		return nil, fmt.Errorf("%d columns for %d parameters: %w", len(p.Columns), len(parameters), errors.ErrColumnMismatch)
	}

	out := make([]Sample, 0, len(parameters))
	for i, param := range parameters {
		values, err := Values(p.Columns[i])
		if err != nil {
			log.Warn("skipping periodic column", "parameter", param, "error", err)
			continue
		}
		ch, ok := m.cfg.PeriodicHandle(param, p.Interval)
		if !ok {
			return nil, fmt.Errorf("%s@%d: %w", param, p.Interval, errors.ErrChannelNotFound)
		}
		out = append(out, &Periodic{
			Channel:  ch,
			Start:    p.StartTime,
			Interval: p.Interval,
			Values:   values,
		})
	}
	return nonEmpty(out, "periodic")
}

// Row maps each timestamped row to a Row sample over the parameter channels.
func (m *Mapper) Row(p *packet.RowData, parameters []string) ([]Sample, error) {
	if len(p.Timestamps) != len(p.Rows) {
		return nil, fmt.Errorf("%d timestamps for %d rows: %w", len(p.Timestamps), len(p.Rows), errors.ErrMalformedPacket)
	}

	channels, ok := m.cfg.RowHandles(parameters)
	if !ok {
		return nil, fmt.Errorf("row parameters: %w", errors.ErrChannelNotFound)
	}

	out := make([]Sample, 0, len(p.Rows))
	for i, row := range p.Rows {
		values, err := Values(row)
		if err != nil {
			log.Warn("skipping row", "timestamp", p.Timestamps[i], "error", err)
			continue
		}
		if len(values) != len(channels) {
			log.Warn("skipping row", "timestamp", p.Timestamps[i], "error", errors.ErrColumnMismatch,
				"values", len(values), "channels", len(channels))
			continue
		}
		out = append(out, &Row{
			Channels:  channels,
			Timestamp: p.Timestamps[i],
			Values:    values,
		})
	}
	return nonEmpty(out, "row")
}

// Synchro maps one column per parameter to a Synchro sample. All columns
// share the packet's delta scale.
func (m *Mapper) Synchro(p *packet.SynchroData, parameters []string) ([]Sample, error) {
	if len(p.Columns) != len(parameters) {
		return nil, fmt.Errorf("%d columns for %d parameters: %w", len(p.Columns), len(parameters), errors.ErrColumnMismatch)
	}

	scale := DeltaScale(p.Intervals)
	if scale == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidInterval, "synchro packet at %d", p.StartTime)
	}
	deltas := make([]uint32, len(p.Intervals))
	for i, iv := range p.Intervals {
		deltas[i] = iv / scale
	}

	out := make([]Sample, 0, len(parameters))
	for i, param := range parameters {
		values, err := Values(p.Columns[i])
		if err != nil {
			log.Warn("skipping synchro column", "parameter", param, "error", err)
			continue
		}
		if len(values) != len(deltas) {
			log.Warn("skipping synchro column", "parameter", param, "error", errors.ErrColumnMismatch,
				"values", len(values), "intervals", len(deltas))
			continue
		}
		ch, ok := m.cfg.SynchroHandle(param)
		if !ok {
			return nil, fmt.Errorf("%s: %w", param, errors.ErrChannelNotFound)
		}
		out = append(out, &Synchro{
			Channel: ch,
			Start:   p.StartTime,
			Scale:   scale,
			Values:  values,
			Deltas:  deltas,
		})
	}
	return nonEmpty(out, "synchro")
}

// DeltaScale returns the greatest common divisor of intervals, or 0 if
// every interval is zero.
func DeltaScale(intervals []uint32) uint32 {
	var g uint32
	for _, iv := range intervals {
		g = gcd(g, iv)
	}
	return g
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Event maps an event occurrence.
func (m *Mapper) Event(p *packet.Event, identifier string) (Sample, error) {
	def, ok := m.cfg.Event(identifier)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", identifier, errors.ErrDefinitionMissing)
	}
	values := make([]float64, len(p.RawValues))
	copy(values, p.RawValues)
	return &Event{
		Timestamp:    p.Timestamp,
		DefinitionID: def.DefinitionID,
		Group:        def.Group,
		Values:       values,
	}, nil
}

// Error maps an error transition onto the status channels of its definition.
func (m *Mapper) Error(p *packet.Error) (Sample, error) {
	def, ok := m.cfg.Error(p.Name)
	if !ok {
		return nil, fmt.Errorf("error %s: %w", p.Name, errors.ErrDefinitionMissing)
	}
	return &Error{
		Timestamp:  p.Timestamp,
		Identifier: p.ErrorIdentifier,
		Current:    def.Current,
		Logged:     def.Logged,
		Type:       p.Type,
		Status:     p.Status,
	}, nil
}

// MapMarker maps a marker. Lap triggers become laps named after the marker
// label; a trigger from the pit lane source is a pit lane trigger.
func MapMarker(p *packet.Marker) Sample {
	if p.Type == packet.LapTrigger {
		source := TriggerMain
		if p.Source == packet.PitLaneSource {
			source = TriggerPitLane
		}
		return &Lap{
			Timestamp:          p.Timestamp,
			Number:             int16(p.Value),
			TriggerSource:      source,
			Name:               p.Label,
			CountForFastestLap: true,
		}
	}
	return &Marker{
		Timestamp:   p.Timestamp,
		Label:       p.Label,
		Type:        p.Type,
		Description: p.Description,
		Value:       p.Value,
	}
}

// MapRawCAN maps a raw CAN frame.
func MapRawCAN(p *packet.RawCANData) Sample {
	if len(p.Payload) == 0 {
		log.Warn("raw CAN frame with empty payload", "bus", p.Bus, "can_id", p.CANID)
	}
	dir := DirectionReceive
	if p.Type == packet.CANTransmit {
		dir = DirectionTransmit
	}
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	return &RawCAN{
		Timestamp: p.Timestamp,
		Bus:       p.Bus,
		ID:        p.CANID,
		Payload:   payload,
		Direction: dir,
	}
}

// MapCoverageCursor maps a coverage cursor.
func MapCoverageCursor(p *packet.CoverageCursor) Sample {
	return &CoverageCursor{Timestamp: p.Timestamp}
}

// MapSessionInfo maps a session identifier; an empty identifier is untitled.
func MapSessionInfo(identifier string) Sample {
	if identifier == "" {
		identifier = config.DefaultUntitledSession
	}
	return &SessionInfo{Identifier: identifier}
}

func nonEmpty(out []Sample, kind string) ([]Sample, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("%s packet has no storable samples: %w", kind, errors.ErrUnsupportedEncoding)
	}
	return out, nil
}
