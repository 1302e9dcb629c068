package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/archive"
)

// Session is a store.Session backed by DuckDB.
type Session struct {
	backend *Backend
	key     string

	mu     sync.RWMutex
	closed bool
}

// Key implements store.Session.
func (s *Session) Key() string { return s.key }

// guard holds the read lock for the duration of an operation.
func (s *Session) guard() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.ErrSessionClosed
	}
	return s.mu.RUnlock, nil
}

func (s *Session) dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w: %w", op, s.key, errors.ErrDatabase, err)
}

// Commit implements store.Session. The whole unit is written in one
// transaction.
func (s *Session) Commit(ctx context.Context, unit store.ConfigUnit) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	err = s.backend.transaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM config_units WHERE session_key = ? AND id = ?`,
			s.key, unit.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(errors.ErrConfigExists, "configuration %s", unit.ID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO config_units (session_key, id, category) VALUES (?, ?, ?)`,
			s.key, unit.ID, unit.Category); err != nil {
			return err
		}

		for _, g := range unit.Groups {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO parameter_groups (session_key, name, description) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING
			`, s.key, g.Name, g.Description); err != nil {
				return err
			}
		}

		for _, c := range unit.Conversions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversions (session_key, name, units, format) VALUES (?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, s.key, c.Name, c.Units, c.Format); err != nil {
				return err
			}
		}

		channels := make([][]interface{}, 0, len(unit.Channels))
		for _, c := range unit.Channels {
			channels = append(channels, []interface{}{
				s.key, int32(c.Handle), c.Name, uint64(c.Interval), string(c.DataType), string(c.Kind), unit.ID,
			})
		}
		if err := insertRows(ctx, tx, "channels",
			[]string{"session_key", "handle", "name", "interval_ns", "data_type", "kind", "unit_id"}, channels); err != nil {
			return err
		}

		var params [][]interface{}
		for _, p := range unit.Parameters {
			for _, h := range p.Channels {
				params = append(params, []interface{}{
					s.key, p.Identifier, int32(h), p.Name, p.Group, p.Conversion, p.Description, p.Min, p.Max,
				})
			}
		}
		if err := insertRows(ctx, tx, "parameters",
			[]string{"session_key", "identifier", "channel", "name", "grp", "conversion", "description", "min_value", "max_value"}, params); err != nil {
			return err
		}

		events := make([][]interface{}, 0, len(unit.Events))
		for _, e := range unit.Events {
			events = append(events, []interface{}{s.key, e.Identifier, e.DefinitionID, e.Group, e.Priority, e.Description})
		}
		if err := insertRows(ctx, tx, "event_definitions",
			[]string{"session_key", "identifier", "definition_id", "grp", "priority", "description"}, events); err != nil {
			return err
		}

		errs := make([][]interface{}, 0, len(unit.Errors))
		for _, e := range unit.Errors {
			errs = append(errs, []interface{}{s.key, e.Name, e.Identifier, e.Group, e.Description, int32(e.Current), int32(e.Logged)})
		}
		return insertRows(ctx, tx, "error_definitions",
			[]string{"session_key", "name", "identifier", "grp", "description", "current_channel", "logged_channel"}, errs)
	})
	if errors.IsAlreadyExists(err) {
		return err
	}
	return s.dbErr("commit", err)
}

// Use implements store.Session.
func (s *Session) Use(ctx context.Context, unitID string) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.backend.db.ExecContext(ctx,
		`UPDATE config_units SET used = true WHERE session_key = ? AND id = ?`, s.key, unitID)
	if err != nil {
		return s.dbErr("use", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFound("configuration", unitID)
	}
	return nil
}

var sampleColumns = []string{"session_key", "channel", "timestamp_ns", "value"}

// AppendPeriodic implements store.Session.
func (s *Session) AppendPeriodic(ctx context.Context, p store.PeriodicSamples) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	rows := make([][]interface{}, len(p.Values))
	for i, v := range p.Values {
		rows[i] = []interface{}{s.key, int32(p.Channel), p.Start + int64(i)*p.Interval, v}
	}
	return s.dbErr("append periodic", s.appendRows(ctx, "samples", sampleColumns, rows))
}

// AppendRow implements store.Session.
func (s *Session) AppendRow(ctx context.Context, r store.RowSample) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	rows := make([][]interface{}, 0, len(r.Channels))
	for i, ch := range r.Channels {
		var v float64
		switch {
		case i < len(r.Doubles):
			v = r.Doubles[i]
		case i < len(r.Uint16s):
			v = float64(r.Uint16s[i])
		default:
			return errors.Wrapf(errors.ErrColumnMismatch, "row %d", r.Timestamp)
		}
		rows = append(rows, []interface{}{s.key, int32(ch), r.Timestamp, v})
	}
	return s.dbErr("append row", s.appendRows(ctx, "samples", sampleColumns, rows))
}

// AppendSynchro implements store.Session.
func (s *Session) AppendSynchro(ctx context.Context, p store.SynchroSamples) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	rows := make([][]interface{}, len(p.Values))
	ts := p.Start
	for i, v := range p.Values {
		if i < len(p.Deltas) {
			ts += int64(p.Deltas[i]) * int64(p.Scale)
		}
		rows[i] = []interface{}{s.key, int32(p.Channel), ts, v}
	}
	return s.dbErr("append synchro", s.appendRows(ctx, "samples", sampleColumns, rows))
}

// AppendCAN implements store.Session.
func (s *Session) AppendCAN(ctx context.Context, f store.CANFrame) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	_, err = s.backend.db.ExecContext(ctx, `
		INSERT INTO can_frames (session_key, timestamp_ns, bus, can_id, payload, direction)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.key, f.Timestamp, f.Bus, f.ID, f.Payload, f.Direction)
	return s.dbErr("append can", err)
}

// AddMarker implements store.Session.
func (s *Session) AddMarker(ctx context.Context, m store.Marker) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	_, err = s.backend.db.ExecContext(ctx, `
		INSERT INTO markers (session_key, timestamp_ns, label, type, description, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.key, m.Timestamp, m.Label, m.Type, m.Description, m.Value)
	return s.dbErr("add marker", err)
}

// AddLap implements store.Session.
func (s *Session) AddLap(ctx context.Context, l store.Lap) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	_, err = s.backend.db.ExecContext(ctx, `
		INSERT INTO laps (session_key, timestamp_ns, number, trigger_source, name, count_for_fastest_lap)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.key, l.Timestamp, l.Number, l.TriggerSource, l.Name, l.CountForFastestLap)
	return s.dbErr("add lap", err)
}

// UpdateLap implements store.Session.
func (s *Session) UpdateLap(ctx context.Context, l store.Lap) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.backend.db.ExecContext(ctx, `
		UPDATE laps SET number = ?, trigger_source = ?, name = ?, count_for_fastest_lap = ?
		WHERE session_key = ? AND timestamp_ns = ?
	`, l.Number, l.TriggerSource, l.Name, l.CountForFastestLap, s.key, l.Timestamp)
	if err != nil {
		return s.dbErr("update lap", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFound("lap", l.Name)
	}
	return nil
}

// AddEvent implements store.Session.
func (s *Session) AddEvent(ctx context.Context, e store.Event) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	values := e.Values
	if len(values) == 0 {
		values = []float64{0}
	}
	rows := make([][]interface{}, len(values))
	for i, v := range values {
		rows[i] = []interface{}{s.key, e.Timestamp, e.DefinitionID, e.Group, i, v}
	}
	return s.dbErr("add event", s.appendRows(ctx, "events",
		[]string{"session_key", "timestamp_ns", "definition_id", "grp", "idx", "value"}, rows))
}

// appendRows writes rows in one transaction and skips rows that are already
// stored, so every append can be repeated.
func (s *Session) appendRows(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return s.backend.transaction(ctx, func(tx *sql.Tx) error {
		return insertRowsIgnoreExisting(ctx, tx, table, columns, rows)
	})
}

// SetCoverageCursor implements store.Session.
func (s *Session) SetCoverageCursor(ctx context.Context, timestamp int64) error {
	return s.updateSession(ctx, "set coverage cursor", `UPDATE sessions SET coverage_ns = ? WHERE key = ?`, timestamp)
}

// UpdateIdentifier implements store.Session.
func (s *Session) UpdateIdentifier(ctx context.Context, identifier string) error {
	return s.updateSession(ctx, "update identifier", `UPDATE sessions SET identifier = ? WHERE key = ?`, identifier)
}

// SetTimeBounds implements store.Session.
func (s *Session) SetTimeBounds(ctx context.Context, start, end int64) error {
	return s.updateSession(ctx, "set time bounds", `UPDATE sessions SET start_ns = ?, end_ns = ? WHERE key = ?`, start, end)
}

func (s *Session) updateSession(ctx context.Context, op, query string, args ...interface{}) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	_, err = s.backend.db.ExecContext(ctx, query, append(args, s.key)...)
	return s.dbErr(op, err)
}

// WriteSummaries implements store.Session.
func (s *Session) WriteSummaries(ctx context.Context, summaries []store.ChannelSummary) error {
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	err = s.backend.transaction(ctx, func(tx *sql.Tx) error {
		for _, sm := range summaries {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO summaries (session_key, channel, count, min_value, max_value, p50, p99)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, s.key, int32(sm.Channel), sm.Count, sm.Min, sm.Max, sm.P50, sm.P99); err != nil {
				return err
			}
		}
		return nil
	})
	return s.dbErr("write summaries", err)
}

// Close implements store.Session. The session is marked closed and, if an
// archive directory is configured, exported to Parquet.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.backend.db.ExecContext(ctx,
		`UPDATE sessions SET closed = true WHERE key = ?`, s.key); err != nil {
		return s.dbErr("close", err)
	}

	if s.backend.config.ArchiveDir == "" {
		return nil
	}
	return s.export(ctx)
}

func (s *Session) export(ctx context.Context) error {
	samples, err := s.querySamples(ctx)
	if err != nil {
		return s.dbErr("export samples", err)
	}
	summaries, err := s.querySummaries(ctx)
	if err != nil {
		return s.dbErr("export summaries", err)
	}

	if err := archive.Export(s.backend.config.ArchiveDir, s.key, samples, summaries, s.backend.config.Archive); err != nil {
		return fmt.Errorf("archive session %s: %w", s.key, err)
	}

	log.Info("session archived", "session", s.key, "samples", len(samples), "channels", len(summaries))
	return nil
}

func (s *Session) querySamples(ctx context.Context) ([]archive.SampleRow, error) {
	rows, err := s.backend.db.QueryContext(ctx, `
		SELECT channel, timestamp_ns, value FROM samples
		WHERE session_key = ? ORDER BY channel, timestamp_ns
	`, s.key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archive.SampleRow
	for rows.Next() {
		r := archive.SampleRow{Session: s.key}
		if err := rows.Scan(&r.Channel, &r.Timestamp, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Session) querySummaries(ctx context.Context) ([]archive.SummaryRow, error) {
	rows, err := s.backend.db.QueryContext(ctx, `
		SELECT channel, count, min_value, max_value, p50, p99 FROM summaries
		WHERE session_key = ? ORDER BY channel
	`, s.key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archive.SummaryRow
	for rows.Next() {
		r := archive.SummaryRow{Session: s.key}
		if err := rows.Scan(&r.Channel, &r.Count, &r.Min, &r.Max, &r.P50, &r.P99); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
