package configproc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/validation"
)

// PeriodicItem is a parameter sampled at a fixed interval.
type PeriodicItem struct {
	Parameter string
	Interval  uint32
}

// ErrorItem is an error seen on the stream.
type ErrorItem struct {
	Name        string
	Identifier  string
	Group       string
	Description string
}

// Group returns the application part of a "name:application" identifier.
// Identifiers without an application part belong to the identifier itself.
func Group(identifier string) string {
	if _, app := validation.SplitIdentifier(identifier); app != "" {
		return app
	}
	return identifier
}

// ParseEventIdentifier splits a "hexid:application" event identifier into
// its numeric definition id and group.
func ParseEventIdentifier(identifier string) (int64, string, error) {
	id, app := validation.SplitIdentifier(identifier)
	if id == "" {
		return 0, "", errors.NewMalformed("Event", fmt.Sprintf("empty event identifier %q", identifier))
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(id), "0x"), 16, 63)
	if err != nil {
		return 0, "", errors.NewMalformed("Event", fmt.Sprintf("event identifier %q: %v", identifier, err))
	}
	if app == "" {
		app = identifier
	}
	return int64(n), app, nil
}

// groups returns the distinct groups of identifiers in first-seen order.
func groups(identifiers []string) []store.Group {
	var out []store.Group
	seen := make(map[string]struct{})
	for _, id := range identifiers {
		g := Group(id)
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, store.Group{Name: g, Description: g})
	}
	return out
}

// PeriodicSpec configures periodic channels, one per parameter and interval.
func PeriodicSpec() Spec[PeriodicItem] {
	return Spec[PeriodicItem]{
		Category: "periodic",
		Key: func(it PeriodicItem) string {
			return it.Parameter + "@" + strconv.FormatUint(uint64(it.Interval), 10)
		},
		Validate: func(it PeriodicItem) error {
			if it.Interval == 0 {
				return fmt.Errorf("parameter %s: %w", it.Parameter, errors.ErrInvalidInterval)
			}
			return nil
		},
		Build: func(items []PeriodicItem, handles *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config)) {
			unit := store.ConfigUnit{Conversions: []store.Conversion{store.DefaultConversion}}
			published := make(map[sessionconfig.PeriodicKey]sessionconfig.Handle, len(items))
			params := make(map[string]int)
			names := make([]string, 0, len(items))

			for i, h := range handles.NextN(len(items)) {
				it := items[i]
				unit.Channels = append(unit.Channels, store.Channel{
					Handle:   h,
					Name:     it.Parameter,
					Interval: it.Interval,
					DataType: store.DataTypeFloat64,
					Kind:     store.ChannelPeriodic,
				})
				if idx, ok := params[it.Parameter]; ok {
					unit.Parameters[idx].Channels = append(unit.Parameters[idx].Channels, h)
				} else {
					params[it.Parameter] = len(unit.Parameters)
					unit.Parameters = append(unit.Parameters, parameter(it.Parameter, h))
					names = append(names, it.Parameter)
				}
				published[sessionconfig.PeriodicKey{Parameter: it.Parameter, Interval: it.Interval}] = h
			}
			unit.Groups = groups(names)

			return unit, func(cfg *sessionconfig.Config) { cfg.AddPeriodic(published) }
		},
	}
}

// RowSpec configures one row channel per parameter.
func RowSpec() Spec[string] {
	return Spec[string]{
		Category: "row",
		Key:      identity,
		Build: func(items []string, handles *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config)) {
			unit, published := singleChannelUnit(items, handles, store.ChannelRow)
			return unit, func(cfg *sessionconfig.Config) { cfg.AddRows(published) }
		},
	}
}

// SynchroSpec configures one synchro channel per parameter.
func SynchroSpec() Spec[string] {
	return Spec[string]{
		Category: "synchro",
		Key:      identity,
		Build: func(items []string, handles *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config)) {
			unit, published := singleChannelUnit(items, handles, store.ChannelSynchro)
			return unit, func(cfg *sessionconfig.Config) { cfg.AddSynchro(published) }
		},
	}
}

// EventSpec configures event definitions.
func EventSpec() Spec[string] {
	return Spec[string]{
		Category: "event",
		Key:      identity,
		Validate: func(id string) error {
			_, _, err := ParseEventIdentifier(id)
			return err
		},
		Build: func(items []string, _ *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config)) {
			unit := store.ConfigUnit{
				Groups:      groups(items),
				Conversions: []store.Conversion{store.DefaultConversion},
			}
			defs := make([]sessionconfig.EventDefinition, 0, len(items))
			for _, id := range items {
				defID, group, _ := ParseEventIdentifier(id)
				def := sessionconfig.EventDefinition{
					Identifier:   id,
					DefinitionID: defID,
					Group:        group,
					Priority:     sessionconfig.PriorityLow,
					Description:  id,
				}
				defs = append(defs, def)
				unit.Events = append(unit.Events, store.EventDefinition{
					DefinitionID: def.DefinitionID,
					Identifier:   def.Identifier,
					Group:        def.Group,
					Priority:     def.Priority.String(),
					Description:  def.Description,
					Conversions:  []string{store.DefaultConversion.Name},
				})
			}
			return unit, func(cfg *sessionconfig.Config) { cfg.AddEvents(defs...) }
		},
	}
}

// ErrorSpec configures error definitions. Every error gets two 16-bit row
// channels holding its current and logged state.
func ErrorSpec() Spec[ErrorItem] {
	return Spec[ErrorItem]{
		Category: "error",
		Key:      func(it ErrorItem) string { return it.Name },
		Validate: func(it ErrorItem) error {
			if it.Name == "" || it.Identifier == "" {
				return errors.NewMissingField("error.name")
			}
			return nil
		},
		Build: func(items []ErrorItem, handles *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config)) {
			unit := store.ConfigUnit{Conversions: []store.Conversion{store.DefaultConversion}}
			defs := make([]sessionconfig.ErrorDefinition, 0, len(items))
			seen := make(map[string]struct{})

			hs := handles.NextN(2 * len(items))
			for i, it := range items {
				current, logged := hs[2*i], hs[2*i+1]
				group := it.Group
				if group == "" {
					group = Group(it.Identifier)
				}
				if _, ok := seen[group]; !ok {
					seen[group] = struct{}{}
					unit.Groups = append(unit.Groups, store.Group{Name: group, Description: group})
				}

				for _, ch := range []struct {
					h    sessionconfig.Handle
					name string
				}{
					{current, sessionconfig.CurrentChannel(it.Identifier)},
					{logged, sessionconfig.LoggedChannel(it.Identifier)},
				} {
					unit.Channels = append(unit.Channels, store.Channel{
						Handle:   ch.h,
						Name:     ch.name,
						DataType: store.DataTypeUint16,
						Kind:     store.ChannelRow,
					})
					unit.Parameters = append(unit.Parameters, store.Parameter{
						Identifier:  ch.name,
						Name:        ch.name,
						Group:       group,
						Conversion:  store.DefaultConversion.Name,
						Description: it.Description,
						Channels:    []sessionconfig.Handle{ch.h},
						Min:         0,
						Max:         1,
					})
				}

				def := sessionconfig.ErrorDefinition{
					Name:        it.Name,
					Identifier:  it.Identifier,
					Group:       group,
					Description: it.Description,
					Current:     current,
					Logged:      logged,
				}
				defs = append(defs, def)
				unit.Errors = append(unit.Errors, store.ErrorDefinition{
					Name:        def.Name,
					Identifier:  def.Identifier,
					Group:       def.Group,
					Description: def.Description,
					Current:     def.Current,
					Logged:      def.Logged,
				})
			}
			return unit, func(cfg *sessionconfig.Config) { cfg.AddErrors(defs...) }
		},
	}
}

func identity(s string) string { return s }

func parameter(identifier string, channels ...sessionconfig.Handle) store.Parameter {
	name, _ := validation.SplitIdentifier(identifier)
	return store.Parameter{
		Identifier:  identifier,
		Name:        name,
		Group:       Group(identifier),
		Conversion:  store.DefaultConversion.Name,
		Description: identifier,
		Channels:    channels,
		Min:         0,
		Max:         1000,
	}
}

func singleChannelUnit(items []string, handles *sessionconfig.HandleAllocator, kind store.ChannelKind) (store.ConfigUnit, map[string]sessionconfig.Handle) {
	unit := store.ConfigUnit{
		Groups:      groups(items),
		Conversions: []store.Conversion{store.DefaultConversion},
	}
	published := make(map[string]sessionconfig.Handle, len(items))
	for i, h := range handles.NextN(len(items)) {
		id := items[i]
		unit.Channels = append(unit.Channels, store.Channel{
			Handle:   h,
			Name:     id,
			DataType: store.DataTypeFloat64,
			Kind:     kind,
		})
		unit.Parameters = append(unit.Parameters, parameter(id, h))
		published[id] = h
	}
	return unit, published
}
