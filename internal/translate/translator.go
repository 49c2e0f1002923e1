package translate

import (
	"fmt"
	"math"
	"sort"

	"github.com/roach88/possync/internal/model"
)

// Translator converts records between local and remote field naming.
// It is immutable after construction and safe for concurrent use.
type Translator struct {
	tables   map[model.Collection]*Table
	byRemote map[string]*Table
}

// New builds a translator from collection tables.
func New(tables ...*Table) *Translator {
	t := &Translator{
		tables:   make(map[model.Collection]*Table, len(tables)),
		byRemote: make(map[string]*Table, len(tables)),
	}
	for _, table := range tables {
		t.tables[table.Collection] = table
		t.byRemote[table.Remote] = table
	}
	return t
}

// Default returns the translator for the built-in POS tables.
func Default() *Translator {
	return New(DefaultTables()...)
}

// Table returns the mapping table for a local collection.
func (t *Translator) Table(c model.Collection) (*Table, bool) {
	table, ok := t.tables[c]
	return table, ok
}

// RemoteCollection returns the remote name of a local collection.
func (t *Translator) RemoteCollection(c model.Collection) (string, error) {
	table, ok := t.tables[c]
	if !ok {
		return "", fmt.Errorf("collection %q is not synced", c)
	}
	return table.Remote, nil
}

// LocalCollection resolves a remote collection name.
func (t *Translator) LocalCollection(remote string) (model.Collection, bool) {
	table, ok := t.byRemote[remote]
	if !ok {
		return "", false
	}
	return table.Collection, true
}

// RemoteCollections lists every remote collection name, sorted.
func (t *Translator) RemoteCollections() []string {
	names := make([]string, 0, len(t.byRemote))
	for name := range t.byRemote {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteField returns the remote name of a local field, or "" if unmapped.
func (t *Translator) RemoteField(c model.Collection, local string) string {
	table, ok := t.tables[c]
	if !ok {
		return ""
	}
	f, ok := table.Field(local)
	if !ok {
		return ""
	}
	return f.Remote
}

// DeviceOwnedFields lists local fields a remote update must not overwrite.
func (t *Translator) DeviceOwnedFields(c model.Collection) []string {
	table, ok := t.tables[c]
	if !ok {
		return nil
	}
	var out []string
	for _, f := range table.Fields {
		if f.DeviceOwned {
			out = append(out, f.Local)
		}
	}
	return out
}

// ToRemote converts a local record to remote naming. Fields missing from
// the record receive their defaults.
func (t *Translator) ToRemote(c model.Collection, rec model.Record) (model.Record, error) {
	table, ok := t.tables[c]
	if !ok {
		return nil, model.NewTranslationError(string(c), rec.ID(), "no translation table")
	}
	return toRemote(table, rec, false)
}

// ToRemotePartial converts only the fields present in rec, without
// defaults, for partial updates.
func (t *Translator) ToRemotePartial(c model.Collection, rec model.Record) (model.Record, error) {
	table, ok := t.tables[c]
	if !ok {
		return nil, model.NewTranslationError(string(c), rec.ID(), "no translation table")
	}
	return toRemote(table, rec, true)
}

// ToLocal converts a remote document to local naming.
func (t *Translator) ToLocal(c model.Collection, doc model.Record) (model.Record, error) {
	table, ok := t.tables[c]
	if !ok {
		return nil, model.NewTranslationError(string(c), doc.ID(), "no translation table")
	}
	return toLocal(table, doc)
}

func toRemote(table *Table, rec model.Record, partial bool) (model.Record, error) {
	out := make(model.Record, len(table.Fields))
	for _, f := range table.Fields {
		if f.LocalOnly || f.Transient || f.DeviceOwned {
			continue
		}
		v, present := rec[f.Local]
		if !present || (v == nil && !f.Nullable) {
			if partial {
				continue
			}
			if f.Required {
				return nil, model.NewTranslationError(string(table.Collection), rec.String("id"),
					fmt.Sprintf("missing required field %q", f.Local))
			}
			if f.Default != nil {
				out[f.Remote] = remoteDefault(f)
			} else if f.Nullable {
				out[f.Remote] = nil
			}
			continue
		}
		if v == nil {
			out[f.Remote] = nil
			continue
		}

		converted, err := convert(table, f, v, true)
		if err != nil {
			return nil, err
		}
		out[f.Remote] = converted
	}
	return out, nil
}

// remoteDefault returns a field's default in the remote vocabulary.
func remoteDefault(f Field) any {
	if s, ok := f.Default.(string); ok {
		return f.remoteValue(s)
	}
	return cloneDefault(f.Default)
}

func toLocal(table *Table, doc model.Record) (model.Record, error) {
	out := make(model.Record, len(table.Fields))
	for _, f := range table.Fields {
		if f.DeviceOwned {
			continue
		}
		if f.LocalOnly {
			if f.Default != nil {
				out[f.Local] = cloneDefault(f.Default)
			}
			continue
		}
		v, present := lookup(doc, f)
		if !present || (v == nil && !f.Nullable) {
			if f.Required {
				return nil, model.NewTranslationError(table.Remote, doc.String("id"),
					fmt.Sprintf("missing required field %q", f.Remote))
			}
			if f.Default != nil {
				out[f.Local] = cloneDefault(f.Default)
			} else if f.Nullable {
				out[f.Local] = nil
			}
			continue
		}
		if v == nil {
			out[f.Local] = nil
			continue
		}

		converted, err := convert(table, f, v, false)
		if err != nil {
			return nil, err
		}
		out[f.Local] = converted
	}
	return out, nil
}

func lookup(doc model.Record, f Field) (any, bool) {
	if v, ok := doc[f.Remote]; ok {
		return v, true
	}
	for _, alias := range f.Aliases {
		if v, ok := doc[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

// convert coerces one non-nil value. outbound selects the value-map direction.
func convert(table *Table, f Field, v any, outbound bool) (any, error) {
	switch f.Kind {
	case String:
		s := toString(v)
		if len(f.Values) > 0 {
			if outbound {
				s = f.remoteValue(s)
			} else {
				s = f.localValue(s)
			}
		}
		return s, nil
	case Number:
		return parseNumber(v), nil
	case Int:
		return math.Round(parseNumber(v)), nil
	case Bool:
		return toBool(v), nil
	case Time:
		return toTime(v), nil
	case StringList:
		return toStringList(v), nil
	case List:
		items, ok := asList(v)
		if !ok {
			name := f.Local
			if !outbound {
				name = f.Remote
			}
			return nil, model.NewTranslationError(string(table.Collection), "",
				fmt.Sprintf("field %q is not a list of objects", name))
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			var (
				converted model.Record
				err       error
			)
			if outbound {
				converted, err = toRemote(f.Items, item, false)
			} else {
				converted, err = toLocal(f.Items, item)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]any(converted))
		}
		return out, nil
	default:
		return v, nil
	}
}

func cloneDefault(v any) any {
	switch d := v.(type) {
	case []any:
		out := make([]any, len(d))
		copy(out, d)
		return out
	default:
		return v
	}
}
