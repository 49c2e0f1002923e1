package translate

import "github.com/roach88/possync/internal/model"

// Kind selects the coercion applied to a field value.
type Kind int

const (
	// String values are normalized to Unicode NFC. Numbers and booleans are
	// formatted.
	String Kind = iota + 1
	// Number values become float64. Strings use a safe parse defaulting to 0.
	Number
	// Int is Number rounded to a whole value.
	Int
	// Bool accepts booleans, "true"/"false"/"1"/"0" and numbers.
	Bool
	// Time values become RFC 3339 strings. Unix milliseconds and
	// {seconds, nanoseconds} objects are accepted on input.
	Time
	// List is a list of nested records translated element-wise by Items.
	List
	// StringList is a list of strings.
	StringList
)

// Field maps one local field to one remote field.
type Field struct {
	Local  string
	Remote string
	Kind   Kind

	// Default is used when the source lacks the field (or holds null and the
	// field is not Nullable).
	Default any

	// Nullable fields keep explicit nulls in both directions.
	Nullable bool

	// Required fields fail translation when missing.
	Required bool

	// Transient fields are assigned by the remote store and never sent.
	Transient bool

	// LocalOnly fields are never sent; ToLocal always sets them to Default.
	LocalOnly bool

	// DeviceOwned fields are never sent and never produced by ToLocal, so a
	// remote update cannot overwrite the device's value.
	DeviceOwned bool

	// Aliases are alternative remote names accepted by ToLocal.
	Aliases []string

	// Values maps local enumeration values to remote ones. Unknown values
	// pass through unchanged.
	Values map[string]string

	// Items describes list elements for List fields.
	Items *Table
}

// Table is the declarative mapping for one collection.
type Table struct {
	Collection model.Collection
	Remote     string
	Fields     []Field
}

// Field returns the field with the given local name.
func (t *Table) Field(local string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Local == local {
			return f, true
		}
	}
	return Field{}, false
}

func (f Field) remoteValue(local string) string {
	if mapped, ok := f.Values[local]; ok {
		return mapped
	}
	return local
}

func (f Field) localValue(remote string) string {
	for l, r := range f.Values {
		if r == remote {
			return l
		}
	}
	return remote
}
