// Package translate converts records between the device's field names and
// the remote store's localized field names.
//
// Every synced collection has exactly one declarative Table. Both directions
// are driven by the same table, so a field added in one place is mapped both
// ways. Translation is pure: no I/O and no shared mutable state.
package translate
