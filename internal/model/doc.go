// Package model defines the POS entities, the collection names shared by the
// local and remote stores, and the sync error taxonomy.
//
// Stores and the sync engine move untyped Records; the typed structs are used
// where business rules need them (checkout, stock, users) and convert through
// Encode/Decode.
package model
