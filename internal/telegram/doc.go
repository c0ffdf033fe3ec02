// Package telegram defines the discrete protocol messages exchanged with the
// broker and their wire framing.
//
// Every telegram on the stream is a single type-tag byte followed by a
// big-endian, type-specific body:
//
//	+------+----------------------------+
//	| tag  | body (length implied/bound)|
//	+------+----------------------------+
//
// The transport core only relies on a telegram's Type, Priority and Size and
// on the Encode/decode contract; payload semantics belong to the layer above.
// Large application payloads are carried as numbered Fragments (see Split
// and Join).
package telegram
