// Package wire implements the five wire messages and their
// binary encoding: fixed-width little-endian numeric fields,
// length-prefixed UTF-8 strings, length-prefixed arrays.
//
// This is the one place in the repository where a hand-rolled codec is
// the right idiom rather than a gap: the spec gives an exact byte layout,
// which a generic serialization library (gob, JSON, even protobuf without
// a matching .proto) would not reproduce. See DESIGN.md's entry for this
// package.
//
// Every message type has an Encode method writing to a *Writer and a
// matching DecodeX function reading from a *Reader, so
// internal/grpctransport can treat a
// message as an opaque byte envelope without knowing its internal shape.
package wire
