// Package grpctransport implements internal/transport.Transport over a
// single generic gRPC method that exchanges raw byte frames, rather than
// a protoc-generated service. The approach is grounded on the
// byte-passthrough proxying technique demonstrated in
// joeycumines-go-utilpkg's grpc-proxy module: register a gRPC codec that
// treats the message as an opaque []byte instead of a proto.Message, and
// hand-write the single-method ServiceDesc that technique implies,
// instead of generating .pb.go stubs.
//
// Envelope framing (message kind + payload) reuses internal/wire's
// length-prefixed primitives, so the same "exact byte layout" codec
// idiom used for the update-pipeline messages also carries them over
// the network.
package grpctransport
