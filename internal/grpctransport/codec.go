package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "dkvraw"

// Frame is the sole message type exchanged by the RawTransport service:
// an opaque byte string. Kind/payload structure lives one layer up, in
// the envelope encoding in envelope.go.
type Frame struct {
	Data []byte
}

// rawCodec implements google.golang.org/grpc/encoding.Codec by copying
// bytes straight through, rather than marshalling via protobuf
// reflection. Both client and server must be configured to force this
// codec (see NewServer and NewGRPCTransport) since Frame does not
// implement proto.Message and the standard codec would reject it.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("grpctransport: rawCodec.Marshal: unsupported type %T", v)
	}
	return f.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("grpctransport: rawCodec.Unmarshal: unsupported type %T", v)
	}
	f.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
