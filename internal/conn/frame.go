package conn

import "github.com/fxamacker/cbor/v2"

// Frame types on the duplex channel. Request/response carry a correlation id;
// envelope, queue-empty and the heartbeat pair are unsolicited.
const (
	FrameRequest    = "request"
	FrameResponse   = "response"
	FrameEnvelope   = "envelope"
	FrameAck        = "ack"
	FrameQueueEmpty = "queue_empty"
	FramePing       = "ping"
	FramePong       = "pong"
)

const StatusOK = "ok"

type Frame struct {
	Type   string `cbor:"1,keyasint"`
	ID     string `cbor:"2,keyasint,omitempty"`
	Method string `cbor:"3,keyasint,omitempty"`
	Status string `cbor:"4,keyasint,omitempty"`
	Body   []byte `cbor:"5,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = mode
}

func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := cbor.Unmarshal(data, &f)
	return f, err
}

// EncodeBody/DecodeBody are the codec for frame payloads (envelopes, acks,
// sync payloads), kept deterministic for stable test fixtures.
func EncodeBody(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func DecodeBody(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
