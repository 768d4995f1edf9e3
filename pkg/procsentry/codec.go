package procsentry

import "fmt"

// Codec encodes and decodes the setup payload that the Launcher hands to
// Connection.SetupConnection.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a Codec implementation by name, matching the
// "codec" field of ProtocolConfig.
type CodecType string

const (
	CodecJSON        CodecType = "json"
	CodecMessagePack CodecType = "msgpack"
)

// NewCodec builds the Codec named by codecType, defaulting to JSON.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("procsentry: unknown codec type: %s", codecType)
	}
}
