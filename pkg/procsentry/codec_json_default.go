//go:build !json_goccy && !json_segmentio

package procsentry

import "encoding/json"

// JSONCodec implements Codec using standard library encoding/json.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string { return "json-stdlib" }
