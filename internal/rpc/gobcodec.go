package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered with grpc's global codec registry in place of
// the protoc-generated "proto" codec; every Envelope this transport carries
// is an ordinary gob-encodable Go struct.
const gobCodecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
