// Package codec holds the serialisers used for reader control records
// (headers, acknowledgements, matched frame lists). Detector payloads are
// forwarded as opaque bytes and never pass through here.
package codec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Codec encodes control records for the wire. The name travels in message
// metadata so consumers can pick the matching decoder.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes records with sonic.
type JSON struct{}

func (JSON) Name() string                       { return "json" }
func (JSON) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

// Proto encodes records as a binary google.protobuf.Struct. Records are first
// flattened through their JSON form, so field names follow the json tags.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Marshal(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("proto codec needs an object record: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func (Proto) Unmarshal(data []byte, v any) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return err
	}
	raw, err := Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}

// ByName resolves a codec name; the empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
