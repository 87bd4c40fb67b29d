// Package codec defines the opaque encode/decode boundary between a
// job's Go payload type and the bytes stored in its Redis hash. The
// queue never branches on format; it only ever calls Encode/Decode.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec converts a payload of type T to and from the bytes stored in
// a job's "data" hash field.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSON is the default codec. It round-trips T through encoding/json,
// which is what the bull wire format itself uses for job data.
type JSON[T any] struct{}

// NewJSON returns a JSON codec for T.
func NewJSON[T any]() JSON[T] { return JSON[T]{} }

func (JSON[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal json: %w", err)
	}
	return data, nil
}

func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: unmarshal json: %w", err)
	}
	return v, nil
}

// Protobuf codes payloads that implement proto.Message. T is a pointer
// message type whose zero value (nil) cannot be unmarshalled into, so
// New must return a fresh non-nil T, e.g.
// Protobuf[*mypb.Task]{New: func() *mypb.Task { return &mypb.Task{} }}.
type Protobuf[T proto.Message] struct {
	// New constructs a zero-value T for Decode to unmarshal into.
	New func() T
}

func (p Protobuf[T]) Encode(v T) ([]byte, error) {
	data, err := proto.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal protobuf: %w", err)
	}
	return data, nil
}

func (p Protobuf[T]) Decode(data []byte) (T, error) {
	v := p.New()
	if len(data) == 0 {
		return v, nil
	}
	if err := proto.Unmarshal(data, v); err != nil {
		return v, fmt.Errorf("codec: unmarshal protobuf: %w", err)
	}
	return v, nil
}
