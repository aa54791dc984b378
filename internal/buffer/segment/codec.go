package segment

import "encoding/json"

// Codec converts entries to and from a single segment line. Encoded lines
// must not contain newlines.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(line []byte) (T, error)
}

// JSONCodec encodes entries as compact JSON.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(item T) ([]byte, error) {
	return json.Marshal(item)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(line []byte) (T, error) {
	var item T
	err := json.Unmarshal(line, &item)
	return item, err
}
