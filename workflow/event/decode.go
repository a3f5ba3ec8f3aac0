package event

import (
	"bytes"
	"encoding/json"
)

// decodeInto parses data into a fresh T. Numbers are kept as json.Number so
// a decode/encode cycle reproduces the exact canonical bytes the checksum
// was computed over.
func decodeInto[T any](data []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}
