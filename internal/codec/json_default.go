//go:build !sonic

package codec

import (
	"io"

	"github.com/goccy/go-json"
)

var (
	Marshal   = json.Marshal
	Unmarshal = json.Unmarshal

	MarshalIndent = json.MarshalIndent
)

func NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

// Canonical marshals v with map keys sorted so that two equal values always produce
// identical bytes. go-json sorts map keys by default.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}
