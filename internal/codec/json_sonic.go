//go:build sonic

package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	Marshal   = sonic.Marshal
	Unmarshal = sonic.Unmarshal

	MarshalIndent = sonic.ConfigDefault.MarshalIndent
)

func NewEncoder(w io.Writer) Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func NewDecoder(r io.Reader) Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// Canonical marshals v with map keys sorted so that two equal values always produce
// identical bytes. ConfigDefault leaves map order unspecified, ConfigStd sorts.
func Canonical(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}
