// Package codec selects the JSON implementation used for payloads and wire bodies.
// goccy/go-json is the default; build with -tags sonic to switch to bytedance/sonic.
package codec

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}
