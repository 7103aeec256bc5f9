// Package codec holds the deterministic encodings used on transport control
// streams. Application payloads never pass through here; they stay opaque.
package codec

// Codec marshals typed control messages.
// Implementations must be deterministic so both peers agree on bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
