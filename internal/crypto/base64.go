package crypto

import "encoding/base64"

// ToBase64URL encodes bytes as URL-safe base64 without padding.
func ToBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// FromBase64URL decodes URL-safe base64, with or without padding.
func FromBase64URL(s string) ([]byte, error) {
	if n := len(s) % 4; n != 0 || len(s) == 0 {
		return base64.RawURLEncoding.DecodeString(s)
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
