package utils

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON marshals with stable key ordering and without HTML escaping.
// Audit event hashes are computed over this form, so it must stay stable.
func CanonicalJSON(input any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(input); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline; strip it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
