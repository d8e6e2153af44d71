// Package jwt decodes JSON Web Tokens without signature verification.
// Decoded tokens are untrusted input for inspection only.
package jwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Result holds the decoded parts of a JWT.
type Result struct {
	Header           map[string]interface{} `json:"header"`
	Claims           map[string]interface{} `json:"claims"`
	SignaturePresent bool                   `json:"signature_present"`
}

// DecodeJWT splits a compact-serialization JWT and base64url-decodes the
// header and claims segments. The signature is never verified, only its
// presence is reported.
func DecodeJWT(token string) (*Result, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 token segments, got %d", len(parts))
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	claims, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}

	return &Result{
		Header:           header,
		Claims:           claims,
		SignaturePresent: parts[2] != "",
	}, nil
}

// decodeSegment base64url-decodes one segment into a JSON object.
// Padded and unpadded encodings are both accepted.
func decodeSegment(seg string) (map[string]interface{}, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
