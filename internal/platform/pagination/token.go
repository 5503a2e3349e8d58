package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Keyset is the position after the last row of a page ordered by (time, id).
type Keyset struct {
	Time time.Time `json:"t"`
	ID   string    `json:"id"`
}

// EncodeKeyset serialises the cursor into a base64 URL-safe page token.
func EncodeKeyset(k Keyset) (string, error) {
	if k.ID == "" {
		return "", nil
	}
	data, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeKeyset parses a page token produced by EncodeKeyset. An empty token yields the zero Keyset.
func DecodeKeyset(token string) (Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Keyset{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var k Keyset
	if err := json.Unmarshal(decoded, &k); err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if k.ID == "" || k.Time.IsZero() {
		return Keyset{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return k, nil
}
