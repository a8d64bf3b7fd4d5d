package oauth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is an opaque pagination token for admin listings. Ordering is by
// (created_at, id) so ties on the timestamp remain stable.
type Cursor struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// Encode renders the cursor as unpadded base64url JSON.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor produced by Encode. Unknown fields are
// rejected so untrusted keys never flow into query building.
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.ID == "" || c.CreatedAt <= 0 {
		return c, fmt.Errorf("invalid cursor contents")
	}
	return c, nil
}

// Time returns the cursor timestamp as a time.Time.
func (c Cursor) Time() time.Time {
	return time.UnixMilli(c.CreatedAt)
}
