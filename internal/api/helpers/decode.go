package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DecodeJSON decodes a JSON request body with strict validation: unknown
// fields are rejected so payload pollution fails loudly instead of being
// silently dropped.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
