package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: object keys sorted, no
// insignificant whitespace. Signatures are always produced and verified over
// this form so that field ordering in transit cannot break verification.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Round-trip through interface{} so maps re-marshal with sorted keys.
	// UseNumber keeps numeric literals as their original digits; a float64
	// detour would corrupt integers beyond 53 bits.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return json.Marshal(generic)
}
