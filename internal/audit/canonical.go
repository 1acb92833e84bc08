package audit

import "encoding/json"

// canonicalMarshal produces a deterministic encoding of v for hashing.
// Entry has no maps and a fixed field order, so standard json.Marshal
// is already deterministic; this wrapper exists as the single seam the
// rest of the package goes through, so the hash's exact byte definition
// lives in one place.
func canonicalMarshal(v Entry) ([]byte, error) {
	return json.Marshal(v)
}
