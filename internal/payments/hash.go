package payments

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
)

// Canonicalize normalizes a webhook body so that semantically equal payloads
// hash alike. JSON objects are re-encoded with sorted keys and no whitespace,
// form bodies are re-encoded with sorted keys, anything else is only trimmed.
func Canonicalize(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return b
	}
	if (b[0] == '{' || b[0] == '[') && json.Valid(b) {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			if out, err := json.Marshal(v); err == nil {
				return out
			}
		}
		return b
	}
	if bytes.IndexByte(b, '=') > 0 && bytes.IndexAny(b, " \t\r\n") < 0 {
		if q, err := url.ParseQuery(string(b)); err == nil {
			return []byte(q.Encode())
		}
	}
	return b
}

// PayloadHash is the hex SHA-256 of the canonical payload: the dedup key.
func PayloadHash(raw []byte) string {
	sum := sha256.Sum256(Canonicalize(raw))
	return hex.EncodeToString(sum[:])
}
