package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// VolatileFields are payload keys dropped before hashing, at any depth.
// Anything that differs between two submissions of the same intent belongs
// here; a timestamp left in the hash defeats deduplication.
var VolatileFields = []string{
	"timestamp",
	"ts",
	"created_at",
	"updated_at",
	"queued_at",
	"requested_at",
	"sent_at",
	"request_id",
	"correlation_id",
	"trace_id",
	"nonce",
}

// ResolveKey prefers an explicit caller key over a derived one.
func ResolveKey(explicit *string, taskName, entityID string, payload []byte) string {
	if explicit != nil && strings.TrimSpace(*explicit) != "" {
		return *explicit
	}
	return DeriveKey(taskName, entityID, payload)
}

// DeriveKey hashes the task name, target entity and canonicalized payload.
// Object keys are sorted and volatile fields removed, so semantically equal
// payloads collapse to the same key.
func DeriveKey(taskName, entityID string, payload []byte) string {
	envelope := map[string]any{
		"task":   taskName,
		"entity": entityID,
	}
	// raw bytes hash under their own field so they never match a JSON value
	if v, ok := canonicalPayload(payload); ok {
		envelope["payload"] = v
	} else {
		envelope["raw"] = payload
	}
	b, _ := json.Marshal(envelope)
	sum := sha256.Sum256(b)
	return taskName + ":" + hex.EncodeToString(sum[:])
}

// canonicalPayload reports false unless payload is exactly one JSON value.
func canonicalPayload(payload []byte) (any, bool) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, true
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return strip(v), true
}

func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isVolatile(k) {
				continue
			}
			out[k] = strip(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strip(val)
		}
		return out
	default:
		return v
	}
}

func isVolatile(k string) bool {
	for _, f := range VolatileFields {
		if strings.EqualFold(k, f) {
			return true
		}
	}
	return false
}
