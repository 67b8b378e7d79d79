package model

import (
	"encoding/json"
	"time"
)

// SerializeTime renders an instant for fingerprints, audits and planner
// payloads. Zero times render empty.
func SerializeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// EventFingerprint hashes the mutable fields of an event. Stage and user
// twins with equal fingerprints need no replanning.
func EventFingerprint(e *Event) string {
	return HashText(e.Summary + "|" + e.Description + "|" + e.Location + "|" +
		SerializeTime(e.Start) + "|" + SerializeTime(e.End))
}

// CanonicalJSON renders a value as JSON with all object keys sorted, so the
// same logical payload always produces the same bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// PayloadFingerprint hashes the canonical JSON of a planner payload.
func PayloadFingerprint(v any) (string, error) {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashText(string(raw)), nil
}
