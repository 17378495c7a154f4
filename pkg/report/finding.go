package report

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FindingKind labels what kind of observation a Finding records.
type FindingKind string

const (
	KindAttack         FindingKind = "attack"
	KindCanary         FindingKind = "canary"
	KindClassification FindingKind = "classification"
	KindError          FindingKind = "error"
)

// Finding is one JSON-serializable record destined for the external sink.
type Finding struct {
	ID             string                 `json:"id"`
	Kind           FindingKind            `json:"kind"`
	Timestamp      time.Time              `json:"timestamp"`
	SourceIdentity string                 `json:"source_identity,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	Severity       string                 `json:"severity,omitempty"`
	Priority       bool                   `json:"priority,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// NewFinding stamps a finding with an id and timestamp.
func NewFinding(kind FindingKind) Finding {
	return Finding{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal serializes a finding for sinks that ship raw JSON.
func (f Finding) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// MarshalBatch serializes a batch as a single JSON array.
func MarshalBatch(batch []Finding) ([]byte, error) {
	return json.Marshal(batch)
}
