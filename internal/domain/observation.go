package domain

import (
	"fmt"
	"strings"
	"time"
)

// ObservationKey identifies one observation event: a station at a UTC
// timestamp, second resolution. Two records sharing a key are the same event.
type ObservationKey struct {
	StationID string
	Timestamp time.Time
}

// String renders the key in the downstream wire form "STID|RFC3339".
func (k ObservationKey) String() string {
	return k.StationID + "|" + k.Timestamp.UTC().Format(time.RFC3339)
}

// ParseObservationKey parses the "STID|RFC3339" rendering back into a key.
func ParseObservationKey(s string) (ObservationKey, error) {
	stid, ts, ok := strings.Cut(s, "|")
	if !ok || stid == "" {
		return ObservationKey{}, fmt.Errorf("parse observation key %q: missing separator", s)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ObservationKey{}, fmt.Errorf("parse observation key %q: %w", s, err)
	}
	return ObservationKey{StationID: stid, Timestamp: t.UTC()}, nil
}

// Less orders keys by station id, then timestamp. This ordering fixes the
// chunk partition for a given accepted set.
func (k ObservationKey) Less(other ObservationKey) bool {
	if k.StationID != other.StationID {
		return k.StationID < other.StationID
	}
	return k.Timestamp.Before(other.Timestamp)
}

// RawRecord is one opaque provider payload plus its fetch provenance.
// It is immutable once fetched and owned by the canonicalizer until archived.
type RawRecord struct {
	Source    string
	FetchedAt time.Time
	Payload   []byte
}

// Measurement is one variable value in its canonical unit.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// GroupedObservation is one observation event: a key plus a mapping from
// canonical vargem to measurement. Fragments sharing a key are merged into a
// single grouped observation; after handoff to the validator it is never
// mutated again.
type GroupedObservation struct {
	Key       ObservationKey
	Variables map[string]Measurement

	// Fetch provenance of the latest contributing fragment. Drives the
	// last-write-wins policy on residual key collisions.
	Source    string
	FetchedAt time.Time

	// LikelyDuplicate marks records the seen-keys hint says were already
	// ingested in a recent run. Advisory only: the record is still submitted
	// and the downstream per-record status stays authoritative.
	LikelyDuplicate bool
}

// StationRecord holds the registered attributes of an observation site.
// Owned by the external metadata store; read-only within the pipeline.
type StationRecord struct {
	ID                 string  `json:"stid"`
	Name               string  `json:"name"`
	Lat                float64 `json:"lat"`
	Lon                float64 `json:"lon"`
	ElevationM         float64 `json:"elevation_m"`
	RestrictedData     bool    `json:"restricted_data"`
	RestrictedMetadata bool    `json:"restricted_metadata"`
}

// RejectReason classifies why a grouped observation was excluded from submission.
type RejectReason string

const (
	RejectUnknownStation  RejectReason = "UNKNOWN_STATION"
	RejectTimestampWindow RejectReason = "TIMESTAMP_OUT_OF_WINDOW"
	RejectValueOutOfRange RejectReason = "VALUE_OUT_OF_RANGE"
	RejectUnitMismatch    RejectReason = "UNIT_MISMATCH"
)

// Rejection records one rejected observation with its reason. Retained for
// reporting only, never submitted.
type Rejection struct {
	Key    ObservationKey `json:"key"`
	Reason RejectReason   `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}
