package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// rawFragment is the provider-facing wire shape: one station/time report
// carrying provider-native variable names. Units are optional; when present
// they must agree with the vocabulary's incoming unit.
type rawFragment struct {
	StationID string             `json:"station_id"`
	Timestamp json.RawMessage    `json:"timestamp"`
	Variables map[string]float64 `json:"variables"`
	Units     map[string]string  `json:"units,omitempty"`
}

// ParseStats counts per-fragment outcomes of one canonicalization pass.
// Malformed fragments are dropped and counted, never abort the batch.
type ParseStats struct {
	Fragments int
	Parsed    int
	Merged    int

	BadPayload     int
	BadFragment    int
	BadTimestamp   int
	UnknownVars    int
	BadConversions int
}

// ParseErrors is the total number of dropped fragments and variables.
func (s ParseStats) ParseErrors() int {
	return s.BadPayload + s.BadFragment + s.BadTimestamp + s.UnknownVars + s.BadConversions
}

// Add accumulates counts from another pass.
func (s *ParseStats) Add(other ParseStats) {
	s.Fragments += other.Fragments
	s.Parsed += other.Parsed
	s.Merged += other.Merged
	s.BadPayload += other.BadPayload
	s.BadFragment += other.BadFragment
	s.BadTimestamp += other.BadTimestamp
	s.UnknownVars += other.UnknownVars
	s.BadConversions += other.BadConversions
}

// Canonicalizer parses provider payloads into grouped observations. It is
// purely functional: no network or filesystem side effects, deterministic
// given the same raw input.
type Canonicalizer struct {
	vocab         *Vocabulary
	stationPrefix string
	logger        *slog.Logger
}

// NewCanonicalizer creates a canonicalizer for one ingest's vocabulary.
// stationPrefix is prepended to bare provider station ids; ids already
// carrying the prefix pass through unchanged.
func NewCanonicalizer(vocab *Vocabulary, stationPrefix string, logger *slog.Logger) *Canonicalizer {
	return &Canonicalizer{vocab: vocab, stationPrefix: stationPrefix, logger: logger}
}

// Canonicalize decodes raw records into a grouped observation set. Fragments
// sharing an observation key are merged; on a same-variable collision the
// fragment from the later fetch wins (later fetches may carry corrections).
func (c *Canonicalizer) Canonicalize(records []RawRecord) (map[ObservationKey]GroupedObservation, ParseStats) {
	grouped := make(map[ObservationKey]GroupedObservation)
	var stats ParseStats

	for _, rec := range records {
		c.canonicalizeRecord(rec, grouped, &stats)
	}
	return grouped, stats
}

func (c *Canonicalizer) canonicalizeRecord(rec RawRecord, grouped map[ObservationKey]GroupedObservation, stats *ParseStats) {
	var fragments []json.RawMessage
	if err := json.Unmarshal(rec.Payload, &fragments); err != nil {
		c.logger.Warn("payload is not a fragment array, dropping record",
			"source", rec.Source, "error", err)
		stats.BadPayload++
		return
	}

	for _, data := range fragments {
		stats.Fragments++

		var frag rawFragment
		if err := json.Unmarshal(data, &frag); err != nil {
			c.logger.Warn("malformed fragment, dropping", "source", rec.Source, "error", err)
			stats.BadFragment++
			continue
		}
		if frag.StationID == "" || len(frag.Variables) == 0 {
			c.logger.Warn("fragment missing station or variables, dropping", "source", rec.Source)
			stats.BadFragment++
			continue
		}

		ts, err := parseTimestamp(frag.Timestamp)
		if err != nil {
			c.logger.Warn("unparsable fragment timestamp, dropping",
				"source", rec.Source, "station", frag.StationID, "error", err)
			stats.BadTimestamp++
			continue
		}

		key := ObservationKey{
			StationID: c.prefixStation(frag.StationID),
			Timestamp: ts,
		}
		vars := c.translateVariables(frag, stats)
		if len(vars) == 0 {
			continue
		}
		stats.Parsed++

		c.mergeFragment(grouped, key, vars, rec, stats)
	}
}

// translateVariables maps provider variable names to canonical vargem
// measurements, converting values into the final unit. Unknown variables and
// failed conversions are dropped individually and counted.
func (c *Canonicalizer) translateVariables(frag rawFragment, stats *ParseStats) map[string]Measurement {
	vars := make(map[string]Measurement, len(frag.Variables))
	for name, value := range frag.Variables {
		spec, ok := c.vocab.Lookup(name)
		if !ok {
			c.logger.Debug("variable not in vocabulary, dropping", "variable", name)
			stats.UnknownVars++
			continue
		}

		// A unit declared on the fragment overrides the vocabulary's incoming
		// unit. A declared unit with no conversion path is preserved as-is so
		// the validator can reject the record with UNIT_MISMATCH.
		incoming := spec.IncomingUnit
		if u, declared := frag.Units[name]; declared && u != "" {
			incoming = u
		}

		converted, err := ConvertUnit(value, incoming, spec.FinalUnit)
		if err != nil {
			if incoming != spec.IncomingUnit {
				vars[spec.Vargem] = Measurement{Value: value, Unit: incoming}
				continue
			}
			c.logger.Warn("unit conversion failed, dropping variable",
				"variable", name, "from", incoming, "to", spec.FinalUnit, "error", err)
			stats.BadConversions++
			continue
		}
		vars[spec.Vargem] = Measurement{Value: converted, Unit: spec.FinalUnit}
	}
	return vars
}

// mergeFragment folds one fragment's variables into the grouped set. Merge,
// never overwrite-silently: existing variables survive unless the incoming
// fragment's fetch is newer.
func (c *Canonicalizer) mergeFragment(grouped map[ObservationKey]GroupedObservation, key ObservationKey, vars map[string]Measurement, rec RawRecord, stats *ParseStats) {
	existing, ok := grouped[key]
	if !ok {
		grouped[key] = GroupedObservation{
			Key:       key,
			Variables: vars,
			Source:    rec.Source,
			FetchedAt: rec.FetchedAt,
		}
		return
	}

	stats.Merged++
	newer := !rec.FetchedAt.Before(existing.FetchedAt)
	for vargem, m := range vars {
		if _, collision := existing.Variables[vargem]; collision && !newer {
			continue
		}
		existing.Variables[vargem] = m
	}
	if newer {
		existing.Source = rec.Source
		existing.FetchedAt = rec.FetchedAt
	}
	grouped[key] = existing
}

func (c *Canonicalizer) prefixStation(stid string) string {
	stid = strings.TrimSpace(stid)
	if c.stationPrefix == "" || strings.HasPrefix(stid, c.stationPrefix) {
		return stid
	}
	return c.stationPrefix + stid
}

// parseTimestamp accepts the timestamp encodings providers are known to use:
// RFC3339 strings, compact YYYYMMDDHHMMSS / YYYYMMDDHHMM digit strings, and
// unix seconds or milliseconds (as JSON numbers or digit strings).
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(time.Second), nil
	}

	if !isDigits(s) {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	switch len(s) {
	case 14:
		t, err := time.Parse("20060102150405", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	case 12:
		t, err := time.Parse("200601021504", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	case 13:
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return time.UnixMilli(ms).UTC().Truncate(time.Second), nil
	case 9, 10:
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
