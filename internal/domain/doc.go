// Package domain models surface observations from mesonet data providers.
//
// # Data Flow
//
// Each ingest run receives one or more raw provider payloads (a fetch batch
// from an API, S3 drop, or FTP pull; acquisition is out of scope here). The
// canonicalizer decodes every payload into grouped observations keyed by
// station and UTC timestamp, translating provider variable names and units
// into the canonical vargem vocabulary. The validator partitions the grouped
// set into accepted and rejected records, the deduplicator collapses residual
// key collisions and annotates records already seen in recent runs, and the
// accepted set is handed to the chunked submitter.
//
// # Observation Keys
//
// An observation is identified by station id plus UTC timestamp at second
// resolution. The wire rendering is "STID|RFC3339", e.g.
//
//	KSLC|2024-01-01T00:00:00Z
//
// Two raw fragments sharing a key describe the same observation event and are
// merged; providers commonly report each variable of one station/time in a
// separate fragment.
//
// # Timestamp Formats
//
// Providers report time in several encodings, all normalized to UTC:
//
//	RFC3339:        "2024-01-01T00:00:00Z"
//	YYYYMMDDHHMMSS: "20240101000000"
//	YYYYMMDDHHMM:   "202401010000"
//	Unix seconds:   1704067200 (10 digits)
//	Unix millis:    1704067200000 (13 digits)
//
// # Vargem Vocabulary
//
// The vocabulary table maps each provider-native variable name to its
// canonical vargem code (TMPF, RELH, PREC, SKNT, DRCT, ...), the unit the
// provider reports in, the final unit the downstream service expects, and the
// physically plausible value range used for validation. Values are converted
// from the incoming unit to the final unit during canonicalization.
//
// # Station Identifiers
//
// Station ids (STIDs) are assigned during metadata provisioning and carry a
// per-ingest prefix. The canonicalizer prepends the configured prefix when a
// provider reports bare native ids; already-prefixed ids pass through
// unchanged. Observations whose station is unknown to the metadata store are
// rejected individually and never abort the run.
package domain
