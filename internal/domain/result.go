package domain

import "time"

// SubmissionChunk is one bounded batch of accepted observations, submitted as
// a single request to the downstream ingestion service. Sequence numbers are
// assigned from zero over the deterministically sorted accepted set.
type SubmissionChunk struct {
	Seq          int
	Observations []GroupedObservation
}

// RecordStatus values reported by the downstream service per record.
const (
	StatusInserted  = "inserted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// RecordStatus is the downstream service's verdict on one submitted record.
type RecordStatus struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ChunkResponse is the downstream service's reply to one chunk submission.
type ChunkResponse struct {
	Statuses []RecordStatus `json:"statuses"`
}

// ChunkStatus is the terminal state of one chunk within a run.
type ChunkStatus string

const (
	ChunkSucceeded    ChunkStatus = "succeeded"
	ChunkFailed       ChunkStatus = "failed"
	ChunkNotAttempted ChunkStatus = "not-attempted"
)

// ChunkResult is the per-chunk outcome, produced once per chunk.
type ChunkResult struct {
	Seq       int         `json:"seq"`
	Status    ChunkStatus `json:"status"`
	Records   int         `json:"records"`
	Inserted  int         `json:"inserted"`
	Duplicate int         `json:"duplicate"`
	Rejected  int         `json:"rejected"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
}

// SubmissionResult aggregates one run. Failed chunks are enumerated by
// sequence number so a replay from the raw cache can skip succeeded chunks.
type SubmissionResult struct {
	RunID      string    `json:"run_id"`
	IngestName string    `json:"ingest_name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	RawRecords       int `json:"raw_records"`
	Fragments        int `json:"fragments"`
	ParseErrors      int `json:"parse_errors"`
	Accepted         int `json:"accepted"`
	Rejected         int `json:"rejected"`
	LikelyDuplicates int `json:"likely_duplicates"`
	CacheErrors      int `json:"cache_errors"`

	// Downstream-authoritative counts, summed over succeeded chunks.
	Inserted           int `json:"inserted"`
	Duplicate          int `json:"duplicate"`
	RejectedDownstream int `json:"rejected_downstream"`

	Rejections []Rejection   `json:"rejections,omitempty"`
	Chunks     []ChunkResult `json:"chunks"`
}

// FailedChunks returns the sequence numbers of chunks that exhausted their
// retries, in order.
func (r SubmissionResult) FailedChunks() []int {
	var seqs []int
	for _, c := range r.Chunks {
		if c.Status == ChunkFailed {
			seqs = append(seqs, c.Seq)
		}
	}
	return seqs
}
