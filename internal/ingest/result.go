package ingest

import "fmt"

// Result counts what one ingestion call wrote. Only committed chunks
// contribute to the insert and update counters.
type Result struct {
	EventsInserted    int `json:"events_inserted"`
	ExposuresInserted int `json:"exposures_inserted"`
	ExposuresUpdated  int `json:"exposures_updated"`
	EventsRejected    int `json:"events_rejected"`
	ChunksCommitted   int `json:"chunks_committed"`
}

func (r *Result) add(other Result) {
	r.EventsInserted += other.EventsInserted
	r.ExposuresInserted += other.ExposuresInserted
	r.ExposuresUpdated += other.ExposuresUpdated
	r.EventsRejected += other.EventsRejected
	r.ChunksCommitted += other.ChunksCommitted
}

// ChunkError reports the first chunk that did not commit together with the
// counters of every chunk that did.
type ChunkError struct {
	Chunk  int
	Result Result
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d not committed (%d chunks committed): %v", e.Chunk, e.Result.ChunksCommitted, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
