// Package ingest drives canonical exposure events through validation, the
// append-only history and the current-state view, one transaction per chunk.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/exposure-ingest/internal/audit"
	"github.com/rcourtman/exposure-ingest/internal/canonical"
	ingesterrors "github.com/rcourtman/exposure-ingest/internal/errors"
	"github.com/rcourtman/exposure-ingest/internal/identity"
	"github.com/rcourtman/exposure-ingest/internal/logging"
	"github.com/rcourtman/exposure-ingest/internal/metrics"
	"github.com/rcourtman/exposure-ingest/internal/quarantine"
	"github.com/rcourtman/exposure-ingest/internal/reconcile"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

const (
	DefaultChunkSize  = 500
	DefaultWorkers    = 1
	DefaultMaxRetries = 3
)

// HistoryAppender appends audit records inside a transaction.
type HistoryAppender interface {
	Append(ctx context.Context, tx storage.Querier, records []audit.Record) error
}

// StateMerger merges one event into the current state inside a transaction.
type StateMerger interface {
	Merge(ctx context.Context, tx storage.Querier, e *canonical.Event) (reconcile.Outcome, error)
}

// Quarantiner receives inputs that could not be ingested.
type Quarantiner interface {
	Quarantine(ctx context.Context, rec quarantine.Record)
}

// Options tunes chunking, parallelism and conflict retries.
type Options struct {
	ChunkSize    int
	Workers      int
	MaxRetries   int
	Backoff      BackoffConfig
	MaxFileBytes int64
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    DefaultChunkSize,
		Workers:      DefaultWorkers,
		MaxRetries:   DefaultMaxRetries,
		Backoff:      DefaultBackoff,
		MaxFileBytes: DefaultMaxFileBytes,
	}
}

// Coordinator owns one ingestion pipeline over a shared store handle.
type Coordinator struct {
	db      *storage.DB
	history HistoryAppender
	current StateMerger
	sink    Quarantiner
	opts    Options

	now   func() time.Time
	rng   func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a coordinator. Non-positive chunk size, worker count or file
// limit fall back to the defaults.
func New(db *storage.DB, history HistoryAppender, current StateMerger, sink Quarantiner, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Coordinator{
		db:      db,
		history: history,
		current: current,
		sink:    sink,
		opts:    opts,
		now:     time.Now,
		rng:     rand.Float64,
		sleep:   sleepContext,
	}
}

// Ingest validates and persists events. Blank identifiers are filled in
// place. Invalid events are quarantined and counted as rejected while the
// rest of the batch continues. The returned Result only counts committed
// chunks; when a chunk does not commit the error is a *ChunkError.
func (c *Coordinator) Ingest(ctx context.Context, events []canonical.Event) (Result, error) {
	batch := make([]*canonical.Event, len(events))
	for i := range events {
		batch[i] = &events[i]
	}
	return c.run(ctx, Source{Filename: inlineFilename}, batch, nil, 0)
}

type businessKey struct {
	officeID   string
	exposureID string
}

type chunkState struct {
	done chan struct{}
	ok   bool
}

// run ingests events. positions maps each event to its place in the
// caller's input for quarantine records; nil means the slice order.
func (c *Coordinator) run(ctx context.Context, src Source, events []*canonical.Event, positions []int, rejected int) (Result, error) {
	start := time.Now()
	if logging.RunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, identity.NewRunID())
	}
	logger := logging.FromContext(ctx)

	result := Result{EventsRejected: rejected}
	valid := make([]*canonical.Event, 0, len(events))
	for i, e := range events {
		identity.Tag(e)
		if err := e.Validate(); err != nil {
			pos := i
			if positions != nil {
				pos = positions[i]
			}
			c.reject(ctx, src, pos, e, err)
			result.EventsRejected++
			continue
		}
		valid = append(valid, e)
	}

	chunks := partition(valid, c.opts.ChunkSize)
	deps := dependencies(chunks)
	states := make([]*chunkState, len(chunks))
	for i := range states {
		states[i] = &chunkState{done: make(chan struct{})}
	}

	var (
		mu       sync.Mutex
		failures = make(map[int]error)
		stop     atomic.Bool
		g        errgroup.Group
	)
	g.SetLimit(c.opts.Workers)

	fail := func(index int, err error) {
		stop.Store(true)
		mu.Lock()
		failures[index] = err
		mu.Unlock()
	}

	launched := 0
	for i := range chunks {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			state := states[i]
			defer close(state.done)

			for _, d := range deps[i] {
				select {
				case <-states[d].done:
				case <-ctx.Done():
					metrics.RecordChunkSkipped()
					return nil
				}
				if !states[d].ok {
					metrics.RecordChunkSkipped()
					logger.Debug().Int("chunk", i).Int("depends_on", d).Msg("Skipping chunk after failed predecessor")
					return nil
				}
			}
			if stop.Load() || ctx.Err() != nil {
				metrics.RecordChunkSkipped()
				return nil
			}

			counts, err := c.commitChunk(ctx, logger, i, chunks[i])
			if err != nil {
				metrics.RecordChunkFailed(ingesterrors.Kind(err))
				fail(i, err)
				return nil
			}
			state.ok = true
			metrics.RecordChunkCommitted(counts.EventsInserted, counts.ExposuresInserted, counts.ExposuresUpdated)

			mu.Lock()
			result.add(counts)
			mu.Unlock()
			return nil
		})
	}
	for i := launched; i < len(chunks); i++ {
		metrics.RecordChunkSkipped()
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	metrics.ObserveProcessing(elapsed)

	err := firstError(ctx, states, failures, result)
	logEvent := logger.Info()
	if err != nil {
		logEvent = logger.Error().Err(err).Str("error_kind", ingesterrors.Kind(err))
	}
	logEvent.
		Str("source", src.Filename).
		Int("events", len(events)).
		Int("chunks", len(chunks)).
		Int("events_inserted", result.EventsInserted).
		Int("exposures_inserted", result.ExposuresInserted).
		Int("exposures_updated", result.ExposuresUpdated).
		Int("events_rejected", result.EventsRejected).
		Int("chunks_committed", result.ChunksCommitted).
		Dur("duration", elapsed).
		Msg("Ingestion finished")

	return result, err
}

// firstError reports the lowest failed chunk, or the first chunk left
// uncommitted by cancellation.
func firstError(ctx context.Context, states []*chunkState, failures map[int]error, result Result) error {
	if len(failures) > 0 {
		lowest := -1
		for i := range failures {
			if lowest < 0 || i < lowest {
				lowest = i
			}
		}
		return &ChunkError{Chunk: lowest, Result: result, Err: failures[lowest]}
	}
	for i, state := range states {
		if state.ok {
			continue
		}
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return &ChunkError{Chunk: i, Result: result, Err: fmt.Errorf("ingestion cancelled: %w", cause)}
	}
	return nil
}

// commitChunk writes one chunk in a single transaction, retrying the whole
// transaction on merge conflicts.
func (c *Coordinator) commitChunk(ctx context.Context, logger zerolog.Logger, index int, chunk []*canonical.Event) (Result, error) {
	now := c.now()
	records := make([]audit.Record, 0, len(chunk))
	for _, e := range chunk {
		rec, err := audit.FromEvent(e, now)
		if err != nil {
			return Result{}, ingesterrors.NewStoreError(ingesterrors.ErrorTypeInternal, "build_audit_record", err).WithChunk(index)
		}
		records = append(records, rec)
	}

	for attempt := 0; ; attempt++ {
		counts, err := c.applyChunk(ctx, records, chunk)
		if err == nil {
			if attempt > 0 {
				logger.Info().Int("chunk", index).Int("attempts", attempt+1).Msg("Chunk committed after retry")
			}
			return counts, nil
		}
		err = withChunk(err, index)

		if !ingesterrors.IsRetryableError(err) || ctx.Err() != nil {
			return Result{}, err
		}
		if attempt >= c.opts.MaxRetries {
			logger.Warn().Err(err).Int("chunk", index).Int("attempts", attempt+1).Msg("Merge conflict retries exhausted")
			return Result{}, err
		}

		delay := c.opts.Backoff.nextDelay(attempt, c.rng())
		metrics.RecordChunkRetry()
		logger.Warn().
			Err(err).
			Int("chunk", index).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Merge conflict, retrying chunk")
		if err := c.sleep(ctx, delay); err != nil {
			return Result{}, ingesterrors.NewStoreError(ingesterrors.ErrorTypeUnavailable, "retry_wait", err).WithChunk(index)
		}
	}
}

func (c *Coordinator) applyChunk(ctx context.Context, records []audit.Record, chunk []*canonical.Event) (Result, error) {
	var counts Result
	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		counts = Result{}
		if err := c.history.Append(ctx, tx, records); err != nil {
			return err
		}
		for _, e := range chunk {
			outcome, err := c.current.Merge(ctx, tx, e)
			if err != nil {
				return err
			}
			if outcome.Inserted {
				counts.ExposuresInserted++
			} else {
				counts.ExposuresUpdated++
			}
		}
		counts.EventsInserted = len(records)
		counts.ChunksCommitted = 1
		return nil
	})
	return counts, err
}

func withChunk(err error, index int) error {
	var storeErr *ingesterrors.StoreError
	if errors.As(err, &storeErr) {
		storeErr.WithChunk(index)
		return err
	}
	return ingesterrors.NewStoreError(ingesterrors.ErrorTypeInternal, "commit_chunk", err).WithChunk(index)
}

func partition(events []*canonical.Event, size int) [][]*canonical.Event {
	if len(events) == 0 {
		return nil
	}
	chunks := make([][]*canonical.Event, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		chunks = append(chunks, events[start:end])
	}
	return chunks
}

// dependencies lists, per chunk, the latest earlier chunk touching each of
// its business keys. Waiting on those keeps same-key merges in input order.
func dependencies(chunks [][]*canonical.Event) [][]int {
	lastSeen := make(map[businessKey]int)
	deps := make([][]int, len(chunks))
	for i, chunk := range chunks {
		seen := make(map[int]struct{})
		for _, e := range chunk {
			key := businessKey{officeID: e.Office.ID, exposureID: e.Exposure.ID}
			if prev, ok := lastSeen[key]; ok && prev != i {
				if _, dup := seen[prev]; !dup {
					seen[prev] = struct{}{}
					deps[i] = append(deps[i], prev)
				}
			}
			lastSeen[key] = i
		}
	}
	return deps
}

func (c *Coordinator) reject(ctx context.Context, src Source, index int, e *canonical.Event, err error) {
	reason := string(canonical.ReasonMalformed)
	details := map[string]any{"index": index}
	var verr *canonical.ValidationError
	if errors.As(err, &verr) {
		reason = string(verr.Reason)
		if verr.Field != "" {
			details["field"] = verr.Field
		}
	}
	details["reason"] = reason
	metrics.RecordEventRejected(reason)

	rec := quarantine.Record{
		Filename:     src.Filename,
		FileSize:     src.size,
		FileHash:     src.hash,
		ErrorKind:    quarantine.KindSchemaViolation,
		ErrorMessage: err.Error(),
		ErrorDetails: details,
		ScannerType:  nonEmpty(src.ScannerType),
		OfficeID:     nonEmpty(src.OfficeID),
	}
	if e != nil {
		if e.Event.ID != "" {
			details["event_id"] = e.Event.ID
		}
		if e.Office.ID != "" {
			rec.OfficeID = &e.Office.ID
		}
		if e.Scanner.Type != "" && rec.ScannerType == nil {
			rec.ScannerType = &e.Scanner.Type
		}
	}
	if c.sink != nil {
		c.sink.Quarantine(ctx, rec)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
