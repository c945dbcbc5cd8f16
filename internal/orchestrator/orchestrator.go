// Package orchestrator drains the fetchlog queue across three independent
// streams (metadata, realtime, pipeline) under a wall-clock deadline,
// isolating faults per stream.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"aqingest/internal/accumulator"
	"aqingest/internal/bulkload"
	"aqingest/internal/fetchlog"
	"aqingest/internal/logging"
	"aqingest/internal/objectstore"
	"aqingest/internal/settings"

	"github.com/bmatcuk/doublestar/v4"
)

// Event carries the per-invocation parameters, overriding configured
// defaults. It is the same shape whether constructed from a scheduler
// trigger or an Event Intake call-through.
type Event struct {
	Timeout       time.Duration
	Ascending     bool
	MetadataLimit int
	RealtimeLimit int
	PipelineLimit int
	Pause         bool
	FetchlogKey   string
	FetchlogLimit int
}

// EventFromSettings builds the default Event from configured settings,
// before any per-invocation overrides are applied.
func EventFromSettings(s settings.Settings) Event {
	return Event{
		Timeout:       s.IngestTimeout,
		Ascending:     s.FetchAscending,
		MetadataLimit: s.MetadataLimit,
		RealtimeLimit: s.RealtimeLimit,
		PipelineLimit: s.PipelineLimit,
		Pause:         s.PauseIngest,
	}
}

// StreamResult reports what happened while draining one stream.
type StreamResult struct {
	Stream       string
	FilesClaimed int
	FilesFailed  int
	Err          error // last unexpected error encountered, if any; never fatal to the orchestrator
}

// Result is the outcome of one Run invocation.
type Result struct {
	Streams  []StreamResult
	Duration time.Duration
	Paused   bool
}

// Queue is the subset of fetchlog.Queue the orchestrator drives.
type Queue interface {
	Claim(ctx context.Context, pattern string, limit int, ascending bool) ([]fetchlog.ClaimedFile, error)
	MarkSuccess(ctx context.Context, ids []int64, message string) error
	MarkFailure(ctx context.Context, id int64, cause error) error
}

var _ Queue = (*fetchlog.Queue)(nil)

// Dumper is the subset of bulkload.Loader the orchestrator drives.
type Dumper interface {
	DumpLocations(ctx context.Context, acc *accumulator.Accumulator, fetchlogsID int64, load bool) error
	DumpMeasurements(ctx context.Context, acc *accumulator.Accumulator, fetchlogsID int64, load bool) error
}

var _ Dumper = (*bulkload.Loader)(nil)

// stream describes one of the three logical queue partitions.
type stream struct {
	name      string
	pattern   string
	limit     func(Event) int
	isMeta    bool // metadata stream dumps locations then measurements; realtime/pipeline dump measurements only
	loadAfter bool
}

// Orchestrator drains the fetchlog queue across all three streams.
type Orchestrator struct {
	queue  Queue
	store  *objectstore.Store
	loader Dumper
	logger *slog.Logger

	streams []stream

	now func() time.Time
}

// New constructs an Orchestrator wired to the given queue, object store,
// and bulk loader. Key patterns for the three streams come from settings.
func New(queue Queue, store *objectstore.Store, loader Dumper, logger *slog.Logger, s settings.Settings) *Orchestrator {
	return &Orchestrator{
		queue:  queue,
		store:  store,
		loader: loader,
		logger: logging.Default(logger),
		now:    time.Now,
		streams: []stream{
			{name: "metadata", pattern: s.MetadataKeyPattern, limit: func(e Event) int { return e.MetadataLimit }, isMeta: true, loadAfter: true},
			{name: "realtime", pattern: s.RealtimeKeyPattern, limit: func(e Event) int { return e.RealtimeLimit }, isMeta: false, loadAfter: true},
			{name: "pipeline", pattern: s.PipelineKeyPattern, limit: func(e Event) int { return e.PipelineLimit }, isMeta: false, loadAfter: true},
		},
	}
}

// Run drains the queue: for each of the three streams in order, repeatedly
// claims and processes batches until either the stream is drained or the
// wall-clock deadline elapses, isolating any stream-level failure so the
// remaining streams still run. If event.FetchlogKey is set, Run instead
// processes a one-off pattern of up to FetchlogLimit rows against the
// measurement dump path and returns.
func (o *Orchestrator) Run(ctx context.Context, event Event) Result {
	start := o.now()

	if event.Pause {
		o.logger.Info("ingest paused, skipping invocation")
		return Result{Paused: true}
	}

	if event.FetchlogKey != "" {
		limit := event.FetchlogLimit
		if limit <= 0 {
			limit = 100
		}
		r := o.drainOneOff(ctx, event.FetchlogKey, limit, event.Ascending)
		duration := o.now().Sub(start)
		return Result{Streams: []StreamResult{r}, Duration: duration}
	}

	var results []StreamResult
	for _, st := range o.streams {
		limit := st.limit(event)
		if limit == 0 {
			continue
		}
		results = append(results, o.drainStream(ctx, st, limit, event.Ascending, start, event.Timeout))
	}

	duration := o.now().Sub(start)
	o.logger.Info("orchestrator invocation complete", "duration", duration)
	return Result{Streams: results, Duration: duration}
}

// drainStream repeatedly claims and processes batches for one stream until
// a claim returns zero rows or the deadline elapses. A panic-free Go
// program has no exceptions to catch, so "fault isolation" here means: an
// error from a claim call is logged and stops only this stream's loop, and
// an error from a single file is logged and counted while the loop goes on
// with the next file; neither propagates to the caller.
func (o *Orchestrator) drainStream(ctx context.Context, st stream, limit int, ascending bool, start time.Time, timeout time.Duration) StreamResult {
	result := StreamResult{Stream: st.name}

	for {
		if timeout > 0 && o.now().Sub(start) >= timeout {
			break
		}

		claimed, err := o.queue.Claim(ctx, st.pattern, limit, ascending)
		if err != nil {
			o.logger.Error("stream claim failed", "stream", st.name, "error", err)
			result.Err = err
			break
		}

		claimed = filterByGlob(claimed, st.pattern)
		if len(claimed) == 0 {
			break
		}

		for _, file := range claimed {
			result.FilesClaimed++
			if err := o.processFile(ctx, file, st.isMeta, st.loadAfter); err != nil {
				result.FilesFailed++
				o.logger.Error("file processing failed", "stream", st.name, "fetchlogs_id", file.FetchlogsID, "key", file.Key, "error", err)
			}
		}

		if timeout > 0 && o.now().Sub(start) >= timeout {
			break
		}
	}

	return result
}

// drainOneOff processes a single pattern override, ignoring the normal
// stream partitioning. Used when an invocation supplies an explicit
// fetchlogKey.
func (o *Orchestrator) drainOneOff(ctx context.Context, pattern string, limit int, ascending bool) StreamResult {
	result := StreamResult{Stream: "fetchlogKey:" + pattern}

	claimed, err := o.queue.Claim(ctx, pattern, limit, ascending)
	if err != nil {
		result.Err = err
		return result
	}
	claimed = filterByGlob(claimed, pattern)

	for _, file := range claimed {
		result.FilesClaimed++
		if err := o.processFile(ctx, file, false, true); err != nil {
			result.FilesFailed++
			o.logger.Error("file processing failed", "fetchlogs_id", file.FetchlogsID, "key", file.Key, "error", err)
		}
	}
	return result
}

// processFile drives one claimed file through fetch -> parse -> accumulate
// -> dump, then marks the fetchlog row. A retriable fetch error leaves the
// row unfinalized (so the visibility timeout causes retry) rather than
// marking failure.
func (o *Orchestrator) processFile(ctx context.Context, file fetchlog.ClaimedFile, isMeta bool, load bool) error {
	logger := logging.ForFile(o.logger, file.FetchlogsID, file.Key)
	acc := accumulator.New(logger, file.FetchlogsID)

	if err := acc.LoadKey(ctx, o.store, file.Key, file.LastModified); err != nil {
		if objectstore.IsRetriable(err) {
			logger.Warn("transient fetch error, leaving row for retry", "error", err)
			return nil
		}
		if markErr := o.queue.MarkFailure(ctx, file.FetchlogsID, err); markErr != nil {
			logger.Error("failed to mark failure", "error", markErr)
		}
		return err
	}

	// A metadata file dumps locations first, then any measures it carried;
	// realtime/pipeline files go straight to the measurement dump.
	var dumpErr error
	if isMeta {
		dumpErr = o.loader.DumpLocations(ctx, acc, file.FetchlogsID, load)
		if dumpErr == nil {
			dumpErr = o.loader.DumpMeasurements(ctx, acc, file.FetchlogsID, load)
		}
	} else {
		dumpErr = o.loader.DumpMeasurements(ctx, acc, file.FetchlogsID, load)
	}

	if dumpErr != nil {
		if markErr := o.queue.MarkFailure(ctx, file.FetchlogsID, dumpErr); markErr != nil {
			logger.Error("failed to mark failure", "error", markErr)
		}
		return dumpErr
	}

	if err := o.queue.MarkSuccess(ctx, []int64{file.FetchlogsID}, ""); err != nil {
		logger.Error("failed to mark success", "error", err)
		return err
	}
	return nil
}

// filterByGlob applies the precise doublestar glob match against each
// claimed key, narrowing the coarse SQL LIKE prefix match performed inside
// Claim.
func filterByGlob(files []fetchlog.ClaimedFile, pattern string) []fetchlog.ClaimedFile {
	if pattern == "" {
		return files
	}
	out := make([]fetchlog.ClaimedFile, 0, len(files))
	for _, f := range files {
		matched, err := doublestar.Match(pattern, f.Key)
		if err == nil && matched {
			out = append(out, f)
		}
	}
	return out
}
