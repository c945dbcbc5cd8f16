package accumulator

import (
	"context"
	"fmt"
	"time"

	"aqingest/internal/objectstore"
	"aqingest/internal/payload"
)

// LoadKey is the top-level per-file driver: fetch the object, dispatch on
// its format, feed records into the accumulator, and record the key for
// finalization. It drives the accumulator's file state machine from NEW
// through ACCUMULATING (or QUARANTINED on a terminal failure).
//
// A retriable fetch error is returned unwrapped so the caller can leave the
// fetchlog row unfinalized; every other failure path quarantines the file
// before returning.
func (a *Accumulator) LoadKey(ctx context.Context, store *objectstore.Store, key string, lastModified time.Time) error {
	if err := a.machine.Transition(StateParsing); err != nil {
		return err
	}

	format := payload.DetectFormat(key)
	if format == payload.FormatUnsupported {
		_ = a.machine.Quarantine()
		return payload.ErrUnsupportedFormat
	}

	stream, err := store.Get(ctx, key)
	if err != nil {
		if objectstore.IsRetriable(err) {
			return err
		}
		_ = a.machine.Quarantine()
		return fmt.Errorf("fetch %q: %w", key, err)
	}
	defer stream.Close()

	if err := a.machine.Transition(StateAccumulating); err != nil {
		return err
	}

	switch format {
	case payload.FormatCSV:
		err = payload.ParseCSV(stream, payload.RecordHandler{
			OnCSVRow: func(row payload.CSVRow) { a.AddMeasurement(row) },
			OnCSVBadRow: func(fields []string) {
				a.logger.Warn("dropping csv row with unexpected arity", "fields", len(fields))
			},
		})
	case payload.FormatNDJSON:
		err = payload.ParseNDJSON(stream, payload.RecordHandler{
			OnJSONRecord: func(doc map[string]any) { a.dispatchJSONRecord(doc) },
			OnJSONBadLine: func(line string, parseErr error) {
				a.logger.Warn("dropping malformed ndjson line", "error", parseErr)
			},
		})
	case payload.FormatJSON:
		var doc payload.Document
		doc, err = payload.ParseJSON(stream)
		if err == nil {
			a.LoadMetadata(doc.Meta)
			a.LoadLocations(doc.Locations)
			a.LoadMeasurements(doc.Measures)
		}
	}

	if err != nil {
		_ = a.machine.Quarantine()
		return fmt.Errorf("parse %q: %w", key, err)
	}

	a.RecordKey(key, lastModified)
	return nil
}

// dispatchJSONRecord routes one ND-JSON line through the measures path: a
// realtime stream carries bare measurement dicts, one per line.
func (a *Accumulator) dispatchJSONRecord(doc map[string]any) {
	a.AddMeasurement(doc)
}
