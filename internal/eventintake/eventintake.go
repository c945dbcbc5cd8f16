// Package eventintake parses object-store notification envelopes (direct,
// SNS-wrapped, or a scheduler trigger) and inserts new fetchlog rows for
// newly-available objects.
package eventintake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"aqingest/internal/logging"
	"aqingest/internal/objectstore"
	"aqingest/internal/orchestrator"
)

// Inserter is the subset of fetchlog.Queue used by Event Intake.
type Inserter interface {
	Insert(ctx context.Context, key string, fileSize *int64, lastModified time.Time) error
}

// Stat is the subset of objectstore.Store used for best-effort size/mtime
// lookups.
type Stat interface {
	Stat(ctx context.Context, key string) (int64, time.Time, error)
}

var _ Stat = (*objectstore.Store)(nil)

// Runner is the subset of orchestrator.Orchestrator invoked when an event
// carries a recognized scheduler signature instead of object notifications.
type Runner interface {
	Run(ctx context.Context, event orchestrator.Event) orchestrator.Result
}

// objectRecord is one {bucket, key} entry from a direct S3-style event.
type objectRecord struct {
	Bucket string
	Key    string
}

// directEvent is the S3 object-created notification shape.
type directEvent struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// wrappedEvent is the SNS-wrapped notification shape: each record's Sns.
// Message field carries a JSON-encoded directEvent.
type wrappedEvent struct {
	Records []struct {
		EventSource string `json:"EventSource"`
		Sns         struct {
			Message string `json:"Message"`
		} `json:"Sns"`
	} `json:"Records"`
}

// schedulerEvent is the recognized scheduler trigger shape; its presence
// routes control to the orchestrator instead of inserting fetchlog rows.
type schedulerEvent struct {
	Source        string `json:"source"`
	FetchlogKey   string `json:"fetchlogKey"`
	Limit         int    `json:"limit"`
	Ascending     *bool  `json:"ascending"`
	Pause         *bool  `json:"pause"`
	PipelineLimit *int   `json:"pipeline_limit"`
	RealtimeLimit *int   `json:"realtime_limit"`
	MetadataLimit *int   `json:"metadata_limit"`
}

// Intake parses notification envelopes and writes new fetchlog rows, or
// passes control to the orchestrator when the event is a scheduler trigger.
type Intake struct {
	inserter Inserter
	stat     Stat
	runner   Runner
	defaults orchestrator.Event
	logger   *slog.Logger
}

// New constructs an Intake. defaults carries the configured orchestrator
// parameters; a scheduler trigger starts from them and applies only the
// overrides it names.
func New(inserter Inserter, stat Stat, runner Runner, defaults orchestrator.Event, logger *slog.Logger) *Intake {
	return &Intake{inserter: inserter, stat: stat, runner: runner, defaults: defaults, logger: logging.Default(logger)}
}

// Handle dispatches raw on the recognized envelope shapes, in the order:
// scheduler trigger, then direct object event, then SNS-wrapped object
// event. If raw matches the scheduler shape, Handle returns the
// orchestrator's Result; otherwise it returns nil after inserting fetchlog
// rows for every object record found.
func (in *Intake) Handle(ctx context.Context, raw []byte) (*orchestrator.Result, error) {
	var sched schedulerEvent
	if err := json.Unmarshal(raw, &sched); err == nil && sched.Source == "aws.events" {
		event := in.schedulerEventToOrchestratorEvent(sched)
		result := in.runner.Run(ctx, event)
		return &result, nil
	}

	records, err := in.extractObjectRecords(raw)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		in.insertRecord(ctx, rec)
	}
	return nil, nil
}

func (in *Intake) schedulerEventToOrchestratorEvent(sched schedulerEvent) orchestrator.Event {
	event := in.defaults
	event.FetchlogKey = sched.FetchlogKey
	event.FetchlogLimit = sched.Limit
	if sched.Ascending != nil {
		event.Ascending = *sched.Ascending
	}
	if sched.Pause != nil {
		event.Pause = *sched.Pause
	}
	if sched.PipelineLimit != nil {
		event.PipelineLimit = *sched.PipelineLimit
	}
	if sched.RealtimeLimit != nil {
		event.RealtimeLimit = *sched.RealtimeLimit
	}
	if sched.MetadataLimit != nil {
		event.MetadataLimit = *sched.MetadataLimit
	}
	return event
}

// extractObjectRecords tries the direct envelope shape first, then the
// SNS-wrapped shape (whose Sns.Message field is itself a JSON-encoded
// direct envelope).
func (in *Intake) extractObjectRecords(raw []byte) ([]objectRecord, error) {
	var direct directEvent
	if err := json.Unmarshal(raw, &direct); err == nil && len(direct.Records) > 0 && direct.Records[0].S3.Object.Key != "" {
		return direct.toRecords(), nil
	}

	var wrapped wrappedEvent
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		var out []objectRecord
		for _, rec := range wrapped.Records {
			if rec.EventSource != "aws:sns" || rec.Sns.Message == "" {
				continue
			}
			var inner directEvent
			if err := json.Unmarshal([]byte(rec.Sns.Message), &inner); err != nil {
				in.logger.Warn("dropping unparseable sns message", "error", err)
				continue
			}
			out = append(out, inner.toRecords()...)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	return nil, fmt.Errorf("event did not match any recognized envelope shape")
}

func (d directEvent) toRecords() []objectRecord {
	out := make([]objectRecord, 0, len(d.Records))
	for _, r := range d.Records {
		out = append(out, objectRecord{Bucket: r.S3.Bucket.Name, Key: r.S3.Object.Key})
	}
	return out
}

// insertRecord best-effort reads the object's size and modification time,
// then calls Insert regardless of whether that lookup succeeded. A failed
// Stat call never blocks insertion; the size stays null and the
// modification time falls back to now.
func (in *Intake) insertRecord(ctx context.Context, rec objectRecord) {
	var fileSize *int64
	lastModified := time.Now().UTC()

	if in.stat != nil {
		size, mtime, err := in.stat.Stat(ctx, rec.Key)
		if err != nil {
			in.logger.Warn("best-effort stat failed, inserting with defaults", "key", rec.Key, "error", err)
		} else {
			fileSize = &size
			if !mtime.IsZero() {
				lastModified = mtime
			}
		}
	}

	if err := in.inserter.Insert(ctx, rec.Key, fileSize, lastModified); err != nil {
		in.logger.Error("failed to insert fetchlog row", "key", rec.Key, "error", err)
	}
}
