package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aqingest/internal/accumulator"
	"aqingest/internal/bulkload"
	"aqingest/internal/fetchlog"
	"aqingest/internal/objectstore"
	"aqingest/internal/settings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue simulates claimable fetchlog rows per key pattern, without a
// live database.
type fakeQueue struct {
	claims      map[string][]fetchlog.ClaimedFile // pattern -> rows to return once
	claimErr    map[string]error
	claimCalls  map[string]int
	successIDs  []int64
	failureIDs  []int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{claims: make(map[string][]fetchlog.ClaimedFile), claimErr: make(map[string]error), claimCalls: make(map[string]int)}
}

func (q *fakeQueue) Claim(_ context.Context, pattern string, limit int, _ bool) ([]fetchlog.ClaimedFile, error) {
	q.claimCalls[pattern]++
	if err, ok := q.claimErr[pattern]; ok {
		return nil, err
	}
	rows := q.claims[pattern]
	q.claims[pattern] = nil // each pattern's batch is returned once, then drained
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (q *fakeQueue) MarkSuccess(_ context.Context, ids []int64, _ string) error {
	q.successIDs = append(q.successIDs, ids...)
	return nil
}

func (q *fakeQueue) MarkFailure(_ context.Context, id int64, _ error) error {
	q.failureIDs = append(q.failureIDs, id)
	return nil
}

// fakeDumper records which files were dumped.
type fakeDumper struct {
	locationsDumped    []int64
	measurementsDumped []int64
	failOn             map[int64]error
}

func newFakeDumper() *fakeDumper { return &fakeDumper{failOn: make(map[int64]error)} }

func (d *fakeDumper) DumpLocations(_ context.Context, _ *accumulator.Accumulator, fetchlogsID int64, _ bool) error {
	if err, ok := d.failOn[fetchlogsID]; ok {
		return err
	}
	d.locationsDumped = append(d.locationsDumped, fetchlogsID)
	return nil
}

func (d *fakeDumper) DumpMeasurements(_ context.Context, _ *accumulator.Accumulator, fetchlogsID int64, _ bool) error {
	if err, ok := d.failOn[fetchlogsID]; ok {
		return err
	}
	d.measurementsDumped = append(d.measurementsDumped, fetchlogsID)
	return nil
}

func writeDryRunObject(t *testing.T, root, key, contents string) {
	t.Helper()
	path := filepath.Join(root, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newTestOrchestrator(t *testing.T, q *fakeQueue, d *fakeDumper) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	store := &objectstore.Store{DryRun: true, LocalRoot: root}
	s := settings.Defaults()
	s.MetadataKeyPattern = "stations/**"
	s.RealtimeKeyPattern = "realtime/**"
	s.PipelineKeyPattern = "measures/**"
	return New(q, store, d, nil, s), root
}

func TestRunSkipsDisabledStreams(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	o, _ := newTestOrchestrator(t, q, d)

	event := Event{Timeout: time.Second, MetadataLimit: 0, RealtimeLimit: 0, PipelineLimit: 0}
	result := o.Run(context.Background(), event)
	assert.Empty(t, result.Streams)
}

func TestRunPauseShortCircuits(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	o, _ := newTestOrchestrator(t, q, d)

	result := o.Run(context.Background(), Event{Pause: true, MetadataLimit: 10})
	assert.True(t, result.Paused)
	assert.Empty(t, q.claimCalls)
}

func TestRunProcessesClaimedMetadataFile(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	o, root := newTestOrchestrator(t, q, d)

	writeDryRunObject(t, root, "stations/dataV2.json",
		`{"locations":[{"ingest_id":"clarity-site-001"}],"measures":[["clarity-site-001-pm25",1.5,"1700000000"]]}`)
	q.claims["stations/**"] = []fetchlog.ClaimedFile{{FetchlogsID: 1, Key: "stations/dataV2.json"}}

	result := o.Run(context.Background(), Event{Timeout: 5 * time.Second, MetadataLimit: 10})
	require.Len(t, result.Streams, 1)
	assert.Equal(t, 1, result.Streams[0].FilesClaimed)
	assert.Equal(t, 0, result.Streams[0].FilesFailed)
	assert.Contains(t, d.locationsDumped, int64(1))
	assert.Contains(t, d.measurementsDumped, int64(1), "measures carried by a metadata file must be dumped after its locations")
	assert.Contains(t, q.successIDs, int64(1))
}

func TestRunFaultIsolationAcrossStreams(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	o, root := newTestOrchestrator(t, q, d)

	// Metadata stream's claim itself fails immediately.
	q.claimErr["stations/**"] = errors.New("connection reset")

	writeDryRunObject(t, root, "realtime/a.ndjson", `{"ingest_id":"clarity-site-001-pm25","value":1,"datetime":"1700000000"}`+"\n")
	writeDryRunObject(t, root, "measures/b.csv", "clarity-site-001-pm25,2,1700000000\n")
	q.claims["realtime/**"] = []fetchlog.ClaimedFile{{FetchlogsID: 2, Key: "realtime/a.ndjson"}}
	q.claims["measures/**"] = []fetchlog.ClaimedFile{{FetchlogsID: 3, Key: "measures/b.csv"}}

	result := o.Run(context.Background(), Event{Timeout: 5 * time.Second, MetadataLimit: 10, RealtimeLimit: 10, PipelineLimit: 10})

	require.Len(t, result.Streams, 3)
	assert.Error(t, result.Streams[0].Err)
	assert.Equal(t, 1, result.Streams[1].FilesClaimed, "realtime stream still ran despite metadata failure")
	assert.Equal(t, 1, result.Streams[2].FilesClaimed, "pipeline stream still ran despite metadata failure")
}

func TestRunMarksFailureOnDumpError(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	d.failOn[9] = errors.New("promotion sql failed")
	o, root := newTestOrchestrator(t, q, d)

	writeDryRunObject(t, root, "measures/c.csv", "clarity-site-001-pm25,3,1700000000\n")
	q.claims["measures/**"] = []fetchlog.ClaimedFile{{FetchlogsID: 9, Key: "measures/c.csv"}}

	result := o.Run(context.Background(), Event{Timeout: 5 * time.Second, PipelineLimit: 10})
	require.Len(t, result.Streams, 1)
	assert.Equal(t, 1, result.Streams[0].FilesFailed)
	assert.Contains(t, q.failureIDs, int64(9))
}

// fakeLoaderTx and fakeLoaderDB are minimal bulkload.Tx/bulkload.DB stand-ins
// that let a real *bulkload.Loader run end-to-end against a real
// *accumulator.Accumulator, without a live database. Used to drive the
// realtime/pipeline dump path through Run the same way production does,
// catching state-machine regressions that a fakeDumper (which never calls
// acc.Transition at all) cannot.
type fakeLoaderTx struct{ copies map[string]int }

func newFakeLoaderTx() *fakeLoaderTx { return &fakeLoaderTx{copies: make(map[string]int)} }

func (f *fakeLoaderTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeLoaderTx) CopyFrom(_ context.Context, tableName pgx.Identifier, _ []string, rowSrc pgx.CopyFromSource) (int64, error) {
	var n int64
	for rowSrc.Next() {
		if _, err := rowSrc.Values(); err != nil {
			return n, err
		}
		n++
	}
	f.copies[strings.Join(tableName, ".")] = int(n)
	return n, nil
}

func (f *fakeLoaderTx) Commit(context.Context) error   { return nil }
func (f *fakeLoaderTx) Rollback(context.Context) error { return nil }

type fakeLoaderDB struct{ tx *fakeLoaderTx }

func (d *fakeLoaderDB) Begin(context.Context) (bulkload.Tx, error) { return d.tx, nil }

// TestRunDrivesRealisticAccumulatorThroughPipelineStream exercises the
// non-metadata path (pipeline/realtime) through Run with a real
// *bulkload.Loader and a real *accumulator.Accumulator, matching how
// cmd/aqingestd wires components. A fakeDumper can't catch a broken
// StateAccumulating -> StateDumpingMeasurements transition because it never
// calls acc.Transition; this test drives the actual state machine.
func TestRunDrivesRealisticAccumulatorThroughPipelineStream(t *testing.T) {
	q := newFakeQueue()
	tx := newFakeLoaderTx()
	loader := bulkload.New(&fakeLoaderDB{tx: tx}, nil, true)

	root := t.TempDir()
	store := &objectstore.Store{DryRun: true, LocalRoot: root}
	s := settings.Defaults()
	s.MetadataKeyPattern = "stations/**"
	s.RealtimeKeyPattern = "realtime/**"
	s.PipelineKeyPattern = "measures/**"
	o := New(q, store, loader, nil, s)

	writeDryRunObject(t, root, "measures/e.csv", "clarity-site-001-pm25,5,1700000000\n")
	q.claims["measures/**"] = []fetchlog.ClaimedFile{{FetchlogsID: 11, Key: "measures/e.csv"}}

	result := o.Run(context.Background(), Event{Timeout: 5 * time.Second, PipelineLimit: 10})
	require.Len(t, result.Streams, 1)
	assert.Equal(t, 1, result.Streams[0].FilesClaimed)
	assert.Equal(t, 0, result.Streams[0].FilesFailed, "pipeline file must not be quarantined by an invalid state transition")
	assert.Contains(t, q.successIDs, int64(11))
	assert.Equal(t, 1, tx.copies["staging_measurements"])
}

func TestRunOneOffFetchlogKey(t *testing.T) {
	q := newFakeQueue()
	d := newFakeDumper()
	o, root := newTestOrchestrator(t, q, d)

	writeDryRunObject(t, root, "adhoc/d.csv", "clarity-site-001-pm25,4,1700000000\n")
	q.claims["adhoc/*"] = []fetchlog.ClaimedFile{{FetchlogsID: 5, Key: "adhoc/d.csv"}}

	result := o.Run(context.Background(), Event{FetchlogKey: "adhoc/*", FetchlogLimit: 5})
	require.Len(t, result.Streams, 1)
	assert.Equal(t, 1, result.Streams[0].FilesClaimed)
}
