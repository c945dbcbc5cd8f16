package eventintake

import (
	"context"
	"errors"
	"testing"
	"time"

	"aqingest/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	inserted []string
	sizes    map[string]*int64
	err      error
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{sizes: make(map[string]*int64)}
}

func (f *fakeInserter) Insert(_ context.Context, key string, fileSize *int64, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, key)
	f.sizes[key] = fileSize
	return nil
}

type fakeStat struct {
	sizes map[string]int64
	err   error
}

func (f *fakeStat) Stat(_ context.Context, key string) (int64, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	return f.sizes[key], time.Now(), nil
}

type fakeRunner struct {
	lastEvent orchestrator.Event
	result    orchestrator.Result
}

func (f *fakeRunner) Run(_ context.Context, event orchestrator.Event) orchestrator.Result {
	f.lastEvent = event
	return f.result
}

func TestHandleDirectEvent(t *testing.T) {
	inserter := newFakeInserter()
	stat := &fakeStat{sizes: map[string]int64{"stations/dataV2.json": 512}}
	in := New(inserter, stat, &fakeRunner{}, orchestrator.Event{}, nil)

	raw := []byte(`{
		"Records": [
			{"s3": {"bucket": {"name": "openaq-fetches"}, "object": {"key": "stations/dataV2.json"}}}
		]
	}`)

	result, err := in.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.Contains(t, inserter.inserted, "stations/dataV2.json")
	require.NotNil(t, inserter.sizes["stations/dataV2.json"])
	assert.Equal(t, int64(512), *inserter.sizes["stations/dataV2.json"])
}

func TestHandleSNSWrappedEvent(t *testing.T) {
	inserter := newFakeInserter()
	stat := &fakeStat{sizes: map[string]int64{}}
	in := New(inserter, stat, &fakeRunner{}, orchestrator.Event{}, nil)

	inner := `{"Records":[{"s3":{"bucket":{"name":"openaq-fetches"},"object":{"key":"realtime/a.ndjson"}}}]}`
	raw := []byte(`{
		"Records": [
			{"EventSource": "aws:sns", "Sns": {"Message": ` + toJSONString(inner) + `}}
		]
	}`)

	result, err := in.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Contains(t, inserter.inserted, "realtime/a.ndjson")
}

func TestHandleSchedulerEventRunsOrchestrator(t *testing.T) {
	inserter := newFakeInserter()
	runner := &fakeRunner{result: orchestrator.Result{Duration: time.Second}}
	defaults := orchestrator.Event{Timeout: 10 * time.Minute, Ascending: true, MetadataLimit: 25, RealtimeLimit: 25, PipelineLimit: 25}
	in := New(inserter, &fakeStat{}, runner, defaults, nil)

	raw := []byte(`{"source": "aws.events", "metadata_limit": 5, "realtime_limit": 10}`)

	result, err := in.Handle(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, time.Second, result.Duration)
	assert.Equal(t, 5, runner.lastEvent.MetadataLimit)
	assert.Equal(t, 10, runner.lastEvent.RealtimeLimit)
	assert.Equal(t, 25, runner.lastEvent.PipelineLimit, "limits the event does not name keep their configured defaults")
	assert.Equal(t, 10*time.Minute, runner.lastEvent.Timeout)
	assert.True(t, runner.lastEvent.Ascending)
	assert.Empty(t, inserter.inserted)
}

func TestHandleSchedulerEventPauseOverride(t *testing.T) {
	runner := &fakeRunner{}
	in := New(newFakeInserter(), &fakeStat{}, runner, orchestrator.Event{MetadataLimit: 5}, nil)

	raw := []byte(`{"source": "aws.events", "pause": true}`)
	_, err := in.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, runner.lastEvent.Pause)
}

func TestHandleUnrecognizedEnvelopeErrors(t *testing.T) {
	in := New(newFakeInserter(), &fakeStat{}, &fakeRunner{}, orchestrator.Event{}, nil)
	_, err := in.Handle(context.Background(), []byte(`{"foo":"bar"}`))
	assert.Error(t, err)
}

func TestInsertRecordToleratesStatFailure(t *testing.T) {
	inserter := newFakeInserter()
	stat := &fakeStat{err: errors.New("object not found")}
	in := New(inserter, stat, &fakeRunner{}, orchestrator.Event{}, nil)

	in.insertRecord(context.Background(), objectRecord{Bucket: "openaq-fetches", Key: "measures/c.csv"})
	require.Contains(t, inserter.inserted, "measures/c.csv")
	assert.Nil(t, inserter.sizes["measures/c.csv"])
}

func toJSONString(s string) string {
	out := "\""
	for _, r := range s {
		switch r {
		case '"':
			out += "\\\""
		case '\\':
			out += "\\\\"
		default:
			out += string(r)
		}
	}
	return out + "\""
}
