package accumulator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aqingest/internal/objectstore"
	"aqingest/internal/payload"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dryRunStore(t *testing.T) (*objectstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	return &objectstore.Store{DryRun: true, LocalRoot: root}, root
}

func writeObject(t *testing.T, root, key string, contents []byte) {
	t.Helper()
	path := filepath.Join(root, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, contents, 0o644))
}

func TestLoadKeyDocumentJSON(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "stations/dataV2.json", []byte(`{
		"meta": {"sourceName": "versioning"},
		"locations": [
			{"ingest_id": "versioning-2918", "label": "test site #1"},
			{"ingest_id": "versioning-2919", "label": "test site #2"},
			{"ingest_id": "versioning-2920", "label": "test site #3"}
		],
		"measures": [
			["versioning-2918-pm25", 12.1, "1700000000"],
			["versioning-2918-pm10", 30.5, "1700000060"]
		]
	}`))

	a := New(nil, 1)
	require.NoError(t, a.LoadKey(context.Background(), store, "stations/dataV2.json", time.Unix(1700000000, 0)))

	assert.Len(t, a.Nodes(), 3)
	assert.Empty(t, a.Systems())
	assert.Empty(t, a.Sensors())
	assert.Len(t, a.Measurements(), 2)
	require.Len(t, a.Keys(), 1)
	assert.Equal(t, "stations/dataV2.json", a.Keys()[0].Key)
}

func TestLoadKeyRealtimeNDJSON(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "realtime/2023-11-14.ndjson", []byte(
		`{"ingest_id":"purpleair-8723-pm25","value":3.1,"datetime":"1700000000"}`+"\n"+
			`{"ingest_id":"purpleair-8723-pm10","value":7.9,"datetime":"1700000060"}`+"\n"))

	a := New(nil, 2)
	require.NoError(t, a.LoadKey(context.Background(), store, "realtime/2023-11-14.ndjson", time.Unix(1700000100, 0)))

	assert.Empty(t, a.Nodes())
	assert.Len(t, a.Measurements(), 2)
}

func TestLoadKeyClarityStyleEmbeddedSensors(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "stations/clarity.json", []byte(`{
		"locations": [
			{"ingest_id": "clarity-AAA", "systems": [{"ingest_id": "clarity-AAA-inst", "sensors": [{"ingest_id": "clarity-AAA-inst-pm25", "units": "μg/m3"}]}]},
			{"ingest_id": "clarity-BBB", "systems": [{"ingest_id": "clarity-BBB-inst", "sensors": [{"ingest_id": "clarity-BBB-inst-pm25", "units": "μg/m3"}]}]}
		],
		"measures": [
			["clarity-AAA-pm25", 1.0, "1700000000"],
			["clarity-AAA-pm25", 2.0, "1700000060"],
			["clarity-BBB-pm25", 3.0, "1700000120"]
		]
	}`))

	a := New(nil, 3)
	require.NoError(t, a.LoadKey(context.Background(), store, "stations/clarity.json", time.Unix(1700000200, 0)))

	assert.Len(t, a.Nodes(), 2)
	assert.Len(t, a.Systems(), 2)
	assert.Len(t, a.Sensors(), 2)
	assert.Len(t, a.Measurements(), 3)
	assert.Equal(t, "µg/m³", a.Sensors()[0].Units)
}

func TestLoadKeyCSV(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "measures/senstate.csv", []byte(
		"senstate-dev01-pm25,4.2,1700000000\n"+
			"senstate-dev01-pm10,9.0,1700000060\n"+
			"senstate-dev02-pm25,1.1,1700000120\n"))

	a := New(nil, 4)
	require.NoError(t, a.LoadKey(context.Background(), store, "measures/senstate.csv", time.Unix(1700000200, 0)))

	assert.Empty(t, a.Nodes())
	assert.Len(t, a.Measurements(), 3)
}

func TestLoadKeyGzippedNDJSON(t *testing.T) {
	store, root := dryRunStore(t)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(`{"ingest_id":"purpleair-8723-pm25","value":3.1,"datetime":"1700000000"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	writeObject(t, root, "realtime/compressed.ndjson.gz", buf.Bytes())

	a := New(nil, 5)
	require.NoError(t, a.LoadKey(context.Background(), store, "realtime/compressed.ndjson.gz", time.Unix(1700000100, 0)))
	assert.Len(t, a.Measurements(), 1)
}

func TestLoadKeyUnsupportedExtensionQuarantines(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "odd/x.tab", []byte("a\tb\tc\n"))

	a := New(nil, 6)
	err := a.LoadKey(context.Background(), store, "odd/x.tab", time.Unix(1700000000, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, payload.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "Not sure how to read file")
	assert.Equal(t, StateQuarantined, a.State())
	assert.Empty(t, a.Measurements())
	assert.Empty(t, a.Keys())
}

func TestLoadKeyMissingObjectIsRetriableAndNotQuarantined(t *testing.T) {
	store, _ := dryRunStore(t)

	a := New(nil, 7)
	err := a.LoadKey(context.Background(), store, "measures/missing.csv", time.Unix(1700000000, 0))
	require.Error(t, err)
	assert.True(t, objectstore.IsRetriable(err))
	assert.NotEqual(t, StateQuarantined, a.State())
}

func TestLoadKeyCorruptGzipQuarantines(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "realtime/bad.ndjson.gz", []byte("definitely not gzip"))

	a := New(nil, 8)
	err := a.LoadKey(context.Background(), store, "realtime/bad.ndjson.gz", time.Unix(1700000000, 0))
	require.Error(t, err)
	assert.False(t, objectstore.IsRetriable(err))
	assert.Equal(t, StateQuarantined, a.State())
}

func TestLoadKeyDuplicateNodesCollapse(t *testing.T) {
	store, root := dryRunStore(t)
	writeObject(t, root, "stations/dup.json", []byte(`{
		"locations": [
			{"ingest_id": "habitatmap-77", "label": "first"},
			{"ingest_id": "habitatmap-77", "label": "second"},
			{"ingest_id": "habitatmap-77", "label": "third"}
		]
	}`))

	a := New(nil, 9)
	require.NoError(t, a.LoadKey(context.Background(), store, "stations/dup.json", time.Unix(1700000000, 0)))

	require.Len(t, a.Nodes(), 1)
	assert.Equal(t, "first", a.Nodes()[0].SiteName, "first occurrence wins on duplicate ingest_id")
}
