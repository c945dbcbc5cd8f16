package payload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatCSV, DetectFormat("data.csv"))
	assert.Equal(t, FormatCSV, DetectFormat("data.csv.gz"))
	assert.Equal(t, FormatNDJSON, DetectFormat("stream.ndjson.gz"))
	assert.Equal(t, FormatJSON, DetectFormat("dataV2.json"))
	assert.Equal(t, FormatUnsupported, DetectFormat("x.tab"))
}

func TestParseCSVArityDispatch(t *testing.T) {
	input := "src-loc-pm25,12.3,1700000000\nsrc-loc-pm25,12.3,1700000000,1.0,2.0\nsrc-loc-pm25,12.3\n"
	var good []CSVRow
	var bad [][]string

	err := ParseCSV(strings.NewReader(input), RecordHandler{
		OnCSVRow:    func(row CSVRow) { good = append(good, row) },
		OnCSVBadRow: func(fields []string) { bad = append(bad, fields) },
	})
	require.NoError(t, err)
	require.Len(t, good, 2)
	assert.False(t, good[0].HasLatLon)
	assert.True(t, good[1].HasLatLon)
	assert.Equal(t, "1.0", good[1].Lat)
	require.Len(t, bad, 1)
}

func TestParseNDJSONSkipsEmptyLinesAndBadOnes(t *testing.T) {
	input := "{\"a\":1}\n\n not json\n{\"b\":2}\n"
	var good []map[string]any
	var badLines []string

	err := ParseNDJSON(strings.NewReader(input), RecordHandler{
		OnJSONRecord:  func(m map[string]any) { good = append(good, m) },
		OnJSONBadLine: func(line string, err error) { badLines = append(badLines, line) },
	})
	require.NoError(t, err)
	require.Len(t, good, 2)
	require.Len(t, badLines, 1)
}

func TestParseJSONDocument(t *testing.T) {
	input := `{"meta":{"sourceName":"clarity"},"locations":[{"ingest_id":"a-b"}],"measures":[["a-b-pm25",1,1700000000]]}`
	doc, err := ParseJSON(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "clarity", doc.Meta["sourceName"])
	require.Len(t, doc.Locations, 1)
	require.Len(t, doc.Measures, 1)
}
