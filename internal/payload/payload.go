// Package payload implements the Payload Parser: extension-based dispatch
// over a (possibly gzip-decompressed) object stream into lazy sequences of
// records the accumulator can consume without buffering the whole object.
package payload

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Format identifies the dispatch branch chosen for a key.
type Format int

const (
	FormatUnsupported Format = iota
	FormatCSV
	FormatNDJSON
	FormatJSON
)

// DetectFormat strips a trailing ".gz" and dispatches on the remaining
// extension.
func DetectFormat(key string) Format {
	key = strings.TrimSuffix(key, ".gz")
	switch {
	case strings.HasSuffix(key, ".csv"):
		return FormatCSV
	case strings.HasSuffix(key, ".ndjson"):
		return FormatNDJSON
	case strings.HasSuffix(key, ".json"):
		return FormatJSON
	default:
		return FormatUnsupported
	}
}

// ErrUnsupportedFormat is returned when a key's extension doesn't map to a
// known payload format. Per the error taxonomy this is terminal: the
// fetchlog row is marked failed with a descriptive message.
var ErrUnsupportedFormat = fmt.Errorf("Not sure how to read file")

// Document is the top-level shape of a .json payload: optional meta,
// locations, and measures sections.
type Document struct {
	Meta      map[string]any   `json:"meta"`
	Locations []map[string]any `json:"locations"`
	Measures  []any            `json:"measures"`
}

// CSVRow is one parsed CSV record, either 3 or 5 fields wide. Records of
// other widths are dropped upstream with a warning, never reaching here.
type CSVRow struct {
	IngestID  string
	Value     string
	Datetime  string
	Lat       string
	Lon       string
	HasLatLon bool
}

// RecordHandler receives records as they're parsed, lazily, one at a time.
// Handlers return nothing: whether to keep or drop a record is decided by
// the caller (the accumulator), and a malformed CSV row or NDJSON line is
// routed to its bad-record handler while the stream continues, matching
// "malformed record" being a drop, not a file abort.
type RecordHandler struct {
	OnCSVRow      func(CSVRow)
	OnCSVBadRow   func(fields []string)
	OnJSONRecord  func(map[string]any)
	OnJSONBadLine func(line string, err error)
}

// ParseCSV streams r as a sequence of measurement tuples, routing well-formed
// rows to handler.OnCSVRow and malformed-arity rows to handler.OnCSVBadRow.
// It never reads the whole object into memory: encoding/csv.Reader.Read is
// called one record at a time.
func ParseCSV(r io.Reader, handler RecordHandler) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // rows may be 3 or 5 wide; arity is checked per-row.
	cr.ReuseRecord = false

	for {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv record: %w", err)
		}

		switch len(fields) {
		case 3:
			handler.OnCSVRow(CSVRow{IngestID: fields[0], Value: fields[1], Datetime: fields[2]})
		case 5:
			handler.OnCSVRow(CSVRow{
				IngestID: fields[0], Value: fields[1], Datetime: fields[2],
				Lat: fields[3], Lon: fields[4], HasLatLon: true,
			})
		default:
			if handler.OnCSVBadRow != nil {
				handler.OnCSVBadRow(fields)
			}
		}
	}
}

// ParseNDJSON streams r line by line, skipping empty lines, decoding each
// non-empty line as a JSON document and routing it to handler.OnJSONRecord.
// A line that fails to parse is routed to OnJSONBadLine and the stream
// continues; a single corrupt line never aborts the file.
func ParseNDJSON(r io.Reader, handler RecordHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			if handler.OnJSONBadLine != nil {
				handler.OnJSONBadLine(line, err)
			}
			continue
		}
		if handler.OnJSONRecord != nil {
			handler.OnJSONRecord(doc)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ndjson stream: %w", err)
	}
	return nil
}

// ParseJSON decodes r as a single top-level Document. Unlike CSV/NDJSON this
// necessarily buffers the object, since document-shaped payloads have no
// natural line-oriented boundary; it is the one exception to the
// no-whole-object-buffer rule.
func ParseJSON(r io.Reader) (Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode json document: %w", err)
	}
	return doc, nil
}
