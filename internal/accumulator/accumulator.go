package accumulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"aqingest/internal/ingestid"
	"aqingest/internal/logging"
	"aqingest/internal/payload"
)

// Accumulator owns the five in-memory staging sets built up while
// processing a single file, plus the dedup indexes and load-wide defaults
// needed to normalize records into them.
type Accumulator struct {
	logger *slog.Logger

	fetchlogsID int64
	sourceName  string
	matchMethod MatchingMethod

	nodeOrder []string
	nodes     map[string]Node

	systemOrder []string
	systems     map[string]System

	sensorOrder []string
	sensors     map[string]Sensor

	flags        []Flag
	measurements []Measurement

	keys []KeyRecord

	machine *FileMachine
}

// KeyRecord tracks one processed object for the staging_keys table,
// recording which fetchlog row produced it and the upstream modification
// time used for ordering.
type KeyRecord struct {
	Key          string
	LastModified time.Time
	FetchlogsID  int64
}

// RecordKey appends a KeyRecord for the file currently being accumulated.
func (a *Accumulator) RecordKey(key string, lastModified time.Time) {
	a.keys = append(a.keys, KeyRecord{Key: key, LastModified: lastModified, FetchlogsID: a.fetchlogsID})
}

// Keys returns every key recorded so far.
func (a *Accumulator) Keys() []KeyRecord { return a.keys }

// New returns an Accumulator scoped to one fetchlog row.
func New(logger *slog.Logger, fetchlogsID int64) *Accumulator {
	return &Accumulator{
		logger:      logging.Default(logger),
		fetchlogsID: fetchlogsID,
		matchMethod: MatchByIngestID,
		nodes:       make(map[string]Node),
		systems:     make(map[string]System),
		sensors:     make(map[string]Sensor),
		machine:     NewFileMachine(),
	}
}

// State returns the accumulator's current file-ingest state.
func (a *Accumulator) State() FileState { return a.machine.Current() }

// Transition advances the file state machine; see FileMachine.Transition.
func (a *Accumulator) Transition(next FileState) error { return a.machine.Transition(next) }

// Nodes returns the deduplicated nodes in first-seen order.
func (a *Accumulator) Nodes() []Node {
	out := make([]Node, 0, len(a.nodeOrder))
	for _, id := range a.nodeOrder {
		out = append(out, a.nodes[id])
	}
	return out
}

// Systems returns the deduplicated systems in first-seen order.
func (a *Accumulator) Systems() []System {
	out := make([]System, 0, len(a.systemOrder))
	for _, id := range a.systemOrder {
		out = append(out, a.systems[id])
	}
	return out
}

// Sensors returns the deduplicated sensors in first-seen order.
func (a *Accumulator) Sensors() []Sensor {
	out := make([]Sensor, 0, len(a.sensorOrder))
	for _, id := range a.sensorOrder {
		out = append(out, a.sensors[id])
	}
	return out
}

// Flags returns every flag recorded so far.
func (a *Accumulator) Flags() []Flag { return a.flags }

// Measurements returns every measurement recorded so far, in the order
// they were pushed (i.e. file order).
func (a *Accumulator) Measurements() []Measurement { return a.measurements }

// LoadMetadata records the load-wide defaults carried in a payload's meta
// block: source name and matching method. Both are optional; callers that
// never see a meta block simply keep the zero defaults.
func (a *Accumulator) LoadMetadata(meta map[string]any) {
	if meta == nil {
		return
	}
	if v, ok := stringField(meta, "sourceName"); ok {
		a.sourceName = v
	}
	if v, ok := stringField(meta, "matchingMethod"); ok {
		switch MatchingMethod(v) {
		case MatchByIngestID, MatchByLocationID, MatchBySensorID:
			a.matchMethod = MatchingMethod(v)
		}
	}
}

// LoadLocations calls AddNode for every location document.
func (a *Accumulator) LoadLocations(locs []map[string]any) {
	for _, doc := range locs {
		if err := a.AddNode(doc); err != nil {
			a.logger.Warn("dropping location document", "error", err)
		}
	}
}

// LoadMeasurements calls AddMeasurement for every measurement input.
func (a *Accumulator) LoadMeasurements(measures []any) {
	for _, m := range measures {
		a.AddMeasurement(m)
	}
}

// extractGeometry reads lat/lon (or latitude/longitude) directly from doc,
// independent of which alias originally triggered a geometry transform.
// Returns nil if either coordinate is missing, or if both coordinates are
// exactly zero (treated as absent).
func extractGeometry(doc map[string]any) *Geometry {
	lat, latOK := floatField(doc, "lat")
	if !latOK {
		lat, latOK = floatField(doc, "latitude")
	}
	lon, lonOK := floatField(doc, "lon")
	if !lonOK {
		lon, lonOK = floatField(doc, "longitude")
	}
	if coords, ok := doc["coordinates"].(map[string]any); ok {
		if !latOK {
			lat, latOK = floatField(coords, "lat")
			if !latOK {
				lat, latOK = floatField(coords, "latitude")
			}
		}
		if !lonOK {
			lon, lonOK = floatField(coords, "lon")
			if !lonOK {
				lon, lonOK = floatField(coords, "longitude")
			}
		}
	}
	if !latOK || !lonOK {
		return nil
	}
	g := Geometry{Lat: lat, Lon: lon}
	if g.IsAbsent() {
		return nil
	}
	return &g
}

// AddNode normalizes a location document into a deduplicated Node: alias
// mapping, required ingest_id, derived source_name/source_id, dedup by
// ingest_id (first wins), and recursion into embedded systems.
func (a *Accumulator) AddNode(doc map[string]any) error {
	mapped, metadata := applyAliasTable(doc, nodeFieldAliases)

	ingestID, ok := stringField(mapped, "ingest_id")
	if !ok || ingestID == "" {
		return fmt.Errorf("missing ingest id")
	}

	if _, exists := a.nodes[ingestID]; exists {
		// Duplicates are silently collapsed: first wins. Still recurse into
		// nested systems so re-sent metadata for the same node isn't lost.
		a.recurseIntoSystems(doc, ingestID)
		return nil
	}

	sourceName, _ := stringField(mapped, "source_name")
	if sourceName == "" {
		if src, _, splitOK := ingestid.SplitNode(ingestID); splitOK && strings.Contains(ingestID, "-") {
			sourceName = src
		}
	}
	if sourceName == "" {
		sourceName = a.sourceName
	}
	if sourceName == "" {
		return fmt.Errorf("could not find source name for node %q", ingestID)
	}

	var sourceID string
	if _, sid, splitOK := ingestid.SplitNode(ingestID); splitOK && strings.Contains(ingestID, "-") {
		sourceID = sid
	} else {
		sourceID = ingestID
	}

	matchMethod, _ := stringField(mapped, "matching_method")
	if matchMethod == "" {
		matchMethod = string(a.matchMethod)
	}

	siteName, _ := stringField(mapped, "site_name")
	isMobile, _ := boolField(mapped, "ismobile")

	node := Node{
		IngestID:       ingestID,
		SiteName:       siteName,
		SourceName:     sourceName,
		SourceID:       sourceID,
		IsMobile:       isMobile,
		Geom:           extractGeometry(doc),
		MatchingMethod: matchMethod,
		Metadata:       metadata,
		FetchlogsID:    a.fetchlogsID,
	}

	a.nodes[ingestID] = node
	a.nodeOrder = append(a.nodeOrder, ingestID)

	a.recurseIntoSystems(doc, ingestID)
	return nil
}

// recurseIntoSystems looks for an embedded "systems" or "sensor_system"
// section within a node document and feeds each entry to AddSystems.
func (a *Accumulator) recurseIntoSystems(doc map[string]any, nodeIngestID string) {
	if systems, ok := doc["systems"].([]any); ok {
		for _, raw := range systems {
			if sysDoc, ok := raw.(map[string]any); ok {
				a.AddSystems(sysDoc, nodeIngestID)
			}
		}
		return
	}
	if sys, ok := doc["sensor_system"].(map[string]any); ok {
		a.AddSystems(sys, nodeIngestID)
	}
}

// AddSystems normalizes one system document. A "sensor_system_" prefix on
// any of its keys is stripped before alias lookup, so flattened nested
// sections resolve the same as structured ones.
func (a *Accumulator) AddSystems(doc map[string]any, nodeIngestID string) {
	stripped := stripPrefix(doc, "sensor_system_")
	mapped, metadata := applyAliasTable(stripped, systemFieldAliases)

	ingestID, ok := stringField(mapped, "ingest_id")
	if !ok || ingestID == "" {
		ingestID = nodeIngestID // a system without an explicit id inherits its node's.
	}

	if _, exists := a.systems[ingestID]; exists {
		a.recurseIntoSensors(doc, ingestID)
		return
	}

	var instrumentIngestID string
	if _, _, param, splitOK := ingestid.Split(ingestID); splitOK {
		instrumentIngestID = param
	}
	if v, ok := stringField(mapped, "instrument_ingest_id"); ok {
		instrumentIngestID = v
	}

	a.systems[ingestID] = System{
		IngestID:           ingestID,
		NodeIngestID:       nodeIngestID,
		InstrumentIngestID: instrumentIngestID,
		Metadata:           metadata,
		FetchlogsID:        a.fetchlogsID,
	}
	a.systemOrder = append(a.systemOrder, ingestID)

	a.recurseIntoSensors(doc, ingestID)
}

func (a *Accumulator) recurseIntoSensors(doc map[string]any, systemIngestID string) {
	if sensors, ok := doc["sensors"].([]any); ok {
		for _, raw := range sensors {
			if sensorDoc, ok := raw.(map[string]any); ok {
				a.AddSensors(sensorDoc, systemIngestID)
			}
		}
	}
}

// AddSensors normalizes one sensor document. A sensor without an explicit
// ingest_id inherits its system's; units are canonicalized; a missing
// measurand is inferred from the last token of the sensor's ingest_id.
func (a *Accumulator) AddSensors(doc map[string]any, systemIngestID string) {
	stripped := stripPrefix(doc, "sensor_")
	mapped, metadata := applyAliasTable(stripped, sensorFieldAliases)

	ingestID, ok := stringField(mapped, "ingest_id")
	if !ok || ingestID == "" {
		ingestID = systemIngestID
	}

	if _, exists := a.sensors[ingestID]; exists {
		return
	}

	measurand, _ := stringField(mapped, "measurand")
	if measurand == "" {
		if _, _, param, splitOK := ingestid.Split(ingestID); splitOK {
			measurand = param
		}
	}

	units, _ := stringField(mapped, "units")
	units = ingestid.CanonicalizeUnit(units)

	status, _ := stringField(mapped, "status")

	interval, _ := intField(mapped, "logging_interval_seconds")
	avgInterval, avgOK := intField(mapped, "averaging_interval_seconds")
	if !avgOK {
		avgInterval = interval
	}

	a.sensors[ingestID] = Sensor{
		IngestID:                 ingestID,
		SystemIngestID:           systemIngestID,
		Measurand:                measurand,
		Units:                    units,
		Status:                   status,
		LoggingIntervalSeconds:   interval,
		AveragingIntervalSeconds: avgInterval,
		Metadata:                 metadata,
		FetchlogsID:              a.fetchlogsID,
	}
	a.sensorOrder = append(a.sensorOrder, ingestID)

	a.recurseIntoFlags(doc, ingestID)
}

// recurseIntoFlags looks for an embedded "flags" section within a sensor
// document and feeds each entry to AddFlags, attaching it to the sensor
// that carried it.
func (a *Accumulator) recurseIntoFlags(doc map[string]any, sensorIngestID string) {
	flags, ok := doc["flags"].([]any)
	if !ok {
		return
	}
	for _, raw := range flags {
		flagDoc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := a.AddFlags(flagDoc, sensorIngestID); err != nil {
			a.logger.Warn("dropping flag document", "sensor_ingest_id", sensorIngestID, "error", err)
		}
	}
}

// AddFlags normalizes one flag document attached to a sensor.
func (a *Accumulator) AddFlags(doc map[string]any, sensorIngestID string) error {
	mapped, metadata := applyAliasTable(doc, flagFieldAliases)

	ingestID, _ := stringField(mapped, "ingest_id")
	if ingestID == "" {
		ingestID = sensorIngestID
	}

	from, fromOK := timestampField(mapped, "datetime_from")
	to, toOK := timestampField(mapped, "datetime_to")
	if !fromOK {
		return fmt.Errorf("flag %q missing datetime_from", ingestID)
	}
	if !toOK {
		to = from
	}

	note, _ := stringField(mapped, "note")

	a.flags = append(a.flags, Flag{
		IngestID:       ingestID,
		SensorIngestID: sensorIngestID,
		DatetimeFrom:   from,
		DatetimeTo:     to,
		Note:           note,
		Metadata:       metadata,
		FetchlogsID:    a.fetchlogsID,
	})
	return nil
}

// AddMeasurement normalizes a measurement input, which may be a
// payload.CSVRow, a list-shaped record, or a dict-shaped JSON record.
// Malformed or incomplete inputs are dropped; a single bad measurement
// never aborts its file.
func (a *Accumulator) AddMeasurement(input any) {
	var ingestID, value, rawDatetime, sourceNameField, measurandField string
	var lat, lon *float64

	switch m := input.(type) {
	case payload.CSVRow:
		ingestID, value, rawDatetime = m.IngestID, m.Value, m.Datetime
		if m.HasLatLon {
			if f, err := strconv.ParseFloat(m.Lat, 64); err == nil {
				lat = &f
			}
			if f, err := strconv.ParseFloat(m.Lon, 64); err == nil {
				lon = &f
			}
		}
	case []any:
		if len(m) < 3 {
			a.logger.Warn("dropping measurement: list shorter than 3 elements")
			return
		}
		ingestID = toStr(m[0])
		value = toStr(m[1])
		rawDatetime = toStr(m[2])
		if len(m) >= 5 {
			if f, ok := toFloat(m[3]); ok {
				lat = &f
			}
			if f, ok := toFloat(m[4]); ok {
				lon = &f
			}
		}
	case map[string]any:
		mapped, _ := applyAliasTable(m, measurementFieldAliases)
		ingestID, _ = stringField(mapped, "ingest_id")
		value, _ = stringField(mapped, "value")
		rawDatetime, _ = stringField(mapped, "datetime")
		sourceNameField, _ = stringField(mapped, "source_name")
		measurandField, _ = stringField(mapped, "measurand")
		if ingestID == "" && sourceNameField != "" {
			if locationField, ok := stringField(mapped, "source_id"); ok && measurandField != "" {
				ingestID = sourceNameField + "-" + locationField + "-" + measurandField
			}
		}
		if g := extractGeometry(m); g != nil {
			latCopy, lonCopy := g.Lat, g.Lon
			lat, lon = &latCopy, &lonCopy
		}
	default:
		a.logger.Warn("dropping measurement: unrecognized input shape")
		return
	}

	if ingestID == "" {
		a.logger.Warn("dropping measurement: missing ingest_id")
		return
	}

	sourceName, sourceID, measurand, ok := ingestid.Split(ingestID)
	if !ok {
		a.logger.Warn("dropping measurement: ingest_id has fewer than 3 tokens", "ingest_id", ingestID)
		return
	}

	dt, err := ingestid.ParseTimestamp(rawDatetime)
	if err != nil {
		a.logger.Warn("dropping measurement: bad timestamp", "ingest_id", ingestID, "error", err)
		return
	}

	if sourceName == "" || sourceID == "" || measurand == "" {
		a.logger.Warn("dropping measurement: missing derived field", "ingest_id", ingestID)
		return
	}

	a.measurements = append(a.measurements, Measurement{
		IngestID:    ingestID,
		SourceName:  sourceName,
		SourceID:    sourceID,
		Measurand:   measurand,
		Value:       value,
		Datetime:    dt,
		Lon:         lon,
		Lat:         lat,
		FetchlogsID: a.fetchlogsID,
	})
}

// applyAliasTable maps doc's keys through table, returning the mapped
// canonical fields and a metadata map of everything not recognized.
// Geometry-transform entries are intentionally not copied into mapped here:
// extractGeometry reads lat/lon directly from the containing document.
func applyAliasTable(doc map[string]any, table map[string]fieldMapping) (mapped map[string]any, metadata map[string]any) {
	mapped = make(map[string]any)
	metadata = make(map[string]any)

	for key, val := range doc {
		mapping, known := table[key]
		if !known {
			metadata[key] = val
			continue
		}
		switch mapping.transform {
		case transformGeometry:
			// Handled by extractGeometry against the raw document.
			continue
		case transformTimestamp:
			mapped[mapping.target] = toStr(val)
		case transformSensorID, transformNodeID, transformIdentity:
			mapped[mapping.target] = val
		}
	}
	return mapped, metadata
}

// stripPrefix returns a copy of doc with prefix stripped from every key
// that carries it, leaving other keys untouched.
func stripPrefix(doc map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	return toStr(v), true
}

func boolField(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func timestampField(m map[string]any, key string) (time.Time, bool) {
	raw, ok := stringField(m, key)
	if !ok {
		return time.Time{}, false
	}
	t, err := ingestid.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toStr(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
