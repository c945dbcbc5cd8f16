// Package accumulator normalizes heterogeneous parsed records into five
// staging sets (nodes, systems, sensors, flags, measurements), with dedup
// and derived keys, driven through an explicit per-file state machine.
package accumulator

import "time"

// Geometry is a WGS84 point. A geometry with both coordinates at (0, 0) is
// treated as absent per the data model invariant.
type Geometry struct {
	Lon float64
	Lat float64
}

// IsAbsent reports whether g represents the "no geometry" sentinel.
func (g Geometry) IsAbsent() bool { return g.Lon == 0 && g.Lat == 0 }

// Node is a staging row describing a monitoring location.
type Node struct {
	IngestID       string
	SiteName       string
	SourceName     string
	SourceID       string
	IsMobile       bool
	Geom           *Geometry
	MatchingMethod string
	Metadata       map[string]any
	FetchlogsID    int64
}

// System is a staging row describing a measurement system hosted by a node.
type System struct {
	IngestID           string
	NodeIngestID       string
	InstrumentIngestID string
	Metadata           map[string]any
	FetchlogsID        int64
}

// Sensor is a staging row describing one sensor within a system.
type Sensor struct {
	IngestID                 string
	SystemIngestID           string
	Measurand                string
	Units                    string
	Status                   string
	LoggingIntervalSeconds   int
	AveragingIntervalSeconds int
	Metadata                 map[string]any
	FetchlogsID              int64
}

// Flag is a staging row describing a validity annotation on a sensor.
type Flag struct {
	IngestID       string
	SensorIngestID string
	DatetimeFrom   time.Time
	DatetimeTo     time.Time
	Note           string
	Metadata       map[string]any
	FetchlogsID    int64
}

// Measurement is a staging row for a single timestamped observation. Value
// keeps its original lexical form (string, int, or float as received)
// rather than being parsed into a float, so nothing is lost before the
// staging boundary.
type Measurement struct {
	IngestID    string
	SourceName  string
	SourceID    string
	Measurand   string
	Value       string
	Datetime    time.Time
	Lon         *float64
	Lat         *float64
	FetchlogsID int64
}

// MatchingMethod enumerates the recognized node-to-sensor matching
// strategies carried in meta.matchingMethod.
type MatchingMethod string

const (
	MatchByIngestID   MatchingMethod = "ingest-id"
	MatchByLocationID MatchingMethod = "location-id"
	MatchBySensorID   MatchingMethod = "sensor-id"
)
