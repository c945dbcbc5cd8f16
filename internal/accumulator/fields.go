package accumulator

// transformVariant is the closed set of field transforms a translation table
// entry may apply. Modeling this as an enum keeps field mapping a static,
// exhaustively-switched table rather than a registry of per-field callables.
type transformVariant int

const (
	transformIdentity transformVariant = iota
	transformGeometry
	transformTimestamp
	transformSensorID
	transformNodeID
)

// fieldMapping is one entry of a field-translation table: an alias maps to
// a canonical target field name and the transform to apply to its value.
type fieldMapping struct {
	target    string
	transform transformVariant
}

// nodeFieldAliases maps every recognized alias for a node document's fields
// to its canonical target and transform. Fields not present in this table
// fall through to metadata.
var nodeFieldAliases = map[string]fieldMapping{
	"ingest_id":        {"ingest_id", transformIdentity},
	"location":         {"ingest_id", transformIdentity},
	"sensor_node_id":   {"ingest_id", transformIdentity},
	"key":              {"ingest_id", transformIdentity},
	"label":            {"site_name", transformIdentity},
	"site_name":        {"site_name", transformIdentity},
	"source_name":      {"source_name", transformIdentity},
	"ismobile":         {"ismobile", transformIdentity},
	"is_mobile":        {"ismobile", transformIdentity},
	"coordinates":      {"geom", transformGeometry},
	"geometry":         {"geom", transformGeometry},
	"lat":              {"geom", transformGeometry},
	"lon":              {"geom", transformGeometry},
	"latitude":         {"geom", transformGeometry},
	"longitude":        {"geom", transformGeometry},
	"matching_method":  {"matching_method", transformIdentity},
}

// systemFieldAliases maps a system document's fields. "sensor_system_"
// prefixed keys are stripped before this table is consulted, so providers
// that flatten nested sections into prefixed keys still resolve.
var systemFieldAliases = map[string]fieldMapping{
	"ingest_id":            {"ingest_id", transformIdentity},
	"system_id":            {"ingest_id", transformIdentity},
	"instrument_ingest_id": {"instrument_ingest_id", transformIdentity},
	"manufacturer_name":    {"instrument_ingest_id", transformIdentity},
}

var sensorFieldAliases = map[string]fieldMapping{
	"ingest_id":                  {"ingest_id", transformIdentity},
	"sensor_id":                  {"ingest_id", transformIdentity},
	"measurand":                  {"measurand", transformIdentity},
	"parameter":                  {"measurand", transformIdentity},
	"units":                      {"units", transformIdentity},
	"unit":                       {"units", transformIdentity},
	"status":                     {"status", transformIdentity},
	"interval_seconds":           {"logging_interval_seconds", transformIdentity},
	"logging_interval_seconds":   {"logging_interval_seconds", transformIdentity},
	"averaging_interval_seconds": {"averaging_interval_seconds", transformIdentity},
}

var flagFieldAliases = map[string]fieldMapping{
	"ingest_id":        {"ingest_id", transformIdentity},
	"sensor_ingest_id": {"sensor_ingest_id", transformSensorID},
	"datetime_from":    {"datetime_from", transformTimestamp},
	"datetime_to":      {"datetime_to", transformTimestamp},
	"note":             {"note", transformIdentity},
}

// measurementFieldAliases maps a dict-shaped measurement document's fields.
var measurementFieldAliases = map[string]fieldMapping{
	"ingest_id":  {"ingest_id", transformIdentity},
	"sensor_id":  {"ingest_id", transformSensorID},
	"value":      {"value", transformIdentity},
	"datetime":   {"datetime", transformTimestamp},
	"time":       {"datetime", transformTimestamp},
	"lat":        {"lat", transformGeometry},
	"lon":        {"lon", transformGeometry},
	"latitude":   {"lat", transformGeometry},
	"longitude":  {"lon", transformGeometry},
	"sourceName": {"source_name", transformIdentity},
	"location":   {"source_id", transformIdentity},
	"parameter":  {"measurand", transformIdentity},
}
