package bulkload

import (
	"aqingest/internal/accumulator"
)

// nodeSource adapts a []accumulator.Node to pgx.CopyFromSource.
type nodeSource struct {
	rows []accumulator.Node
	idx  int
}

func nodeCopySource(rows []accumulator.Node) *nodeSource { return &nodeSource{rows: rows, idx: -1} }

func (s *nodeSource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *nodeSource) Err() error { return nil }
func (s *nodeSource) Values() ([]any, error) {
	n := s.rows[s.idx]
	var lon, lat any
	if n.Geom != nil {
		lon, lat = n.Geom.Lon, n.Geom.Lat
	}
	return []any{n.IngestID, n.SiteName, n.SourceName, n.SourceID, n.IsMobile, lon, lat, n.MatchingMethod, marshalMetadata(n.Metadata), n.FetchlogsID}, nil
}

type systemSource struct {
	rows []accumulator.System
	idx  int
}

func systemCopySource(rows []accumulator.System) *systemSource {
	return &systemSource{rows: rows, idx: -1}
}

func (s *systemSource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *systemSource) Err() error { return nil }
func (s *systemSource) Values() ([]any, error) {
	sys := s.rows[s.idx]
	return []any{sys.IngestID, sys.NodeIngestID, sys.InstrumentIngestID, marshalMetadata(sys.Metadata), sys.FetchlogsID}, nil
}

type sensorSource struct {
	rows []accumulator.Sensor
	idx  int
}

func sensorCopySource(rows []accumulator.Sensor) *sensorSource {
	return &sensorSource{rows: rows, idx: -1}
}

func (s *sensorSource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *sensorSource) Err() error { return nil }
func (s *sensorSource) Values() ([]any, error) {
	sn := s.rows[s.idx]
	return []any{sn.IngestID, sn.SystemIngestID, sn.Measurand, sn.Units, sn.Status, sn.LoggingIntervalSeconds, sn.AveragingIntervalSeconds, marshalMetadata(sn.Metadata), sn.FetchlogsID}, nil
}

type flagSource struct {
	rows []accumulator.Flag
	idx  int
}

func flagCopySource(rows []accumulator.Flag) *flagSource { return &flagSource{rows: rows, idx: -1} }

func (s *flagSource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *flagSource) Err() error { return nil }
func (s *flagSource) Values() ([]any, error) {
	f := s.rows[s.idx]
	return []any{f.IngestID, f.SensorIngestID, f.DatetimeFrom, f.DatetimeTo, f.Note, marshalMetadata(f.Metadata), f.FetchlogsID}, nil
}

type keySource struct {
	rows []accumulator.KeyRecord
	idx  int
}

func keyCopySource(rows []accumulator.KeyRecord) *keySource { return &keySource{rows: rows, idx: -1} }

func (s *keySource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *keySource) Err() error { return nil }
func (s *keySource) Values() ([]any, error) {
	k := s.rows[s.idx]
	return []any{k.Key, k.LastModified, k.FetchlogsID}, nil
}

type measurementSource struct {
	rows []accumulator.Measurement
	idx  int
}

func measurementCopySource(rows []accumulator.Measurement) *measurementSource {
	return &measurementSource{rows: rows, idx: -1}
}

func (s *measurementSource) Next() bool { s.idx++; return s.idx < len(s.rows) }
func (s *measurementSource) Err() error { return nil }
func (s *measurementSource) Values() ([]any, error) {
	m := s.rows[s.idx]
	var lon, lat any
	if m.Lon != nil {
		lon = *m.Lon
	}
	if m.Lat != nil {
		lat = *m.Lat
	}
	return []any{m.IngestID, m.SourceName, m.SourceID, m.Measurand, m.Value, m.Datetime, lon, lat, m.FetchlogsID}, nil
}
