// Package ingestid implements the canonical ingest-id fingerprint rules,
// unit canonicalization, and timestamp parsing shared by the accumulator.
package ingestid

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Split breaks a canonical ingest_id of the form SOURCE-LOCATION-PARAM into
// its three parts. The first token is always the source; the last token is
// always the parameter; everything in between is rejoined with "-" to form
// the location/source-id, so multi-token location identifiers (e.g. UUIDs
// containing hyphens) survive intact.
//
// Split requires at least 3 tokens. Use SplitNode for the 2-part node form.
func Split(ingestID string) (source, sourceID, param string, ok bool) {
	tokens := strings.Split(ingestID, "-")
	if len(tokens) < 3 {
		return "", "", "", false
	}
	source = tokens[0]
	param = tokens[len(tokens)-1]
	sourceID = strings.Join(tokens[1:len(tokens)-1], "-")
	return source, sourceID, param, true
}

// SplitNode splits the leading SOURCE-LOCATION portion used by node
// ingest-ids, which carry only two logical parts (no parameter).
func SplitNode(ingestID string) (source, sourceID string, ok bool) {
	tokens := strings.Split(ingestID, "-")
	if len(tokens) < 2 {
		return "", "", false
	}
	source = tokens[0]
	sourceID = strings.Join(tokens[1:], "-")
	return source, sourceID, true
}

// canonicalMicrogramsPerCubicMeter is the single accepted spelling of the
// µg/m³ unit, using U+00B5 MICRO SIGN and the superscript 3.
const canonicalMicrogramsPerCubicMeter = "µg/m³"

// unitAliases maps every observed spelling variant of µg/m³ (differing by
// which Unicode code point represents "micro" and whether the cube is a
// superscript or a literal "3") to the canonical spelling.
var unitAliases = map[string]string{
	"μg/m3":  canonicalMicrogramsPerCubicMeter, // U+03BC GREEK SMALL LETTER MU
	"µg/m3":  canonicalMicrogramsPerCubicMeter, // U+00B5 MICRO SIGN
	"μg/m³":  canonicalMicrogramsPerCubicMeter,
	"µg/m³":  canonicalMicrogramsPerCubicMeter,
	"ug/m3":  canonicalMicrogramsPerCubicMeter,
	"ug/m^3": canonicalMicrogramsPerCubicMeter,
}

// CanonicalizeUnit rewrites known unit spelling variants to their canonical
// form. Units with no known alias are returned unchanged.
func CanonicalizeUnit(unit string) string {
	if canonical, ok := unitAliases[unit]; ok {
		return canonical
	}
	return unit
}

// ParseTimestamp accepts ISO-8601 with an explicit offset (including "Z"),
// or a numeric epoch string of exactly 10 digits (seconds) or 13 digits
// (milliseconds). Any other input, including bare free-form date strings or
// ISO-8601 without a zone, is rejected rather than guessed at: a timezone
// offset is never silently invented.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if isAllDigits(raw) {
		switch len(raw) {
		case 10:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse epoch seconds %q: %w", raw, err)
			}
			return time.Unix(n, 0).UTC(), nil
		case 13:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse epoch millis %q: %w", raw, err)
			}
			return time.UnixMilli(n).UTC(), nil
		default:
			return time.Time{}, fmt.Errorf("numeric timestamp %q is neither 10 nor 13 digits", raw)
		}
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601 with an explicit offset or a 10/13-digit epoch", raw)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
