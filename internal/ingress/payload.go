package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hemis-telemetry/internal/models"
)

// reserved keys of the flat device payload; every other numeric key is a metric
var recordKeys = map[string]struct{}{
	"device_id":    {},
	"timestamp":    {},
	"quality":      {},
	"is_simulated": {},
	"values":       {},
}

// DecodeRecord parses a device payload. Both shapes are accepted:
//
//	{"device_id": "D1", "heart_rate": 72, "spo2": 98, "temp_skin": 36.6}
//	{"device_id": "D1", "values": {"heart_rate": 72}, "timestamp": "..."}
//
// device_id may be a number, and metric values may be numeric strings, as
// microcontroller firmware sends them that way.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Record{}, models.NewValidationError(models.CodeInvalidPayload, "", "body is not a JSON object")
	}

	var rec Record
	rec.Values = map[string]float64{}

	if v, ok := raw["device_id"]; ok {
		id, err := scalarString(v)
		if err != nil {
			return Record{}, models.NewValidationError(models.CodeInvalidPayload, "device_id", err.Error())
		}
		rec.DeviceID = id
	}

	if v, ok := raw["timestamp"]; ok && v != nil {
		// an unusable device clock is not a reason to lose the sample;
		// ingress stamps it on arrival instead
		if ts, ok := parseTimestamp(v); ok {
			rec.Timestamp = ts
		}
	}

	if v, ok := raw["quality"].(string); ok {
		rec.Quality = models.Quality(v)
	}
	if v, ok := raw["is_simulated"].(bool); ok {
		rec.IsSimulated = v
	}

	if nested, ok := raw["values"].(map[string]any); ok {
		for k, v := range nested {
			f, err := scalarFloat(v)
			if err != nil {
				return Record{}, models.NewValidationError(models.CodeInvalidPayload, k, err.Error())
			}
			rec.Values[k] = f
		}
	}
	for k, v := range raw {
		if _, reserved := recordKeys[k]; reserved {
			continue
		}
		f, err := scalarFloat(v)
		if err != nil {
			// non-numeric extras (labels, firmware strings) are ignored
			continue
		}
		rec.Values[k] = f
	}

	if rec.DeviceID == "" {
		return Record{}, models.NewValidationError(models.CodeInvalidPayload, "device_id", "device_id is required")
	}
	return rec, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case json.Number:
		return val.String(), nil
	}
	return "", fmt.Errorf("expected string or number")
}

func scalarFloat(v any) (float64, error) {
	switch val := v.(type) {
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	}
	return 0, fmt.Errorf("expected a number")
}

// earliest wall-clock time a device can plausibly report; anything older is
// an uptime counter or an unsynchronised RTC
var minDeviceTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// zone-less layouts are read as UTC, which is what firmware synced with
// configTime(0, 0, ...) produces
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339, zone-less ISO 8601 and unix seconds or
// milliseconds. It reports false for anything unparseable or implausible.
func parseTimestamp(v any) (time.Time, bool) {
	var ts time.Time
	switch val := v.(type) {
	case string:
		val = strings.TrimSpace(val)
		parsed := false
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				ts, parsed = t, true
				break
			}
		}
		if !parsed {
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return time.Time{}, false
			}
			ts = unixTime(n)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			ts = unixTime(float64(n))
			break
		}
		n, err := val.Float64()
		if err != nil {
			return time.Time{}, false
		}
		ts = unixTime(n)
	default:
		return time.Time{}, false
	}

	if ts.Before(minDeviceTime) {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// unixTime reads n as seconds, or as milliseconds when it is too large to be
// seconds in this century.
func unixTime(n float64) time.Time {
	if n >= 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	secs := int64(n)
	return time.Unix(secs, int64((n-float64(secs))*float64(time.Second))).UTC()
}
