package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source identifiers. They double as the cache namespace of each source.
const (
	SourceOfficial = "api"
	SourceWeb      = "web"
	SourceModbus   = "modbus"
	SourcePrice    = "price"
)

// Measurement names written by the normalizers.
const (
	MeasurementOfficial = "solaredge_api"
	MeasurementWeb      = "solaredge_web"
	MeasurementModbus   = "solaredge_modbus"
	MeasurementPrice    = "market_price"
)

// RawDataPoint is a single datum as delivered by a collector, before category,
// unit and scale resolution.
type RawDataPoint struct {
	Source     string `json:"source"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Endpoint   string `json:"endpoint"`
	Name       string `json:"name"`
	Value      any    `json:"value"`
	Unit       string `json:"unit,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Category   string `json:"category,omitempty"`

	// Serial and Model are device id hints for sources that do not report
	// a stable id.
	Serial string `json:"serial,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Tag is a single key/value pair of a point's tag set.
type Tag struct {
	Key   string
	Value string
}

// TimeSeriesPoint is one stored row: a measurement, an ordered tag set and a
// single field.
type TimeSeriesPoint struct {
	Measurement string
	Tags        []Tag
	Field       string
	Value       any
	Timestamp   int64 // unix nanoseconds
}

// Valid reports whether the point may be handed to storage.
func (p TimeSeriesPoint) Valid() bool {
	if p.Value == nil || p.Timestamp <= 0 || p.Measurement == "" || p.Field == "" {
		return false
	}
	if f, ok := p.Value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return false
	}
	return true
}

// Tag returns the value of the tag with the given key.
func (p TimeSeriesPoint) Tag(key string) (string, bool) {
	for _, t := range p.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// TagMap returns the tag set as a map.
func (p TimeSeriesPoint) TagMap() map[string]string {
	m := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		m[t.Key] = t.Value
	}
	return m
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper      = strings.NewReplacer(`"`, `\"`, `\`, `\\`)
)

// LineProtocol renders the point as an InfluxDB line protocol row.
func (p TimeSeriesPoint) LineProtocol() string {
	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(p.Measurement))
	for _, t := range p.Tags {
		if t.Value == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(keyEscaper.Replace(t.Key))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(t.Value))
	}
	b.WriteByte(' ')
	b.WriteString(keyEscaper.Replace(p.Field))
	b.WriteByte('=')
	b.WriteString(formatFieldValue(p.Value))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return b.String()
}

func formatFieldValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val) + "i"
	case int64:
		return strconv.FormatInt(val, 10) + "i"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return `"` + stringEscaper.Replace(val) + `"`
	default:
		return `"` + stringEscaper.Replace(fmt.Sprint(val)) + `"`
	}
}

// BucketRoute maps measurements starting with Prefix to a storage bucket.
// A zero Retention keeps data forever.
type BucketRoute struct {
	Prefix    string
	Bucket    string
	Retention time.Duration
}
