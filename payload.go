package entitykit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Payload is a dictionary produced by a remote service: string keys,
// heterogeneous values, possibly nested. No wire schema is imposed; entity
// types consume it through RemoteIDKey and Unpack.
type Payload map[string]any

// Get resolves a dot-separated key path into the payload. It reports false
// when any step of the path is absent or not a nested map.
func (p Payload) Get(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, key := range strings.Split(path, ".") {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Time resolves a key path and parses its value as a date.
func (p Payload) Time(path string) (time.Time, bool) {
	v, ok := p.Get(path)
	if !ok {
		return time.Time{}, false
	}
	return ParseDate(v)
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return m, true
	default:
		return nil, false
	}
}

// PayloadFromJSON decodes a JSON object document into a Payload. Non-object
// documents and malformed input are rejected.
func PayloadFromJSON(data []byte) (Payload, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("payload from json: malformed document")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("payload from json: document is not an object")
	}
	m, _ := doc.Value().(map[string]any)
	return Payload(m), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate interprets v as a date: a time.Time passes through, strings are
// tried as ISO-8601 variants and then as a numeric epoch, and numbers are
// epoch seconds (with fractional part preserved). Anything else reports
// ok=false; unparseable input degrades, it never panics or errors.
func ParseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, d); err == nil {
				return ts, true
			}
		}
		if sec, err := strconv.ParseFloat(d, 64); err == nil {
			return epochToTime(sec), true
		}
		return time.Time{}, false
	case json.Number:
		sec, err := d.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochToTime(sec), true
	case float64:
		return epochToTime(d), true
	case float32:
		return epochToTime(float64(d)), true
	case int:
		return time.Unix(int64(d), 0).UTC(), true
	case int32:
		return time.Unix(int64(d), 0).UTC(), true
	case int64:
		return time.Unix(d, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func epochToTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}
