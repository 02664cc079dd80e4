package utils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// timestampLayouts are tried in order for string timestamps. Layouts without
// a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp converts a document timestamp into UTC. Nil and unsupported
// types yield (nil, nil); strings that match no ISO-8601 layout yield an error.
func ParseTimestamp(val interface{}) (*time.Time, error) {
	var t time.Time
	switch v := val.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t = *v
	case primitive.DateTime:
		t = v.Time()
	case primitive.Timestamp:
		t = time.Unix(int64(v.T), 0)
	case string:
		parsed, err := parseISO(v)
		if err != nil {
			return nil, err
		}
		t = parsed
	case []byte:
		return ParseTimestamp(string(v))
	default:
		return nil, nil
	}
	t = t.UTC()
	return &t, nil
}

func parseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "Z"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}

// AsMap returns v as a plain map when it is any kind of document.
func AsMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case primitive.M:
		return map[string]interface{}(m), true
	case primitive.D:
		return m.Map(), true
	default:
		return nil, false
	}
}

// AsSlice returns v as a plain slice when it is any kind of array.
func AsSlice(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case []interface{}:
		return a, true
	case primitive.A:
		return []interface{}(a), true
	case []map[string]interface{}:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []string:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	default:
		return nil, false
	}
}

// Plain rewrites BSON-specific values into types encoding/json renders
// predictably (maps, slices, strings).
func Plain(v interface{}) interface{} {
	if m, ok := AsMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = Plain(val)
		}
		return out
	}
	if a, ok := AsSlice(v); ok {
		out := make([]interface{}, len(a))
		for i, val := range a {
			out[i] = Plain(val)
		}
		return out
	}
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case primitive.Decimal128:
		return x.String()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC().Format(time.RFC3339Nano)
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

// ToJSON serializes v after Plain. Values encoding/json rejects fall back to
// their fmt representation, quoted.
func ToJSON(v interface{}) string {
	b, err := json.Marshal(Plain(v))
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return string(b)
}

// Stringify renders a scalar or composite document value as text.
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case primitive.ObjectID:
		return x.Hex()
	case time.Time, primitive.DateTime:
		return Plain(x).(string)
	}
	if _, ok := AsMap(v); ok {
		return ToJSON(v)
	}
	if _, ok := AsSlice(v); ok {
		return ToJSON(v)
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// OptionalString is Stringify for nullable fields: nil stays nil.
func OptionalString(v interface{}) *string {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return nil
	}
	s := Stringify(v)
	return &s
}
