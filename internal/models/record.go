package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type Field struct {
	Name  string
	Value any
}

// Fields keeps record fields in the order the source produced them. It
// marshals to a JSON object with keys in that same order.
type Fields []Field

func (f Fields) Get(name string) (any, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

func (f Fields) String(name string) string {
	v, ok := f.Get(name)
	if !ok || v == nil {
		return ""
	}
	return ValueString(v)
}

func (f Fields) Map() map[string]any {
	m := make(map[string]any, len(f))
	for _, field := range f {
		m[field.Name] = field.Value
	}
	return m
}

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(field.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid fields json")
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("fields json is not an object")
	}
	out := Fields{}
	res.ForEach(func(key, value gjson.Result) bool {
		out = append(out, Field{Name: key.String(), Value: value.Value()})
		return true
	})
	*f = out
	return nil
}

// ValueString renders a field value for display and matching.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// RawRecord is one item fetched from a source, before classification.
// Key is the stable id used for dedup. Ref is an adapter-private handle
// (the IMAP UID for mailbox records) used by Acknowledge.
type RawRecord struct {
	Key        string
	Ref        uint32
	Fields     Fields
	ReceivedAt time.Time
}

// Text joins every field value, used for keyword matching.
func (r RawRecord) Text() string {
	parts := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		parts = append(parts, ValueString(f.Value))
	}
	return strings.Join(parts, " ")
}
