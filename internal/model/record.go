package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProjectRecord is one submitted form instance. Records are immutable
// once created.
type ProjectRecord struct {
	// ID is generated on the device and doubles as the idempotency key of
	// the remote insert.
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Data      map[string]Value `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
	CreatedBy string           `json:"createdBy"`
}

// Place is a structured location answer.
type Place struct {
	Province string `json:"province"`
	District string `json:"district,omitempty"`
}

// Value is a submitted answer tagged with the type of the field it was
// captured for. On the wire every value is a single string.
type Value struct {
	Type  FieldType
	Text  string
	Place *Place
}

// TextValue returns a value for text-like field types.
func TextValue(t FieldType, s string) Value {
	return Value{Type: t, Text: s}
}

// PlaceValue returns a structured location value.
func PlaceValue(province, district string) Value {
	return Value{Type: FieldLocation, Place: &Place{Province: province, District: district}}
}

// Empty reports whether the value carries no answer.
func (v Value) Empty() bool {
	if v.Place != nil {
		return v.Place.Province == "" && v.Place.District == ""
	}
	return v.Text == ""
}

// Encode returns the string form stored remotely. Structured locations
// are encoded as a JSON object.
func (v Value) Encode() string {
	if v.Type == FieldLocation && v.Place != nil {
		data, err := json.Marshal(v.Place)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return v.Text
}

// DecodeValue parses the wire form of a value captured for a field of
// type t. Location strings that are not a JSON place are manual text.
func DecodeValue(t FieldType, raw string) Value {
	if t == FieldLocation && len(raw) > 0 && raw[0] == '{' {
		var p Place
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return Value{Type: t, Place: &p}
		}
	}
	return Value{Type: t, Text: raw}
}

type wireValue struct {
	Type  FieldType `json:"type"`
	Value string    `json:"value"`
}

// MarshalJSON encodes the value together with its type tag so local
// copies can be decoded without the project schema.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: v.Type, Value: v.Encode()})
}

// UnmarshalJSON accepts the tagged form written by MarshalJSON, and a bare
// string for data written by older clients. Either form without a type
// decodes as text.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err == nil {
		if w.Type == "" {
			w.Type = FieldText
		}
		*v = DecodeValue(w.Type, w.Value)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding record value: %w", err)
	}
	*v = Value{Type: FieldText, Text: s}
	return nil
}

// EncodeData converts record data to its string wire form.
func EncodeData(data map[string]Value) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v.Encode()
	}
	return out
}

// DecodeData converts string wire data back to typed values using the
// project's fields. Keys without a matching field decode as text.
func DecodeData(p Project, data map[string]string) map[string]Value {
	out := make(map[string]Value, len(data))
	for k, raw := range data {
		t := FieldText
		if f, ok := p.Field(k); ok {
			t = f.Type
		}
		out[k] = DecodeValue(t, raw)
	}
	return out
}
