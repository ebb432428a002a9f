package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// WorklogTag prefixes every worklog store key. One key per profile holds the
// whole event stream for that profile.
const WorklogTag = "SW"

// WorklogKey derives the store key for a profile: tag and id, no separator.
func WorklogKey(profileID string) string {
	return WorklogTag + profileID
}

// Worklog is one self-worklog event as written to the ledger.
//
// Loosely typed producer fields (eventValue, coordinates, timestamp) are kept
// as raw JSON so they round-trip exactly. Fields this schema does not know
// about are preserved in Extra. JSON nulls are treated as absent.
type Worklog struct {
	ProfileID      string
	AssetType      *string
	AssetSubType   *string
	EventType      *string
	EventValue     json.RawMessage
	AssetReference *string
	Latitude       json.RawMessage
	Longitude      json.RawMessage
	RegulatoryZone *string
	Timestamp      json.RawMessage
	BCTimestamp    *int64

	Extra map[string]json.RawMessage
}

var errNotObject = errors.New("worklog must be a JSON object")

func (w *Worklog) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errNotObject
	}
	*w = Worklog{}
	for name, raw := range fields {
		if isNull(raw) {
			continue
		}
		var err error
		switch name {
		case "profileId":
			err = json.Unmarshal(raw, &w.ProfileID)
		case "assetType":
			w.AssetType, err = decodeString(raw)
		case "assetSubType":
			w.AssetSubType, err = decodeString(raw)
		case "eventType":
			w.EventType, err = decodeString(raw)
		case "eventValue":
			w.EventValue = clone(raw)
		case "assetReference":
			w.AssetReference, err = decodeString(raw)
		case "latitude":
			w.Latitude = clone(raw)
		case "longitude":
			w.Longitude = clone(raw)
		case "RegulatoryZone":
			w.RegulatoryZone, err = decodeString(raw)
		case "timestamp":
			w.Timestamp = clone(raw)
		case "BCTimestamp":
			var ts int64
			if err = json.Unmarshal(raw, &ts); err == nil {
				w.BCTimestamp = &ts
			}
		default:
			if w.Extra == nil {
				w.Extra = make(map[string]json.RawMessage)
			}
			w.Extra[name] = clone(raw)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return nil
}

// MarshalJSON emits the record with keys in sorted order so equal worklogs
// always serialize to identical bytes.
func (w Worklog) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(w.Extra)+11)
	for k, v := range w.Extra {
		out[k] = v
	}
	put := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = b
		return nil
	}
	if err := put("profileId", w.ProfileID); err != nil {
		return nil, err
	}
	strs := []struct {
		name string
		v    *string
	}{
		{"assetType", w.AssetType},
		{"assetSubType", w.AssetSubType},
		{"eventType", w.EventType},
		{"assetReference", w.AssetReference},
		{"RegulatoryZone", w.RegulatoryZone},
	}
	for _, s := range strs {
		if s.v == nil {
			continue
		}
		if err := put(s.name, *s.v); err != nil {
			return nil, err
		}
	}
	raws := []struct {
		name string
		v    json.RawMessage
	}{
		{"eventValue", w.EventValue},
		{"latitude", w.Latitude},
		{"longitude", w.Longitude},
		{"timestamp", w.Timestamp},
	}
	for _, r := range raws {
		if len(r.v) == 0 {
			continue
		}
		out[r.name] = r.v
	}
	if w.BCTimestamp != nil {
		if err := put("BCTimestamp", *w.BCTimestamp); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Record is the generic field view of one decoded ledger value. Numbers are
// kept as json.Number.
type Record map[string]any

// Lookup reports the value of a top-level field and whether it is present.
func (r Record) Lookup(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}

// DecodeValue decodes one stored value. JSON objects come back as Record,
// any other JSON value as its decoded form. Trailing data is an error.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	if m, ok := v.(map[string]any); ok {
		return Record(m), nil
	}
	return v, nil
}

func decodeString(raw json.RawMessage) (*string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func clone(raw json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), raw...)
}
