package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"worklog/internal/domain"
)

const docTypeField = "docType"

// Constraint is one field equality filter. Value is a JSON scalar as decoded
// with number preservation: string, json.Number, bool or nil.
type Constraint struct {
	Field string
	Value any
}

// Selector is a parsed document selector: a mandatory docType plus equality
// constraints sorted by field name.
type Selector struct {
	DocType     string
	Constraints []Constraint
}

// NewSelector builds a selector from already-typed constraint values. Values
// must be scalars accepted by ParseSelector.
func NewSelector(docType string, fields map[string]any) (Selector, error) {
	if docType == "" {
		return Selector{}, fmt.Errorf("%w: docType is required", ErrInvalidSelector)
	}
	sel := Selector{DocType: docType}
	for name, v := range fields {
		if name == docTypeField {
			continue
		}
		if !isScalar(v) {
			return Selector{}, fmt.Errorf("%w: field %q must be a scalar", ErrInvalidSelector, name)
		}
		sel.Constraints = append(sel.Constraints, Constraint{Field: name, Value: v})
	}
	sel.sortConstraints()
	return sel, nil
}

// ParseSelector accepts either the Mango form {"selector": {...}} or a bare
// selector object. Members other than docType become equality constraints.
func ParseSelector(text []byte) (Selector, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(text, &top); err != nil || top == nil {
		return Selector{}, fmt.Errorf("%w: selector must be a JSON object", ErrInvalidSelector)
	}
	body := top
	if raw, ok := top["selector"]; ok {
		body = nil
		if err := json.Unmarshal(raw, &body); err != nil || body == nil {
			return Selector{}, fmt.Errorf("%w: selector member must be an object", ErrInvalidSelector)
		}
	}

	rawDocType, ok := body[docTypeField]
	if !ok {
		return Selector{}, fmt.Errorf("%w: docType is required", ErrInvalidSelector)
	}
	var docType string
	if err := json.Unmarshal(rawDocType, &docType); err != nil || docType == "" {
		return Selector{}, fmt.Errorf("%w: docType must be a non-empty string", ErrInvalidSelector)
	}

	sel := Selector{DocType: docType}
	for name, raw := range body {
		if name == docTypeField {
			continue
		}
		v, err := domain.DecodeValue(raw)
		if err != nil || !isScalar(v) {
			return Selector{}, fmt.Errorf("%w: field %q must be a JSON scalar", ErrInvalidSelector, name)
		}
		sel.Constraints = append(sel.Constraints, Constraint{Field: name, Value: v})
	}
	sel.sortConstraints()
	return sel, nil
}

// DocTypeOnly reports whether the selector matches every history entry.
func (s Selector) DocTypeOnly() bool {
	return len(s.Constraints) == 0
}

// MarshalJSON renders the selector in Mango form.
func (s Selector) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(s.Constraints)+1)
	for _, c := range s.Constraints {
		body[c.Field] = c.Value
	}
	body[docTypeField] = s.DocType
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{"selector": body}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (s *Selector) sortConstraints() {
	sort.Slice(s.Constraints, func(i, j int) bool {
		return s.Constraints[i].Field < s.Constraints[j].Field
	})
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return true
	}
	return false
}
