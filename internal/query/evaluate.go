package query

import (
	"encoding/json"
	"math/big"

	"worklog/internal/domain"
	"worklog/internal/ledger"
)

// Result is one matching history entry. Record holds the decoded value, or
// the raw text when the stored bytes are not valid JSON.
type Result struct {
	Key    string `json:"Key"`
	Record any    `json:"Record"`
}

// Evaluate decides whether a history entry satisfies sel and builds its
// result. Undecodable values never fail the query.
func Evaluate(sel Selector, entry ledger.KeyModification) (Result, bool) {
	res, ok, _ := evaluate(sel, entry)
	return res, ok
}

// evaluate also reports the decode error, if any, so the engine can count it.
func evaluate(sel Selector, entry ledger.KeyModification) (Result, bool, error) {
	res := Result{Key: entry.Key}
	decoded, decodeErr := domain.DecodeValue(entry.Value)
	if decodeErr != nil {
		res.Record = string(entry.Value)
	} else {
		res.Record = decoded
	}
	if sel.DocTypeOnly() {
		return res, true, decodeErr
	}
	rec, isRecord := res.Record.(domain.Record)
	if !isRecord {
		return res, false, decodeErr
	}
	for _, c := range sel.Constraints {
		got, present := rec.Lookup(c.Field)
		if !present || !scalarEqual(c.Value, got) {
			return res, false, decodeErr
		}
	}
	return res, true, decodeErr
}

// scalarEqual compares without type coercion. Numbers compare by value, so
// 10 and 10.0 are equal while 10 and "10" are not.
func scalarEqual(want, got any) bool {
	switch w := want.(type) {
	case nil:
		return got == nil
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case json.Number:
		g, ok := got.(json.Number)
		return ok && numberEqual(w, g)
	}
	return false
}

func numberEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, ok := new(big.Rat).SetString(a.String())
	if !ok {
		return false
	}
	y, ok := new(big.Rat).SetString(b.String())
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}
