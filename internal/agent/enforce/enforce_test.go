package enforce

import (
	"errors"
	"testing"
)

func TestObjectDirectParse(t *testing.T) {
	obj, err := Object(`{"pattern": "curiosity gap", "confidence": 0.8}`, Options{})
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["pattern"] != "curiosity gap" || obj["confidence"] != 0.8 {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestObjectExtractsFromProse(t *testing.T) {
	raw := "Here is my analysis:\n\n```json\n{\"pattern\": \"list format\", \"confidence\": 0.7}\n```\nLet me know if you need more."
	obj, err := Object(raw, Options{})
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["pattern"] != "list format" {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestObjectPicksLargestRegion(t *testing.T) {
	raw := `the small {"a": 1} one loses to {"pattern": "x", "evidence": ["v1", "v2"]}`
	obj, err := Object(raw, Options{})
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["pattern"] != "x" {
		t.Fatalf("expected the larger region, got %+v", obj)
	}
}

func TestExtractJSONIgnoresBracesInStrings(t *testing.T) {
	raw := `prefix {"note": "unbalanced } inside", "ok": true} suffix`
	region := ExtractJSON(raw)
	if region != `{"note": "unbalanced } inside", "ok": true}` {
		t.Fatalf("wrong region: %q", region)
	}
}

func TestExtractJSONNoRegion(t *testing.T) {
	if region := ExtractJSON("no structure here at all"); region != "" {
		t.Fatalf("expected empty, got %q", region)
	}
	if region := ExtractJSON(`{"never": "closed"`); region != "" {
		t.Fatalf("unbalanced region must not match, got %q", region)
	}
}

func TestCoerceAliasesAndDefaults(t *testing.T) {
	opts := Options{
		Aliases: map[string]string{
			"pattern_statement": "pattern",
			"conf":              "confidence",
			"confidence_score":  "confidence",
			"evidence_list":     "evidence",
			"recs":              "recommendations",
		},
		Defaults: map[string]interface{}{"recommendations": []interface{}{}},
		Required: []string{"pattern", "confidence"},
	}

	obj, err := Object(`{"pattern_statement": "thumbnail contrast", "conf": 0.65, "evidence_list": ["v1"]}`, opts)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["pattern"] != "thumbnail contrast" {
		t.Fatalf("alias remap failed: %+v", obj)
	}
	if obj["confidence"] != 0.65 {
		t.Fatalf("conf alias failed: %+v", obj)
	}
	if _, ok := obj["pattern_statement"]; ok {
		t.Fatalf("alias source must not survive remapping: %+v", obj)
	}
	if recs, ok := obj["recommendations"].([]interface{}); !ok || len(recs) != 0 {
		t.Fatalf("default not applied: %+v", obj)
	}
}

func TestCoerceCanonicalWinsOverAlias(t *testing.T) {
	opts := Options{Aliases: map[string]string{"conf": "confidence"}}
	obj, err := Coerce(map[string]interface{}{"confidence": 0.9, "conf": 0.1}, opts)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if obj["confidence"] != 0.9 {
		t.Fatalf("canonical field must win: %+v", obj)
	}
}

func TestCoerceStringNumbers(t *testing.T) {
	opts := Options{NumberFields: []string{"confidence"}}
	obj, err := Object(`{"pattern": "x", "confidence": "0.75"}`, opts)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["confidence"] != 0.75 {
		t.Fatalf("string number not coerced: %+v", obj)
	}

	obj, err = Object(`{"confidence": "very high"}`, opts)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj["confidence"] != "very high" {
		t.Fatalf("unparseable strings must pass through untouched: %+v", obj)
	}
}

func TestObjectMissingRequired(t *testing.T) {
	_, err := Object(`{"pattern": "x"}`, Options{Required: []string{"pattern", "confidence"}})
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestObjectUnparseable(t *testing.T) {
	_, err := Object("I could not determine a pattern.", Options{})
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
