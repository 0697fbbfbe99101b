package crypto

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanonicalizeOrdersAndStripsNulls(t *testing.T) {
	input := map[string]any{
		"submission_id": "SUP-20261001-ABCDEF12",
		"assessment": map[string]any{
			"outcome": "eligible",
			"notes":   nil,
		},
		"notes":    nil,
		"sequence": 3,
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := `{"assessment":{"outcome":"eligible"},"sequence":3,"submission_id":"SUP-20261001-ABCDEF12"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeRejectsFloat(t *testing.T) {
	if _, err := Canonicalize(map[string]any{"days": 1.5}); err != ErrFloatNotAllowed {
		t.Fatalf("expected ErrFloatNotAllowed, got %v", err)
	}
	if _, err := Canonicalize(json.Number("1.25")); err != ErrFloatNotAllowed {
		t.Fatalf("expected ErrFloatNotAllowed for json.Number, got %v", err)
	}

	got, err := Canonicalize(json.Number("42"))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "42" {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}

func TestCanonicalizeNormalizesNFC(t *testing.T) {
	got, err := Canonicalize(map[string]any{"justification": "Cafe\u0301 donation"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := "{\"justification\":\"Caf\u00e9 donation\"}"
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeMapKeyErrors(t *testing.T) {
	collision := map[string]any{"e\u0301": 1, "\u00e9": 2}
	if _, err := Canonicalize(collision); err != ErrKeyCollision {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}

	if _, err := Canonicalize(map[int]any{1: "a"}); err != ErrNonStringMapKey {
		t.Fatalf("expected ErrNonStringMapKey, got %v", err)
	}
}

func TestCanonicalizeRejectsStructs(t *testing.T) {
	type payload struct{ A int }
	if _, err := Canonicalize(payload{A: 1}); err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestCanonicalizeTimesAsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 10, 1, 14, 30, 0, 500, loc)

	got, err := Canonicalize(map[string]any{"decided_at": at, "ptr": &at})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := `{"decided_at":"2026-10-01T12:30:00.0000005Z","ptr":"2026-10-01T12:30:00.0000005Z"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeSlices(t *testing.T) {
	got, err := Canonicalize([]any{1, nil, "a"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `[1,null,"a"]` {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	var nilSlice []string
	got, err = Canonicalize(nilSlice)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "null" {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}

func TestCanonicalDigestStable(t *testing.T) {
	a := map[string]any{"x": 1, "y": []string{"b", "a"}}
	b := map[string]any{"y": []string{"b", "a"}, "x": 1}

	da, _, err := CanonicalDigest(a)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	db, _, err := CanonicalDigest(b)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if da != db {
		t.Fatalf("expected equal digests, got %s and %s", da, db)
	}
	if _, err := DecodeDigest(da); err != nil {
		t.Fatalf("digest should decode: %v", err)
	}
}
