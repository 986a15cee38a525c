package internal

import (
	"fmt"
	"strings"
	"testing"
)

func TestStateMapValidate(t *testing.T) {
	valid := []StateMap{
		{},
		{"tempo": 128},
		{"tempo": float64(128.5), "muted": true, "preset": "warm-pad"},
		{"a": int64(9), "B_2-x": "ok"},
	}
	for _, m := range valid {
		if err := m.Validate(); err != nil {
			t.Errorf("Validate(%+v) returned error: %s", m, err)
		}
	}

	invalid := []StateMap{
		{"": 1},
		{"bad key": 1},
		{"naïve": 1},
		{strings.Repeat("k", 65): 1},
		{"tempo": nil},
		{"tempo": []any{1, 2}},
		{"tempo": map[string]any{"nested": true}},
	}
	for _, m := range invalid {
		if err := m.Validate(); err == nil {
			t.Errorf("Validate(%+v) did not return an error", m)
		}
	}

	big := make(StateMap, MaxStateFields+1)
	for i := 0; i <= MaxStateFields; i++ {
		big[fmt.Sprintf("field_%d", i)] = i
	}
	if err := big.Validate(); err == nil {
		t.Errorf("Validate accepted %d fields", len(big))
	}
}

func TestStateMapMerge(t *testing.T) {
	m := StateMap{"tempo": 120, "muted": false}
	m.Merge(StateMap{"tempo": 140, "preset": "strings"})
	want := StateMap{"tempo": 140, "muted": false, "preset": "strings"}
	if len(m) != len(want) {
		t.Fatalf("got %+v want %+v", m, want)
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("field %s: got %v want %v", k, m[k], v)
		}
	}
}

func TestStateMapCopyIsIndependent(t *testing.T) {
	m := StateMap{"tempo": 120}
	c := m.Copy()
	c["tempo"] = 999
	c["extra"] = true
	if m["tempo"] != 120 || len(m) != 1 {
		t.Errorf("mutating the copy changed the original: %+v", m)
	}
}

func TestParseStateField(t *testing.T) {
	m, err := ParseStateField([]byte(`{"state":{"tempo":128,"preset":"keys"}}`))
	if err != nil {
		t.Fatalf("ParseStateField returned error: %s", err)
	}
	if m["tempo"] != float64(128) || m["preset"] != "keys" {
		t.Errorf("got %+v", m)
	}

	// empty object is a valid no-op merge
	m, err = ParseStateField([]byte(`{"state":{}}`))
	if err != nil {
		t.Fatalf("ParseStateField returned error: %s", err)
	}
	if len(m) != 0 {
		t.Errorf("got %+v want empty map", m)
	}

	bad := map[string]string{
		"missing field":  `{}`,
		"null state":     `{"state":null}`,
		"array state":    `{"state":[1,2]}`,
		"scalar state":   `{"state":42}`,
		"nested value":   `{"state":{"fx":{"reverb":0.3}}}`,
		"bad field name": `{"state":{"no spaces":1}}`,
	}
	for name, body := range bad {
		if _, err := ParseStateField([]byte(body)); err == nil {
			t.Errorf("%s: ParseStateField(%s) did not return an error", name, body)
		}
	}
}
