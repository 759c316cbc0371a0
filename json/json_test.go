package json

import (
	"bytes"
	stdjson "encoding/json"
	"strings"
	"testing"
)

type probeSettings struct {
	Path     string `json:"path" default:"/healthz"`
	Retries  int    `json:"retries" default:"3"`
	Enabled  bool   `json:"enabled" default:"true"`
	Protocol string `json:"protocol,omitempty"`
}

func TestMarshalAppliesDefaults(t *testing.T) {
	s := &probeSettings{Protocol: "http"}

	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if s.Path != "/healthz" || s.Retries != 3 || !s.Enabled {
		t.Fatalf("defaults not applied: %+v", s)
	}

	var decoded probeSettings
	if err := stdjson.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("encoded JSON should be valid, got error: %v", err)
	}
	if decoded != *s {
		t.Fatalf("expected %+v, got %+v", *s, decoded)
	}
}

func TestUnmarshalPreservesExplicitZeroValues(t *testing.T) {
	var s probeSettings
	if err := Unmarshal([]byte(`{"retries":0,"enabled":false}`), &s); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if s.Retries != 0 || s.Enabled {
		t.Fatalf("explicit zero values overwritten: %+v", s)
	}
	if s.Path != "/healthz" {
		t.Fatalf("expected default path, got %q", s.Path)
	}
}

func TestMarshalNonStructValues(t *testing.T) {
	data, err := Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected output %s", data)
	}

	var out []string
	if err := Unmarshal([]byte(`["x","y"]`), &out); err != nil {
		t.Fatalf("Unmarshal slice: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 elements, got %v", out)
	}
}

func TestRawMessageRoundTrip(t *testing.T) {
	type envelope struct {
		Payload RawMessage `json:"payload"`
	}
	var env envelope
	if err := Unmarshal([]byte(`{"payload":{"op":"ping"}}`), &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !Valid(env.Payload) || !strings.Contains(string(env.Payload), "ping") {
		t.Fatalf("unexpected payload %s", env.Payload)
	}
}

func TestDecoderDisallowUnknownFields(t *testing.T) {
	decoder := NewDecoder(bytes.NewReader([]byte(`{"path":"/x","bogus":1}`)))
	decoder.DisallowUnknownFields()

	var s probeSettings
	if err := decoder.Decode(&s); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestEncoderSetIndent(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(&probeSettings{}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"path\"") {
		t.Fatalf("expected indented output, got: %s", buf.String())
	}
}
