package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalIndent(t *testing.T) {
	indented, err := MarshalIndent(testPayload{ID: 42, Name: "eventpipe"}, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestDecodeGenericProducesMaps(t *testing.T) {
	out, err := DecodeGeneric([]byte(`{"eventId":"e1","payload":{"x":1},"tags":["a"]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", out)
	}
	if obj["eventId"] != "e1" {
		t.Fatalf("unexpected eventId %v", obj["eventId"])
	}
	payload, ok := obj["payload"].(map[string]any)
	if !ok || payload["x"] != float64(1) {
		t.Fatalf("expected nested payload with float64 number, got %#v", obj["payload"])
	}
	if _, ok := obj["tags"].([]any); !ok {
		t.Fatalf("expected array, got %T", obj["tags"])
	}
}

func TestDecodeGenericRejectsMalformedInput(t *testing.T) {
	if _, err := DecodeGeneric([]byte(`{"eventId":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a": [1, 2]}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`not json`)) {
		t.Fatal("expected invalid JSON")
	}
}
