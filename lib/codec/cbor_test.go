// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/herald/lib/codec"
	"github.com/bureau-foundation/herald/lib/ident"
)

func TestDeterministicEncoding(t *testing.T) {
	bundle := map[string]any{
		"reason":   "package-replaced",
		"versions": []int64{3, 4},
		"silent":   true,
	}

	first, err := codec.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := codec.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two encodings of the same map differ")
	}
}

func TestAnyDecodingUsesStringKeyedMaps(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["outer"])
	}
}

func TestComponentEncodesAsTextString(t *testing.T) {
	component := ident.MustComponent("com.example.mail", "InboxSync")

	data, err := codec.Marshal(component)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ident.Component
	if err := codec.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != component {
		t.Errorf("round trip = %v, want %v", back, component)
	}
}

func TestStreamEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	for _, action := range []string{"first", "second", "third"} {
		if err := enc.Encode(action); err != nil {
			t.Fatalf("encode %q: %v", action, err)
		}
	}

	dec := codec.NewDecoder(&buf)
	for _, want := range []string{"first", "second", "third"} {
		var got string
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != want {
			t.Errorf("decoded %q, want %q", got, want)
		}
	}
}
