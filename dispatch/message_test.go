// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/herald/lib/ident"
)

func TestFlagsHasWithWithout(t *testing.T) {
	flags := FlagRetain.With(FlagForeground)

	if !flags.Has(FlagRetain) {
		t.Error("Has(FlagRetain) = false, want true")
	}
	if !flags.Has(FlagRetain | FlagForeground) {
		t.Error("Has(both) = false, want true")
	}
	if flags.Has(FlagOffloadEligible) {
		t.Error("Has(FlagOffloadEligible) = true, want false")
	}

	flags = flags.Without(FlagRetain)
	if flags.Has(FlagRetain) {
		t.Error("Without(FlagRetain) left the bit set")
	}
	if !flags.Has(FlagForeground) {
		t.Error("Without(FlagRetain) cleared an unrelated bit")
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "none"},
		{FlagRetain, "retain"},
		{FlagForeground | FlagRetain, "retain|foreground"},
		{Flags(1 << 30), "unknown(0x40000000)"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tt.flags), got, tt.want)
		}
	}
}

func TestPayloadHasResourceHandles(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    bool
	}{
		{"nil payload", nil, false},
		{"plain values", Payload{"count": 3, "name": "x"}, false},
		{"top-level handle", Payload{"fd": Handle{FD: 7, Name: "socket"}}, true},
		{"pointer handle", Payload{"fd": &Handle{FD: 7}}, true},
		{"nested map", Payload{"outer": map[string]any{"fd": Handle{FD: 3}}}, true},
		{"nested payload", Payload{"outer": Payload{"fd": Handle{FD: 3}}}, true},
		{"inside slice", Payload{"list": []any{1, Handle{FD: 9}}}, true},
		{"deep clean", Payload{"outer": map[string]any{"list": []any{"a", 2}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.HasResourceHandles(); got != tt.want {
				t.Errorf("HasResourceHandles() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageCloneIsolatesPayload(t *testing.T) {
	original := &Message{
		Action:     "herald.test.PING",
		Categories: []string{"default"},
		Data:       &DataRef{Scheme: "pkg", Authority: "com.example"},
		Payload:    Payload{"nested": map[string]any{"value": "before"}},
	}

	cloned, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	original.Payload["nested"].(map[string]any)["value"] = "after"
	original.Categories[0] = "changed"
	original.Data.Scheme = "changed"

	nested, ok := cloned.Payload["nested"].(map[string]any)
	if !ok {
		t.Fatalf("cloned nested payload has type %T, want map[string]any", cloned.Payload["nested"])
	}
	if nested["value"] != "before" {
		t.Errorf("cloned payload value = %v, want %q", nested["value"], "before")
	}
	if cloned.Categories[0] != "default" {
		t.Errorf("cloned category = %q, want %q", cloned.Categories[0], "default")
	}
	if cloned.Data.Scheme != "pkg" {
		t.Errorf("cloned data scheme = %q, want %q", cloned.Data.Scheme, "pkg")
	}
}

func TestMessageCloneIntegersSurviveCodec(t *testing.T) {
	original := &Message{
		Action:  "herald.test.PING",
		Payload: Payload{"count": 42},
	}
	cloned, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	// CBOR decodes integers into the smallest carrier the codec
	// chooses; the value must survive regardless of carrier type.
	switch got := cloned.Payload["count"].(type) {
	case int64:
		if got != 42 {
			t.Errorf("count = %d, want 42", got)
		}
	case uint64:
		if got != 42 {
			t.Errorf("count = %d, want 42", got)
		}
	default:
		t.Errorf("count has type %T, want an integer", cloned.Payload["count"])
	}
}

func TestMessageFilterEqual(t *testing.T) {
	base := func() *Message {
		return &Message{
			Action:     "herald.pkg.CHANGED",
			Package:    "com.example.alpha",
			Categories: []string{"a", "b"},
			Data:       &DataRef{Scheme: "pkg", Authority: "com.example.alpha"},
			Payload:    Payload{"k": "v1"},
			Flags:      FlagRetain,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Message)
		want   bool
	}{
		{"identical", func(m *Message) {}, true},
		{"payload ignored", func(m *Message) { m.Payload = Payload{"k": "v2"} }, true},
		{"flags ignored", func(m *Message) { m.Flags = 0 }, true},
		{"category order ignored", func(m *Message) { m.Categories = []string{"b", "a"} }, true},
		{"different action", func(m *Message) { m.Action = "other" }, false},
		{"different package", func(m *Message) { m.Package = "com.example.beta" }, false},
		{"different data", func(m *Message) { m.Data = &DataRef{Scheme: "file"} }, false},
		{"missing data", func(m *Message) { m.Data = nil }, false},
		{"extra category", func(m *Message) { m.Categories = []string{"a", "b", "c"} }, false},
		{"different component", func(m *Message) {
			m.Component = ident.MustComponent("com.example.alpha", "Sink")
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base()
			tt.mutate(other)
			if got := base().FilterEqual(other); got != tt.want {
				t.Errorf("FilterEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageString(t *testing.T) {
	msg := &Message{
		Action:    "herald.test.PING",
		Component: ident.MustComponent("com.example.alpha", "Sink"),
		Flags:     FlagForeground,
	}
	rendered := msg.String()
	for _, want := range []string{"herald.test.PING", "com.example.alpha/Sink", "foreground"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("String() = %q, missing %q", rendered, want)
		}
	}
}

func TestDataRefEqualAndString(t *testing.T) {
	ref := &DataRef{Scheme: "pkg", Authority: "com.example", Path: "/x"}
	same := &DataRef{Scheme: "pkg", Authority: "com.example", Path: "/x"}
	diff := &DataRef{Scheme: "pkg", Authority: "com.example", Path: "/y"}

	if !ref.Equal(same) {
		t.Error("Equal(same) = false, want true")
	}
	if ref.Equal(diff) {
		t.Error("Equal(diff) = true, want false")
	}
	if ref.Equal(nil) {
		t.Error("Equal(nil) = true, want false")
	}
	var nilRef *DataRef
	if !nilRef.Equal(nil) {
		t.Error("nil.Equal(nil) = false, want true")
	}
	if got, want := ref.String(), "pkg://com.example/x"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
