// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/herald/lib/codec"
	"github.com/bureau-foundation/herald/lib/ident"
)

// Flags are the per-message control bits the router and lanes act on.
type Flags uint32

const (
	// FlagExcludeStopped skips recipients in packages that are
	// force-stopped. The router sets it on every submission unless
	// FlagIncludeStopped is present; the static index honors it.
	FlagExcludeStopped Flags = 1 << iota

	// FlagIncludeStopped overrides the default stopped-package
	// exclusion.
	FlagIncludeStopped

	// FlagRegisteredOnly restricts resolution to dynamic
	// subscriptions; the static index is never queried.
	FlagRegisteredOnly

	// FlagDeliverBeforeReady opts the message into delivery before
	// the router is marked ready. Without it, submissions during the
	// boot phase are forced to FlagRegisteredOnly.
	FlagDeliverBeforeReady

	// FlagRetain records the message in the persistent-value cache as
	// the last value for its (scope, action), replayed to late
	// subscribers.
	FlagRetain

	// FlagClearRetained removes a previously retained entry with an
	// equal filter instead of delivering anything. The undo path for
	// FlagRetain.
	FlagClearRetained

	// FlagForeground routes the message to the high-priority lane.
	FlagForeground

	// FlagOffloadEligible routes the message to the offload lane when
	// offloading is enabled system-wide.
	FlagOffloadEligible

	// FlagConfinedVisible makes the message visible to subscriptions
	// owned by confined (restricted-distribution) identities.
	FlagConfinedVisible

	// FlagIncludeBackground delivers to background-limited recipients
	// regardless of throttling. Set by the router for actions in the
	// policy's always-deliver list; honored by the lanes.
	FlagIncludeBackground
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagExcludeStopped, "exclude-stopped"},
	{FlagIncludeStopped, "include-stopped"},
	{FlagRegisteredOnly, "registered-only"},
	{FlagDeliverBeforeReady, "deliver-before-ready"},
	{FlagRetain, "retain"},
	{FlagClearRetained, "clear-retained"},
	{FlagForeground, "foreground"},
	{FlagOffloadEligible, "offload-eligible"},
	{FlagConfinedVisible, "confined-visible"},
	{FlagIncludeBackground, "include-background"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// With returns f with the bits of f2 set.
func (f Flags) With(f2 Flags) Flags { return f | f2 }

// Without returns f with the bits of f2 cleared.
func (f Flags) Without(f2 Flags) Flags { return f &^ f2 }

// String lists the set flags for log output, e.g. "retain|foreground".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	if rest := f &^ Flags(1<<len(flagNames) - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("unknown(0x%x)", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Handle marks a cross-process resource (an open file descriptor)
// inside a payload bundle. Handles are how hosts pass descriptors
// between their own components; the router refuses any submission
// whose payload carries one, because retained replay and lane
// buffering would keep the descriptor alive indefinitely.
type Handle struct {
	// FD is the descriptor number in the sending process.
	FD int
	// Name describes the resource for diagnostics.
	Name string
}

// Payload is a message's opaque data bundle: string-keyed values
// encodable as CBOR, possibly nested.
type Payload map[string]any

// HasResourceHandles reports whether the payload contains a Handle at
// any nesting depth.
func (p Payload) HasResourceHandles() bool {
	return anyHandles(map[string]any(p))
}

func anyHandles(v any) bool {
	switch value := v.(type) {
	case Handle, *Handle:
		return true
	case map[string]any:
		for _, nested := range value {
			if anyHandles(nested) {
				return true
			}
		}
	case Payload:
		return anyHandles(map[string]any(value))
	case []any:
		for _, nested := range value {
			if anyHandles(nested) {
				return true
			}
		}
	}
	return false
}

// clone deep-copies the payload through a CBOR round trip. Fails if
// the payload contains values the codec cannot encode.
func (p Payload) clone() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	data, err := codec.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var copied map[string]any
	if err := codec.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("decoding payload copy: %w", err)
	}
	return Payload(copied), nil
}

// DataRef is a message's optional data descriptor: a scheme-qualified
// reference plus an optional MIME type, both matched by filters.
type DataRef struct {
	Scheme    string `cbor:"scheme"              json:"scheme"`
	Authority string `cbor:"authority,omitempty" json:"authority,omitempty"`
	Path      string `cbor:"path,omitempty"      json:"path,omitempty"`
	MIMEType  string `cbor:"mime_type,omitempty" json:"mime_type,omitempty"`
}

// Equal reports field-by-field equality. Nil receivers are handled by
// Message.FilterEqual.
func (d *DataRef) Equal(other *DataRef) bool {
	if d == nil || other == nil {
		return d == other
	}
	return *d == *other
}

// String renders "scheme://authority/path" without the MIME type.
func (d *DataRef) String() string {
	if d == nil {
		return ""
	}
	return d.Scheme + "://" + d.Authority + d.Path
}

// Message is the unit of routed communication. Messages are treated as
// immutable once submitted: the router clones the caller's message
// before setting flags, and everything downstream (retained cache,
// lanes, replay) shares the clone.
type Message struct {
	// Action is the opaque action string filters match on.
	Action string `cbor:"action" json:"action"`

	// Component, when set, targets exactly one statically declared
	// recipient. Explicit messages never reach dynamic subscriptions.
	Component ident.Component `cbor:"component" json:"component"`

	// Package, when set, narrows resolution to recipients declared by
	// that package.
	Package string `cbor:"package,omitempty" json:"package,omitempty"`

	// Categories are additional match tags. A filter matches only if
	// it covers every category on the message.
	Categories []string `cbor:"categories,omitempty" json:"categories,omitempty"`

	// Data is the optional data descriptor.
	Data *DataRef `cbor:"data,omitempty" json:"data,omitempty"`

	// Payload is the opaque data bundle delivered with the message.
	Payload Payload `cbor:"payload,omitempty" json:"payload,omitempty"`

	// Flags are the control bits.
	Flags Flags `cbor:"flags,omitempty" json:"flags,omitempty"`
}

// Clone returns a deep copy. The payload is copied through the codec;
// a payload the codec cannot encode is a malformed submission.
func (m *Message) Clone() (*Message, error) {
	copied := *m
	copied.Categories = slices.Clone(m.Categories)
	if m.Data != nil {
		data := *m.Data
		copied.Data = &data
	}
	payload, err := m.Payload.clone()
	if err != nil {
		return nil, err
	}
	copied.Payload = payload
	return &copied, nil
}

// mustClone deep-copies a message that already survived Clone once.
// Re-encoding a decoded payload cannot fail; a panic here means a
// cached message was mutated into something unencodable.
func (m *Message) mustClone() *Message {
	copied, err := m.Clone()
	if err != nil {
		panic("dispatch: cloning validated message failed: " + err.Error())
	}
	return copied
}

// Explicit reports whether the message targets a single component.
func (m *Message) Explicit() bool { return !m.Component.IsZero() }

// FilterEqual reports whether two messages are interchangeable for
// retention purposes: same action, data descriptor, component,
// package, and category set. Payload and flags are ignored, so a
// retained update with a new payload replaces the old entry in place.
func (m *Message) FilterEqual(other *Message) bool {
	if m.Action != other.Action {
		return false
	}
	if !m.Data.Equal(other.Data) {
		return false
	}
	if m.Component != other.Component {
		return false
	}
	if m.Package != other.Package {
		return false
	}
	if len(m.Categories) != len(other.Categories) {
		return false
	}
	for _, category := range m.Categories {
		if !slices.Contains(other.Categories, category) {
			return false
		}
	}
	return true
}

// String renders the message for log output.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString("msg{action=")
	b.WriteString(m.Action)
	if m.Explicit() {
		b.WriteString(" component=")
		b.WriteString(m.Component.String())
	}
	if m.Package != "" {
		b.WriteString(" package=")
		b.WriteString(m.Package)
	}
	if m.Flags != 0 {
		b.WriteString(" flags=")
		b.WriteString(m.Flags.String())
	}
	b.WriteString("}")
	return b.String()
}
