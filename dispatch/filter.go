// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"slices"
	"strings"
)

// Subscription priority bounds. Values outside the application range
// are reserved: the router assigns PrioritySystemHigh to privileged
// subscriptions for escalated actions so core services observe state
// transitions before any application.
const (
	PrioritySystemHigh = 1000
	PrioritySystemLow  = -1000
)

// Filter describes which messages a subscription wants. A filter
// matches a message when the message's action is listed, every
// category on the message is covered, and the data descriptor
// satisfies the filter's scheme/authority/path and MIME constraints.
//
// The zero filter matches nothing: a filter with no actions never
// matches any message.
//
// The same matching rules apply to dynamic subscriptions and, by
// contract, to the external static-recipient index, so that priority
// ordering between static and dynamic recipients is comparable.
type Filter struct {
	// Actions the filter accepts. At least one is required for the
	// filter to ever match.
	Actions []string

	// Categories the filter covers. A message matches only if all of
	// its categories appear here; a message with no categories always
	// passes the category check.
	Categories []string

	// Schemes accepted on the message's data descriptor. Empty means
	// the filter expects messages without scheme-qualified data.
	Schemes []string

	// Authorities accepted when Schemes is non-empty. Empty imposes
	// no authority constraint.
	Authorities []string

	// Paths accepted when Authorities matched. Empty imposes no path
	// constraint. Paths compare literally.
	Paths []string

	// MIMETypes accepted on the data descriptor. Supports trailing
	// wildcards: "text/*" accepts any text subtype, "*/*" accepts any
	// type. Empty means no MIME constraint.
	MIMETypes []string

	// Priority orders this subscription against other recipients at
	// resolve time, descending.
	Priority int
}

// HasAction reports whether the filter lists the action.
func (f *Filter) HasAction(action string) bool {
	return slices.Contains(f.Actions, action)
}

// MatchesMessage reports whether the message satisfies the filter's
// action, category, and data constraints.
func (f *Filter) MatchesMessage(m *Message) bool {
	if !f.HasAction(m.Action) {
		return false
	}
	for _, category := range m.Categories {
		if !slices.Contains(f.Categories, category) {
			return false
		}
	}
	return f.matchData(m.Data)
}

// matchData applies the scheme/authority/path and MIME constraints.
//
// A filter with neither schemes nor MIME types expects plain messages:
// it matches only when the message carries no data descriptor. A
// filter with constraints requires a descriptor satisfying all of the
// declared ones.
func (f *Filter) matchData(d *DataRef) bool {
	if len(f.Schemes) == 0 && len(f.MIMETypes) == 0 {
		return d == nil
	}
	if d == nil {
		return false
	}
	if len(f.Schemes) > 0 {
		if !slices.Contains(f.Schemes, d.Scheme) {
			return false
		}
		if len(f.Authorities) > 0 {
			if !slices.Contains(f.Authorities, d.Authority) {
				return false
			}
			if len(f.Paths) > 0 && !slices.Contains(f.Paths, d.Path) {
				return false
			}
		}
	}
	if len(f.MIMETypes) > 0 && !f.matchMIME(d.MIMEType) {
		return false
	}
	return true
}

// matchMIME checks the descriptor's MIME type against the filter's
// accepted list, honoring "type/*" and "*/*" wildcards on the filter
// side.
func (f *Filter) matchMIME(mimeType string) bool {
	if mimeType == "" {
		return false
	}
	for _, accepted := range f.MIMETypes {
		if accepted == mimeType || accepted == "*/*" {
			return true
		}
		if base, ok := strings.CutSuffix(accepted, "/*"); ok {
			if messageBase, _, found := strings.Cut(mimeType, "/"); found && messageBase == base {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two filters select the same messages: equal
// action, category, scheme, authority, path, and MIME sets, order
// insensitive. Priority is excluded; re-registering the same match set
// at a different priority still counts as a duplicate.
func (f *Filter) Equal(other *Filter) bool {
	return equalSet(f.Actions, other.Actions) &&
		equalSet(f.Categories, other.Categories) &&
		equalSet(f.Schemes, other.Schemes) &&
		equalSet(f.Authorities, other.Authorities) &&
		equalSet(f.Paths, other.Paths) &&
		equalSet(f.MIMETypes, other.MIMETypes)
}

// equalSet compares two string slices as sets. For the expected
// cardinality (a handful of entries) the linear scan is faster than
// building maps.
func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, item := range a {
		if !slices.Contains(b, item) {
			return false
		}
	}
	return true
}
