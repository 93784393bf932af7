// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import "fmt"

// scopeStride is the UID range reserved for each user scope. A UID
// decomposes as scope = uid / scopeStride, appID = uid % scopeStride.
const scopeStride = 100000

// AppID is the scope-independent part of a UID. The same application
// installed for two user scopes has the same AppID under two different
// UIDs.
type AppID int32

// FirstAppID is the lowest AppID assigned to installed applications.
// Everything below it is reserved for system services, which are exempt
// from recipient allowlist filtering.
const FirstAppID AppID = 10000

// Well-known reserved app IDs. The admission policy decides which of
// these count as privileged senders; the constants exist so policy
// files and tests can name them.
const (
	// AppIDRoot is the superuser identity.
	AppIDRoot AppID = 0

	// AppIDCore is the core platform service identity.
	AppIDCore AppID = 1000
)

// IsApplication reports whether the AppID belongs to an installed
// application rather than a reserved system service.
func (a AppID) IsApplication() bool { return a >= FirstAppID }

// UID identifies an application sandbox within one user scope. It is
// the unit the admission gate and the allowlist filter reason about.
type UID int32

// ComposeUID builds the UID for an app ID within a user scope.
func ComposeUID(scope Scope, app AppID) UID {
	return UID(int32(scope)*scopeStride + int32(app))
}

// AppID returns the scope-independent application ID of the UID.
func (u UID) AppID() AppID {
	if u < 0 {
		return AppID(u)
	}
	return AppID(int32(u) % scopeStride)
}

// Scope returns the user scope the UID belongs to.
func (u UID) Scope() Scope {
	if u < 0 {
		return Scope(u)
	}
	return Scope(int32(u) / scopeStride)
}

// String renders the UID in the compact scope-qualified form used in
// logs: "u<scope>a<n>" for application UIDs (n counted from
// FirstAppID), "u<scope>s<n>" for reserved system UIDs.
func (u UID) String() string {
	if u < 0 {
		return fmt.Sprintf("%d", int32(u))
	}
	app := u.AppID()
	if app.IsApplication() {
		return fmt.Sprintf("u%da%d", int32(u.Scope()), int32(app-FirstAppID))
	}
	return fmt.Sprintf("u%ds%d", int32(u.Scope()), int32(app))
}

// PID is an operating-system process ID. Zero means "no process": an
// anonymous registration that cannot be death-linked.
type PID int32

// Scope is a user scope: the isolation domain recipients are resolved
// within. Non-negative values name concrete scopes; the negative
// values below are request sentinels and never appear on stored state.
type Scope int32

const (
	// ScopePrimary is the first (boot) user scope.
	ScopePrimary Scope = 0

	// ScopeAll targets every running scope on submission, and marks
	// retained entries visible to all scopes.
	ScopeAll Scope = -1

	// ScopeCaller is a submission sentinel resolved to the caller's
	// own scope before any other processing.
	ScopeCaller Scope = -2
)

// IsConcrete reports whether the scope names a single real scope
// rather than a sentinel.
func (s Scope) IsConcrete() bool { return s >= 0 }

// String returns "all" or "caller" for the sentinels, else the
// numeric scope.
func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopeCaller:
		return "caller"
	default:
		return fmt.Sprintf("%d", int32(s))
	}
}

// Identity is the caller record accompanying every submission and
// registration: who is asking, from which process, on behalf of which
// declared package.
//
// Package may be empty for callers that never installed anything (pure
// runtime services). Confined marks restricted-distribution callers,
// which both see and are seen by a reduced recipient set.
type Identity struct {
	UID      UID
	PID      PID
	Package  string
	Confined bool
}

// Scope returns the user scope the identity's UID belongs to.
func (id Identity) Scope() Scope { return id.UID.Scope() }

// String renders the identity for log output.
func (id Identity) String() string {
	if id.Package == "" {
		return fmt.Sprintf("%v/pid=%d", id.UID, id.PID)
	}
	return fmt.Sprintf("%v/pid=%d/%s", id.UID, id.PID, id.Package)
}
