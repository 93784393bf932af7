// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident provides the identity value types the dispatch core is
// keyed on: application UIDs with their scope/app-id decomposition,
// process IDs, user scopes, component names, and the caller identity
// record that accompanies every submission and registration.
//
// A UID encodes both the user scope and the per-scope application ID in
// a single integer (scope * 100000 + app ID), mirroring how the hosting
// platform assigns isolated IDs per user scope. App IDs below
// FirstAppID are reserved for system services; everything at or above
// it belongs to installed applications and is subject to allowlist
// filtering during resolution.
//
// All types are plain immutable values. Constructors validate where a
// string form exists (Component); numeric types are open-coded and
// carry their semantics in methods (UID.Scope, UID.AppID) rather than
// in construction-time checks.
package ident
