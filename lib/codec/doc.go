// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides herald's standard CBOR encoding: Core
// Deterministic Encoding (RFC 8949 §4.2) so that equal values always
// produce identical bytes.
//
// Two parts of the dispatch core depend on that determinism. Message
// payload bundles are deep-copied by an encode/decode round trip when
// the router clones a submitted message, and the retained-message
// snapshot format checksums its encoded body, which must therefore be
// byte-stable across encoder runs.
//
// All CBOR use goes through this package; nothing else imports
// fxamacker/cbor directly.
package codec
