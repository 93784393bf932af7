// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is Herald's message-routing core: it decides who
// receives a submitted message and in what order, without performing
// delivery itself.
//
// The package provides one entry point. [Router] owns four internal
// components behind a single mutex: the subscription registry (live
// dynamic registrations keyed by [Receiver]), the retained-value cache
// (the last message per scope and action, replayed to late
// subscribers), the recipient resolver (static index plus dynamic
// match, merged by descending priority), and the admission gate (the
// security checks every submission passes before any state changes).
//
// [Router.Submit] runs the full pipeline synchronously: validate and
// clone, admit, update the retained cache, resolve recipients, select
// a delivery lane, hand off. Everything after the hand-off (ordering
// within a lane, timeouts, receiver crashes) belongs to the [Lane]
// implementation. The router never blocks inside its lock and never
// calls receiver code.
//
// Rejections are synchronous and structured: Submit, Register, and
// Unregister return [*RejectionError] values classified by
// [RejectionKind], and Submit additionally reports a coarse [Status].
// A submission to a stopped scope is not an error: it reports
// [StatusRejectedNotRunning] with a nil error.
//
// The host environment plugs in through four read-only interfaces
// ([RecipientIndex], [PolicyOracle], [ScopeDirectory],
// [ProcessDirectory]) and the [Lanes] it wants traffic routed to.
// Implementations must answer from memory: the router calls them while
// holding its lock.
package dispatch
