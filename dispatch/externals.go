// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/bureau-foundation/herald/lib/ident"
)

// Capability names the router checks through the policy oracle.
const (
	// CapabilityRetain guards recording into and clearing from the
	// persistent-value cache.
	CapabilityRetain = "herald.capability.RETAIN_MESSAGE"

	// CapabilityBackgroundExempt guards granting a target package a
	// temporary exemption from background-execution limits. Checked
	// on the real caller, never a delegated identity.
	CapabilityBackgroundExempt = "herald.capability.BACKGROUND_EXEMPT"
)

// Decision is the policy oracle's answer to a capability check.
type Decision int

const (
	// Denied means the identity does not hold the capability.
	Denied Decision = iota
	// Granted means the identity holds the capability.
	Granted
)

// String returns "granted" or "denied".
func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

// RecipientIndex is the installed-component index: the read-only view
// of statically declared recipients. Implementations must answer from
// in-memory state; queries run holding the router lock.
type RecipientIndex interface {
	// Query returns the static recipients for the message within one
	// scope, sorted by descending priority. An explicit message
	// (Component set) yields at most that component; a Package target
	// restricts results to that package; implementations honor
	// FlagExcludeStopped / FlagIncludeStopped.
	Query(msg *Message, scope ident.Scope) []StaticRecipient

	// IsProtected reports whether the action is reserved for
	// privileged senders.
	IsProtected(action string) bool
}

// PolicyOracle evaluates caller capabilities and background policy.
// Implementations must answer from in-memory state; checks run holding
// the router lock.
type PolicyOracle interface {
	// CheckCapability reports whether the identity holds the named
	// capability.
	CheckCapability(id ident.Identity, capability string) Decision

	// IsBackgroundRestricted reports whether the UID is currently
	// under background-execution restriction.
	IsBackgroundRestricted(uid ident.UID) bool

	// IsPersistentProcess reports whether the identity's hosting
	// process is flagged persistent. Persistent processes count as
	// privileged senders.
	IsPersistentProcess(id ident.Identity) bool
}

// ScopeDirectory reports which user scopes are running. Resolution
// expands an all-scopes submission to Running(); submissions to a
// stopped scope are rejected with StatusRejectedNotRunning.
type ScopeDirectory interface {
	// Running returns the running scopes, primary first.
	Running() []ident.Scope

	// IsRunning reports whether one scope is running.
	IsRunning(scope ident.Scope) bool
}

// ProcessDirectory attaches death observers to processes so the
// registry can tear down subscriptions whose owner died.
// lib/procwatch provides the same-host implementation; the router
// defaults to it when no directory is supplied.
type ProcessDirectory interface {
	// DeathLink invokes onDeath once, from its own goroutine, when
	// the process exits. Fails if the process is not known to be
	// alive. The returned cancel detaches the link and guarantees
	// onDeath will not run afterwards.
	DeathLink(pid ident.PID, onDeath func()) (cancel func(), err error)
}

// Receiver consumes messages matched to a dynamic subscription. The
// delivery lane invokes OnMessage on its own schedule; the router
// itself never calls it. The Receiver value is also the registration
// identity: registering the same Receiver again extends its existing
// subscription set.
type Receiver interface {
	OnMessage(ctx context.Context, msg *Message)
}

// Lane is one priority-ordered delivery pipeline. The router hands a
// resolved submission to exactly one lane and never observes delivery
// completion.
type Lane interface {
	// Submit enqueues the message for delivery to the resolved
	// recipients. Must not block; ordering, timeout, and retry
	// semantics are the lane's business.
	Submit(msg *Message, delivery *ResolvedDelivery)
}

// Lanes groups the three delivery lanes the router selects between.
// Foreground and Offload may be nil, in which case their traffic takes
// the default lane.
type Lanes struct {
	// Foreground carries messages flagged FlagForeground.
	Foreground Lane

	// Default carries everything not claimed by another lane.
	Default Lane

	// Offload carries messages flagged FlagOffloadEligible when
	// offloading is enabled in configuration.
	Offload Lane
}

// StaticRecipient is the index's read-only description of one
// statically declared recipient. Sourced per resolution call and never
// cached by the router.
type StaticRecipient struct {
	// Component identifies the recipient.
	Component ident.Component

	// Package is the declaring package.
	Package string

	// RequiredCapabilities must all be held by the sender for the
	// lane to deliver.
	RequiredCapabilities []string

	// Exported reports whether senders outside the declaring package
	// may reach the recipient.
	Exported bool

	// ConfinedVisible admits messages from confined senders.
	ConfinedVisible bool

	// Priority orders the recipient at resolve time, descending.
	Priority int

	// ProcessName is the process the recipient runs in.
	ProcessName string

	// Owner is the declaring package's UID within the queried scope.
	Owner ident.UID

	// SingleInstance marks recipients that exist once per system
	// rather than once per scope; they are de-duplicated across
	// scopes at resolve time.
	SingleInstance bool

	// PrimaryScopeOnly restricts the recipient to primary-scope
	// resolutions.
	PrimaryScopeOnly bool

	// Scope is the scope the recipient was resolved for.
	Scope ident.Scope
}

// SingletonVisibleFunc decides whether a single-instance recipient is
// reachable from a submission targeting the given scope. The router's
// default admits only primary-scope targets.
type SingletonVisibleFunc func(rec StaticRecipient, scope ident.Scope) bool

// Recipient is one entry of a resolved delivery: exactly one of Static
// or Subscription is set.
type Recipient struct {
	// Static is set for recipients from the installed-component
	// index.
	Static *StaticRecipient

	// Subscription is set for dynamic subscriptions from the
	// registry.
	Subscription *Subscription
}

// Priority returns the recipient's resolve-time priority.
func (r Recipient) Priority() int {
	if r.Static != nil {
		return r.Static.Priority
	}
	return r.Subscription.Priority()
}

// Owner returns the recipient's owning UID.
func (r Recipient) Owner() ident.UID {
	if r.Static != nil {
		return r.Static.Owner
	}
	return r.Subscription.Identity.UID
}

// ResolvedDelivery is the resolver's output: the recipients for one
// submission, strictly ordered by descending priority with static and
// dynamic entries interleaved. Consumed immediately by lane
// submission; never persisted.
type ResolvedDelivery struct {
	// Recipients in delivery order.
	Recipients []Recipient

	// Scopes the resolution covered.
	Scopes []ident.Scope

	// TempExemptTarget, when nonzero, names a UID the lane should
	// exempt from background-execution limits while delivering. The
	// admission gate has already verified the caller may grant this.
	TempExemptTarget ident.UID

	// TempExemptDuration bounds the exemption.
	TempExemptDuration time.Duration
}

// Empty reports whether the resolution produced no recipients. An
// empty resolution is a normal outcome, recorded only in aggregate
// statistics.
func (d *ResolvedDelivery) Empty() bool {
	return d == nil || len(d.Recipients) == 0
}
