// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/herald/lib/ident"
)

// Visibility controls who can route messages into a subscription.
type Visibility struct {
	// Exported admits messages from senders outside the owning UID.
	Exported bool

	// Internal restricts the subscription to the owning UID (and
	// privileged senders). Mutually exclusive with Exported.
	Internal bool

	// ConfinedVisible admits messages from confined
	// (restricted-distribution) senders. Implies not Internal.
	ConfinedVisible bool
}

// validate checks the flag combination at registration time. A filter
// that can match unprotected actions must make the export decision
// explicit; filters limited to protected actions default to exported,
// since only privileged senders can emit those anyway.
func (v Visibility) validate(filter *Filter, isProtected func(string) bool) error {
	if v.Exported && v.Internal {
		return fmt.Errorf("subscription cannot be both exported and internal")
	}
	if v.ConfinedVisible && v.Internal {
		return fmt.Errorf("confined-visible subscription cannot be internal")
	}
	if !v.Exported && !v.Internal {
		for _, action := range filter.Actions {
			if !isProtected(action) {
				return fmt.Errorf("filter matches unprotected action %q: registration must declare exported or internal", action)
			}
		}
	}
	return nil
}

// exported reports the effective export state: explicit Internal wins,
// everything else is reachable across UIDs.
func (v Visibility) exported() bool { return !v.Internal }

// Subscription is one live dynamic registration: a filter bound to an
// owning identity. Created by Register, destroyed by Unregister or by
// the owner process's death link. The filter is immutable after
// registration; only the subscription's existence changes.
type Subscription struct {
	// Identity is the registering caller.
	Identity ident.Identity

	// Scope is the scope the subscription receives for: one concrete
	// scope, or ScopeAll for privileged cross-scope subscribers.
	Scope ident.Scope

	// Filter selects the messages delivered to this subscription.
	Filter Filter

	// RequiredCapability, when set, must be held by the sender for
	// the lane to deliver.
	RequiredCapability string

	// Visibility controls which senders can reach the subscription.
	Visibility Visibility

	id  uuid.UUID
	seq uint64
	set *receiverSet
}

// ID returns the subscription's unique identifier, stable for its
// lifetime.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Priority returns the subscription's effective resolve-time priority.
func (s *Subscription) Priority() int { return s.Filter.Priority }

// Sequence returns the registration sequence number. Later
// registrations have higher numbers; equal-priority subscriptions
// resolve in sequence order.
func (s *Subscription) Sequence() uint64 { return s.seq }

// Receiver returns the receiver the lane delivers to.
func (s *Subscription) Receiver() Receiver { return s.set.receiver }

// String renders the subscription for log output.
func (s *Subscription) String() string {
	return fmt.Sprintf("sub{%s owner=%v scope=%v prio=%d}",
		s.id, s.Identity, s.Scope, s.Filter.Priority)
}

// Registration is the stable handle Register returns: it identifies
// the receiver set the registration joined, and is the argument to
// Unregister. Registering the same Receiver again returns a
// Registration with the same ID.
type Registration struct {
	id  uuid.UUID
	set *receiverSet
}

// ID returns the receiver set's unique identifier.
func (r Registration) ID() uuid.UUID { return r.id }

// IsZero reports whether the handle is the zero value (no
// registration).
func (r Registration) IsZero() bool { return r.set == nil }
