// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/bureau-foundation/herald/lib/ident"
)

// ownerKey identifies the process a subscription is charged to. The
// per-process cap and ownership checks both key on it.
type ownerKey struct {
	uid ident.UID
	pid ident.PID
}

// receiverSet groups every subscription registered against one
// Receiver value. The set shares a single death link; tearing it down
// removes all member subscriptions at once.
type receiverSet struct {
	id       uuid.UUID
	receiver Receiver
	identity ident.Identity
	scope    ident.Scope
	subs     []*Subscription

	// cancelDeathLink detaches the process-death callback. Nil when
	// the owner has no watchable process (PID 0) or the link was
	// already consumed.
	cancelDeathLink func()
}

// registry holds the dynamic subscription state: receiver sets, the
// per-action match index, and per-process counts. All methods require
// the router's lock.
type registry struct {
	log           *slog.Logger
	maxPerProcess int

	sets         map[Receiver]*receiverSet
	byAction     map[string][]*Subscription
	countByOwner map[ownerKey]int
	nextSeq      uint64
}

func newRegistry(log *slog.Logger, maxPerProcess int) *registry {
	return &registry{
		log:           log,
		maxPerProcess: maxPerProcess,
		sets:          make(map[Receiver]*receiverSet),
		byAction:      make(map[string][]*Subscription),
		countByOwner:  make(map[ownerKey]int),
	}
}

// registerRequest carries the validated inputs for one registration.
// The router performs privilege and visibility checks before handing
// the request over.
type registerRequest struct {
	identity           ident.Identity
	scope              ident.Scope
	receiver           Receiver
	filter             Filter
	requiredCapability string
	visibility         Visibility
}

// registerLocked adds a subscription, creating the receiver set on
// first use. Registering a filter equal to one the receiver already
// holds is a warning no-op that returns the existing subscription with
// duplicate set to true.
func (r *registry) registerLocked(req registerRequest) (sub *Subscription, duplicate bool, err error) {
	set := r.sets[req.receiver]
	if set != nil {
		if set.identity.UID != req.identity.UID {
			return nil, false, rejectf(RejectionOwnershipMismatch, req.identity, "",
				"receiver is owned by %s", set.identity)
		}
		if set.identity.PID != req.identity.PID {
			return nil, false, rejectf(RejectionOwnershipMismatch, req.identity, "",
				"receiver was registered from process %d", set.identity.PID)
		}
		if set.scope != req.scope {
			return nil, false, rejectf(RejectionMalformed, req.identity, "",
				"receiver requested scope %v but was previously registered for scope %v", req.scope, set.scope)
		}
		for _, existing := range set.subs {
			if existing.Filter.Equal(&req.filter) {
				r.log.Warn("ignoring duplicate subscription filter",
					"owner", req.identity.String(),
					"subscription_id", existing.id.String(),
					"actions", req.filter.Actions)
				return existing, true, nil
			}
		}
	}

	owner := ownerKey{uid: req.identity.UID, pid: req.identity.PID}
	if count := r.countByOwner[owner]; count >= r.maxPerProcess {
		return nil, false, rejectf(RejectionResourceExhausted, req.identity, "",
			"process already holds %d subscriptions (limit %d)", count, r.maxPerProcess)
	}

	if set == nil {
		set = &receiverSet{
			id:       uuid.New(),
			receiver: req.receiver,
			identity: req.identity,
			scope:    req.scope,
		}
		r.sets[req.receiver] = set
	}

	r.nextSeq++
	sub = &Subscription{
		Identity:           req.identity,
		Scope:              req.scope,
		Filter:             req.filter,
		RequiredCapability: req.requiredCapability,
		Visibility:         req.visibility,
		id:                 uuid.New(),
		seq:                r.nextSeq,
		set:                set,
	}
	set.subs = append(set.subs, sub)
	for _, action := range req.filter.Actions {
		r.byAction[action] = append(r.byAction[action], sub)
	}
	r.countByOwner[owner]++
	return sub, false, nil
}

// setFor returns the live receiver set behind a registration handle,
// or nil when the handle is stale.
func (r *registry) setFor(handle Registration) *receiverSet {
	if handle.set == nil {
		return nil
	}
	if current, ok := r.sets[handle.set.receiver]; ok && current == handle.set {
		return handle.set
	}
	return nil
}

// removeSetLocked tears down a receiver set: every member subscription
// leaves the match index, the owner's count drops, and the death link
// is cancelled. Reports whether the set was still live.
func (r *registry) removeSetLocked(set *receiverSet) bool {
	current, ok := r.sets[set.receiver]
	if !ok || current != set {
		return false
	}
	delete(r.sets, set.receiver)

	owner := ownerKey{uid: set.identity.UID, pid: set.identity.PID}
	for _, sub := range set.subs {
		r.dropFromIndexLocked(sub)
		if n := r.countByOwner[owner]; n <= 1 {
			delete(r.countByOwner, owner)
		} else {
			r.countByOwner[owner] = n - 1
		}
	}
	set.subs = nil

	if set.cancelDeathLink != nil {
		set.cancelDeathLink()
		set.cancelDeathLink = nil
	}
	return true
}

func (r *registry) dropFromIndexLocked(sub *Subscription) {
	for _, action := range sub.Filter.Actions {
		entries := r.byAction[action]
		for i, candidate := range entries {
			if candidate == sub {
				entries = slices.Delete(entries, i, i+1)
				break
			}
		}
		if len(entries) == 0 {
			delete(r.byAction, action)
		} else {
			r.byAction[action] = entries
		}
	}
}

// matchLocked returns the subscriptions whose filters match the
// message for any of the given concrete scopes, ordered by descending
// priority. Equal priorities keep registration order.
func (r *registry) matchLocked(msg *Message, scopes []ident.Scope) []*Subscription {
	candidates := r.byAction[msg.Action]
	if len(candidates) == 0 {
		return nil
	}
	var matched []*Subscription
	for _, sub := range candidates {
		if sub.Scope != ident.ScopeAll && !slices.Contains(scopes, sub.Scope) {
			continue
		}
		if !sub.Filter.MatchesMessage(msg) {
			continue
		}
		matched = append(matched, sub)
	}
	// The action index appends in registration order, so a stable
	// sort preserves sequence order within a priority band.
	slices.SortStableFunc(matched, func(a, b *Subscription) int {
		return cmp.Compare(b.Filter.Priority, a.Filter.Priority)
	})
	return matched
}

// setsForScopeLocked returns the receiver sets registered for exactly
// the given scope. Cross-scope (ScopeAll) sets are not included.
func (r *registry) setsForScopeLocked(scope ident.Scope) []*receiverSet {
	var out []*receiverSet
	for _, set := range r.sets {
		if set.scope == scope {
			out = append(out, set)
		}
	}
	return out
}

// countLocked returns the total number of live subscriptions.
func (r *registry) countLocked() int {
	total := 0
	for _, set := range r.sets {
		total += len(set.subs)
	}
	return total
}
