// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"
	"slices"
	"time"

	"github.com/bureau-foundation/herald/lib/ident"
)

// retainedMessage is one cache entry: the message plus its recording
// caller, kept for replay-time visibility checks and introspection.
type retainedMessage struct {
	message        *Message
	origin         ident.UID
	originConfined bool
	recordedAt     time.Time
}

// clone returns a copy whose message is deep-copied.
func (e retainedMessage) clone() retainedMessage {
	e.message = e.message.mustClone()
	return e
}

// retainedStore is the persistent-value cache: the last retained
// message per (scope, action, filter identity). New subscribers replay
// matching entries at registration time. All methods require the
// router's lock.
//
// Messages are cloned on the way in and on the way out, so neither
// senders nor subscribers can mutate a cached value.
type retainedStore struct {
	log *slog.Logger

	// byScope maps scope -> action -> entries. A scope key of
	// ScopeAll holds cross-scope entries, consulted before the
	// concrete scope on every query.
	byScope map[ident.Scope]map[string][]retainedMessage
}

func newRetainedStore(log *slog.Logger) *retainedStore {
	return &retainedStore{
		log:     log,
		byScope: make(map[ident.Scope]map[string][]retainedMessage),
	}
}

// recordLocked stores msg as the retained value for its filter
// identity under scope, replacing any entry with an equal filter.
//
// A concrete-scope record that matches an existing cross-scope entry
// is rejected: the cross-scope value would shadow it on every query.
// The check is one-directional; recording cross-scope always wins.
func (s *retainedStore) recordLocked(caller ident.Identity, msg *Message, scope ident.Scope, at time.Time) error {
	if scope != ident.ScopeAll {
		for _, existing := range s.byScope[ident.ScopeAll][msg.Action] {
			if existing.message.FilterEqual(msg) {
				return rejectf(RejectionMalformed, caller, msg.Action,
					"retained message for scope %v conflicts with existing cross-scope value", scope)
			}
		}
	}

	actions := s.byScope[scope]
	if actions == nil {
		actions = make(map[string][]retainedMessage)
		s.byScope[scope] = actions
	}
	stored := retainedMessage{
		message:        msg.mustClone(),
		origin:         caller.UID,
		originConfined: caller.Confined,
		recordedAt:     at,
	}
	entries := actions[msg.Action]
	for i, existing := range entries {
		if existing.message.FilterEqual(msg) {
			entries[i] = stored
			return nil
		}
	}
	actions[msg.Action] = append(entries, stored)
	return nil
}

// unrecordLocked removes the first entry under scope whose filter
// identity equals msg. Empty maps are pruned. Removing a value that
// was never retained is a no-op.
func (s *retainedStore) unrecordLocked(msg *Message, scope ident.Scope) {
	actions := s.byScope[scope]
	entries := actions[msg.Action]
	for i, existing := range entries {
		if existing.message.FilterEqual(msg) {
			entries = slices.Delete(entries, i, i+1)
			if len(entries) == 0 {
				delete(actions, msg.Action)
				if len(actions) == 0 {
					delete(s.byScope, scope)
				}
			} else {
				actions[msg.Action] = entries
			}
			return
		}
	}
}

// queryLocked returns clones of every retained entry the filter
// matches, cross-scope entries first, then the concrete scope's own.
func (s *retainedStore) queryLocked(filter *Filter, scope ident.Scope) []retainedMessage {
	var out []retainedMessage
	out = s.appendMatchesLocked(out, filter, ident.ScopeAll)
	if scope != ident.ScopeAll {
		out = s.appendMatchesLocked(out, filter, scope)
	}
	return out
}

func (s *retainedStore) appendMatchesLocked(out []retainedMessage, filter *Filter, scope ident.Scope) []retainedMessage {
	actions := s.byScope[scope]
	if len(actions) == 0 {
		return out
	}
	for _, action := range filter.Actions {
		for _, entry := range actions[action] {
			if filter.MatchesMessage(entry.message) {
				out = append(out, entry.clone())
			}
		}
	}
	return out
}

// purgeScopeLocked drops every retained value recorded for scope.
// Reports how many entries were removed.
func (s *retainedStore) purgeScopeLocked(scope ident.Scope) int {
	actions := s.byScope[scope]
	if len(actions) == 0 {
		return 0
	}
	removed := 0
	for _, entries := range actions {
		removed += len(entries)
	}
	delete(s.byScope, scope)
	return removed
}

// snapshotLocked deep-copies the cache contents for serialization
// outside the lock.
func (s *retainedStore) snapshotLocked() map[ident.Scope]map[string][]retainedMessage {
	out := make(map[ident.Scope]map[string][]retainedMessage, len(s.byScope))
	for scope, actions := range s.byScope {
		actionsCopy := make(map[string][]retainedMessage, len(actions))
		for action, entries := range actions {
			entriesCopy := make([]retainedMessage, len(entries))
			for i, entry := range entries {
				entriesCopy[i] = entry.clone()
			}
			actionsCopy[action] = entriesCopy
		}
		out[scope] = actionsCopy
	}
	return out
}

// restoreLocked replaces the cache contents with a snapshot, cloning
// every message so the caller keeps no aliases into the store.
func (s *retainedStore) restoreLocked(data map[ident.Scope]map[string][]retainedMessage) {
	s.byScope = make(map[ident.Scope]map[string][]retainedMessage, len(data))
	for scope, actions := range data {
		actionsCopy := make(map[string][]retainedMessage, len(actions))
		for action, entries := range actions {
			if len(entries) == 0 {
				continue
			}
			entriesCopy := make([]retainedMessage, len(entries))
			for i, entry := range entries {
				entriesCopy[i] = entry.clone()
			}
			actionsCopy[action] = entriesCopy
		}
		if len(actionsCopy) > 0 {
			s.byScope[scope] = actionsCopy
		}
	}
}

// countLocked returns the number of retained entries across all
// scopes.
func (s *retainedStore) countLocked() int {
	total := 0
	for _, actions := range s.byScope {
		for _, entries := range actions {
			total += len(entries)
		}
	}
	return total
}
