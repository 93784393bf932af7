// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policydef provides parsing and validation for herald
// admission-policy definitions: the action and identity lists the
// admission gate consults when deciding whether a submission may
// proceed.
//
// Policy definitions are authored on disk as JSONC files (JSON extended
// with comments and trailing commas) so deployments can annotate why an
// action is listed. The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Policy
//  2. Validate: structural checks (no empty action names, no duplicates)
//  3. Hand the Policy to dispatch.New via Config
//
// Default returns the built-in policy used when a deployment ships no
// file of its own.
package policydef

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/herald/lib/ident"
)

// Policy is the admission gate's tunable surface. All lists are small
// (tens of entries at most); predicate methods use linear scans.
type Policy struct {
	// PrivilegedAppIDs lists the reserved application IDs whose
	// callers count as privileged system identities, in addition to
	// processes flagged persistent. App IDs compare scope-independent:
	// the core service is privileged in every scope.
	PrivilegedAppIDs []ident.AppID `json:"privileged_app_ids"`

	// SelfTargetedActions lists legacy actions any caller may send
	// despite a protected classification, but only narrowed to the
	// caller's own package: either an explicit component in the
	// caller's declaring package, or no component at all (the gate
	// then pins the message to the caller's package).
	SelfTargetedActions []string `json:"self_targeted_actions"`

	// AlwaysDeliverActions lists actions that may be submitted to a
	// scope that is not currently running, and that are delivered to
	// background-limited recipients regardless of throttling.
	AlwaysDeliverActions []string `json:"always_deliver_actions"`

	// EscalatedActions lists actions for which a privileged
	// registrant's subscription is raised to PrioritySystemHigh when
	// the filter does not set an explicit priority. Core state
	// transitions are delivered to system subscribers before any
	// application sees them.
	EscalatedActions []string `json:"escalated_actions"`
}

// Default returns the built-in policy: root and the core service are
// privileged; the two legacy panel actions are self-targeted; shutdown
// is deliverable to stopped scopes; the core display/user/time
// transitions are escalated.
func Default() *Policy {
	return &Policy{
		PrivilegedAppIDs: []ident.AppID{ident.AppIDRoot, ident.AppIDCore},
		SelfTargetedActions: []string{
			"herald.panel.CONFIGURE",
			"herald.panel.UPDATE",
		},
		AlwaysDeliverActions: []string{
			"herald.system.SHUTDOWN",
		},
		EscalatedActions: []string{
			"herald.display.SLEEP",
			"herald.display.WAKE",
			"herald.user.PRESENT",
			"herald.time.TICK",
		},
	}
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Policy.
func Parse(data []byte) (*Policy, error) {
	stripped := jsonc.ToJSON(data)

	var policy Policy
	if err := json.Unmarshal(stripped, &policy); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}

	return &policy, nil
}

// ReadFile reads a JSONC policy file from disk and parses it.
func ReadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	policy, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return policy, nil
}

// Validate performs structural checks: no negative app IDs, no empty
// action names, no duplicates within a list.
func (p *Policy) Validate() error {
	for _, app := range p.PrivilegedAppIDs {
		if app < 0 {
			return fmt.Errorf("privileged app ID %d is negative", app)
		}
	}
	lists := []struct {
		name    string
		actions []string
	}{
		{"self_targeted_actions", p.SelfTargetedActions},
		{"always_deliver_actions", p.AlwaysDeliverActions},
		{"escalated_actions", p.EscalatedActions},
	}
	for _, list := range lists {
		seen := make(map[string]bool, len(list.actions))
		for _, action := range list.actions {
			if action == "" {
				return fmt.Errorf("%s contains an empty action name", list.name)
			}
			if seen[action] {
				return fmt.Errorf("%s lists %q twice", list.name, action)
			}
			seen[action] = true
		}
	}
	return nil
}

// IsPrivilegedAppID reports whether the app ID is in the privileged
// set.
func (p *Policy) IsPrivilegedAppID(app ident.AppID) bool {
	return slices.Contains(p.PrivilegedAppIDs, app)
}

// IsSelfTargeted reports whether the action is in the self-targeted
// legacy set.
func (p *Policy) IsSelfTargeted(action string) bool {
	return slices.Contains(p.SelfTargetedActions, action)
}

// IsAlwaysDeliver reports whether the action may reach scopes that are
// not running and background-limited recipients.
func (p *Policy) IsAlwaysDeliver(action string) bool {
	return slices.Contains(p.AlwaysDeliverActions, action)
}

// IsEscalated reports whether privileged subscriptions to the action
// default to system-high priority.
func (p *Policy) IsEscalated(action string) bool {
	return slices.Contains(p.EscalatedActions, action)
}
