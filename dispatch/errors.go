// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/herald/lib/ident"
)

// RejectionKind classifies why a submission or registration was
// refused. Every refusal surfaces synchronously as a *RejectionError;
// nothing is retried internally.
type RejectionKind int

const (
	// RejectionSecurity covers admission-gate failures: protected
	// actions from unprivileged callers, missing capabilities,
	// cross-scope registration without privilege.
	RejectionSecurity RejectionKind = iota

	// RejectionMalformed covers requests that are the caller's bug:
	// retained messages with capability requirements or explicit
	// targets, payloads carrying resource handles, wildcard/specific
	// retention conflicts.
	RejectionMalformed

	// RejectionResourceExhausted covers the per-process subscription
	// cap.
	RejectionResourceExhausted

	// RejectionOwnershipMismatch covers registrations whose recorded
	// owner differs from the caller, including owners whose process
	// is already dead.
	RejectionOwnershipMismatch
)

// String returns the kind's log label.
func (k RejectionKind) String() string {
	switch k {
	case RejectionSecurity:
		return "security"
	case RejectionMalformed:
		return "malformed"
	case RejectionResourceExhausted:
		return "resource-exhausted"
	case RejectionOwnershipMismatch:
		return "ownership-mismatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RejectionError is the structured refusal returned by Submit,
// Register, and Unregister. Callers can use errors.As to extract it:
//
//	var rejection *dispatch.RejectionError
//	if errors.As(err, &rejection) {
//	    if rejection.Kind == dispatch.RejectionSecurity { ... }
//	}
type RejectionError struct {
	// Kind classifies the refusal.
	Kind RejectionKind
	// Action is the message action involved, when there is one.
	Action string
	// Caller is the identity the refusal is attributed to.
	Caller ident.Identity
	// Reason is the human-readable explanation.
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("dispatch: %s: %s (caller %v)", e.Kind, e.Reason, e.Caller)
	}
	return fmt.Sprintf("dispatch: %s: %s (action %q, caller %v)", e.Kind, e.Reason, e.Action, e.Caller)
}

// IsRejection checks whether err is a *RejectionError of the given
// kind.
func IsRejection(err error, kind RejectionKind) bool {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Kind == kind
	}
	return false
}

// rejectf builds a *RejectionError with a formatted reason.
func rejectf(kind RejectionKind, caller ident.Identity, action, format string, args ...any) *RejectionError {
	return &RejectionError{
		Kind:   kind,
		Action: action,
		Caller: caller,
		Reason: fmt.Sprintf(format, args...),
	}
}
