// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"

	"github.com/bureau-foundation/herald/lib/ident"
	"github.com/bureau-foundation/herald/lib/policydef"
)

// admissionGate runs the security checks on a submission before any
// state changes. A rejected submission leaves the router exactly as it
// was.
type admissionGate struct {
	log    *slog.Logger
	index  RecipientIndex
	oracle PolicyOracle
	policy *policydef.Policy
}

// admitRequest is one submission at the gate. scope is the normalized
// target (concrete or ScopeAll); realCaller is the undelegated
// identity when the sender acts on another's behalf.
type admitRequest struct {
	msg        *Message
	sender     ident.Identity
	realCaller ident.Identity
	scope      ident.Scope
	opts       *SubmitOptions
	privileged bool
}

// isPrivileged reports whether the identity may use the privileged
// submission surface: reserved system app IDs, plus processes the
// policy oracle flags persistent.
func (g *admissionGate) isPrivileged(id ident.Identity) bool {
	return g.policy.IsPrivilegedAppID(id.UID.AppID()) || g.oracle.IsPersistentProcess(id)
}

// admitLocked runs the gate. It may narrow the message (self-targeted
// actions get the sender's package stamped in) but never otherwise
// mutates it. A true suppressed return means the submission should be
// silently dropped and reported as success.
func (g *admissionGate) admitLocked(req admitRequest) (suppressed bool, err error) {
	msg, sender := req.msg, req.sender

	if !req.privileged && req.scope != sender.Scope() {
		return false, rejectf(RejectionSecurity, sender, msg.Action,
			"submitting to scope %v requires privileged identity", req.scope)
	}

	if g.index.IsProtected(msg.Action) && !req.privileged {
		g.log.Warn("denying protected action from unprivileged sender",
			"action", msg.Action, "sender", sender.String())
		return false, rejectf(RejectionSecurity, sender, msg.Action,
			"action is reserved for privileged senders")
	}

	if !req.privileged && g.policy.IsSelfTargeted(msg.Action) {
		switch {
		case sender.Package == "":
			return false, rejectf(RejectionSecurity, sender, msg.Action,
				"action requires a sender with a declared package")
		case msg.Explicit():
			if msg.Component.Package() != sender.Package {
				return false, rejectf(RejectionSecurity, sender, msg.Action,
					"action may only target the sender's own package, not %q",
					msg.Component.Package())
			}
		case msg.Package == sender.Package:
			// Already self-targeted.
		case msg.Package == "":
			g.log.Warn("narrowing self-targeted action to sender package",
				"action", msg.Action, "sender", sender.String())
			msg.Package = sender.Package
		default:
			return false, rejectf(RejectionSecurity, sender, msg.Action,
				"action may only target the sender's own package, not %q", msg.Package)
		}
	}

	if req.opts.AlarmOrigin && !req.privileged {
		return false, rejectf(RejectionSecurity, sender, msg.Action,
			"alarm-origin submissions require privileged identity")
	}

	if msg.Flags.Has(FlagRetain) {
		if msg.Flags.Has(FlagClearRetained) {
			return false, rejectf(RejectionMalformed, sender, msg.Action,
				"message cannot both retain and clear a retained value")
		}
		if len(req.opts.RequiredCapabilities) > 0 {
			return false, rejectf(RejectionMalformed, sender, msg.Action,
				"retained message cannot require recipient capabilities")
		}
		if msg.Explicit() {
			return false, rejectf(RejectionMalformed, sender, msg.Action,
				"retained message cannot target an explicit component")
		}
	}
	if msg.Flags.Has(FlagRetain) || msg.Flags.Has(FlagClearRetained) {
		if g.oracle.CheckCapability(sender, CapabilityRetain) != Granted {
			return false, rejectf(RejectionSecurity, sender, msg.Action,
				"sender lacks %s", CapabilityRetain)
		}
	}

	if req.opts.TempExemptTarget != 0 {
		if g.oracle.CheckCapability(req.realCaller, CapabilityBackgroundExempt) != Granted {
			return false, rejectf(RejectionSecurity, req.realCaller, msg.Action,
				"granting a background exemption requires %s", CapabilityBackgroundExempt)
		}
	}

	if req.opts.SuppressRestricted && !req.privileged &&
		g.oracle.IsBackgroundRestricted(sender.UID) {
		g.log.Debug("suppressing submission from background-restricted sender",
			"action", msg.Action, "sender", sender.String())
		return true, nil
	}

	return false, nil
}

// auditSystemOrigin logs privileged submissions of unprotected
// actions. Any process can spoof those, so recipients cannot trust the
// sender; the audit makes such actions visible without rejecting them.
// Targeted messages are exempt.
func (g *admissionGate) auditSystemOrigin(msg *Message, sender ident.Identity, privileged bool) {
	if !privileged && sender.UID.AppID().IsApplication() {
		return
	}
	if msg.Explicit() || msg.Package != "" {
		return
	}
	if g.index.IsProtected(msg.Action) || g.policy.IsAlwaysDeliver(msg.Action) {
		return
	}
	g.log.Warn("privileged sender submitted unprotected action",
		"action", msg.Action, "sender", sender.String())
}
