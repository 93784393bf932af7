// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/herald/lib/ident"
)

// resolver computes the recipient list for one admitted submission:
// static recipients from the installed-component index, dynamic
// subscriptions from the registry, merged into a single
// priority-ordered list. It holds no state of its own beyond wiring.
type resolver struct {
	log    *slog.Logger
	reg    *registry
	index  RecipientIndex
	oracle PolicyOracle

	// singletonVisible gates single-instance recipients by target
	// scope. nil restricts them to primary-scope targets.
	singletonVisible SingletonVisibleFunc
}

// resolveRequest carries one submission through resolution. scopes is
// the concrete target list; an all-scopes submission has already been
// expanded to the running scopes.
type resolveRequest struct {
	msg              *Message
	sender           ident.Identity
	senderPrivileged bool
	scopes           []ident.Scope
	opts             *SubmitOptions

	// excludedPackages maps package name to install nesting depth;
	// a positive count means the package is mid-install.
	excludedPackages map[string]int
}

// resolveLocked returns the delivery list for the request. An empty
// result is a normal outcome.
func (rv *resolver) resolveLocked(req resolveRequest) *ResolvedDelivery {
	statics := rv.staticRecipientsLocked(req)
	dynamics := rv.dynamicMatchesLocked(req)
	return &ResolvedDelivery{
		Recipients: mergeRecipients(statics, dynamics),
		Scopes:     req.scopes,
	}
}

// staticRecipientsLocked queries the index for every target scope and
// filters the results down to the recipients this sender may reach.
// Single-instance recipients resolve only for scopes the visibility
// rule admits and collapse to one entry pinned to the primary scope.
func (rv *resolver) staticRecipientsLocked(req resolveRequest) []StaticRecipient {
	if req.msg.Flags.Has(FlagRegisteredOnly) {
		return nil
	}
	var out []StaticRecipient
	var seenSingle map[ident.Component]bool
	for _, scope := range req.scopes {
		for _, rec := range rv.index.Query(req.msg, scope) {
			if rec.PrimaryScopeOnly && scope != ident.ScopePrimary {
				continue
			}
			if rec.SingleInstance {
				if !rv.singletonReachable(rec, scope) {
					continue
				}
				if seenSingle[rec.Component] {
					continue
				}
				if seenSingle == nil {
					seenSingle = make(map[ident.Component]bool)
				}
				seenSingle[rec.Component] = true
				rec.Scope = ident.ScopePrimary
			}
			if !rv.admitStaticLocked(req, &rec) {
				continue
			}
			out = append(out, rec)
		}
	}
	// Per-scope results arrive priority-sorted; a stable sort gives a
	// single descending order across scopes without reshuffling ties.
	slices.SortStableFunc(out, func(a, b StaticRecipient) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out
}

// singletonReachable applies the configured single-instance visibility
// rule. Without one, singletons resolve only for submissions that
// target the primary scope.
func (rv *resolver) singletonReachable(rec StaticRecipient, scope ident.Scope) bool {
	if rv.singletonVisible != nil {
		return rv.singletonVisible(rec, scope)
	}
	return scope == ident.ScopePrimary
}

func (rv *resolver) admitStaticLocked(req resolveRequest, rec *StaticRecipient) bool {
	if req.excludedPackages[rec.Package] > 0 {
		rv.log.Debug("skipping recipient in mid-install package",
			"component", rec.Component.String(), "action", req.msg.Action)
		return false
	}
	if !allowlisted(req.opts.AllowedAppIDs, rec.Owner) {
		return false
	}
	sameOwner := req.sender.UID == rec.Owner
	if !rec.Exported && !sameOwner && !req.senderPrivileged {
		return false
	}
	if req.sender.Confined && !rec.ConfinedVisible && !sameOwner && !req.senderPrivileged {
		return false
	}
	for _, capability := range rec.RequiredCapabilities {
		if rv.oracle.CheckCapability(req.sender, capability) != Granted {
			rv.log.Debug("sender lacks capability required by recipient",
				"capability", capability,
				"component", rec.Component.String(),
				"sender", req.sender.String())
			return false
		}
	}
	if !rv.recipientHoldsAll(ident.Identity{UID: rec.Owner, Package: rec.Package}, req.opts.RequiredCapabilities) {
		return false
	}
	return true
}

// dynamicMatchesLocked returns the matching subscriptions this sender
// may reach. Explicit messages never match dynamic subscriptions.
func (rv *resolver) dynamicMatchesLocked(req resolveRequest) []*Subscription {
	if req.msg.Explicit() {
		return nil
	}
	matched := rv.reg.matchLocked(req.msg, req.scopes)
	out := matched[:0]
	for _, sub := range matched {
		if rv.admitSubscriptionLocked(req, sub) {
			out = append(out, sub)
		}
	}
	return out
}

func (rv *resolver) admitSubscriptionLocked(req resolveRequest, sub *Subscription) bool {
	if req.msg.Package != "" && req.msg.Package != sub.Identity.Package {
		return false
	}
	if req.excludedPackages[sub.Identity.Package] > 0 {
		return false
	}
	if !allowlisted(req.opts.AllowedAppIDs, sub.Identity.UID) {
		return false
	}
	sameOwner := req.sender.UID == sub.Identity.UID
	if !sub.Visibility.exported() && !sameOwner && !req.senderPrivileged {
		return false
	}
	if req.sender.Confined && !sub.Visibility.ConfinedVisible && !sameOwner {
		return false
	}
	if sub.Identity.Confined && !req.msg.Flags.Has(FlagConfinedVisible) && !sameOwner {
		return false
	}
	if sub.RequiredCapability != "" &&
		rv.oracle.CheckCapability(req.sender, sub.RequiredCapability) != Granted {
		rv.log.Debug("sender lacks capability required by subscription",
			"capability", sub.RequiredCapability,
			"subscription_id", sub.id.String(),
			"sender", req.sender.String())
		return false
	}
	if !rv.recipientHoldsAll(sub.Identity, req.opts.RequiredCapabilities) {
		return false
	}
	if rv.oracle.IsBackgroundRestricted(sub.Identity.UID) &&
		!req.msg.Flags.Has(FlagIncludeBackground) &&
		req.opts.TempExemptTarget != sub.Identity.UID {
		rv.log.Debug("skipping background-restricted recipient",
			"recipient", sub.Identity.String(), "action", req.msg.Action)
		return false
	}
	return true
}

func (rv *resolver) recipientHoldsAll(recipient ident.Identity, capabilities []string) bool {
	for _, capability := range capabilities {
		if rv.oracle.CheckCapability(recipient, capability) != Granted {
			rv.log.Debug("recipient lacks capability required by sender",
				"capability", capability, "recipient", recipient.String())
			return false
		}
	}
	return true
}

// allowlisted applies the sender's recipient allowlist. System-range
// owners pass unconditionally; a nil allowlist admits everyone.
func allowlisted(allowed []ident.AppID, owner ident.UID) bool {
	if allowed == nil {
		return true
	}
	appID := owner.AppID()
	if !appID.IsApplication() {
		return true
	}
	return slices.Contains(allowed, appID)
}

// mergeRecipients interleaves the two priority-sorted lists into
// delivery order. On equal priority the dynamic subscription goes
// first.
func mergeRecipients(statics []StaticRecipient, dynamics []*Subscription) []Recipient {
	if len(statics) == 0 && len(dynamics) == 0 {
		return nil
	}
	out := make([]Recipient, 0, len(statics)+len(dynamics))
	si, di := 0, 0
	for si < len(statics) && di < len(dynamics) {
		if dynamics[di].Priority() >= statics[si].Priority {
			out = append(out, Recipient{Subscription: dynamics[di]})
			di++
		} else {
			rec := statics[si]
			out = append(out, Recipient{Static: &rec})
			si++
		}
	}
	for ; di < len(dynamics); di++ {
		out = append(out, Recipient{Subscription: dynamics[di]})
	}
	for ; si < len(statics); si++ {
		rec := statics[si]
		out = append(out, Recipient{Static: &rec})
	}
	return out
}
