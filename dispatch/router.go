// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/herald/lib/clock"
	"github.com/bureau-foundation/herald/lib/config"
	"github.com/bureau-foundation/herald/lib/ident"
	"github.com/bureau-foundation/herald/lib/policydef"
	"github.com/bureau-foundation/herald/lib/procwatch"
)

// Status is the outcome of a submission. Rejections carry a
// *RejectionError with the details; StatusRejectedNotRunning is an
// environmental outcome and comes with a nil error.
type Status int

const (
	// StatusSuccess means the submission was accepted. It says
	// nothing about delivery: the resolution may have been empty, or
	// the message suppressed for a background-restricted sender.
	StatusSuccess Status = iota

	// StatusRejectedPermission means the admission gate refused the
	// submission on security grounds.
	StatusRejectedPermission

	// StatusRejectedMalformed means the submission itself was
	// invalid.
	StatusRejectedMalformed

	// StatusRejectedNotRunning means the target scope is not running.
	StatusRejectedNotRunning
)

// String returns the status name for log output.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRejectedPermission:
		return "rejected-permission"
	case StatusRejectedMalformed:
		return "rejected-malformed"
	case StatusRejectedNotRunning:
		return "rejected-not-running"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Options configures a Router. Index, Oracle, Scopes, and
// Lanes.Default are required; everything else has a default.
type Options struct {
	// Logger receives structured router logs. Nil discards them.
	Logger *slog.Logger

	// Clock drives statistics-window rotation. Nil means wall clock.
	Clock clock.Clock

	// Config is the router configuration. Nil means config.Default.
	Config *config.Config

	// Policy is the admission policy. Nil means policydef.Default.
	Policy *policydef.Policy

	// Index answers static recipient queries.
	Index RecipientIndex

	// Oracle answers capability and background-policy checks.
	Oracle PolicyOracle

	// Scopes reports running scopes.
	Scopes ScopeDirectory

	// Processes attaches death observers for registration teardown.
	// Nil means a procwatch.Watcher on the local host.
	Processes ProcessDirectory

	// Lanes are the delivery pipelines. Default is required;
	// Foreground and Offload fall back to Default when nil.
	Lanes Lanes

	// SingletonVisible overrides the reachability rule for
	// single-instance static recipients. Nil restricts them to
	// submissions that target the primary scope.
	SingletonVisible SingletonVisibleFunc
}

// Router is the message-routing core: it admits submissions, keeps
// the subscription registry and the retained-value cache, resolves
// recipients, and hands each admitted message to exactly one delivery
// lane. One mutex serializes all state transitions; nothing under it
// blocks, so the lock is held only for in-memory work.
type Router struct {
	log    *slog.Logger
	clk    clock.Clock
	cfg    *config.Config
	policy *policydef.Policy

	index  RecipientIndex
	oracle PolicyOracle
	scopes ScopeDirectory
	procs  ProcessDirectory
	lanes  Lanes

	mu         sync.Mutex
	ready      bool
	reg        *registry
	retained   *retainedStore
	gate       *admissionGate
	resolve    *resolver
	stats      *deliveryStats
	installing map[string]int
}

// New builds a Router from options.
func New(opts Options) (*Router, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("dispatch: Options.Index is required")
	}
	if opts.Oracle == nil {
		return nil, fmt.Errorf("dispatch: Options.Oracle is required")
	}
	if opts.Scopes == nil {
		return nil, fmt.Errorf("dispatch: Options.Scopes is required")
	}
	if opts.Lanes.Default == nil {
		return nil, fmt.Errorf("dispatch: Options.Lanes.Default is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: invalid configuration: %w", err)
	}
	policy := opts.Policy
	if policy == nil {
		policy = policydef.Default()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: invalid policy: %w", err)
	}
	procs := opts.Processes
	if procs == nil {
		procs = procwatch.New(log)
	}

	r := &Router{
		log:        log,
		clk:        clk,
		cfg:        cfg,
		policy:     policy,
		index:      opts.Index,
		oracle:     opts.Oracle,
		scopes:     opts.Scopes,
		procs:      procs,
		lanes:      opts.Lanes,
		ready:      cfg.Routing.ReadyAtStart,
		reg:        newRegistry(log, cfg.Limits.MaxSubscriptionsPerProcess),
		retained:   newRetainedStore(log),
		stats:      newDeliveryStats(clk, time.Duration(cfg.Stats.Window)),
		installing: make(map[string]int),
	}
	r.gate = &admissionGate{log: log, index: opts.Index, oracle: opts.Oracle, policy: policy}
	r.resolve = &resolver{
		log:              log,
		reg:              r.reg,
		index:            opts.Index,
		oracle:           opts.Oracle,
		singletonVisible: opts.SingletonVisible,
	}
	return r, nil
}

// SubmitOptions carries the per-submission parameters beyond the
// message itself. The zero value targets the primary scope with no
// recipient constraints; use ScopeCaller to target the sender's own
// scope.
type SubmitOptions struct {
	// Scope is the target scope: a concrete scope, ScopeAll for
	// every running scope, or ScopeCaller for the sender's own.
	Scope ident.Scope

	// RequiredCapabilities must all be held by every recipient.
	RequiredCapabilities []string

	// AllowedAppIDs, when non-nil, restricts application-range
	// recipients to the listed app IDs. System-range recipients are
	// never filtered.
	AllowedAppIDs []ident.AppID

	// TempExemptTarget asks the delivery lane to exempt this UID from
	// background-execution limits while the message is in flight.
	// Requires CapabilityBackgroundExempt on the real caller.
	TempExemptTarget ident.UID

	// TempExemptDuration bounds the exemption.
	TempExemptDuration time.Duration

	// SuppressRestricted silently drops the submission instead of
	// delivering when the sender is background-restricted. The drop
	// reports StatusSuccess.
	SuppressRestricted bool

	// AlarmOrigin marks the submission as fired from a scheduled
	// alarm. Privileged senders only.
	AlarmOrigin bool

	// RealCaller is the undelegated identity when the sender submits
	// on another component's behalf. Exemption capability checks run
	// against it. Zero means the sender itself.
	RealCaller ident.Identity
}

// Submit routes one message: admission checks, retained-cache update,
// recipient resolution, lane hand-off, in that order. A rejected
// submission changes no state.
//
// The error, when non-nil, is a *RejectionError elaborating the
// status. StatusRejectedNotRunning comes with a nil error: a stopped
// scope is an environmental outcome, not a caller bug.
func (r *Router) Submit(sender ident.Identity, msg *Message, opts *SubmitOptions) (Status, error) {
	if opts == nil {
		opts = &SubmitOptions{Scope: ident.ScopeCaller}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	privileged := r.gate.isPrivileged(sender)

	// Validation. Everything past this point works on a private
	// clone, so later stages may stamp flags and narrow targeting
	// without touching the caller's message.
	if msg == nil {
		return StatusRejectedMalformed, rejectf(RejectionMalformed, sender, "", "message is nil")
	}
	if msg.Action == "" && !msg.Explicit() {
		r.statsRejectionLocked("")
		return StatusRejectedMalformed, rejectf(RejectionMalformed, sender, "",
			"message has neither an action nor an explicit component")
	}
	if msg.Payload.HasResourceHandles() {
		r.statsRejectionLocked(msg.Action)
		return StatusRejectedMalformed, rejectf(RejectionMalformed, sender, msg.Action,
			"payload carries resource handles")
	}
	cloned, err := msg.Clone()
	if err != nil {
		r.statsRejectionLocked(msg.Action)
		return StatusRejectedMalformed, rejectf(RejectionMalformed, sender, msg.Action,
			"payload is not encodable: %v", err)
	}
	msg = cloned

	scope := opts.Scope
	if scope == ident.ScopeCaller {
		scope = sender.Scope()
	}
	if !scope.IsConcrete() && scope != ident.ScopeAll {
		r.statsRejectionLocked(msg.Action)
		return StatusRejectedMalformed, rejectf(RejectionMalformed, sender, msg.Action,
			"scope %v is not a valid submission target", scope)
	}

	if !msg.Flags.Has(FlagIncludeStopped) {
		msg.Flags = msg.Flags.With(FlagExcludeStopped)
	}
	if r.policy.IsAlwaysDeliver(msg.Action) {
		msg.Flags = msg.Flags.With(FlagIncludeBackground)
	}
	if !r.ready && !msg.Flags.Has(FlagDeliverBeforeReady) {
		// Static recipients would cold-start processes the host is
		// not ready to manage, so the boot phase serves registered
		// subscribers only.
		msg.Flags = msg.Flags.With(FlagRegisteredOnly)
	}

	realCaller := opts.RealCaller
	if realCaller == (ident.Identity{}) {
		realCaller = sender
	}

	suppressed, err := r.gate.admitLocked(admitRequest{
		msg:        msg,
		sender:     sender,
		realCaller: realCaller,
		scope:      scope,
		opts:       opts,
		privileged: privileged,
	})
	if err != nil {
		r.statsRejectionLocked(msg.Action)
		r.log.Debug("submission rejected",
			"action", msg.Action, "sender", sender.String(), "error", err)
		return statusForRejection(err), err
	}
	if suppressed {
		r.stats.recordSuppressionLocked(msg.Action)
		return StatusSuccess, nil
	}

	// Clearing a retained value is a pure cache undo: no resolution,
	// no delivery, and it works even when the scope is stopped.
	if msg.Flags.Has(FlagClearRetained) {
		r.retained.unrecordLocked(msg, scope)
		return StatusSuccess, nil
	}

	if scope != ident.ScopeAll && !r.policy.IsAlwaysDeliver(msg.Action) &&
		!r.scopes.IsRunning(scope) {
		r.statsRejectionLocked(msg.Action)
		r.log.Debug("dropping submission to stopped scope",
			"action", msg.Action, "scope", scope.String())
		return StatusRejectedNotRunning, nil
	}

	if msg.Flags.Has(FlagRetain) {
		if err := r.retained.recordLocked(sender, msg, scope, r.clk.Now()); err != nil {
			r.statsRejectionLocked(msg.Action)
			return statusForRejection(err), err
		}
	}

	targetScopes := []ident.Scope{scope}
	if scope == ident.ScopeAll {
		targetScopes = r.scopes.Running()
	}
	delivery := r.resolve.resolveLocked(resolveRequest{
		msg:              msg,
		sender:           sender,
		senderPrivileged: privileged,
		scopes:           targetScopes,
		opts:             opts,
		excludedPackages: r.installing,
	})
	delivery.TempExemptTarget = opts.TempExemptTarget
	delivery.TempExemptDuration = opts.TempExemptDuration

	r.gate.auditSystemOrigin(msg, sender, privileged)

	if delivery.Empty() {
		r.stats.recordEmptyLocked(msg.Action)
		r.log.Debug("message resolved no recipients",
			"action", msg.Action, "sender", sender.String(), "scope", scope.String())
		return StatusSuccess, nil
	}

	r.stats.recordSendLocked(msg.Action, len(delivery.Recipients))
	r.selectLane(msg.Flags).Submit(msg, delivery)
	return StatusSuccess, nil
}

// statsRejectionLocked records a rejection, tolerating an empty
// action for messages rejected before they had one.
func (r *Router) statsRejectionLocked(action string) {
	if action == "" {
		action = "(none)"
	}
	r.stats.recordRejectionLocked(action)
}

// selectLane picks the delivery lane from message flags: foreground
// wins, then offload when enabled, then the default lane.
func (r *Router) selectLane(flags Flags) Lane {
	switch {
	case flags.Has(FlagForeground):
		if r.lanes.Foreground != nil {
			return r.lanes.Foreground
		}
	case flags.Has(FlagOffloadEligible) && r.cfg.Routing.OffloadEnabled:
		if r.lanes.Offload != nil {
			return r.lanes.Offload
		}
	}
	return r.lanes.Default
}

// statusForRejection maps a gate or cache error to the submission
// status reported to the caller.
func statusForRejection(err error) Status {
	var rejection *RejectionError
	if errors.As(err, &rejection) && rejection.Kind == RejectionMalformed {
		return StatusRejectedMalformed
	}
	return StatusRejectedPermission
}

// RegisterOptions carries the per-registration parameters beyond the
// receiver and filter. The zero value registers for the primary scope
// with default visibility; use ScopeCaller for the caller's own
// scope.
type RegisterOptions struct {
	// Scope the subscription receives for: a concrete scope,
	// ScopeCaller for the caller's own, or ScopeAll (privileged) for
	// every scope.
	Scope ident.Scope

	// RequiredCapability, when set, must be held by senders for
	// their messages to reach this subscription.
	RequiredCapability string

	// Visibility controls which senders can reach the subscription.
	Visibility Visibility
}

// Register adds a dynamic subscription for the receiver and returns
// its handle together with the retained messages the filter matches
// and the subscription may see, cross-scope values first. Each
// returned retained message is also submitted to its delivery lane
// addressed to the new subscription alone.
//
// Registering a filter the receiver already holds is a warning no-op:
// the existing handle and the matching retained messages are returned,
// but nothing is re-submitted.
func (r *Router) Register(caller ident.Identity, receiver Receiver, filter Filter, opts *RegisterOptions) (Registration, []*Message, error) {
	if opts == nil {
		opts = &RegisterOptions{Scope: ident.ScopeCaller}
	}
	if receiver == nil {
		return Registration{}, nil, rejectf(RejectionMalformed, caller, "", "receiver is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	privileged := r.gate.isPrivileged(caller)

	scope := opts.Scope
	if scope == ident.ScopeCaller {
		scope = caller.Scope()
	}
	if !scope.IsConcrete() && scope != ident.ScopeAll {
		return Registration{}, nil, rejectf(RejectionMalformed, caller, "",
			"scope %v is not a valid registration target", scope)
	}
	if !privileged && scope != caller.Scope() {
		return Registration{}, nil, rejectf(RejectionSecurity, caller, "",
			"registering for scope %v requires privileged identity", scope)
	}

	if err := opts.Visibility.validate(&filter, r.index.IsProtected); err != nil {
		return Registration{}, nil, rejectf(RejectionSecurity, caller, "", "%v", err)
	}

	if !privileged {
		filter.Priority = min(max(filter.Priority, PrioritySystemLow), PrioritySystemHigh)
	} else if filter.Priority < PrioritySystemHigh && r.anyEscalated(filter.Actions) {
		// Privileged subscribers to escalated actions are moved to
		// the front so host components observe state transitions
		// before applications do.
		filter.Priority = PrioritySystemHigh
	}

	sub, duplicate, err := r.reg.registerLocked(registerRequest{
		identity:           caller,
		scope:              scope,
		receiver:           receiver,
		filter:             filter,
		requiredCapability: opts.RequiredCapability,
		visibility:         opts.Visibility,
	})
	if err != nil {
		return Registration{}, nil, err
	}

	set := sub.set
	if !duplicate && len(set.subs) == 1 && caller.PID > 0 {
		cancel, err := r.procs.DeathLink(caller.PID, func() { r.reapReceiverSet(set) })
		if err != nil {
			r.reg.removeSetLocked(set)
			return Registration{}, nil, rejectf(RejectionMalformed, caller, "",
				"watching registering process %d: %v", caller.PID, err)
		}
		set.cancelDeathLink = cancel
	}

	var replay []*Message
	for _, entry := range r.retained.queryLocked(&filter, scope) {
		if !r.replayable(entry, sub) {
			continue
		}
		replay = append(replay, entry.message)
	}
	if !duplicate {
		for _, retained := range replay {
			r.stats.recordReplaysLocked(retained.Action, 1)
			r.selectLane(retained.Flags).Submit(retained, &ResolvedDelivery{
				Recipients: []Recipient{{Subscription: sub}},
				Scopes:     []ident.Scope{scope},
			})
		}
		r.log.Debug("registered subscription",
			"owner", caller.String(),
			"subscription_id", sub.id.String(),
			"scope", scope.String(),
			"actions", filter.Actions,
			"replayed", len(replay))
	}
	return Registration{id: set.id, set: set}, replay, nil
}

// replayable reports whether a retained entry may be replayed into a
// new subscription: the resolve-time visibility rules, with the
// recording caller standing in as the sender. The recorder's privilege
// is judged by app ID alone since its process may be long gone.
func (r *Router) replayable(entry retainedMessage, sub *Subscription) bool {
	if entry.origin == sub.Identity.UID {
		return true
	}
	if !sub.Visibility.exported() && !r.policy.IsPrivilegedAppID(entry.origin.AppID()) {
		return false
	}
	if entry.originConfined && !sub.Visibility.ConfinedVisible {
		return false
	}
	if sub.Identity.Confined && !entry.message.Flags.Has(FlagConfinedVisible) {
		return false
	}
	return true
}

func (r *Router) anyEscalated(actions []string) bool {
	for _, action := range actions {
		if r.policy.IsEscalated(action) {
			return true
		}
	}
	return false
}

// reapReceiverSet is the death-link callback: the owning process
// exited, so its receiver set goes away.
func (r *Router) reapReceiverSet(set *receiverSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := len(set.subs)
	if r.reg.removeSetLocked(set) {
		r.log.Info("removed subscriptions of dead process",
			"owner", set.identity.String(), "subscriptions", count)
	}
}

// Unregister removes every subscription behind the handle. Callers
// may remove only their own registrations unless privileged. A stale
// or zero handle is a warning no-op.
func (r *Router) Unregister(caller ident.Identity, handle Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.reg.setFor(handle)
	if set == nil {
		r.log.Warn("unregister of unknown subscription handle",
			"caller", caller.String())
		return nil
	}
	if caller.UID != set.identity.UID && !r.gate.isPrivileged(caller) {
		return rejectf(RejectionOwnershipMismatch, caller, "",
			"subscription is owned by %s", set.identity)
	}
	r.reg.removeSetLocked(set)
	return nil
}

// MarkReady ends the boot phase: submissions reach static recipients
// from here on.
func (r *Router) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	r.log.Info("router ready, static recipients eligible")
}

// BeginInstall excludes a package's recipients from resolution while
// its contents are being replaced. Calls nest.
func (r *Router) BeginInstall(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installing[pkg]++
}

// EndInstall re-admits a package's recipients. Unbalanced calls are a
// warning no-op.
func (r *Router) EndInstall(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch count := r.installing[pkg]; {
	case count > 1:
		r.installing[pkg] = count - 1
	case count == 1:
		delete(r.installing, pkg)
	default:
		r.log.Warn("unbalanced install end", "package", pkg)
	}
}

// PurgeScope removes every subscription registered for the scope and
// every retained value recorded under it. Used when a scope is torn
// down. Returns the numbers removed.
func (r *Router) PurgeScope(scope ident.Scope) (subscriptions, retained int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.reg.setsForScopeLocked(scope) {
		subscriptions += len(set.subs)
		r.reg.removeSetLocked(set)
	}
	retained = r.retained.purgeScopeLocked(scope)
	if subscriptions > 0 || retained > 0 {
		r.log.Info("purged scope",
			"scope", scope.String(),
			"subscriptions", subscriptions,
			"retained", retained)
	}
	return subscriptions, retained
}

// Retained returns clones of the retained messages the filter matches
// for the scope, cross-scope values first. A read-only peek; the cache
// is unchanged.
func (r *Router) Retained(filter Filter, scope ident.Scope) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, entry := range r.retained.queryLocked(&filter, scope) {
		out = append(out, entry.message)
	}
	return out
}

// SnapshotRetained serializes the retained-value cache. The cache is
// copied under the lock; encoding and compression run outside it.
func (r *Router) SnapshotRetained() ([]byte, error) {
	r.mu.Lock()
	data := r.retained.snapshotLocked()
	r.mu.Unlock()
	return encodeSnapshot(data)
}

// RestoreRetained replaces the retained-value cache with a snapshot's
// contents. Decoding runs outside the lock; a snapshot that fails
// verification leaves the cache untouched.
func (r *Router) RestoreRetained(blob []byte) error {
	data, err := decodeSnapshot(blob)
	if err != nil {
		return fmt.Errorf("restoring retained values: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained.restoreLocked(data)
	r.log.Info("restored retained values", "entries", r.retained.countLocked())
	return nil
}

// Stats returns copies of the current and last statistics windows.
func (r *Router) Stats() (current, last StatsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshotLocked()
}

// SubscriptionCount returns the number of live subscriptions.
func (r *Router) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.countLocked()
}

// RetainedCount returns the number of retained values.
func (r *Router) RetainedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retained.countLocked()
}
