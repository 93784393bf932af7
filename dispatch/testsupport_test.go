// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/herald/lib/clock"
	"github.com/bureau-foundation/herald/lib/config"
	"github.com/bureau-foundation/herald/lib/ident"
)

// Test identities. The application identities live in the primary
// scope unless a test composes its own.
var (
	testSystem = ident.Identity{
		UID:     ident.ComposeUID(ident.ScopePrimary, ident.AppIDCore),
		PID:     21,
		Package: "herald.core",
	}
	testApp = ident.Identity{
		UID:     ident.ComposeUID(ident.ScopePrimary, 10057),
		PID:     4101,
		Package: "com.example.alpha",
	}
	testOtherApp = ident.Identity{
		UID:     ident.ComposeUID(ident.ScopePrimary, 10099),
		PID:     4222,
		Package: "com.example.beta",
	}
)

// scopedIdentity places an app identity in another scope with the
// same app ID and package.
func scopedIdentity(base ident.Identity, scope ident.Scope) ident.Identity {
	return ident.Identity{
		UID:     ident.ComposeUID(scope, base.UID.AppID()),
		PID:     base.PID + ident.PID(scope)*1000,
		Package: base.Package,
	}
}

// staticEntry pairs an index recipient with the filter that selects
// messages for it.
type staticEntry struct {
	rec    StaticRecipient
	filter Filter
}

// fakeIndex is an in-memory RecipientIndex: per-scope static entries
// plus a protected-action set.
type fakeIndex struct {
	statics   map[ident.Scope][]staticEntry
	protected map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		statics:   make(map[ident.Scope][]staticEntry),
		protected: make(map[string]bool),
	}
}

func (x *fakeIndex) add(scope ident.Scope, rec StaticRecipient, filter Filter) {
	x.statics[scope] = append(x.statics[scope], staticEntry{rec: rec, filter: filter})
}

func (x *fakeIndex) Query(msg *Message, scope ident.Scope) []StaticRecipient {
	var out []StaticRecipient
	for _, entry := range x.statics[scope] {
		if msg.Explicit() {
			if entry.rec.Component != msg.Component {
				continue
			}
		} else {
			if msg.Package != "" && msg.Package != entry.rec.Package {
				continue
			}
			if !entry.filter.MatchesMessage(msg) {
				continue
			}
		}
		rec := entry.rec
		rec.Scope = scope
		if rec.Priority == 0 {
			rec.Priority = entry.filter.Priority
		}
		out = append(out, rec)
	}
	slices.SortStableFunc(out, func(a, b StaticRecipient) int {
		return b.Priority - a.Priority
	})
	return out
}

func (x *fakeIndex) IsProtected(action string) bool { return x.protected[action] }

// capabilityKey identifies one UID-capability grant.
type capabilityKey struct {
	uid        ident.UID
	capability string
}

// fakeOracle is an in-memory PolicyOracle with explicit grant,
// restriction, and persistence sets.
type fakeOracle struct {
	grants     map[capabilityKey]bool
	restricted map[ident.UID]bool
	persistent map[ident.UID]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		grants:     make(map[capabilityKey]bool),
		restricted: make(map[ident.UID]bool),
		persistent: make(map[ident.UID]bool),
	}
}

func (o *fakeOracle) grant(uid ident.UID, capability string) {
	o.grants[capabilityKey{uid: uid, capability: capability}] = true
}

func (o *fakeOracle) CheckCapability(id ident.Identity, capability string) Decision {
	if o.grants[capabilityKey{uid: id.UID, capability: capability}] {
		return Granted
	}
	return Denied
}

func (o *fakeOracle) IsBackgroundRestricted(uid ident.UID) bool { return o.restricted[uid] }

func (o *fakeOracle) IsPersistentProcess(id ident.Identity) bool { return o.persistent[id.UID] }

// laneCall records one lane hand-off.
type laneCall struct {
	msg      *Message
	delivery *ResolvedDelivery
}

// fakeLane records Submit calls for assertions.
type fakeLane struct {
	name  string
	calls []laneCall
}

func (l *fakeLane) Submit(msg *Message, delivery *ResolvedDelivery) {
	l.calls = append(l.calls, laneCall{msg: msg, delivery: delivery})
}

// last returns the most recent hand-off. Fails the test when the lane
// saw nothing.
func (l *fakeLane) last(t *testing.T) laneCall {
	t.Helper()
	if len(l.calls) == 0 {
		t.Fatalf("lane %s saw no submissions", l.name)
	}
	return l.calls[len(l.calls)-1]
}

// fakeScopes is an in-memory ScopeDirectory.
type fakeScopes struct {
	running []ident.Scope
}

func (s *fakeScopes) Running() []ident.Scope { return slices.Clone(s.running) }

func (s *fakeScopes) IsRunning(scope ident.Scope) bool {
	return slices.Contains(s.running, scope)
}

// fakeDirectory is a ProcessDirectory whose deaths the test fires by
// hand.
type fakeDirectory struct {
	links map[ident.PID][]func()
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{links: make(map[ident.PID][]func())}
}

func (d *fakeDirectory) DeathLink(pid ident.PID, onDeath func()) (func(), error) {
	d.links[pid] = append(d.links[pid], onDeath)
	return func() {}, nil
}

// fire invokes every death callback registered for the PID, as the
// watcher would when the process exits.
func (d *fakeDirectory) fire(pid ident.PID) {
	callbacks := d.links[pid]
	delete(d.links, pid)
	for _, onDeath := range callbacks {
		onDeath()
	}
}

// fakeReceiver is a Receiver whose pointer identity doubles as the
// registration key.
type fakeReceiver struct {
	name string
}

func (r *fakeReceiver) OnMessage(ctx context.Context, msg *Message) {}

// testLogBuffer captures log output for substring assertions.
type testLogBuffer struct {
	data []byte
}

func (b *testLogBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *testLogBuffer) contains(substring string) bool {
	return strings.Contains(string(b.data), substring)
}

// testEnv bundles a Router with all of its fakes.
type testEnv struct {
	router  *Router
	index   *fakeIndex
	oracle  *fakeOracle
	scopes  *fakeScopes
	procs   *fakeDirectory
	deflane *fakeLane
	fg      *fakeLane
	offload *fakeLane
	clock   *clock.FakeClock
	logs    *testLogBuffer
}

// newTestEnv builds a ready router over fakes: primary scope and
// scope 1 running, no grants, no statics. mutate edits the options
// before construction.
func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		index:   newFakeIndex(),
		oracle:  newFakeOracle(),
		scopes:  &fakeScopes{running: []ident.Scope{ident.ScopePrimary, 1}},
		procs:   newFakeDirectory(),
		deflane: &fakeLane{name: "default"},
		fg:      &fakeLane{name: "foreground"},
		offload: &fakeLane{name: "offload"},
		clock:   clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		logs:    &testLogBuffer{},
	}

	cfg := config.Default()
	cfg.Routing.ReadyAtStart = true

	opts := Options{
		Logger: slog.New(slog.NewTextHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Clock:  env.clock,
		Config: cfg,
		Index:  env.index,
		Oracle: env.oracle,
		Scopes: env.scopes,

		Processes: env.procs,
		Lanes: Lanes{
			Foreground: env.fg,
			Default:    env.deflane,
			Offload:    env.offload,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}

	router, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.router = router
	return env
}

// submit is the ScopeCaller-targeted Submit most tests want.
func (env *testEnv) submit(t *testing.T, sender ident.Identity, msg *Message) Status {
	t.Helper()
	status, err := env.router.Submit(sender, msg, &SubmitOptions{Scope: ident.ScopeCaller})
	if err != nil {
		t.Fatalf("Submit(%s): %v", msg.Action, err)
	}
	return status
}

// register adds a caller-scope subscription and fails the test on
// error.
func (env *testEnv) register(t *testing.T, caller ident.Identity, receiver Receiver, filter Filter) Registration {
	t.Helper()
	handle, _, err := env.router.Register(caller, receiver, filter, &RegisterOptions{
		Scope:      ident.ScopeCaller,
		Visibility: Visibility{Exported: true},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return handle
}

// actionFilter is the single-action exported filter used throughout.
func actionFilter(action string, priority int) Filter {
	return Filter{Actions: []string{action}, Priority: priority}
}

// plainMessage builds an implicit message with no payload.
func plainMessage(action string) *Message {
	return &Message{Action: action}
}

// recipientOwners flattens a delivery to its owner UIDs in order.
func recipientOwners(delivery *ResolvedDelivery) []ident.UID {
	owners := make([]ident.UID, len(delivery.Recipients))
	for i, rec := range delivery.Recipients {
		owners[i] = rec.Owner()
	}
	return owners
}
