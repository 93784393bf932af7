// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/bureau-foundation/herald/lib/clock"
)

// ActionStats aggregates routing outcomes for one action within a
// statistics window.
type ActionStats struct {
	// Sends counts admitted submissions that resolved at least one
	// recipient.
	Sends uint64

	// Recipients counts recipients across all sends.
	Recipients uint64

	// EmptyResolutions counts admitted submissions that resolved
	// nobody.
	EmptyResolutions uint64

	// Rejections counts submissions the admission gate refused.
	Rejections uint64

	// Suppressions counts submissions silently dropped for
	// background-restricted senders.
	Suppressions uint64

	// Replays counts retained messages replayed to new
	// subscriptions.
	Replays uint64
}

// StatsSnapshot is a copy of one statistics window.
type StatsSnapshot struct {
	// WindowStart is when the window opened.
	WindowStart time.Time

	// Actions maps action name to its aggregated outcomes.
	Actions map[string]ActionStats
}

// deliveryStats keeps per-action counters for the current window and
// the last completed one. Windows rotate lazily on write. All methods
// require the router's lock.
type deliveryStats struct {
	clk    clock.Clock
	window time.Duration

	currentStart time.Time
	current      map[string]*ActionStats
	lastStart    time.Time
	last         map[string]*ActionStats
}

func newDeliveryStats(clk clock.Clock, window time.Duration) *deliveryStats {
	return &deliveryStats{
		clk:          clk,
		window:       window,
		currentStart: clk.Now(),
		current:      make(map[string]*ActionStats),
	}
}

func (s *deliveryStats) rotateIfNeededLocked() {
	if s.clk.Since(s.currentStart) < s.window {
		return
	}
	s.last = s.current
	s.lastStart = s.currentStart
	s.current = make(map[string]*ActionStats)
	s.currentStart = s.clk.Now()
}

func (s *deliveryStats) forActionLocked(action string) *ActionStats {
	s.rotateIfNeededLocked()
	st := s.current[action]
	if st == nil {
		st = &ActionStats{}
		s.current[action] = st
	}
	return st
}

func (s *deliveryStats) recordSendLocked(action string, recipients int) {
	st := s.forActionLocked(action)
	st.Sends++
	st.Recipients += uint64(recipients)
}

func (s *deliveryStats) recordEmptyLocked(action string) {
	s.forActionLocked(action).EmptyResolutions++
}

func (s *deliveryStats) recordRejectionLocked(action string) {
	s.forActionLocked(action).Rejections++
}

func (s *deliveryStats) recordSuppressionLocked(action string) {
	s.forActionLocked(action).Suppressions++
}

func (s *deliveryStats) recordReplaysLocked(action string, n int) {
	s.forActionLocked(action).Replays += uint64(n)
}

// snapshotLocked copies the current and last windows.
func (s *deliveryStats) snapshotLocked() (current, last StatsSnapshot) {
	s.rotateIfNeededLocked()
	return StatsSnapshot{WindowStart: s.currentStart, Actions: copyStats(s.current)},
		StatsSnapshot{WindowStart: s.lastStart, Actions: copyStats(s.last)}
}

func copyStats(in map[string]*ActionStats) map[string]ActionStats {
	out := make(map[string]ActionStats, len(in))
	for action, st := range in {
		out[action] = *st
	}
	return out
}
