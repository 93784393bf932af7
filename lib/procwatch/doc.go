// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procwatch observes process exit through Linux pidfds. It is
// the same-host implementation of the dispatch core's death-link
// collaborator: the subscription registry attaches a link per
// registered process so subscriptions are torn down automatically when
// their owner dies.
//
// Each link holds one pidfd and one goroutine polling it. A pidfd
// becomes readable when the process terminates, including while it is
// still a zombie awaiting reaping, so links fire without racing the
// parent's wait. Links are cancellable; cancellation releases the
// pidfd and guarantees the callback will not run afterwards.
package procwatch
