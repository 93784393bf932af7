// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procwatch

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/herald/lib/ident"
)

// Watcher creates death links for local processes. The zero value is
// not usable; call New.
type Watcher struct {
	logger *slog.Logger
}

// New returns a Watcher. A nil logger discards log output.
func New(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{logger: logger}
}

// DeathLink invokes onDeath exactly once, from its own goroutine, when
// the process with the given PID exits. Returns an error if the
// process does not exist or cannot be opened.
//
// The returned cancel function detaches the link: after it returns,
// onDeath will not be invoked. Cancel is idempotent and safe to call
// concurrently with the process exiting.
func (w *Watcher) DeathLink(pid ident.PID, onDeath func()) (cancel func(), err error) {
	if pid <= 0 {
		return nil, fmt.Errorf("death link needs a positive pid, got %d", pid)
	}

	fd, err := unix.PidfdOpen(int(pid), 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open pid %d: %w", pid, err)
	}

	link := &deathLink{
		watcher: w,
		pid:     pid,
		fd:      fd,
		onDeath: onDeath,
		stop:    make(chan struct{}),
	}
	go link.pollLoop()

	return link.cancel, nil
}

// deathLink is one pidfd plus the goroutine polling it.
type deathLink struct {
	watcher *Watcher
	pid     ident.PID
	fd      int
	onDeath func()
	stop    chan struct{}

	mu       sync.Mutex
	detached bool
}

// cancel detaches the link. The polling goroutine observes the stop
// channel on its next wakeup and releases the pidfd.
func (l *deathLink) cancel() {
	l.mu.Lock()
	already := l.detached
	l.detached = true
	l.mu.Unlock()
	if !already {
		close(l.stop)
	}
}

// pollLoop polls the pidfd until the process exits or the link is
// cancelled. A pidfd reports POLLIN once its process terminates.
//
// Uses poll(2) with a 100ms timeout so the goroutine remains
// responsive to cancellation without burning CPU on a tight loop.
func (l *deathLink) pollLoop() {
	defer unix.Close(l.fd)

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.watcher.logger.Warn("death link poll failed",
				"pid", l.pid, "error", err)
			return
		}
		if count == 0 {
			continue // timeout, check stop
		}

		// Process exited. Fire unless a concurrent cancel won.
		l.mu.Lock()
		fire := !l.detached
		l.detached = true
		l.mu.Unlock()

		if fire {
			l.watcher.logger.Debug("process exited, firing death link", "pid", l.pid)
			l.onDeath()
		}
		return
	}
}
