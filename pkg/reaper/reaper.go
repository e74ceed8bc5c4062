/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package reaper implements spec component E: subreaper registration, the
// SIGCHLD-driven waitpid loop, the process-wide exit table, and pid ->
// Process Object correlation. Grounded on original_source/.../reaper.rs's
// Trap/Reaper types, translated to the Go ecosystem's idiom of
// os/signal.Notify feeding a dedicated consumer goroutine — the same
// substitution containerd's own sys/reaper package makes for the
// equivalent sigwaitinfo-based C/Rust pattern (the teacher imports that
// very package, "github.com/containerd/containerd/sys/reaper").
package reaper

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/containerd/containerd/api/events"
	"github.com/containerd/log"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/ningmingxiao/rshim/pkg/process"
	"github.com/ningmingxiao/rshim/pkg/publisher"
)

// Lookup finds the Process Object whose pid matches, under whatever lock
// the container map owner (pkg/task) holds internally (§4.5/§9: "let the
// reaper look up by pid under the map lock" — the map lock is opaque to
// this package, hidden inside the closure the Task Service supplies).
type Lookup func(pid int) (process.Process, bool)

// Reaper drains SIGCHLD, maintains the exit table, and correlates reaped
// pids to Process Objects.
type Reaper struct {
	Table     *Table
	lookup    Lookup
	publisher *publisher.Publisher

	sigCh chan os.Signal
	done  chan struct{}
}

// New constructs a Reaper. Call Start once the shim has registered as a
// subreaper (see Subreaper).
func New(lookup Lookup, pub *publisher.Publisher) *Reaper {
	return &Reaper{
		Table:     NewTable(),
		lookup:    lookup,
		publisher: pub,
		sigCh:     make(chan os.Signal, 32),
		done:      make(chan struct{}),
	}
}

// Subreaper marks this process as a child subreaper so descendants
// re-parented to it remain reapable (§4.5).
func Subreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Start launches the dedicated signal-consuming goroutine. SIGCHLD and
// SIGPIPE are the signals handled; SIGPIPE is drained and ignored, exactly
// as the Rust Reaper's handle_signals does.
func (r *Reaper) Start(ctx context.Context) {
	signal.Notify(r.sigCh, unix.SIGCHLD, unix.SIGPIPE)
	go r.run(ctx)
}

// Stop releases the signal subscription.
func (r *Reaper) Stop() {
	signal.Stop(r.sigCh)
	close(r.done)
}

func (r *Reaper) run(ctx context.Context) {
	for {
		select {
		case <-r.done:
			return
		case sig := <-r.sigCh:
			switch sig {
			case unix.SIGCHLD:
				r.drain(ctx)
			case unix.SIGPIPE:
				// no-op, matches Rust Reaper's libc::SIGPIPE => {} arm.
			}
		}
	}
}

// drain implements §4.5's loop: non-blocking waitpid(-1, WNOHANG) until
// StillAlive/ECHILD, inserting into the exit table before correlating.
func (r *Reaper) drain(ctx context.Context) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err != unix.ECHILD {
				log.G(ctx).WithError(err).Debug("waitpid failed")
			}
			return
		}
		if pid <= 0 {
			return
		}

		status := ws.ExitStatus()
		if ws.Signaled() {
			status = 128 + int(ws.Signal())
		}

		// Happens-before chain required by §4.5/§5: exit_table insert
		// before set_exited.
		r.Table.Put(pid, status)

		r.correlate(ctx, pid, status)
	}
}

func (r *Reaper) correlate(ctx context.Context, pid, status int) {
	proc, ok := r.lookup(pid)
	if !ok {
		return
	}

	if init, ok := proc.(process.InitKillAller); ok {
		if hasSharedPidNamespace(init.Bundle()) {
			if err := init.KillAllOnExit(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("id", init.ID()).Debug("kill-all-on-exit failed")
			}
		}
	}

	proc.SetExited(status)

	exitStatus, exitedAt, ok := proc.ExitStatus()
	if !ok {
		return
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, "/tasks/exit", &events.TaskExit{
		ContainerID: proc.ContainerID(),
		ID:          proc.ID(),
		Pid:         uint32(pid),
		ExitStatus:  uint32(exitStatus),
		ExitedAt:    exitedAt,
	}); err != nil {
		log.G(ctx).WithError(err).Debug("publish TaskExit failed")
	}
}

// hasSharedPidNamespace implements §4.5's kill-all heuristic: true (run
// kill-all) unless the bundle's config.json declares a pid namespace entry
// with an empty path, in which case the container has its own private pid
// namespace and the kernel already reaps orphans there on pid-1 death.
// Defaults to true (shared, kill-all) on any load error, matching the Rust
// original.
func hasSharedPidNamespace(bundle string) bool {
	data, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return true
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return true
	}
	if spec.Linux == nil {
		return true
	}
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.PIDNamespace && ns.Path == "" {
			return false
		}
	}
	return true
}
