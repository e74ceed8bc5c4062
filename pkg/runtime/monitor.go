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

package runtime

import (
	"os/exec"
	"syscall"
	"time"

	runc "github.com/containerd/go-runc"
)

// ExitTable is the process-wide pid->exit-code table populated by the
// reaper (§4.5) and consumed here as the ECHILD fallback (§4.1). It is
// declared locally, satisfied structurally by *reaper.Table, so that
// pkg/runtime never imports pkg/reaper.
type ExitTable interface {
	Get(pid int) (int, bool)
}

// echildMonitor implements go-runc's runc.ProcessMonitor. Its Wait calls the
// subprocess's own blocking wait first; because the shim is a subreaper, a
// SIGCHLD may already have been consumed by the reaper's own waitpid(-1)
// loop before cmd.Wait() runs, in which case the kernel reports ECHILD.
// §4.1's "Exit-status race policy" is implemented by falling back to the
// reaper's exit table in exactly that case.
type echildMonitor struct {
	exits ExitTable
}

func newMonitor(exits ExitTable) runc.ProcessMonitor {
	return &echildMonitor{exits: exits}
}

func (m *echildMonitor) Start(c *exec.Cmd) (chan runc.Exit, error) {
	if err := c.Start(); err != nil {
		return nil, err
	}
	// No subscription channel is needed: Wait performs its own blocking
	// wait below, falling back to the exit table on ECHILD.
	return make(chan runc.Exit, 1), nil
}

func (m *echildMonitor) Wait(c *exec.Cmd, _ chan runc.Exit) (int, error) {
	err := c.Wait()
	if err == nil {
		return c.ProcessState.ExitCode(), nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	if !isECHILD(err) {
		return -1, err
	}
	pid := c.Process.Pid
	for i := 0; i < 10; i++ {
		if status, ok := m.exits.Get(pid); ok {
			return status, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func isECHILD(err error) bool {
	errno, ok := err.(syscall.Errno)
	if ok {
		return errno == syscall.ECHILD
	}
	// exec.Cmd.Wait wraps the raw errno from the os package in a
	// *os.SyscallError for non-ExitError failures.
	type syscallErr interface{ Unwrap() error }
	if se, ok := err.(syscallErr); ok {
		return isECHILD(se.Unwrap())
	}
	return false
}
