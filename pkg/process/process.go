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

package process

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Process is the polymorphic handle §9 calls for: the reaper correlates a
// reaped pid to one of these without knowing whether it is an Init or an
// Exec, and the task service dispatches through it uniformly. Init-only
// operations are never added to the interface as no-op methods: the task
// service calls pause/resume/ps/update on its typed *Init field, and the
// reaper reaches kill-all by an explicit, checked type assertion (§9
// "Dynamic dispatch").
type Process interface {
	ID() string
	ContainerID() string
	Pid() int
	ExitStatus() (status int, exitedAt time.Time, ok bool)
	// SetExited applies §4.4's exit-application rule; called by the
	// reaper without the container-map lock held.
	SetExited(status int)
	// Wait blocks on the exit latch, returning immediately if already
	// exited. Must be safe to call after releasing any external lock.
	Wait() (status int, exitedAt time.Time)
}

// InitKillAller is implemented only by *Init; the reaper downcasts to it
// to run the kill-all-on-exit heuristic (§4.5), matching §9's guidance to
// make Init-only downcasts explicit and checked.
type InitKillAller interface {
	Process
	Bundle() string
	KillAllOnExit(ctx context.Context) error
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
