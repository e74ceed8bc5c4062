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

package reaper

import "sync"

// Table is the process-wide pid->exit-code map named in §4.5/§9 ("Global
// state... a single shared mutex-protected map, passed by reference to
// both the reaper and the Runtime Adapter"). It satisfies
// pkg/runtime.ExitTable structurally.
type Table struct {
	mu   sync.Mutex
	data map[int]int
}

// NewTable returns an empty exit table.
func NewTable() *Table {
	return &Table{data: make(map[int]int)}
}

// Put records a reaped pid's exit code. Overwrites are not expected in
// practice (§8 invariant 4: a pid appears at most once until consumed) but
// are not guarded against here — the reaper is the table's sole writer.
func (t *Table) Put(pid, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[pid] = status
}

// Get returns the recorded exit code for pid, if any.
func (t *Table) Get(pid int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.data[pid]
	return status, ok
}

// Delete removes a consumed entry.
func (t *Table) Delete(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, pid)
}
