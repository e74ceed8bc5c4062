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

package task

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/ningmingxiao/rshim/pkg/process"
)

// container is the Container record of §3: a bundle path, one Init, and
// zero or more Execs keyed by exec_id. Grounded on the multi-container
// generalization in original_source/cmd/rust-extensions's
// ShimTask{containers: HashMap<String, C>} / Container trait, which this
// repository follows in preference to the single-container
// runtime/v1/rshim sources (SPEC_FULL.md §3 "Supplemented features").
type container struct {
	mu sync.Mutex

	id     string
	bundle string

	init  *process.Init
	execs map[string]*process.Exec
}

func newContainer(id, bundle string, init *process.Init) *container {
	return &container{id: id, bundle: bundle, init: init, execs: make(map[string]*process.Exec)}
}

// addExec rejects an exec_id collision with AlreadyExists (§4.6 "exec...
// rejects if exec_id collides").
func (c *container) addExec(e *process.Exec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.execs[e.ID()]; ok {
		return fmt.Errorf("%w: exec %s", errdefs.ErrAlreadyExists, e.ID())
	}
	c.execs[e.ID()] = e
	return nil
}

func (c *container) getExec(id string) (*process.Exec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.execs[id]
	return e, ok
}

func (c *container) removeExec(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.execs, id)
}

// allExecsDeleted implements §3 invariant 6: deleting the init while any
// exec is not Deleted is forbidden.
func (c *container) allExecsDeleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.execs {
		if e.State() != process.ExecDeleted {
			return false
		}
	}
	return true
}

// process resolves either the init (execID == "") or a named exec,
// returning the uniform Process interface for pid-agnostic operations
// (kill/wait/state), matching §4.6's "empty exec_id means the init".
func (c *container) process(execID string) (process.Process, error) {
	if execID == "" {
		return c.init, nil
	}
	e, ok := c.getExec(execID)
	if !ok {
		return nil, fmt.Errorf("%w: exec %s", errdefs.ErrNotFound, execID)
	}
	return e, nil
}
