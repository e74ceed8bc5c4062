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
	"fmt"

	"github.com/containerd/errdefs"
)

// InitState is the Init process state machine of §4.4. Tagged as a
// dedicated type (not a shared enum with Exec) per §9's "State machines"
// design note.
type InitState int

const (
	Created InitState = iota
	CreatedCheckpoint
	Running
	Paused
	Stopped
	Deleted
)

func (s InitState) String() string {
	switch s {
	case Created:
		return "created"
	case CreatedCheckpoint:
		return "created-checkpoint"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// InitEvent names a transition trigger from §4.4's table.
type InitEvent int

const (
	EventStart InitEvent = iota
	EventStop
	EventPause
	EventDelete
)

// initTransitions is the exact table in §4.4: any pair not present here is
// a FailedPrecondition.
var initTransitions = map[InitState]map[InitEvent]InitState{
	Created: {
		EventStart:  Running,
		EventStop:   Stopped,
		EventDelete: Deleted,
	},
	CreatedCheckpoint: {
		EventStart:  Running,
		EventStop:   Stopped,
		EventDelete: Deleted,
	},
	Running: {
		EventStop:  Stopped,
		EventPause: Paused,
	},
	Paused: {
		EventStart: Running,
		EventStop:  Stopped,
	},
	Stopped: {
		EventDelete: Deleted,
	},
}

// Transition applies event to s, returning the new state or a
// FailedPrecondition naming the current state (§4.4 "All other attempted
// transitions fail with FailedPrecondition").
func (s InitState) Transition(ev InitEvent) (InitState, error) {
	if next, ok := initTransitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: invalid transition from %s", errdefs.ErrFailedPrecondition, s)
}

// ExecState is the Exec process state machine of §4.4.
type ExecState int

const (
	ExecCreated ExecState = iota
	ExecRunning
	ExecStopped
	ExecDeleted
)

func (s ExecState) String() string {
	switch s {
	case ExecCreated:
		return "created"
	case ExecRunning:
		return "running"
	case ExecStopped:
		return "stopped"
	case ExecDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

var execTransitions = map[ExecState]map[InitEvent]ExecState{
	ExecCreated: {
		EventStart:  ExecRunning,
		EventStop:   ExecStopped,
		EventDelete: ExecDeleted,
	},
	ExecRunning: {
		EventStop: ExecStopped,
	},
	ExecStopped: {
		EventDelete: ExecDeleted,
	},
}

func (s ExecState) Transition(ev InitEvent) (ExecState, error) {
	if next, ok := execTransitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: invalid transition from %s", errdefs.ErrFailedPrecondition, s)
}
