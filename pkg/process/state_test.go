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
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStateTransitionTable(t *testing.T) {
	next, err := Created.Transition(EventStart)
	require.NoError(t, err)
	assert.Equal(t, Running, next)

	next, err = Running.Transition(EventPause)
	require.NoError(t, err)
	assert.Equal(t, Paused, next)

	next, err = Paused.Transition(EventStart)
	require.NoError(t, err)
	assert.Equal(t, Running, next)

	next, err = Stopped.Transition(EventDelete)
	require.NoError(t, err)
	assert.Equal(t, Deleted, next)
}

func TestInitStateIllegalTransition(t *testing.T) {
	_, err := Deleted.Transition(EventStart)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	_, err = Created.Transition(EventPause)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestExecStateTransitionTable(t *testing.T) {
	next, err := ExecCreated.Transition(EventStart)
	require.NoError(t, err)
	assert.Equal(t, ExecRunning, next)

	next, err = ExecRunning.Transition(EventStop)
	require.NoError(t, err)
	assert.Equal(t, ExecStopped, next)

	next, err = ExecStopped.Transition(EventDelete)
	require.NoError(t, err)
	assert.Equal(t, ExecDeleted, next)
}

func TestExecStateIllegalTransition(t *testing.T) {
	_, err := ExecRunning.Transition(EventPause)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	_, err = ExecDeleted.Transition(EventStart)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown", InitState(99).String())
	assert.Equal(t, "deleted", ExecDeleted.String())
	assert.Equal(t, "unknown", ExecState(99).String())
}
