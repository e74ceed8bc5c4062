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
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ningmingxiao/rshim/pkg/process"
	"github.com/ningmingxiao/rshim/pkg/reaper"
	"github.com/ningmingxiao/rshim/pkg/runtime"
)

func testAdapter() *runtime.Adapter {
	return runtime.New(runtime.Config{Binary: "runc", Root: "/run/containerd/runc"}, reaper.NewTable())
}

func TestContainerAddExecRejectsCollision(t *testing.T) {
	c := newContainer("c1", "/bundle", process.NewInit("init", "c1", "/bundle", testAdapter()))
	rt := testAdapter()

	e1 := process.NewExec("e1", "c1", "init", "/bundle", specs.Process{}, process.Stdio{}, rt)
	require.NoError(t, c.addExec(e1))

	e2 := process.NewExec("e1", "c1", "init", "/bundle", specs.Process{}, process.Stdio{}, rt)
	err := c.addExec(e2)
	require.Error(t, err)
}

func TestContainerGetExecAndRemove(t *testing.T) {
	c := newContainer("c1", "/bundle", process.NewInit("init", "c1", "/bundle", testAdapter()))
	rt := testAdapter()
	e := process.NewExec("e1", "c1", "init", "/bundle", specs.Process{}, process.Stdio{}, rt)
	require.NoError(t, c.addExec(e))

	got, ok := c.getExec("e1")
	require.True(t, ok)
	assert.Equal(t, e, got)

	c.removeExec("e1")
	_, ok = c.getExec("e1")
	assert.False(t, ok)
}

func TestContainerAllExecsDeletedEmptyIsTrue(t *testing.T) {
	c := newContainer("c1", "/bundle", process.NewInit("init", "c1", "/bundle", testAdapter()))
	assert.True(t, c.allExecsDeleted())
}

func TestContainerAllExecsDeletedFalseUntilEachIsDeleted(t *testing.T) {
	c := newContainer("c1", "/bundle", process.NewInit("init", "c1", "/bundle", testAdapter()))
	rt := testAdapter()
	e := process.NewExec("e1", "c1", "init", "/bundle", specs.Process{}, process.Stdio{}, rt)
	require.NoError(t, c.addExec(e))

	assert.False(t, c.allExecsDeleted())
}

func TestContainerProcessResolvesInitOnEmptyExecID(t *testing.T) {
	init := process.NewInit("init", "c1", "/bundle", testAdapter())
	c := newContainer("c1", "/bundle", init)

	p, err := c.process("")
	require.NoError(t, err)
	assert.Equal(t, init, p)
}

func TestContainerProcessNotFoundForUnknownExec(t *testing.T) {
	c := newContainer("c1", "/bundle", process.NewInit("init", "c1", "/bundle", testAdapter()))
	_, err := c.process("missing")
	require.Error(t, err)
}
