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

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ningmingxiao/rshim/pkg/process"
)

// fakeProc is a minimal process.InitKillAller double used to exercise
// correlate/drain without a real runtime or go-runc Init.
type fakeProc struct {
	id, containerID, bundle string
	pid                     int
	exited                  bool
	status                  int
	exitedAt                time.Time
	killAllCalled           bool
}

func (f *fakeProc) ID() string          { return f.id }
func (f *fakeProc) ContainerID() string { return f.containerID }
func (f *fakeProc) Bundle() string      { return f.bundle }
func (f *fakeProc) Pid() int            { return f.pid }
func (f *fakeProc) SetExited(status int) {
	f.exited = true
	f.status = status
	f.exitedAt = time.Now()
}
func (f *fakeProc) ExitStatus() (int, time.Time, bool) {
	return f.status, f.exitedAt, f.exited
}
func (f *fakeProc) Wait() (int, time.Time) { return f.status, f.exitedAt }
func (f *fakeProc) KillAllOnExit(ctx context.Context) error {
	f.killAllCalled = true
	return nil
}

var _ process.InitKillAller = (*fakeProc)(nil)

func writeConfig(t *testing.T, bundle string, spec *specs.Spec) {
	t.Helper()
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644))
}

func TestHasSharedPidNamespaceDefaultsTrueOnMissingFile(t *testing.T) {
	assert.True(t, hasSharedPidNamespace(filepath.Join(t.TempDir(), "nope")))
}

func TestHasSharedPidNamespaceNoLinuxSection(t *testing.T) {
	bundle := t.TempDir()
	writeConfig(t, bundle, &specs.Spec{})
	assert.True(t, hasSharedPidNamespace(bundle))
}

func TestHasSharedPidNamespacePrivateNamespace(t *testing.T) {
	bundle := t.TempDir()
	writeConfig(t, bundle, &specs.Spec{
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace, Path: ""},
			},
		},
	})
	assert.False(t, hasSharedPidNamespace(bundle))
}

func TestHasSharedPidNamespaceSharedViaPath(t *testing.T) {
	bundle := t.TempDir()
	writeConfig(t, bundle, &specs.Spec{
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace, Path: "/proc/1/ns/pid"},
			},
		},
	})
	assert.True(t, hasSharedPidNamespace(bundle))
}

func TestCorrelateSetsExitedAndSkipsKillAllForPrivatePidNamespace(t *testing.T) {
	bundle := t.TempDir()
	writeConfig(t, bundle, &specs.Spec{
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace, Path: ""},
			},
		},
	})

	fp := &fakeProc{id: "init", containerID: "c1", bundle: bundle, pid: 42}
	r := New(func(pid int) (process.Process, bool) {
		if pid == 42 {
			return fp, true
		}
		return nil, false
	}, nil)

	r.correlate(context.Background(), 42, 137)

	assert.True(t, fp.exited)
	assert.Equal(t, 137, fp.status)
	assert.False(t, fp.killAllCalled)
}

func TestCorrelateKillsAllForSharedPidNamespace(t *testing.T) {
	bundle := t.TempDir()
	writeConfig(t, bundle, &specs.Spec{})

	fp := &fakeProc{id: "init", containerID: "c1", bundle: bundle, pid: 7}
	r := New(func(pid int) (process.Process, bool) {
		return fp, true
	}, nil)

	r.correlate(context.Background(), 7, 0)

	assert.True(t, fp.exited)
	assert.True(t, fp.killAllCalled)
}

func TestCorrelateUnknownPidIsNoOp(t *testing.T) {
	r := New(func(pid int) (process.Process, bool) { return nil, false }, nil)
	// must not panic when lookup misses.
	r.correlate(context.Background(), 999, 0)
}
