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
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKillErrorAlreadyFinished(t *testing.T) {
	err := classifyKillError(errors.New("container does not exist"))
	assert.True(t, errdefs.IsNotFound(err))

	err = classifyKillError(errors.New("exec: \"runc\": process already finished"))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestClassifyKillErrorUnrecognized(t *testing.T) {
	orig := errors.New("permission denied")
	err := classifyKillError(orig)
	assert.Equal(t, orig, err)
}

func TestExitCodeSignaled(t *testing.T) {
	// WaitStatus encodes (signal, exited-bit); construct one that reports
	// "signaled by SIGKILL" via the platform-independent helper values.
	ws := syscall.WaitStatus(int(syscall.SIGKILL))
	assert.True(t, ws.Signaled())
	assert.Equal(t, 128+int(syscall.SIGKILL), ExitCode(ws))
}

func TestNewConsoleSocketName(t *testing.T) {
	name := NewConsoleSocketName("/tmp/rshim", "abc123")
	assert.Equal(t, filepath.Join("/tmp/rshim", "abc123.console"), name)

	def := NewConsoleSocketName("", "abc123")
	assert.Equal(t, filepath.Join(os.TempDir(), "abc123.console"), def)
}

func TestLastErrorLogEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.json")
	content := `{"level":"info","msg":"starting container"}
{"level":"error","msg":"exec format error"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	msg, ok := lastErrorLogEntry(path)
	require.True(t, ok)
	assert.Equal(t, "exec format error", msg)
}

func TestLastErrorLogEntryNoErrorLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"level":"info","msg":"ok"}`+"\n"), 0o644))

	_, ok := lastErrorLogEntry(path)
	assert.False(t, ok)
}

func TestLastErrorLogEntryMissingFile(t *testing.T) {
	_, ok := lastErrorLogEntry(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, ok)
}

func TestIsECHILD(t *testing.T) {
	assert.True(t, isECHILD(syscall.ECHILD))
	assert.False(t, isECHILD(syscall.EINVAL))
	assert.False(t, isECHILD(errors.New("boom")))
}
