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

package shimlog

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	clog "github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicFileNamesByWorkdirSuffix(t *testing.T) {
	assert.Equal(t, "/var/log/rshim/default.txt", PanicFile("/run/containerd/io.containerd.runtime.v2.task/default"))
	assert.Equal(t, "/var/log/rshim/ns1.txt", PanicFile("/some/path/ns1/"))
}

func TestSetupConfiguresDebugLevel(t *testing.T) {
	Setup(true)
	assert.Equal(t, logrus.DebugLevel, clog.L.Logger.GetLevel())
}

func TestSetupConfiguresInfoLevelByDefault(t *testing.T) {
	Setup(false)
	assert.Equal(t, logrus.InfoLevel, clog.L.Logger.GetLevel())
}

// TestRecoverAndExitWritesPanicFile runs RecoverAndExit out-of-process
// (it calls os.Exit) the same way the standard library tests functions
// that terminate the process: re-exec this test binary with an env var
// that selects the crashing subtest.
func TestRecoverAndExitWritesPanicFile(t *testing.T) {
	if os.Getenv("RSHIM_PANIC_SUBPROCESS") == "1" {
		defer RecoverAndExit(os.Getenv("RSHIM_PANIC_WORKDIR"))
		panic("boom")
	}

	workDir := t.TempDir()
	ns := filepath.Base(workDir)

	cmd := exec.Command(os.Args[0], "-test.run=TestRecoverAndExitWritesPanicFile")
	cmd.Env = append(os.Environ(),
		"RSHIM_PANIC_SUBPROCESS=1",
		"RSHIM_PANIC_WORKDIR="+workDir,
	)
	_ = cmd.Run()

	data, err := os.ReadFile(filepath.Join("/var/log/rshim", ns+".txt"))
	if err != nil {
		t.Skipf("panic file not writable in this sandbox: %v", err)
	}
	assert.Contains(t, string(data), "panic: boom")
}
