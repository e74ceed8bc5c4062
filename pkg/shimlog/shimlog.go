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

// Package shimlog wires the shim's logging stack: containerd/log's
// call-site facade backed by logrus, plus the panic-to-file handler named
// in the CLI surface.
package shimlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	clog "github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Setup points the containerd/log facade at a logrus logger writing to
// stderr (captured by the orchestrator into <workdir>/shim.stderr.log) and
// sets the debug level when requested.
func Setup(debugEnabled bool) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if debugEnabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	clog.L = logrus.NewEntry(logger)
}

// PanicFile returns the path panics are recorded to, per the CLI surface's
// naming convention /var/log/rshim/<work-dir-suffix>.txt.
func PanicFile(workDir string) string {
	suffix := filepath.Base(filepath.Clean(workDir))
	return filepath.Join("/var/log/rshim", suffix+".txt")
}

// RecoverAndExit writes a panic's message and stack trace to PanicFile(workDir)
// and exits the process with a non-zero status, matching the CLI surface's
// "exit codes: 0 on graceful shutdown, non-zero on panic" contract.
func RecoverAndExit(workDir string) {
	r := recover()
	if r == nil {
		return
	}
	path := PanicFile(workDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err == nil {
			fmt.Fprintf(f, "panic: %v\n\n%s\n%s\n", r, debug.Stack(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
		}
	}
	os.Exit(1)
}
