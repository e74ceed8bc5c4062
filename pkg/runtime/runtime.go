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

// Package runtime implements the Runtime Adapter (spec component A): a
// thin, error-classifying wrapper over the OCI runtime binary via
// github.com/containerd/go-runc, grounded on the teacher's
// (zkoopmans-gvisor) direct use of the same library and on the Rust
// original's runc.rs/process.rs argument composition.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	runc "github.com/containerd/go-runc"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const notifySocketEnv = "NOTIFY_SOCKET"

// Config is the per-shim runtime configuration (§3 "Runtime configuration").
type Config struct {
	// Binary is the OCI runtime command, default "runc".
	Binary string
	// Root is the runtime state root; Namespace is joined onto it.
	Root      string
	Namespace string
	// The runtime's own JSON log file is not configured here: it is set
	// per bundle via WithBundle.
	SystemdCgroup bool
	Rootless      *bool
	Debug         bool
}

// Adapter wraps a *runc.Runc configured for one shim's namespace. One
// Adapter is shared by every container the shim manages; bundle-scoped
// arguments (log path) are passed per call via WithBundle.
type Adapter struct {
	cfg  Config
	runc *runc.Runc
}

// New constructs an Adapter. exits is the reaper's shared exit table,
// wired into go-runc's ProcessMonitor so that Adapter's blocking calls
// recover from ECHILD the way §4.1 requires.
func New(cfg Config, exits ExitTable) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "runc"
	}
	root := filepath.Join(cfg.Root, cfg.Namespace)
	// NOTIFY_SOCKET must not leak into the runtime subprocess: runc
	// forwards sd_notify on behalf of the container, and an inherited
	// NOTIFY_SOCKET would make it ready too early (§4.1).
	os.Unsetenv(notifySocketEnv)
	r := &runc.Runc{
		Command:       cfg.Binary,
		Root:          root,
		Debug:         cfg.Debug,
		LogFormat:     runc.JSON,
		SystemdCgroup: cfg.SystemdCgroup,
		Rootless:      cfg.Rootless,
		PdeathSignal:  syscall.SIGKILL,
		Monitor:       newMonitor(exits),
	}
	return &Adapter{cfg: cfg, runc: r}
}

// WithBundle returns a copy of the Adapter pointed at a specific bundle's
// log.json, matching the teacher's per-container runc.Runc cloning idiom.
func (a *Adapter) WithBundle(bundle string) *Adapter {
	clone := *a.runc
	clone.Log = filepath.Join(bundle, "log.json")
	return &Adapter{cfg: a.cfg, runc: &clone}
}

// CreateOpts mirrors §4.1's create contract.
type CreateOpts struct {
	PidFile       string
	ConsoleSocket runc.ConsoleSocket
	NoPivot       bool
	NoNewKeyring  bool
	IO            runc.IO
}

// Create invokes `runc create`. Stdin is /dev/null, stdout/stderr captured;
// on success bundle/init.pid holds pid 1.
func (a *Adapter) Create(ctx context.Context, id, bundle string, opts CreateOpts) error {
	if _, err := os.Stat(bundle); err != nil {
		if os.IsNotExist(err) {
			return errdefs.ErrNotFound
		}
		return err
	}
	err := a.runc.Create(ctx, id, bundle, &runc.CreateOpts{
		PidFile:       opts.PidFile,
		ConsoleSocket: opts.ConsoleSocket,
		NoPivot:       opts.NoPivot,
		NoNewKeyring:  opts.NoNewKeyring,
		IO:            opts.IO,
	})
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, id)
	}
	return a.classifyWithLog(bundle, err)
}

func (a *Adapter) Start(ctx context.Context, id string) error {
	return a.runc.Start(ctx, id)
}

func (a *Adapter) Delete(ctx context.Context, id string, force bool) error {
	return a.runc.Delete(ctx, id, &runc.DeleteOpts{Force: force})
}

func (a *Adapter) Pause(ctx context.Context, id string) error {
	return a.runc.Pause(ctx, id)
}

func (a *Adapter) Resume(ctx context.Context, id string) error {
	return a.runc.Resume(ctx, id)
}

// Kill forwards a signal, classifying the common "already dead" errors into
// NotFound per §4.1/§7's substring classifier.
func (a *Adapter) Kill(ctx context.Context, id string, sig int, all bool) error {
	err := a.runc.Kill(ctx, id, sig, &runc.KillOpts{All: all})
	if err == nil {
		return nil
	}
	return classifyKillError(err)
}

// classifyKillError implements §4.1/§7's substring classifier, grounded on
// original_source's check_kill_error (common.rs) and reaper.rs's process.rs
// analogue.
func classifyKillError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "process already finished"),
		strings.Contains(msg, "container not running"),
		strings.Contains(msg, "no such process"):
		return fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	case strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: no such container", errdefs.ErrNotFound)
	default:
		return err
	}
}

// State mirrors §4.1's decoded state record.
type State struct {
	ID          string            `json:"id"`
	Pid         int               `json:"pid"`
	Status      string            `json:"status"`
	Bundle      string            `json:"bundle"`
	Rootfs      string            `json:"rootfs"`
	Created     string            `json:"created"`
	Annotations map[string]string `json:"annotations"`
}

func (a *Adapter) State(ctx context.Context, id string) (State, error) {
	c, err := a.runc.State(ctx, id)
	if err != nil {
		return State{}, err
	}
	return State{
		ID:          c.ID,
		Pid:         c.Pid,
		Status:      c.Status,
		Bundle:      c.Bundle,
		Rootfs:      c.Rootfs,
		Created:     c.Created.String(),
		Annotations: c.Annotations,
	}, nil
}

// Ps returns the container's live pids; go-runc already decodes runc's
// `null`-on-empty output as a nil/empty slice (§8 boundary behavior).
func (a *Adapter) Ps(ctx context.Context, id string) ([]int, error) {
	return a.runc.Ps(ctx, id)
}

// ErrMissingStats is §4.1's stats() failure mode: the runtime's events
// payload decoded without error but carried no stats field.
var ErrMissingStats = errors.New("runc: missing stats in events payload")

// Stats mirrors §4.1's single-shot stats(id) call: one decoded event
// record (via go-runc's own `runc events --stats` wrapper), MissingStats
// if its payload has no stats field.
func (a *Adapter) Stats(ctx context.Context, id string) (*runc.Stats, error) {
	st, err := a.runc.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingStats, id)
	}
	return st, nil
}

// Events mirrors §4.1's events(id, interval) call: a restartable but
// finite (terminates on subprocess exit) sequence of decoded event
// records, streamed from go-runc's own `runc events` wrapper.
func (a *Adapter) Events(ctx context.Context, id string, interval time.Duration) (chan *runc.Event, error) {
	return a.runc.Events(ctx, id, interval)
}

// ExecOpts mirrors §4.1's exec contract: the process spec is serialized by
// go-runc to a temp file passed via --process and removed on return.
type ExecOpts struct {
	PidFile       string
	ConsoleSocket runc.ConsoleSocket
	IO            runc.IO
	Detach        bool
}

func (a *Adapter) Exec(ctx context.Context, id string, spec specs.Process, opts ExecOpts) error {
	return a.runc.Exec(ctx, id, spec, &runc.ExecOpts{
		PidFile:       opts.PidFile,
		ConsoleSocket: opts.ConsoleSocket,
		IO:            opts.IO,
		Detach:        opts.Detach,
	})
}

func (a *Adapter) Update(ctx context.Context, id string, resources *specs.LinuxResources) error {
	return a.runc.Update(ctx, id, resources)
}

// Version mirrors §4.1's line-oriented parse of `runc --version`.
type Version struct {
	Runc   string
	Spec   string
	Commit string
}

func (a *Adapter) Version(ctx context.Context) (Version, error) {
	v, err := a.runc.Version(ctx)
	if err != nil {
		return Version{}, err
	}
	return Version{Runc: v.Runc, Spec: v.Spec, Commit: v.Commit}, nil
}

// TopResult holds the headers and rows of `runc ps -f`; PID is required, the last column
// (cmdline) is whitespace-joined because it may itself contain whitespace.
type TopResult struct {
	Headers []string
	Rows    [][]string
}

func (a *Adapter) Top(ctx context.Context, id, psOptions string) (TopResult, error) {
	res, err := a.runc.Top(ctx, id, psOptions)
	if err != nil {
		return TopResult{}, err
	}
	return TopResult{Headers: res.Headers, Rows: res.Processes}, nil
}

// classifyWithLog implements §7's "Propagation policy": inspect the
// bundle's log.json for the last error-level entry and substitute its
// message for the raw subprocess error.
func (a *Adapter) classifyWithLog(bundle string, fallback error) error {
	entry, ok := lastErrorLogEntry(filepath.Join(bundle, "log.json"))
	if !ok {
		return fallback
	}
	return fmt.Errorf("%w: %s", errdefs.ErrUnknown, entry)
}

type runcLogLine struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func lastErrorLogEntry(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var last runcLogLine
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line runcLogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		last = line
		found = true
	}
	if !found || last.Level != "error" {
		return "", false
	}
	return last.Msg, true
}

// ExitCode renders a wait-style (pid, status) signal exit code as §8
// scenario 1 expects: 128+signal for a signal death.
func ExitCode(waitStatus syscall.WaitStatus) int {
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal())
	}
	return waitStatus.ExitStatus()
}

// NewConsoleSocketName derives the deterministic per-id console socket
// path named in §4.2 ("temp-dir + <id>.console").
func NewConsoleSocketName(tmpDir, id string) string {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return filepath.Join(tmpDir, id+".console")
}
