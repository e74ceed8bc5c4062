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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/console"
	"github.com/containerd/errdefs"
	runc "github.com/containerd/go-runc"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/ningmingxiao/rshim/pkg/runtime"
)

// Exec is an Exec Process Object (§3/§4.4). Its lifetime is a strict
// subset of its owning Init's (§3 invariant 6).
type Exec struct {
	mu sync.Mutex

	id          string
	containerID string
	initID      string
	bundle      string

	spec  specs.Process
	stdio Stdio

	pid   int
	state ExecState

	latch *ExitLatch
	rt    *runtime.Adapter

	copier  *Copier
	console console.Console

	closeIOOnce    sync.Once
	stdinKeepAlive interface{ Close() error }
}

// NewExec constructs an Exec in ExecCreated (§4.6 "exec... inserts an
// ExecCreated").
func NewExec(id, containerID, initID, bundle string, spec specs.Process, stdio Stdio, rt *runtime.Adapter) *Exec {
	return &Exec{
		id:          id,
		containerID: containerID,
		initID:      initID,
		bundle:      bundle,
		spec:        spec,
		stdio:       stdio,
		state:       ExecCreated,
		latch:       NewExitLatch(),
		rt:          rt.WithBundle(bundle),
	}
}

func (p *Exec) ID() string          { return p.id }
func (p *Exec) ContainerID() string { return p.containerID }

func (p *Exec) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Exec) State() ExecState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Exec) pidFilePath() string {
	return filepath.Join(os.TempDir(), p.initID+"-"+p.id+".pid")
}

// Start mirrors Init.Create's I/O dispatch with detach:true and pid read
// from the per-exec pid file (§4.4's exec start contract).
func (p *Exec) Start(ctx context.Context, ioUID, ioGID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.state.Transition(EventStart)
	if err != nil {
		return err
	}

	pidFile := p.pidFilePath()

	if p.stdio.Terminal {
		sockPath := runtime.NewConsoleSocketName(os.TempDir(), p.id)
		socket, serr := runc.NewConsoleSocket(sockPath)
		if serr != nil {
			return fmt.Errorf("%w: console socket: %v", errdefs.ErrUnknown, serr)
		}
		defer func() {
			socket.Close()
			os.Remove(sockPath)
		}()

		if eerr := p.rt.Exec(ctx, p.containerID, p.spec, runtime.ExecOpts{
			PidFile:       pidFile,
			ConsoleSocket: socket,
			Detach:        true,
		}); eerr != nil {
			return eerr
		}

		master, merr := socket.ReceiveMaster()
		if merr != nil {
			return fmt.Errorf("%w: receive console master: %v", errdefs.ErrUnknown, merr)
		}
		p.console = master

		copier, cerr := StartConsoleCopier(ctx, master, p.stdio.Stdin, p.stdio.Stdout)
		if cerr != nil {
			return cerr
		}
		p.copier = copier
	} else {
		io_, serr := SetupIO(p.id, ioUID, ioGID, p.stdio)
		if serr != nil {
			return serr
		}

		eerr := p.rt.Exec(ctx, p.containerID, p.spec, runtime.ExecOpts{
			PidFile: pidFile,
			IO:      io_.Runc,
			Detach:  true,
		})
		io_.Runc.CloseAfterStart()
		if eerr != nil {
			return eerr
		}

		if io_.Copy {
			copier, cerr := StartPipeCopier(ctx, io_.Runc, *io_)
			if cerr != nil {
				return cerr
			}
			p.copier = copier
		}
	}

	pid, perr := readPidFile(pidFile)
	if perr != nil {
		return perr
	}
	p.pid = pid
	p.state = next
	return nil
}

// Kill: NotFound if Deleted; FailedPrecondition if never started;
// NotFound "process already finished" if already exited (§4.4). Unlike
// Init.Kill, an exec process is killed directly by pid (unix kill), not
// via the runtime's container-level kill — grounded on the Rust
// original's ExecProcess::kill in process.rs.
func (p *Exec) Kill(ctx context.Context, sig int, all bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ExecDeleted {
		return fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	}
	if p.pid == 0 {
		return fmt.Errorf("%w: process not created", errdefs.ErrFailedPrecondition)
	}
	if p.state == ExecStopped {
		return fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	}
	if err := unix.Kill(p.pid, unix.Signal(sig)); err != nil {
		if err == unix.ESRCH {
			return fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
		}
		return err
	}
	return nil
}

// Resize sets the PTY window size for this exec's console, if any.
func (p *Exec) Resize(ws console.WinSize) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.console == nil {
		return fmt.Errorf("%w: process has no console", errdefs.ErrFailedPrecondition)
	}
	return p.console.Resize(ws)
}

// CloseIO is idempotent (§8).
func (p *Exec) CloseIO() error {
	p.closeIOOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stdinKeepAlive != nil {
			p.stdinKeepAlive.Close()
			p.stdinKeepAlive = nil
		}
	})
	return nil
}

// Delete: allowed from ExecCreated/ExecStopped; removes the per-exec pid
// file (§4.4).
func (p *Exec) Delete(ctx context.Context) (pid, status int, exitedAt time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == ExecDeleted {
		return 0, 0, time.Time{}, fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	}
	next, terr := p.state.Transition(EventDelete)
	if terr != nil {
		return 0, 0, time.Time{}, terr
	}

	os.Remove(p.pidFilePath())
	if p.copier != nil {
		p.copier.Close()
	}

	status, exitedAt, _ = p.latch.Peek()
	pid = p.pid
	p.state = next
	return pid, status, exitedAt, nil
}

// SetExited mirrors Init.SetExited (§4.4).
func (p *Exec) SetExited(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ExecStopped || p.state == ExecDeleted {
		return
	}
	p.state = ExecStopped
	p.latch.Fire(status, time.Now())
}

func (p *Exec) ExitStatus() (int, time.Time, bool) {
	return p.latch.Peek()
}

func (p *Exec) Wait() (int, time.Time) {
	return p.latch.Wait()
}

func (p *Exec) Latch() *ExitLatch {
	return p.latch
}
